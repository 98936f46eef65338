// Package poller reconciles persisted session state against the batch
// scheduler for all users in one background loop.
//
// The loop is adaptive twice over: the base interval follows the worst
// time-to-expiry across running sessions, and a change hash applies
// progressive backoff while the scheduler keeps answering the same thing.
// Wake signals from the front door reset the backoff and trigger an
// immediate tick.
package poller

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clusterdesk/clusterdesk/internal/cluster/slurm"
	"github.com/clusterdesk/clusterdesk/internal/common/logger"
	"github.com/clusterdesk/clusterdesk/internal/events/bus"
	"github.com/clusterdesk/clusterdesk/internal/metrics"
	"github.com/clusterdesk/clusterdesk/internal/session"
	"github.com/clusterdesk/clusterdesk/internal/session/store"
)

// Interrogator is the scheduler read the poller depends on.
type Interrogator interface {
	GetAllJobs(ctx context.Context, user, cluster string) (map[session.IDE]*slurm.JobRecord, error)
}

// Connector is the slice of the orchestrator the poller drives.
type Connector interface {
	Connect(ctx context.Context, key session.Key, node string) error
	MarkExpired(key session.Key)
}

// Pacing bounds for the adaptive interval.
const (
	intervalFloor  = 15 * time.Second
	intervalNoWork = 30 * time.Minute
	backoffFactor  = 1.5
	timeLeftBucket = 5 * time.Minute
)

// Config carries the poller's tunables.
type Config struct {
	BackoffThreshold int
	MaxInterval      time.Duration
}

// Poller is the per-process reconciliation loop.
type Poller struct {
	cfg       Config
	store     *store.Store
	sched     Interrogator
	connector Connector
	eventBus  bus.EventBus
	logger    *logger.Logger

	wake chan struct{}

	mu             sync.Mutex
	running        bool
	stopCh         chan struct{}
	wg             sync.WaitGroup
	lastHash       uint64
	unchangedTicks int
}

// New creates a poller.
func New(cfg Config, st *store.Store, sched Interrogator, connector Connector, eventBus bus.EventBus, log *logger.Logger) *Poller {
	if cfg.BackoffThreshold <= 0 {
		cfg.BackoffThreshold = 3
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = time.Hour
	}
	return &Poller{
		cfg:       cfg,
		store:     st,
		sched:     sched,
		connector: connector,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "poller")),
		wake:      make(chan struct{}, 1),
	}
}

// Start begins the reconciliation loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.logger.Info("poller starting")
	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop stops the loop and waits for the in-flight tick.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("poller stopped")
}

// Wake resets the backoff and triggers an immediate tick. The front door
// calls this on client visibility signals and forced refreshes.
func (p *Poller) Wake() {
	p.mu.Lock()
	p.unchangedTicks = 0
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	for {
		p.Tick(ctx)

		interval := p.nextInterval()
		p.logger.Debug("next poll", zap.Duration("interval", interval))

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.stopCh:
			timer.Stop()
			return
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Tick reconciles every (user, cluster) with active sessions. Reads for one
// user run concurrently; reconciliation commits are serialised through the
// state store. A failed read for one pair does not block the others; the
// affected sessions keep their previous state.
func (p *Poller) Tick(ctx context.Context) {
	metrics.PollTicksTotal.Inc()

	pairs := p.store.ActiveUserClusters()
	type pollResult struct {
		user, cluster string
		jobs          map[session.IDE]*slurm.JobRecord
	}

	results := make([]*pollResult, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	for i, pair := range pairs {
		i, user, cluster := i, pair[0], pair[1]
		g.Go(func() error {
			jobs, err := p.sched.GetAllJobs(gctx, user, cluster)
			if err != nil {
				metrics.PollErrorsTotal.WithLabelValues(cluster).Inc()
				p.logger.Warn("queue read failed",
					zap.String("user", user),
					zap.String("cluster", cluster),
					zap.Error(err))
				return nil
			}
			results[i] = &pollResult{user: user, cluster: cluster, jobs: jobs}
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res == nil {
			continue
		}
		p.reconcile(ctx, res.user, res.cluster, res.jobs)
	}

	p.updateChangeHash()
}

// reconcile applies one (user, cluster) queue snapshot to the store.
func (p *Poller) reconcile(ctx context.Context, user, cluster string, jobs map[session.IDE]*slurm.JobRecord) {
	for _, sess := range p.store.ListActive() {
		if sess.Key.User != user || sess.Key.Cluster != cluster {
			continue
		}
		rec := jobs[sess.Key.IDE]

		switch {
		case rec == nil:
			// The job left the queue: a clean completion for this session.
			p.connector.MarkExpired(sess.Key)
			p.publishSession(sess.Key, "ended")

		case sess.Status == session.StatusPending && rec.Running():
			// Allocation arrived after the launch stream gave up.
			if err := p.connector.Connect(ctx, sess.Key, rec.Node); err != nil {
				p.logger.Warn("connecting matured session failed",
					zap.String("session_key", sess.Key.String()),
					zap.Error(err))
			} else {
				p.publishSession(sess.Key, "running")
			}

		case sess.Status == session.StatusPending:
			// Still waiting; refresh the start estimate for the UI.
			p.updateQuiet(sess.Key, func(s *session.Session) {
				s.JobID = rec.ID
				s.StartEstimate = rec.StartTime
				s.TimeLimitSeconds = rec.TimeLimitSeconds
			})

		case sess.Status == session.StatusRunning:
			changed := sess.TimeLeftSeconds/60 != rec.TimeLeftSeconds/60
			p.updateQuiet(sess.Key, func(s *session.Session) {
				s.TimeLeftSeconds = rec.TimeLeftSeconds
				s.TimeLimitSeconds = rec.TimeLimitSeconds
			})
			if changed {
				p.publishSession(sess.Key, "updated")
			}
		}
	}
}

func (p *Poller) updateQuiet(key session.Key, fn func(*session.Session)) {
	if _, err := p.store.Update(key, func(s *session.Session) error {
		fn(s)
		return nil
	}); err != nil {
		p.logger.Warn("updating session", zap.String("session_key", key.String()), zap.Error(err))
	}
}

func (p *Poller) publishSession(key session.Key, change string) {
	if p.eventBus == nil {
		return
	}
	sess, ok := p.store.Get(key)
	if !ok {
		return
	}
	event := bus.NewEvent(bus.SessionUpdated, "poller", map[string]interface{}{
		"key":    key.String(),
		"change": change,
		"status": string(sess.Status),
	})
	if err := p.eventBus.Publish(context.Background(), bus.SessionUpdated, event); err != nil {
		p.logger.Warn("publishing session event", zap.Error(err))
	}
}

// updateChangeHash recomputes the tick's state hash and advances or resets
// the unchanged-tick counter.
func (p *Poller) updateChangeHash() {
	h := fnv.New64a()
	for _, sess := range p.store.ListActive() {
		fmt.Fprintf(h, "%s|%s|%s|%d;",
			sess.Key, sess.Status, sess.JobID,
			time.Duration(sess.TimeLeftSeconds)*time.Second/timeLeftBucket)
	}
	sum := h.Sum64()

	p.mu.Lock()
	defer p.mu.Unlock()
	if sum == p.lastHash {
		p.unchangedTicks++
	} else {
		p.unchangedTicks = 0
	}
	p.lastHash = sum
}

// nextInterval applies the time-to-expiry pacing table and the progressive
// backoff multiplier.
func (p *Poller) nextInterval() time.Duration {
	base := p.baseInterval()

	p.mu.Lock()
	k := p.unchangedTicks
	p.mu.Unlock()

	if k >= p.cfg.BackoffThreshold {
		backoff := time.Duration(float64(base) * math.Pow(backoffFactor, float64(k-p.cfg.BackoffThreshold+1)))
		if backoff > p.cfg.MaxInterval {
			backoff = p.cfg.MaxInterval
		}
		return backoff
	}
	return base
}

// baseInterval picks the interval from the worst time-left across running
// sessions. Any pending session pins the floor; no sessions at all idles at
// the no-work interval.
func (p *Poller) baseInterval() time.Duration {
	active := p.store.ListActive()
	if len(active) == 0 {
		return intervalNoWork
	}

	worst := time.Duration(math.MaxInt64)
	for _, sess := range active {
		if sess.Status == session.StatusPending {
			return intervalFloor
		}
		left := time.Duration(sess.TimeLeftSeconds) * time.Second
		if left < worst {
			worst = left
		}
	}

	thresholds := []struct {
		upTo     time.Duration
		interval time.Duration
	}{
		{10 * time.Minute, intervalFloor},
		{30 * time.Minute, time.Minute},
		{time.Hour, 5 * time.Minute},
		{6 * time.Hour, 10 * time.Minute},
	}
	for _, t := range thresholds {
		if worst < t.upTo {
			return t.interval
		}
	}
	return 30 * time.Minute
}
