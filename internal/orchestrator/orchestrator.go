// Package orchestrator drives the launch and stop state machines that tie
// the scheduler, script builder, tunnel manager, and proxy registry
// together.
//
// Within one session key operations are serialised by a per-key mutex: at
// most one launch or stop is in flight per key. Across keys there is no
// ordering guarantee; the poller and reaper may race with an in-flight
// launch, but every mutation of a key goes through its lock and commits to
// the state store atomically.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clusterdesk/clusterdesk/internal/cluster/script"
	"github.com/clusterdesk/clusterdesk/internal/cluster/slurm"
	"github.com/clusterdesk/clusterdesk/internal/common/config"
	apperrors "github.com/clusterdesk/clusterdesk/internal/common/errors"
	"github.com/clusterdesk/clusterdesk/internal/common/logger"
	"github.com/clusterdesk/clusterdesk/internal/events/bus"
	"github.com/clusterdesk/clusterdesk/internal/metrics"
	"github.com/clusterdesk/clusterdesk/internal/proxy"
	"github.com/clusterdesk/clusterdesk/internal/session"
	"github.com/clusterdesk/clusterdesk/internal/session/store"
)

// Scheduler is the slice of the cluster interrogator the orchestrator uses.
type Scheduler interface {
	GetJob(ctx context.Context, user, cluster, jobID string) (*slurm.JobRecord, error)
	Submit(ctx context.Context, user, cluster string, ide session.IDE, res session.Resources, script string) (string, error)
	Cancel(ctx context.Context, user, cluster, jobID string) error
	CheckJobExists(ctx context.Context, user, cluster, jobID string) (bool, error)
}

// PortReader reads the dynamic IDE port off the compute node.
type PortReader interface {
	ReadPort(ctx context.Context, user, cluster string, ide session.IDE, defaultPort int) (int, error)
}

// TunnelManager is the slice of the tunnel manager the orchestrator uses.
type TunnelManager interface {
	Start(ctx context.Context, key session.Key, node string, remotePort int) (int, error)
	Stop(key session.Key)
}

// ProxyRegistry is the slice of the proxy registry the orchestrator uses.
type ProxyRegistry interface {
	Create(ide session.IDE, info proxy.SessionInfo) *proxy.Handle
	Release(key session.Key)
}

// Config carries the state machine's bounds.
type Config struct {
	AllocationAttempts int           // polls before pending-timeout
	AllocationInterval time.Duration // pause between allocation polls
	PortFileAttempts   int           // port file reads before default fallback
	PortFileInterval   time.Duration // base pause between port file reads
	ReadRetries        int           // transient retry budget for scheduler reads
	ReadRetryDelay     time.Duration
	StopTimeout        time.Duration // overall cap on a Stop operation
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		AllocationAttempts: 60,
		AllocationInterval: 5 * time.Second,
		PortFileAttempts:   30,
		PortFileInterval:   time.Second,
		ReadRetries:        3,
		ReadRetryDelay:     2 * time.Second,
		StopTimeout:        15 * time.Second,
	}
}

// Orchestrator runs the launch/connect state machine.
type Orchestrator struct {
	cfg          Config
	clusters     map[string]config.ClusterConfig
	ides         map[string]config.IDEConfig
	externalHost string

	store    *store.Store
	sched    Scheduler
	builder  *script.Builder
	ports    PortReader
	tunnels  TunnelManager
	proxies  ProxyRegistry
	eventBus bus.EventBus
	logger   *logger.Logger

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// New creates an orchestrator.
func New(
	cfg Config,
	clusters map[string]config.ClusterConfig,
	ides map[string]config.IDEConfig,
	externalHost string,
	st *store.Store,
	sched Scheduler,
	builder *script.Builder,
	ports PortReader,
	tunnels TunnelManager,
	proxies ProxyRegistry,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		clusters:     clusters,
		ides:         ides,
		externalHost: externalHost,
		store:        st,
		sched:        sched,
		builder:      builder,
		ports:        ports,
		tunnels:      tunnels,
		proxies:      proxies,
		eventBus:     eventBus,
		logger:       log.WithFields(zap.String("component", "orchestrator")),
	}
}

// keyLock returns the mutex serialising operations on one session key.
func (o *Orchestrator) keyLock(key session.Key) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.keyLocks == nil {
		o.keyLocks = make(map[string]*sync.Mutex)
	}
	l, ok := o.keyLocks[key.String()]
	if !ok {
		l = &sync.Mutex{}
		o.keyLocks[key.String()] = l
	}
	return l
}

// LaunchSpec is the caller's resource and release request.
type LaunchSpec struct {
	CPUs            int
	Memory          string
	WalltimeSeconds int64
	Release         string
	GPU             string
}

// Launch starts (or reports a conflict for) a session and returns its event
// stream. The stream is finite and delivered in order; cancellation of ctx
// (the stream consumer disconnecting) tears the launch down.
func (o *Orchestrator) Launch(ctx context.Context, key session.Key, spec LaunchSpec) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		o.runLaunch(ctx, key, spec, events)
	}()
	return events
}

func (o *Orchestrator) runLaunch(ctx context.Context, key session.Key, spec LaunchSpec, events chan<- Event) {
	lock := o.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	log := o.logger.WithSession(key.String())

	cluster, ok := o.clusters[key.Cluster]
	if !ok {
		o.emit(events, errorEvent(apperrors.NotFound("cluster", key.Cluster)))
		return
	}
	ideCfg, ok := o.ides[string(key.IDE)]
	if !ok {
		o.emit(events, errorEvent(apperrors.NotFound("ide", string(key.IDE))))
		return
	}

	release := spec.Release
	if release == "" {
		release = cluster.DefaultRelease
	}

	token := ""
	if key.IDE == session.IDECode || key.IDE == session.IDEJupyter {
		token = uuid.New().String()
	}

	now := time.Now().UTC()
	sess := &session.Session{
		Key:     key,
		Status:  session.StatusPending,
		Token:   token,
		Release: release,
		Resources: session.Resources{
			CPUs:            spec.CPUs,
			Memory:          spec.Memory,
			WalltimeSeconds: spec.WalltimeSeconds,
			GPU:             spec.GPU,
		},
		CreatedAt:    now,
		LastActivity: now,
	}

	// Exclusivity: at most one active session per key, checked atomically
	// against the store before anything is submitted.
	existing, created, err := o.store.PutIfInactive(sess)
	if err != nil {
		o.emit(events, errorEvent(apperrors.InternalError("persisting session", err)))
		return
	}
	if !created {
		metrics.LaunchesTotal.WithLabelValues(string(key.IDE), "conflict").Inc()
		o.emit(events, errorEvent(apperrors.Conflict(existing.Key.String(), existing.JobID)))
		return
	}

	// submitting
	o.emit(events, progressEvent(10, "submitting", "building job script"))

	image, err := cluster.Image(release, string(key.IDE))
	if err != nil {
		o.failLaunch(key, events, apperrors.BadRequest(err.Error()))
		return
	}

	jobScript, err := o.builder.Build(script.Params{
		IDE:            key.IDE,
		User:           key.User,
		CPUs:           spec.CPUs,
		Image:          image,
		LibraryRoot:    cluster.LibraryRoot,
		Release:        release,
		GPU:            spec.GPU,
		Token:          token,
		BasePath:       ideCfg.BasePath,
		InternalPath:   ideCfg.InternalPath,
		DefaultPort:    ideCfg.DefaultPort,
		SessionKeyFile: fmt.Sprintf(".clusterdesk/rstudio/%s-%s.key", key.Cluster, key.IDE),
	})
	if err != nil {
		o.failLaunch(key, events, apperrors.InternalError("building job script", err))
		return
	}

	// Submission is never retried: an ambiguous failure could have queued a
	// job we no longer know the id of, and a human must reconcile.
	jobID, err := o.sched.Submit(ctx, key.User, key.Cluster, key.IDE, sess.Resources, jobScript)
	if err != nil {
		o.failLaunch(key, events, apperrors.AsAppError(err))
		return
	}

	if _, err := o.store.Update(key, func(s *session.Session) error {
		s.JobID = jobID
		return nil
	}); err != nil {
		log.Error("persisting job id", zap.Error(err))
	}

	o.emit(events, Event{Type: EventProgress, Progress: 30, Step: "submitting", Message: "job " + jobID + " queued", JobID: jobID})

	// awaiting-allocation
	rec, timedOut, err := o.awaitAllocation(ctx, key, jobID, events)
	if err != nil {
		o.cancelLaunch(key, jobID, events, apperrors.AsAppError(err))
		return
	}
	if timedOut {
		// The session persists as pending: the background poller takes it
		// from here and it shows as a pending card in the UI.
		metrics.LaunchesTotal.WithLabelValues(string(key.IDE), "pending-timeout").Inc()
		o.emit(events, Event{Type: EventPendingTimeout, JobID: jobID})
		return
	}

	if _, err := o.store.Update(key, func(s *session.Session) error {
		s.Node = rec.Node
		s.TimeLeftSeconds = rec.TimeLeftSeconds
		s.TimeLimitSeconds = rec.TimeLimitSeconds
		return nil
	}); err != nil {
		log.Error("persisting node assignment", zap.Error(err))
	}
	o.emit(events, progressEvent(65, "awaiting-allocation", "allocated node "+rec.Node))

	// waiting-for-ide
	o.emit(events, progressEvent(75, "waiting-for-ide", "waiting for the IDE to pick a port"))
	idePort, err := o.resolvePort(ctx, key, ideCfg.DefaultPort)
	if err != nil {
		o.cancelLaunch(key, jobID, events, apperrors.AsAppError(err))
		return
	}

	// establishing
	o.emit(events, progressEvent(90, "establishing", "opening tunnel"))
	localPort, err := o.tunnels.Start(ctx, key, rec.Node, idePort)
	if err != nil {
		o.failRunningLaunch(key, jobID, events, apperrors.AsAppError(err))
		return
	}

	o.proxies.Create(key.IDE, proxy.SessionInfo{
		Key:          key,
		Token:        token,
		BasePath:     ideCfg.BasePath,
		InternalPath: ideCfg.InternalPath,
		LocalPort:    localPort,
		ExternalHost: o.externalHost,
	})
	o.emit(events, progressEvent(99, "establishing", "registering proxy route"))

	// running
	updated, err := o.store.Update(key, func(s *session.Session) error {
		s.IDEPort = idePort
		s.LocalPort = localPort
		s.MarkRunning(time.Now())
		return nil
	})
	if err != nil {
		o.failRunningLaunch(key, jobID, events, apperrors.InternalError("persisting running session", err))
		return
	}

	o.publish(bus.SessionRunning, updated)
	metrics.LaunchesTotal.WithLabelValues(string(key.IDE), "running").Inc()
	log.Info("session running",
		zap.String("job_id", jobID),
		zap.String("node", rec.Node),
		zap.Int("ide_port", idePort),
		zap.Int("local_port", localPort))

	o.emit(events, Event{Type: EventComplete, Progress: 100, RedirectURL: ideCfg.BasePath + "/", JobID: jobID})
}

// awaitAllocation polls the scheduler until the job runs on a node, the
// attempt budget is exhausted (timedOut=true), or ctx is cancelled.
func (o *Orchestrator) awaitAllocation(ctx context.Context, key session.Key, jobID string, events chan<- Event) (*slurm.JobRecord, bool, error) {
	for attempt := 0; attempt < o.cfg.AllocationAttempts; attempt++ {
		rec, err := o.readJob(ctx, key, jobID)
		if err != nil {
			return nil, false, err
		}
		if rec != nil && rec.Running() {
			return rec, false, nil
		}

		if attempt%6 == 0 {
			// 45 -> 65% across the allocation window.
			progress := 45 + attempt*20/o.cfg.AllocationAttempts
			o.emit(events, progressEvent(progress, "awaiting-allocation", "waiting for the scheduler"))
		}

		select {
		case <-ctx.Done():
			return nil, false, apperrors.TransientRemote("launch cancelled", ctx.Err())
		case <-time.After(o.cfg.AllocationInterval):
		}
	}
	return nil, true, nil
}

// readJob is an idempotent scheduler read with the transient retry budget.
func (o *Orchestrator) readJob(ctx context.Context, key session.Key, jobID string) (*slurm.JobRecord, error) {
	var lastErr error
	for i := 0; i <= o.cfg.ReadRetries; i++ {
		rec, err := o.sched.GetJob(ctx, key.User, key.Cluster, jobID)
		if err == nil {
			return rec, nil
		}
		if !apperrors.IsTransient(err) {
			return nil, err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(o.cfg.ReadRetryDelay):
		}
	}
	return nil, lastErr
}

// resolvePort reads the port file with growing pauses, falling back to the
// IDE default once the attempt budget is spent.
func (o *Orchestrator) resolvePort(ctx context.Context, key session.Key, defaultPort int) (int, error) {
	delay := o.cfg.PortFileInterval
	for attempt := 0; attempt < o.cfg.PortFileAttempts; attempt++ {
		port, err := o.ports.ReadPort(ctx, key.User, key.Cluster, key.IDE, defaultPort)
		if err == nil {
			return port, nil
		}
		if err != script.ErrPortFileAbsent && !apperrors.IsTransient(err) {
			return 0, err
		}

		select {
		case <-ctx.Done():
			return 0, apperrors.TransientRemote("launch cancelled", ctx.Err())
		case <-time.After(delay):
		}
		if delay < 4*o.cfg.PortFileInterval {
			delay = delay * 3 / 2
		}
	}

	o.logger.WithSession(key.String()).Warn("port file never appeared, using default port",
		zap.Int("default", defaultPort))
	return defaultPort, nil
}

// failLaunch marks a pre-allocation launch failed. Nothing downstream of
// the store exists yet.
func (o *Orchestrator) failLaunch(key session.Key, events chan<- Event, appErr *apperrors.AppError) {
	o.endSession(key, session.StatusFailed, session.EndFailure)
	metrics.LaunchesTotal.WithLabelValues(string(key.IDE), "failed").Inc()
	o.emit(events, errorEvent(appErr))
}

// cancelLaunch runs the teardown ladder for a launch abandoned after
// submission (caller disconnect or a non-recoverable read failure).
func (o *Orchestrator) cancelLaunch(key session.Key, jobID string, events chan<- Event, appErr *apperrors.AppError) {
	o.teardown(key, jobID, true)
	o.endSession(key, session.StatusCancelled, session.EndUser)
	metrics.LaunchesTotal.WithLabelValues(string(key.IDE), "cancelled").Inc()
	o.emit(events, errorEvent(appErr))
}

// failRunningLaunch runs the teardown ladder for a launch that died while
// establishing the tunnel or proxy.
func (o *Orchestrator) failRunningLaunch(key session.Key, jobID string, events chan<- Event, appErr *apperrors.AppError) {
	o.teardown(key, jobID, true)
	o.endSession(key, session.StatusFailed, session.EndFailure)
	metrics.LaunchesTotal.WithLabelValues(string(key.IDE), "failed").Inc()
	o.emit(events, errorEvent(appErr))
}

// Stop cancels a session. Partial teardown failures are reported but do not
// block the next step; the state store is updated last so a crash
// mid-teardown leaves a recoverable record.
func (o *Orchestrator) Stop(ctx context.Context, key session.Key, cancelJob bool, reason session.EndReason) error {
	lock := o.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	sess, ok := o.store.Get(key)
	if !ok {
		return apperrors.NotFound("session", key.String())
	}
	if sess.Status.Terminal() {
		// Idempotent against an already-cancelled session.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, o.cfg.StopTimeout)
	defer cancel()

	if cancelJob && sess.JobID != "" {
		if err := o.sched.Cancel(stopCtx, key.User, key.Cluster, sess.JobID); err != nil {
			o.logger.WithSession(key.String()).Warn("scheduler cancel failed",
				zap.String("job_id", sess.JobID), zap.Error(err))
		}
	}
	o.tunnels.Stop(key)
	o.proxies.Release(key)

	status := session.StatusCancelled
	if reason == session.EndFailure || reason == session.EndTunnelLost || reason == session.EndSchedulerLost {
		status = session.StatusFailed
	}
	o.endSession(key, status, reason)

	o.logger.WithSession(key.String()).Info("session stopped",
		zap.String("reason", string(reason)), zap.Bool("cancel_job", cancelJob))
	return nil
}

// HandleTunnelExit is wired to the tunnel manager's exit callback: a tunnel
// dying under a running session fails the session and releases its proxy.
// When the job also vanished from the queue the end reason is
// scheduler-lost rather than tunnel-lost.
func (o *Orchestrator) HandleTunnelExit(key session.Key) {
	lock := o.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	sess, ok := o.store.Get(key)
	if !ok || sess.Status != session.StatusRunning {
		// Covers passthrough tunnels that have no session record: their
		// binding still has to go.
		o.proxies.Release(key)
		return
	}

	reason := session.EndTunnelLost
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StopTimeout)
	defer cancel()
	if exists, err := o.sched.CheckJobExists(ctx, key.User, key.Cluster, sess.JobID); err == nil && !exists {
		reason = session.EndSchedulerLost
	}

	o.proxies.Release(key)
	o.endSession(key, session.StatusFailed, reason)
	o.logger.WithSession(key.String()).Warn("session failed",
		zap.String("reason", string(reason)))
}

// teardown runs the scheduler-cancel and tunnel/proxy release steps,
// best-effort each.
func (o *Orchestrator) teardown(key session.Key, jobID string, cancelJob bool) {
	if cancelJob && jobID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StopTimeout)
		defer cancel()
		if err := o.sched.Cancel(ctx, key.User, key.Cluster, jobID); err != nil {
			o.logger.WithSession(key.String()).Warn("scheduler cancel failed",
				zap.String("job_id", jobID), zap.Error(err))
		}
	}
	o.tunnels.Stop(key)
	o.proxies.Release(key)
}

// endSession commits the terminal state and broadcasts it.
func (o *Orchestrator) endSession(key session.Key, status session.Status, reason session.EndReason) {
	updated, err := o.store.Update(key, func(s *session.Session) error {
		s.MarkEnded(status, reason, time.Now())
		return nil
	})
	if err != nil {
		o.logger.WithSession(key.String()).Error("persisting terminal state", zap.Error(err))
		return
	}
	o.publish(bus.SessionEnded, updated)
}

// publish broadcasts a session mutation on the internal bus.
func (o *Orchestrator) publish(subject string, sess *session.Session) {
	if o.eventBus == nil {
		return
	}
	event := bus.NewEvent(subject, "orchestrator", map[string]interface{}{
		"key":        sess.Key.String(),
		"status":     string(sess.Status),
		"job_id":     sess.JobID,
		"end_reason": string(sess.EndReason),
	})
	if err := o.eventBus.Publish(context.Background(), subject, event); err != nil {
		o.logger.Warn("publishing session event", zap.Error(err))
	}
}

// emit delivers an event without blocking forever on a gone consumer.
func (o *Orchestrator) emit(events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-time.After(5 * time.Second):
		o.logger.Debug("event dropped, consumer not reading", zap.String("type", ev.Type))
	}
}
