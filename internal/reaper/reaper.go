// Package reaper cancels running sessions whose last proxied byte is older
// than the configured idle threshold.
package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clusterdesk/clusterdesk/internal/common/logger"
	"github.com/clusterdesk/clusterdesk/internal/metrics"
	"github.com/clusterdesk/clusterdesk/internal/session"
	"github.com/clusterdesk/clusterdesk/internal/session/store"
)

// Stopper is the slice of the orchestrator the reaper drives.
type Stopper interface {
	Stop(ctx context.Context, key session.Key, cancelJob bool, reason session.EndReason) error
}

// Reaper is the per-process idle scan loop.
type Reaper struct {
	threshold time.Duration
	interval  time.Duration
	store     *store.Store
	stopper   Stopper
	logger    *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a reaper. A zero threshold disables reaping; Start then
// returns immediately without spawning the loop.
func New(threshold, interval time.Duration, st *store.Store, stopper Stopper, log *logger.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		threshold: threshold,
		interval:  interval,
		store:     st,
		stopper:   stopper,
		logger:    log.WithFields(zap.String("component", "idle-reaper")),
	}
}

// Start begins the scan loop.
func (r *Reaper) Start(ctx context.Context) error {
	if r.threshold <= 0 {
		r.logger.Info("idle reaping disabled")
		return nil
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reaper is already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("reaper starting",
		zap.Duration("threshold", r.threshold),
		zap.Duration("interval", r.interval))

	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Stop stops the loop and waits for the in-flight scan.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Scan(ctx)
		}
	}
}

// Scan cancels every running session idle past the threshold. Idempotent
// against sessions that were already cancelled between listing and stopping.
func (r *Reaper) Scan(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.threshold)

	for _, sess := range r.store.ListRunning() {
		last := sess.LastActivity
		if last.IsZero() && sess.StartedAt != nil {
			last = *sess.StartedAt
		}
		if !last.Before(cutoff) {
			continue
		}

		r.logger.Info("reaping idle session",
			zap.String("session_key", sess.Key.String()),
			zap.Time("last_activity", last))

		if err := r.stopper.Stop(ctx, sess.Key, true, session.EndIdle); err != nil {
			r.logger.Warn("idle stop failed",
				zap.String("session_key", sess.Key.String()),
				zap.Error(err))
			continue
		}
		metrics.ReapedSessions.Inc()
	}
}
