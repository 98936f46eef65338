// Package analytics persists session lifecycle events for the usage
// dashboards. It is a thin subscriber on the event bus: the core never
// waits on it, and a recorder failure never affects a session.
package analytics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/clusterdesk/clusterdesk/internal/common/config"
	"github.com/clusterdesk/clusterdesk/internal/common/logger"
	"github.com/clusterdesk/clusterdesk/internal/events/bus"
)

// Store is the storage backend behind the recorder. Two implementations
// exist: sqlite (file-local) and postgres (shared).
type Store interface {
	InsertEvent(ctx context.Context, ev *SessionEvent) error
	Summary(ctx context.Context, since time.Time) ([]SummaryRow, error)
	Close() error
}

// SessionEvent is one recorded lifecycle transition.
type SessionEvent struct {
	ID         int64     `db:"id"`
	SessionKey string    `db:"session_key"`
	EventType  string    `db:"event_type"`
	Status     string    `db:"status"`
	JobID      string    `db:"job_id"`
	EndReason  string    `db:"end_reason"`
	OccurredAt time.Time `db:"occurred_at"`
}

// SummaryRow is one dashboard aggregate: events per key since a cutoff.
type SummaryRow struct {
	SessionKey string `db:"session_key"`
	Events     int64  `db:"events"`
}

// NewStore opens the configured backend; an empty driver disables the
// recorder (nil store, nil error).
func NewStore(ctx context.Context, cfg config.AnalyticsConfig, log *logger.Logger) (Store, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "postgres":
		s, err := newPostgresStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := newSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Recorder subscribes to session events and writes them to the store.
type Recorder struct {
	store  Store
	sub    bus.Subscription
	logger *logger.Logger
}

// NewRecorder creates a recorder over an opened store.
func NewRecorder(store Store, log *logger.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: log.WithFields(zap.String("component", "analytics")),
	}
}

// Start subscribes to the session event wildcard.
func (r *Recorder) Start(eventBus bus.EventBus) error {
	sub, err := eventBus.Subscribe(bus.SessionWildcard, r.handle)
	if err != nil {
		return err
	}
	r.sub = sub
	r.logger.Info("analytics recorder started")
	return nil
}

// Stop unsubscribes and closes the store.
func (r *Recorder) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("closing analytics store", zap.Error(err))
	}
}

func (r *Recorder) handle(ctx context.Context, event *bus.Event) error {
	ev := &SessionEvent{
		EventType:  event.Type,
		OccurredAt: event.Timestamp,
	}
	if v, ok := event.Data["key"].(string); ok {
		ev.SessionKey = v
	}
	if v, ok := event.Data["status"].(string); ok {
		ev.Status = v
	}
	if v, ok := event.Data["job_id"].(string); ok {
		ev.JobID = v
	}
	if v, ok := event.Data["end_reason"].(string); ok {
		ev.EndReason = v
	}

	if err := r.store.InsertEvent(ctx, ev); err != nil {
		r.logger.Warn("recording session event",
			zap.String("session_key", ev.SessionKey),
			zap.Error(err))
	}
	return nil
}
