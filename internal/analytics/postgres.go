package analytics

import (
	"context"
	"time"

	"github.com/clusterdesk/clusterdesk/internal/common/config"
	"github.com/clusterdesk/clusterdesk/internal/common/database"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS session_events (
	id          BIGSERIAL PRIMARY KEY,
	session_key TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT '',
	job_id      TEXT NOT NULL DEFAULT '',
	end_reason  TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_key ON session_events(session_key);
CREATE INDEX IF NOT EXISTS idx_session_events_time ON session_events(occurred_at);
`

// postgresStore is the shared analytics backend for multi-instance
// deployments.
type postgresStore struct {
	db *database.DB
}

func newPostgresStore(ctx context.Context, cfg config.AnalyticsConfig) (*postgresStore, error) {
	db, err := database.NewDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &postgresStore{db: db}, nil
}

func (s *postgresStore) InsertEvent(ctx context.Context, ev *SessionEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO session_events (session_key, event_type, status, job_id, end_reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.SessionKey, ev.EventType, ev.Status, ev.JobID, ev.EndReason, ev.OccurredAt)
	return err
}

func (s *postgresStore) Summary(ctx context.Context, since time.Time) ([]SummaryRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT session_key, COUNT(*) AS events
		FROM session_events
		WHERE occurred_at >= $1
		GROUP BY session_key
		ORDER BY events DESC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var r SummaryRow
		if err := rows.Scan(&r.SessionKey, &r.Events); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) Close() error {
	s.db.Close()
	return nil
}
