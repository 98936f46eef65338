package analytics

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS session_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT '',
	job_id      TEXT NOT NULL DEFAULT '',
	end_reason  TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_key ON session_events(session_key);
CREATE INDEX IF NOT EXISTS idx_session_events_time ON session_events(occurred_at);
`

// sqliteStore is the file-local analytics backend.
type sqliteStore struct {
	db *sqlx.DB
}

func newSQLiteStore(path string) (*sqliteStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// sqlite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) InsertEvent(ctx context.Context, ev *SessionEvent) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO session_events (session_key, event_type, status, job_id, end_reason, occurred_at)
		VALUES (:session_key, :event_type, :status, :job_id, :end_reason, :occurred_at)`, ev)
	return err
}

func (s *sqliteStore) Summary(ctx context.Context, since time.Time) ([]SummaryRow, error) {
	var rows []SummaryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT session_key, COUNT(*) AS events
		FROM session_events
		WHERE occurred_at >= ?
		GROUP BY session_key
		ORDER BY events DESC`, since)
	return rows, err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
