// Package store persists session records to a durable file mirrored by an
// in-memory index.
//
// Writes are serialised through a single mutex; reads take a snapshot. The
// file is replaced by write-temp, fsync, rename so a partial write never
// corrupts the readable copy. Losing the file is not fatal: the store starts
// empty. The poller reconciles only sessions present in the store, so jobs
// still running on the scheduler are not re-adopted from it.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clusterdesk/clusterdesk/internal/common/logger"
	"github.com/clusterdesk/clusterdesk/internal/session"
)

// Store is the durable ordered mapping of session key -> session record.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	path     string
	logger   *logger.Logger
}

// stateFile is the on-disk envelope, self-describing for forward migration.
type stateFile struct {
	Version  int                `json:"version"`
	Sessions []*session.Session `json:"sessions"`
}

const stateVersion = 1

// New loads the state file at path, drops terminal records older than
// retention, and rebuilds the in-memory index. A missing file is not an
// error. An unreadable file is: the caller decides whether a fresh start is
// acceptable.
func New(path string, retention time.Duration, log *logger.Logger) (*Store, error) {
	s := &Store{
		sessions: make(map[string]*session.Session),
		path:     path,
		logger:   log.WithFields(zap.String("component", "state-store")),
	}

	if err := s.load(retention); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(retention time.Duration) error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("no state file, starting empty", zap.String("path", s.path))
			return nil
		}
		return fmt.Errorf("reading state file %s: %w", s.path, err)
	}

	var f stateFile
	if err := json.Unmarshal(b, &f); err != nil {
		// A corrupt file is recoverable as long as the path is writable:
		// it is moved aside and the store starts empty. Only unreadable
		// AND unwritable is fatal.
		backup := s.path + ".corrupt"
		if renameErr := os.Rename(s.path, backup); renameErr != nil {
			return fmt.Errorf("state file %s unparseable (%v) and unwritable: %w", s.path, err, renameErr)
		}
		s.logger.Warn("state file unparseable, moved aside and starting empty",
			zap.String("path", s.path),
			zap.String("backup", backup),
			zap.Error(err))
		return nil
	}

	cutoff := time.Now().UTC().Add(-retention)
	kept, dropped := 0, 0
	for _, sess := range f.Sessions {
		if sess.Status.Terminal() && retention > 0 && sess.EndedAt != nil && sess.EndedAt.Before(cutoff) {
			dropped++
			continue
		}
		s.sessions[sess.Key.String()] = sess
		kept++
	}

	s.logger.Info("state loaded",
		zap.String("path", s.path),
		zap.Int("sessions", kept),
		zap.Int("expired", dropped))
	return nil
}

// Get returns a copy of the session for key.
func (s *Store) Get(key session.Key) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key.String()]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// List returns a snapshot of all sessions ordered by key.
func (s *Store) List() []*session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(func(*session.Session) bool { return true })
}

// ListActive returns a snapshot of pending and running sessions ordered by key.
func (s *Store) ListActive() []*session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked((*session.Session).Active)
}

// ListRunning returns a snapshot of running sessions ordered by key.
func (s *Store) ListRunning() []*session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(func(sess *session.Session) bool {
		return sess.Status == session.StatusRunning
	})
}

// ActiveUserClusters returns the distinct (user, cluster) pairs that have at
// least one non-terminal session, the unit of work for one poll tick.
func (s *Store) ActiveUserClusters() [][2]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[[2]string]bool)
	var out [][2]string
	for _, sess := range s.sessions {
		if !sess.Active() {
			continue
		}
		uc := [2]string{sess.Key.User, sess.Key.Cluster}
		if !seen[uc] {
			seen[uc] = true
			out = append(out, uc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

func (s *Store) snapshotLocked(keep func(*session.Session) bool) []*session.Session {
	keys := make([]string, 0, len(s.sessions))
	for k, sess := range s.sessions {
		if keep(sess) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]*session.Session, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.sessions[k].Clone())
	}
	return out
}

// Put upserts a session and persists.
func (s *Store) Put(sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sess.Key.String()] = sess.Clone()
	return s.persistLocked()
}

// PutIfInactive atomically upserts sess only if the key has no active
// session; otherwise it returns the existing active session and false.
// This is the exclusivity check a launch performs before submitting.
func (s *Store) PutIfInactive(sess *session.Session) (*session.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[sess.Key.String()]; ok && existing.Active() {
		return existing.Clone(), false, nil
	}

	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sess.Key.String()] = sess.Clone()
	return nil, true, s.persistLocked()
}

// Update applies fn to the stored session under the write lock and persists.
// fn receives the live record; mutations are committed atomically.
func (s *Store) Update(key session.Key, fn func(*session.Session) error) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key.String()]
	if !ok {
		return nil, fmt.Errorf("session %s not found", key)
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.UpdatedAt = time.Now().UTC()
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Touch stamps last activity without an error if the session is gone; proxy
// traffic races with teardown and that is fine.
func (s *Store) Touch(key session.Key, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key.String()]
	if !ok {
		return
	}
	if at.After(sess.LastActivity) {
		sess.LastActivity = at.UTC()
	}
	// Activity stamps are high-frequency and reconstructible; skipping the
	// disk write here keeps proxy traffic off the persistence path.
}

// Delete removes a session record entirely.
func (s *Store) Delete(key session.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key.String())
	return s.persistLocked()
}

// Flush persists the current state, used on shutdown to capture activity
// stamps skipped by Touch.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// persistLocked writes the full state via temp file + fsync + rename.
func (s *Store) persistLocked() error {
	f := stateFile{Version: stateVersion}
	f.Sessions = make([]*session.Session, 0, len(s.sessions))

	keys := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f.Sessions = append(f.Sessions, s.sessions[k])
	}

	b, err := json.MarshalIndent(&f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
