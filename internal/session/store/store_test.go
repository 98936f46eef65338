package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterdesk/clusterdesk/internal/common/logger"
	"github.com/clusterdesk/clusterdesk/internal/session"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := New(path, 24*time.Hour, newTestLogger())
	require.NoError(t, err)
	return st, path
}

func testSession(user, cluster string, ide session.IDE) *session.Session {
	now := time.Now().UTC()
	return &session.Session{
		Key:       session.Key{User: user, Cluster: cluster, IDE: ide},
		Status:    session.StatusPending,
		Release:   "2024.1",
		Resources: session.Resources{CPUs: 4, Memory: "40G", WalltimeSeconds: 43200},
		CreatedAt: now,
	}
}

func TestPutAndGet(t *testing.T) {
	st, _ := newTestStore(t)
	sess := testSession("alice", "gemini", session.IDECode)
	require.NoError(t, st.Put(sess))

	got, ok := st.Get(sess.Key)
	require.True(t, ok)
	assert.Equal(t, sess.Key, got.Key)
	assert.Equal(t, session.StatusPending, got.Status)
}

func TestRoundTrip_PreservesFields(t *testing.T) {
	st, path := newTestStore(t)

	started := time.Now().UTC().Truncate(time.Second)
	sess := testSession("alice", "gemini", session.IDEJupyter)
	sess.Status = session.StatusRunning
	sess.JobID = "12345"
	sess.Node = "gemini-c07"
	sess.IDEPort = 8888
	sess.LocalPort = 37241
	sess.Token = "secret-token"
	sess.StartedAt = &started
	sess.LastActivity = started
	sess.TimeLeftSeconds = 43127
	sess.TimeLimitSeconds = 43200
	require.NoError(t, st.Put(sess))

	reloaded, err := New(path, 24*time.Hour, newTestLogger())
	require.NoError(t, err)

	got, ok := reloaded.Get(sess.Key)
	require.True(t, ok)
	assert.Equal(t, sess.JobID, got.JobID)
	assert.Equal(t, sess.Node, got.Node)
	assert.Equal(t, sess.IDEPort, got.IDEPort)
	assert.Equal(t, sess.LocalPort, got.LocalPort)
	assert.Equal(t, sess.Token, got.Token)
	assert.Equal(t, sess.Status, got.Status)
	assert.Equal(t, sess.TimeLeftSeconds, got.TimeLeftSeconds)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))
}

func TestPutIfInactive_Exclusivity(t *testing.T) {
	st, _ := newTestStore(t)

	first := testSession("alice", "gemini", session.IDECode)
	first.JobID = "12345"
	_, created, err := st.PutIfInactive(first)
	require.NoError(t, err)
	require.True(t, created)

	second := testSession("alice", "gemini", session.IDECode)
	existing, created, err := st.PutIfInactive(second)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, existing)
	assert.Equal(t, "12345", existing.JobID)

	// A different ide for the same user is a different key.
	other := testSession("alice", "gemini", session.IDERStudio)
	_, created, err = st.PutIfInactive(other)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestPutIfInactive_TerminalReplaced(t *testing.T) {
	st, _ := newTestStore(t)

	old := testSession("alice", "gemini", session.IDECode)
	old.MarkEnded(session.StatusCancelled, session.EndUser, time.Now())
	require.NoError(t, st.Put(old))

	fresh := testSession("alice", "gemini", session.IDECode)
	_, created, err := st.PutIfInactive(fresh)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRetention_DropsOldTerminalRecords(t *testing.T) {
	st, path := newTestStore(t)

	old := testSession("alice", "gemini", session.IDECode)
	old.MarkEnded(session.StatusCompleted, session.EndExpired, time.Now().Add(-48*time.Hour))
	require.NoError(t, st.Put(old))

	recent := testSession("bob", "gemini", session.IDECode)
	require.NoError(t, st.Put(recent))

	reloaded, err := New(path, 24*time.Hour, newTestLogger())
	require.NoError(t, err)

	_, ok := reloaded.Get(old.Key)
	assert.False(t, ok, "expired terminal record should be dropped on load")
	_, ok = reloaded.Get(recent.Key)
	assert.True(t, ok)
}

func TestUpdate_Atomic(t *testing.T) {
	st, _ := newTestStore(t)
	sess := testSession("alice", "gemini", session.IDECode)
	require.NoError(t, st.Put(sess))

	updated, err := st.Update(sess.Key, func(s *session.Session) error {
		s.JobID = "99"
		s.Status = session.StatusRunning
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "99", updated.JobID)

	got, _ := st.Get(sess.Key)
	assert.Equal(t, session.StatusRunning, got.Status)
}

func TestStateFile_ValidJSONAfterEveryWrite(t *testing.T) {
	st, path := newTestStore(t)

	for i, user := range []string{"alice", "bob", "carol"} {
		sess := testSession(user, "gemini", session.IDECode)
		require.NoError(t, st.Put(sess), "write %d", i)

		b, err := os.ReadFile(path)
		require.NoError(t, err)
		var f stateFile
		require.NoError(t, json.Unmarshal(b, &f), "state file must stay parseable")
	}
}

func TestCorruptStateFile_MovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	st, err := New(path, 24*time.Hour, newTestLogger())
	require.NoError(t, err)
	assert.Empty(t, st.List())

	_, err = os.Stat(path + ".corrupt")
	assert.NoError(t, err, "corrupt file should be preserved for inspection")
}

func TestActiveUserClusters(t *testing.T) {
	st, _ := newTestStore(t)

	require.NoError(t, st.Put(testSession("alice", "gemini", session.IDECode)))
	require.NoError(t, st.Put(testSession("alice", "gemini", session.IDEJupyter)))
	require.NoError(t, st.Put(testSession("bob", "apollo", session.IDECode)))

	done := testSession("carol", "gemini", session.IDECode)
	done.MarkEnded(session.StatusCompleted, session.EndExpired, time.Now())
	require.NoError(t, st.Put(done))

	pairs := st.ActiveUserClusters()
	assert.Equal(t, [][2]string{{"alice", "gemini"}, {"bob", "apollo"}}, pairs)
}

func TestTouch_MonotonicAndRaceTolerant(t *testing.T) {
	st, _ := newTestStore(t)
	sess := testSession("alice", "gemini", session.IDECode)
	require.NoError(t, st.Put(sess))

	later := time.Now().Add(time.Minute)
	st.Touch(sess.Key, later)
	st.Touch(sess.Key, later.Add(-30*time.Second)) // out-of-order stamp ignored

	got, _ := st.Get(sess.Key)
	assert.True(t, got.LastActivity.Equal(later.UTC()))

	// Touching a deleted session must not panic.
	require.NoError(t, st.Delete(sess.Key))
	st.Touch(sess.Key, time.Now())
}
