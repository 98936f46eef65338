package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	key, err := ParseKey("alice/gemini/code")
	require.NoError(t, err)
	assert.Equal(t, "alice", key.User)
	assert.Equal(t, "gemini", key.Cluster)
	assert.Equal(t, IDECode, key.IDE)
	assert.Equal(t, "alice/gemini/code", key.String())
}

func TestParseKey_Malformed(t *testing.T) {
	for _, in := range []string{"", "alice", "alice/gemini", "alice/gemini/emacs", "/gemini/code"} {
		_, err := ParseKey(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestParseIDE(t *testing.T) {
	for _, valid := range []string{"code", "rstudio", "jupyter"} {
		ide, err := ParseIDE(valid)
		require.NoError(t, err)
		assert.Equal(t, IDE(valid), ide)
	}
	_, err := ParseIDE("editor")
	assert.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestMarkRunning(t *testing.T) {
	now := time.Now()
	s := &Session{Status: StatusPending, CreatedAt: now.Add(-time.Minute)}
	s.MarkRunning(now)

	assert.Equal(t, StatusRunning, s.Status)
	require.NotNil(t, s.StartedAt)
	// lastActivity >= startedAt must hold from the first instant.
	assert.False(t, s.LastActivity.Before(*s.StartedAt))
}

func TestMarkEnded_SetsEndedAtOnce(t *testing.T) {
	s := &Session{Status: StatusRunning}
	first := time.Now()
	s.MarkEnded(StatusCancelled, EndUser, first)

	require.NotNil(t, s.EndedAt)
	got := *s.EndedAt

	// A second terminal transition must not overwrite the record.
	s.MarkEnded(StatusFailed, EndFailure, first.Add(time.Hour))
	assert.Equal(t, StatusCancelled, s.Status)
	assert.Equal(t, EndUser, s.EndReason)
	assert.Equal(t, got, *s.EndedAt)
}

func TestClone_Deep(t *testing.T) {
	started := time.Now()
	s := &Session{Status: StatusRunning, StartedAt: &started}
	c := s.Clone()

	*c.StartedAt = started.Add(time.Hour)
	assert.Equal(t, started, *s.StartedAt)
}

func TestActive(t *testing.T) {
	assert.True(t, (&Session{Status: StatusPending}).Active())
	assert.True(t, (&Session{Status: StatusRunning}).Active())
	assert.False(t, (&Session{Status: StatusCompleted}).Active())
}
