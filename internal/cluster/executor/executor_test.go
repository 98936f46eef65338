package executor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterdesk/clusterdesk/internal/common/config"
	apperrors "github.com/clusterdesk/clusterdesk/internal/common/errors"
	"github.com/clusterdesk/clusterdesk/internal/common/logger"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	clusters := map[string]config.ClusterConfig{
		"gemini": {HeadNode: "gemini-login.example.org", MaxSSH: 2},
	}
	ssh := config.SSHConfig{
		KeyDir:            filepath.Join(t.TempDir(), "keys"),
		CommandTimeout:    5,
		ConnectTimeout:    5,
		KeepaliveInterval: 30,
	}
	return New(clusters, ssh, log)
}

func TestRun_BuildsSSHInvocation(t *testing.T) {
	e := newTestExecutor(t)

	var gotName string
	var gotArgs []string
	e.SetRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotName = name
		gotArgs = args
		return []byte("  output with whitespace  \n"), nil
	})

	out, err := e.Run(context.Background(), "alice", "gemini", "squeue --noheader")
	require.NoError(t, err)
	assert.Equal(t, "output with whitespace", out, "stdout must be trimmed")

	assert.Equal(t, "ssh", gotName)
	assert.Contains(t, gotArgs, "alice@gemini-login.example.org")
	assert.Contains(t, gotArgs, "BatchMode=yes")
	assert.Contains(t, gotArgs, "StrictHostKeyChecking=accept-new")
	assert.Equal(t, "squeue --noheader", gotArgs[len(gotArgs)-1])

	// The key is user-scoped.
	keyIdx := -1
	for i, a := range gotArgs {
		if a == "-i" {
			keyIdx = i + 1
		}
	}
	require.GreaterOrEqual(t, keyIdx, 0)
	assert.Equal(t, e.KeyPath("alice"), gotArgs[keyIdx])
}

func TestRun_UnknownCluster(t *testing.T) {
	e := newTestExecutor(t)
	_, err := e.Run(context.Background(), "alice", "andromeda", "true")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRun_FailureIsTransient(t *testing.T) {
	e := newTestExecutor(t)
	e.SetRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("ssh: connect to host: connection refused")
	})

	_, err := e.Run(context.Background(), "alice", "gemini", "true")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}

func TestRun_BoundedConcurrency(t *testing.T) {
	e := newTestExecutor(t)

	started := make(chan struct{}, 8)
	release := make(chan struct{})
	e.SetRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		started <- struct{}{}
		<-release
		return []byte("ok"), nil
	})

	for i := 0; i < 4; i++ {
		go func() {
			_, _ = e.Run(context.Background(), "alice", "gemini", "sleep")
		}()
	}

	// MaxSSH is 2: only two commands may be in flight.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, started, 2)

	close(release)
}

func TestRun_QueueWaitCancellable(t *testing.T) {
	e := newTestExecutor(t)

	release := make(chan struct{})
	e.SetRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		<-release
		return []byte("ok"), nil
	})
	defer close(release)

	// Fill both slots.
	for i := 0; i < 2; i++ {
		go func() {
			_, _ = e.Run(context.Background(), "alice", "gemini", "hold")
		}()
	}
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Run(ctx, "alice", "gemini", "queued")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}
