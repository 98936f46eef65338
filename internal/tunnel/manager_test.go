package tunnel

import (
	"context"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterdesk/clusterdesk/internal/common/config"
	"github.com/clusterdesk/clusterdesk/internal/common/logger"
	"github.com/clusterdesk/clusterdesk/internal/session"
)

// fakeStarter launches a long-lived no-op process and binds the local port
// itself so the manager's readiness probe succeeds immediately.
type fakeStarter struct {
	mu        sync.Mutex
	listeners []net.Listener
	failStart bool
}

func (f *fakeStarter) StartTunnel(ctx context.Context, user, headNode, keyPath string, localPort int, node string, remotePort int, stderr *ringBuffer) (*exec.Cmd, error) {
	if f.failStart {
		return nil, assertError{}
	}
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(localPort))
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.listeners = append(f.listeners, ln)
	f.mu.Unlock()

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		ln.Close()
		return nil, err
	}
	return cmd, nil
}

func (f *fakeStarter) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ln := range f.listeners {
		_ = ln.Close()
	}
}

type assertError struct{}

func (assertError) Error() string { return "start refused" }

func testClusters() map[string]config.ClusterConfig {
	return map[string]config.ClusterConfig{
		"gemini": {HeadNode: "gemini-login.example.org", MaxSSH: 4},
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeStarter) {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	m := NewManager(testClusters(), config.SSHConfig{KeyDir: t.TempDir(), ConnectTimeout: 5, KeepaliveInterval: 30}, log)
	starter := &fakeStarter{}
	m.SetStarter(starter)
	t.Cleanup(starter.closeAll)
	return m, starter
}

func testKey() session.Key {
	return session.Key{User: "alice", Cluster: "gemini", IDE: session.IDECode}
}

func TestStartAndStop(t *testing.T) {
	m, _ := newTestManager(t)

	localPort, err := m.Start(context.Background(), testKey(), "gemini-c07", 8001)
	require.NoError(t, err)
	assert.Greater(t, localPort, 0)

	got, ok := m.Get(testKey())
	require.True(t, ok)
	assert.Equal(t, localPort, got.LocalPort)
	assert.Equal(t, "gemini-c07", got.Node)
	assert.Equal(t, 8001, got.RemotePort)

	m.Stop(testKey())
	_, ok = m.Get(testKey())
	assert.False(t, ok)
}

func TestStop_Idempotent(t *testing.T) {
	m, _ := newTestManager(t)
	m.Stop(testKey()) // never started; must not panic
}

func TestStart_UnknownCluster(t *testing.T) {
	m, _ := newTestManager(t)
	key := testKey()
	key.Cluster = "nonexistent"
	_, err := m.Start(context.Background(), key, "node", 8000)
	assert.Error(t, err)
}

func TestStart_TransportRefused(t *testing.T) {
	m, starter := newTestManager(t)
	starter.failStart = true
	_, err := m.Start(context.Background(), testKey(), "gemini-c07", 8001)
	assert.Error(t, err)
	_, ok := m.Get(testKey())
	assert.False(t, ok)
}

func TestUnexpectedExit_FiresCallback(t *testing.T) {
	m, starter := newTestManager(t)

	fired := make(chan session.Key, 1)
	m.OnExit(func(key session.Key) { fired <- key })

	_, err := m.Start(context.Background(), testKey(), "gemini-c07", 8001)
	require.NoError(t, err)

	// Kill the subprocess out from under the manager.
	got, ok := m.Get(testKey())
	require.True(t, ok)
	require.NoError(t, got.cmd.Process.Kill())
	_ = starter // listener stays open; only the process dies

	select {
	case key := <-fired:
		assert.Equal(t, testKey(), key)
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback never fired")
	}

	_, ok = m.Get(testKey())
	assert.False(t, ok, "dead tunnel must leave the map")
}

func TestStopAll(t *testing.T) {
	m, _ := newTestManager(t)

	keys := []session.Key{
		{User: "alice", Cluster: "gemini", IDE: session.IDECode},
		{User: "bob", Cluster: "gemini", IDE: session.IDEJupyter},
	}
	for _, key := range keys {
		_, err := m.Start(context.Background(), key, "gemini-c07", 8001)
		require.NoError(t, err)
	}

	m.StopAll()
	for _, key := range keys {
		_, ok := m.Get(key)
		assert.False(t, ok)
	}
}

func TestRingBuffer(t *testing.T) {
	rb := newRingBuffer(3)
	for _, line := range []string{"one\n", "two\n", "three\n", "four\n"} {
		_, err := rb.Write([]byte(line))
		require.NoError(t, err)
	}
	assert.Equal(t, "two\nthree\nfour", rb.String())

	_, _ = rb.Write([]byte("partial"))
	assert.Contains(t, rb.String(), "partial")
}
