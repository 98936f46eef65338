package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterdesk/clusterdesk/internal/cluster/script"
	"github.com/clusterdesk/clusterdesk/internal/cluster/slurm"
	"github.com/clusterdesk/clusterdesk/internal/common/config"
	"github.com/clusterdesk/clusterdesk/internal/common/logger"
	"github.com/clusterdesk/clusterdesk/internal/events/bus"
	"github.com/clusterdesk/clusterdesk/internal/orchestrator"
	"github.com/clusterdesk/clusterdesk/internal/poller"
	"github.com/clusterdesk/clusterdesk/internal/proxy"
	"github.com/clusterdesk/clusterdesk/internal/session"
	"github.com/clusterdesk/clusterdesk/internal/session/store"
	"github.com/clusterdesk/clusterdesk/internal/tunnel"
	v1 "github.com/clusterdesk/clusterdesk/pkg/api/v1"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		Clusters: map[string]config.ClusterConfig{
			"gemini": {
				HeadNode:       "gemini-login.example.org",
				MaxSSH:         4,
				DefaultRelease: "2024.1",
				Images: map[string]map[string]string{
					"2024.1": {"code": "/img/code.sif", "rstudio": "/img/rstudio.sif", "jupyter": "/img/jupyter.sif"},
				},
			},
		},
		IDEs: map[string]config.IDEConfig{
			"code":    {DefaultPort: 8000, BasePath: "/code"},
			"rstudio": {DefaultPort: 8787, BasePath: "/rstudio"},
			"jupyter": {DefaultPort: 8888, BasePath: "/jupyter", InternalPath: "/jupyter"},
		},
		SSH:     config.SSHConfig{KeyDir: t.TempDir(), CommandTimeout: 5, ConnectTimeout: 5, KeepaliveInterval: 30},
		Auth:    config.AuthConfig{UserHeader: "X-Remote-User", RevokeOnLogout: true},
		Logging: config.LoggingConfig{Level: "error", Format: "json"},
	}
}

// stubRunner satisfies the slurm Runner without reaching any cluster.
type stubRunner struct{}

func (stubRunner) Run(ctx context.Context, user, cluster, command string) (string, error) {
	return "", nil
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	cfg := testConfig(t)
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})

	st, err := store.New(filepath.Join(t.TempDir(), "state.json"), time.Hour, log)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	sched := slurm.NewClient(stubRunner{}, log)
	tunnels := tunnel.NewManager(cfg.Clusters, cfg.SSH, log)
	proxies := proxy.NewRegistry(log)

	orch := orchestrator.New(orchestrator.DefaultConfig(), cfg.Clusters, cfg.IDEs, "",
		st, sched, script.NewBuilder(), script.NewResolver(stubRunner{}, log),
		tunnels, proxies, eventBus, log)

	pol := poller.New(poller.Config{BackoffThreshold: 3, MaxInterval: time.Hour},
		st, sched, orch, eventBus, log)

	return NewServer(cfg, st, orch, pol, proxies, tunnels, log), st
}

func doRequest(t *testing.T, s *Server, method, target, user string, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := s.Router()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if user != "" {
		req.Header.Set("X-Remote-User", user)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAuth_Required(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, "GET", "/api/v1/cluster-status", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth_NoAuth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, "GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClusterStatus_IdleMatrix(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, "GET", "/api/v1/cluster-status", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status v1.ClusterStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Contains(t, status, "gemini")
	for _, ide := range []string{"code", "rstudio", "jupyter"} {
		assert.Equal(t, "idle", status["gemini"][ide].Status)
	}
}

func TestClusterStatus_ShowsOwnSessionsOnly(t *testing.T) {
	s, st := newTestServer(t)

	now := time.Now().UTC()
	started := now.Add(-time.Hour)
	require.NoError(t, st.Put(&session.Session{
		Key:       session.Key{User: "alice", Cluster: "gemini", IDE: session.IDECode},
		Status:    session.StatusRunning,
		JobID:     "12345",
		Node:      "gemini-c07",
		Token:     "tok",
		StartedAt: &started,
		Resources: session.Resources{CPUs: 4, Memory: "40G"},
		CreatedAt: now,
	}))
	require.NoError(t, st.Put(&session.Session{
		Key:       session.Key{User: "bob", Cluster: "gemini", IDE: session.IDEJupyter},
		Status:    session.StatusRunning,
		JobID:     "777",
		CreatedAt: now,
	}))

	rec := doRequest(t, s, "GET", "/api/v1/cluster-status", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status v1.ClusterStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))

	code := status["gemini"]["code"]
	assert.Equal(t, "running", code.Status)
	assert.Equal(t, "12345", code.JobID)
	assert.Equal(t, "gemini-c07", code.Node)
	assert.Equal(t, "tok", code.Token)

	// bob's session must not leak into alice's view.
	assert.Equal(t, "idle", status["gemini"]["jupyter"].Status)
}

func TestStop_UnknownSession(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, "POST", "/api/v1/stop/gemini/code", "alice", `{"cancelJob":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStop_UnknownCluster(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, "POST", "/api/v1/stop/andromeda/code", "alice", `{"cancelJob":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStop_BadBody(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, "POST", "/api/v1/stop/gemini/code", "alice", `{"cancelJob":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLaunch_UnknownIDE(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, "GET", "/api/v1/launch/gemini/emacs/stream", "alice", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLaunch_BadCPUs(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, "GET", "/api/v1/launch/gemini/code/stream?cpus=zero", "alice", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIDEProxy_NoSession(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, "GET", "/code/", "alice", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPortProxy_InvalidPort(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, "GET", "/port/notaport/x", "alice", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWake(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, "POST", "/api/v1/poll/wake", "alice", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogout_NoSessions(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, "POST", "/api/v1/logout", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"revoked":0`)
}
