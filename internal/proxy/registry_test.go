package proxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterdesk/clusterdesk/internal/common/logger"
	"github.com/clusterdesk/clusterdesk/internal/session"
)

func newTestRegistry() *Registry {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return NewRegistry(log)
}

// startUpstream runs a local HTTP server and returns its port.
func startUpstream(t *testing.T, handler http.Handler) int {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestCreateGetRelease(t *testing.T) {
	r := newTestRegistry()
	info := codeInfo()

	_, ok := r.Get(info.Key)
	assert.False(t, ok)

	h := r.Create(session.IDECode, info)
	require.NotNil(t, h)

	got, ok := r.Get(info.Key)
	require.True(t, ok)
	assert.Equal(t, h, got)

	r.Release(info.Key)
	_, ok = r.Get(info.Key)
	assert.False(t, ok)

	r.Release(info.Key) // idempotent
}

func TestServeHTTP_ProxiesAndStampsActivity(t *testing.T) {
	r := newTestRegistry()

	port := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from ide"))
	}))

	var activity []session.Key
	r.OnActivity(func(key session.Key) { activity = append(activity, key) })

	info := codeInfo()
	info.LocalPort = port
	h := r.Create(session.IDECode, info)

	req := httptest.NewRequest("GET", "http://cp.example.org/code/static/app.js", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello from ide", rec.Body.String())
	require.Len(t, activity, 1)
	assert.Equal(t, info.Key, activity[0])
}

func TestServeHTTP_ProbeDoesNotCountAsActivity(t *testing.T) {
	r := newTestRegistry()

	port := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	fired := 0
	r.OnActivity(func(session.Key) { fired++ })

	info := codeInfo()
	info.LocalPort = port
	h := r.Create(session.IDECode, info)

	req := MarkProbe(httptest.NewRequest("GET", "http://cp.example.org/code/healthz", nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, fired)
}

func TestServeHTTP_UpstreamDown_Returns502WithRetryHint(t *testing.T) {
	r := newTestRegistry()

	// A port with nothing listening.
	info := codeInfo()
	info.LocalPort = 1 // reserved, never listening in tests
	h := r.Create(session.IDECode, info)

	req := httptest.NewRequest("GET", "http://cp.example.org/code/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "reload this page")
}

func TestStaleCookieFlow_EndToEnd(t *testing.T) {
	r := newTestRegistry()

	// Upstream that 403s any request carrying a cookie other than the live
	// token, mimicking an IDE restarted with a new secret.
	port := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if ck, err := req.Cookie("auth-tkn"); err == nil && ck.Value != "tok-live" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	info := codeInfo()
	info.LocalPort = port
	h := r.Create(session.IDECode, info)

	req := httptest.NewRequest("GET", "http://cp.example.org/code/", nil)
	req.AddCookie(&http.Cookie{Name: "auth-tkn", Value: "OLD"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/code/", rec.Header().Get("Location"))
	assert.NotEmpty(t, rec.Header().Values("Set-Cookie"))
}

func TestPassthrough_NoSurgery(t *testing.T) {
	r := newTestRegistry()

	var gotPath string
	port := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		w.WriteHeader(http.StatusOK)
	}))

	info := SessionInfo{
		Key:       session.Key{User: "alice", Cluster: "gemini", IDE: session.IDE("port-3000")},
		BasePath:  "/port/3000",
		LocalPort: port,
	}
	h := r.CreatePassthrough(info)

	req := httptest.NewRequest("GET", "http://cp.example.org/api/data", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/api/data", gotPath)
}
