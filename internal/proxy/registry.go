package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clusterdesk/clusterdesk/internal/common/logger"
	"github.com/clusterdesk/clusterdesk/internal/metrics"
	"github.com/clusterdesk/clusterdesk/internal/session"
)

// upstreamErrorBody is served on proxy upstream failures with a retry hint.
const upstreamErrorBody = `<!DOCTYPE html>
<html><head><title>IDE unavailable</title></head>
<body><h1>502 - the IDE did not respond</h1>
<p>It may still be starting up. Wait a few seconds and reload this page.</p>
</body></html>`

// ActivityFunc receives the session key of every completed non-probe
// response.
type ActivityFunc func(key session.Key)

// Handle is one session's reverse proxy binding. Safe for concurrent Serve
// calls.
type Handle struct {
	Key       session.Key
	IDE       session.IDE
	LocalPort int
	CreatedAt time.Time

	proxy    *httputil.ReverseProxy
	rewriter Rewriter
	logger   *logger.Logger
}

// Registry owns all proxy bindings keyed by session key.
type Registry struct {
	mu      sync.Mutex
	proxies map[string]*Handle

	onActivity ActivityFunc
	logger     *logger.Logger
}

// NewRegistry creates a proxy registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		proxies: make(map[string]*Handle),
		logger:  log.WithFields(zap.String("component", "proxy-registry")),
	}
}

// OnActivity registers the activity callback invoked for every completed
// proxied response that is not a monitoring probe.
func (r *Registry) OnActivity(fn ActivityFunc) {
	r.onActivity = fn
}

// Get returns the binding for key if one exists.
func (r *Registry) Get(key session.Key) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.proxies[key.String()]
	return h, ok
}

// Create builds and registers the binding for a session, replacing any
// previous one for the same key.
func (r *Registry) Create(ide session.IDE, info SessionInfo) *Handle {
	rewriter := NewRewriter(ide, info)
	h := r.newHandle(ide, info, rewriter)

	r.mu.Lock()
	r.proxies[info.Key.String()] = h
	r.mu.Unlock()

	r.logger.Info("proxy bound",
		zap.String("session_key", info.Key.String()),
		zap.String("ide", string(ide)),
		zap.Int("local_port", info.LocalPort))
	return h
}

// CreatePassthrough registers an unrewritten binding used for the
// user-dev-server port prefix.
func (r *Registry) CreatePassthrough(info SessionInfo) *Handle {
	return r.Create("", info)
}

// Release drops the binding for key. Idempotent.
func (r *Registry) Release(key session.Key) {
	r.mu.Lock()
	_, ok := r.proxies[key.String()]
	delete(r.proxies, key.String())
	r.mu.Unlock()

	if ok {
		r.logger.Info("proxy released", zap.String("session_key", key.String()))
	}
}

// ReleaseAll drops every binding, used on shutdown.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	r.proxies = make(map[string]*Handle)
	r.mu.Unlock()
}

func (r *Registry) newHandle(ide session.IDE, info SessionInfo, rewriter Rewriter) *Handle {
	target := &url.URL{
		Scheme: "http",
		Host:   "127.0.0.1:" + strconv.Itoa(info.LocalPort),
	}

	h := &Handle{
		Key:       info.Key,
		IDE:       ide,
		LocalPort: info.LocalPort,
		CreatedAt: time.Now().UTC(),
		rewriter:  rewriter,
		logger:    r.logger.WithSession(info.Key.String()),
	}

	proxy := httputil.NewSingleHostReverseProxy(target)

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		rewriter.RewriteRequest(req)
		// Preserve WebSocket headers that SingleHostReverseProxy strips
		if req.Header.Get("Upgrade") != "" {
			req.Header.Set("Connection", "Upgrade")
		}
	}

	if t := rewriter.Transport(); t != nil {
		proxy.Transport = t
	}

	proxy.ModifyResponse = func(resp *http.Response) error {
		if resp.StatusCode == http.StatusSwitchingProtocols {
			resp.Header.Set("Connection", "Upgrade")
		}
		if err := rewriter.RewriteResponse(resp); err != nil {
			return err
		}
		if r.onActivity != nil && resp.Request != nil && !IsProbe(resp.Request) {
			r.onActivity(info.Key)
		}
		return nil
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		metrics.ProxyUpstreamErrors.WithLabelValues(string(ide)).Inc()
		h.logger.Error("proxy upstream error", zap.Error(err))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = fmt.Fprint(w, upstreamErrorBody)
	}

	h.proxy = proxy
	return h
}

// ServeHTTP proxies one request to the session's tunnel endpoint.
func (h *Handle) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// ReverseProxy panics with http.ErrAbortHandler when the client
	// disconnects mid-stream (e.g. closing the IDE tab). Recover silently
	// to avoid stack traces from the recovery middleware.
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				h.logger.Debug("proxy: client disconnected")
				return
			}
			panic(rec)
		}
	}()

	h.proxy.ServeHTTP(w, req)
}
