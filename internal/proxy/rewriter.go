// Package proxy owns the per-session HTTP and WebSocket reverse proxies and
// their IDE-specific request/response rewriters.
package proxy

import (
	"context"
	"net/http"
	"strings"

	"github.com/clusterdesk/clusterdesk/internal/session"
)

// SessionInfo is the slice of a session record a proxy binding closes over.
// Rewriters are first-class values installed at proxy creation; they never
// capture request or response objects, only this record.
type SessionInfo struct {
	Key          session.Key
	Token        string
	BasePath     string
	InternalPath string
	LocalPort    int
	// ExternalHost is the public host clients reach the control plane on.
	ExternalHost string
}

// Rewriter is the per-IDE request/response surgery vtable.
type Rewriter interface {
	// RewriteRequest adjusts the outbound request path, query, and headers.
	// The request URL host/scheme are already pointed at the tunnel.
	RewriteRequest(req *http.Request)

	// RewriteResponse adjusts the upstream response before it reaches the
	// client.
	RewriteResponse(resp *http.Response) error

	// Transport returns a per-IDE HTTP transport, or nil for the default.
	Transport() http.RoundTripper
}

// NewRewriter builds the rewriter vtable for an IDE family.
func NewRewriter(ide session.IDE, info SessionInfo) Rewriter {
	switch ide {
	case session.IDECode:
		return &codeRewriter{info: info}
	case session.IDERStudio:
		return &rstudioRewriter{info: info}
	case session.IDEJupyter:
		return &jupyterRewriter{info: info}
	}
	return &passthroughRewriter{}
}

// passthroughRewriter serves the arbitrary-user-port prefix: no surgery.
type passthroughRewriter struct{}

func (p *passthroughRewriter) RewriteRequest(*http.Request)         {}
func (p *passthroughRewriter) RewriteResponse(*http.Response) error { return nil }
func (p *passthroughRewriter) Transport() http.RoundTripper         { return nil }

// probeKey marks monitoring requests that must not count as user activity.
type probeKeyType struct{}

var probeKey probeKeyType

// MarkProbe flags req as a health or monitoring request. The front door
// calls this before dispatch.
func MarkProbe(req *http.Request) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), probeKey, true))
}

// IsProbe reports whether req was marked by MarkProbe.
func IsProbe(req *http.Request) bool {
	v, _ := req.Context().Value(probeKey).(bool)
	return v
}

// stripPrefix removes prefix from path, guaranteeing a leading slash.
func stripPrefix(path, prefix string) string {
	out := strings.TrimPrefix(path, prefix)
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}

// rewriteCookiePath rewrites one Set-Cookie header value: Domain attributes
// are dropped and Path is replaced by basePath so cookies stay scoped to
// the session's proxy prefix.
func rewriteCookiePath(setCookie, basePath string) string {
	parts := strings.Split(setCookie, ";")
	out := parts[:0]
	sawPath := false
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "domain="):
			continue
		case strings.HasPrefix(lower, "path="):
			out = append(out, " Path="+basePath)
			sawPath = true
		default:
			out = append(out, part)
		}
	}
	if !sawPath {
		out = append(out, " Path="+basePath)
	}
	return strings.Join(out, ";")
}
