package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clusterdesk/clusterdesk/internal/common/httpmw"
	"github.com/clusterdesk/clusterdesk/internal/proxy"
	"github.com/clusterdesk/clusterdesk/internal/session"
)

// probeHeader marks monitoring traffic that must not count as activity.
// It is shared with the observability middleware, which keeps probes out
// of the request logs and span stream.
const probeHeader = httpmw.ProbeHeader

// handleIDEProxy dispatches HTTP and WebSocket traffic under an IDE prefix
// to the authenticated user's session for that IDE. The session is resolved
// from the principal on every request; there is no process-wide notion of
// an active session.
func (s *Server) handleIDEProxy(ide session.IDE, basePath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := c.GetString("user")

		sess, ok := s.resolveSession(user, ide)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no running " + string(ide) + " session"})
			return
		}

		handle, ok := s.proxies.Get(sess.Key)
		if !ok {
			s.logger.Warn("running session without proxy binding",
				zap.String("session_key", sess.Key.String()))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session is not reachable"})
			return
		}

		req := c.Request
		if req.Header.Get(probeHeader) != "" {
			req = proxy.MarkProbe(req)
		}

		if websocket.IsWebSocketUpgrade(req) {
			handle.ServeWebSocket(c.Writer, req)
			return
		}
		handle.ServeHTTP(c.Writer, req)
	}
}

// handlePortProxy serves the /port/:n/** passthrough for user dev servers
// listening on the compute node. The tunnel and binding are created lazily
// on first use and keyed "user/cluster/port-n" beside the IDE sessions.
// Session teardown does not stop them; the binding is released by the
// tunnel exit callback when the forward dies.
func (s *Server) handlePortProxy(c *gin.Context) {
	user := c.GetString("user")

	port, err := strconv.Atoi(c.Param("n"))
	if err != nil || port <= 0 || port > 65535 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid port"})
		return
	}

	// Any of the user's running sessions pins the compute node dev servers
	// live on.
	sess, ok := s.resolveAnySession(user)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no running session"})
		return
	}

	key := session.Key{User: user, Cluster: sess.Key.Cluster, IDE: session.IDE("port-" + c.Param("n"))}
	base := "/port/" + c.Param("n")

	handle, ok := s.proxies.Get(key)
	if !ok {
		localPort, err := s.tunnels.Start(c.Request.Context(), key, sess.Node, port)
		if err != nil {
			s.logger.Warn("port passthrough tunnel failed",
				zap.String("session_key", key.String()), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "could not reach the dev server"})
			return
		}
		handle = s.proxies.CreatePassthrough(proxy.SessionInfo{
			Key:       key,
			BasePath:  base,
			LocalPort: localPort,
		})
	}

	// The passthrough rewriter does no path surgery, so strip the public
	// prefix here.
	c.Request.URL.Path = trimPortPrefix(c.Request.URL.Path, base)
	c.Request.URL.RawPath = ""

	if websocket.IsWebSocketUpgrade(c.Request) {
		handle.ServeWebSocket(c.Writer, c.Request)
		return
	}
	handle.ServeHTTP(c.Writer, c.Request)
}

func trimPortPrefix(path, base string) string {
	if len(path) >= len(base) && path[:len(base)] == base {
		path = path[len(base):]
	}
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return path
}

// resolveSession finds the user's running session for ide across clusters.
// With more than one (possible when two clusters run the same IDE), the
// most recently started wins.
func (s *Server) resolveSession(user string, ide session.IDE) (*session.Session, bool) {
	var best *session.Session
	for _, sess := range s.store.ListRunning() {
		if sess.Key.User != user || sess.Key.IDE != ide {
			continue
		}
		if best == nil || (sess.StartedAt != nil && best.StartedAt != nil && sess.StartedAt.After(*best.StartedAt)) {
			best = sess
		}
	}
	return best, best != nil
}

// resolveAnySession finds the user's most recently started running session.
func (s *Server) resolveAnySession(user string) (*session.Session, bool) {
	var best *session.Session
	for _, sess := range s.store.ListRunning() {
		if sess.Key.User != user || sess.Node == "" {
			continue
		}
		if best == nil || (sess.StartedAt != nil && best.StartedAt != nil && sess.StartedAt.After(*best.StartedAt)) {
			best = sess
		}
	}
	return best, best != nil
}
