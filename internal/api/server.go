// Package api is the HTTP front door: it terminates client HTTP and
// WebSocket traffic, authenticates the principal, dispatches launch/stop to
// the orchestrator, and hands all other IDE traffic to the proxy registry.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clusterdesk/clusterdesk/internal/common/config"
	"github.com/clusterdesk/clusterdesk/internal/common/httpmw"
	"github.com/clusterdesk/clusterdesk/internal/common/logger"
	"github.com/clusterdesk/clusterdesk/internal/orchestrator"
	"github.com/clusterdesk/clusterdesk/internal/poller"
	"github.com/clusterdesk/clusterdesk/internal/proxy"
	"github.com/clusterdesk/clusterdesk/internal/session"
	"github.com/clusterdesk/clusterdesk/internal/session/store"
	"github.com/clusterdesk/clusterdesk/internal/tunnel"
)

// apiPrefix versions the control endpoints; proxied IDE prefixes stay at
// the root so upstream-relative URLs keep working.
const apiPrefix = "/api/v1"

// Server wires the router to the core subsystems.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	orch    *orchestrator.Orchestrator
	poller  *poller.Poller
	proxies *proxy.Registry
	tunnels *tunnel.Manager
	logger  *logger.Logger
}

// NewServer creates the front door.
func NewServer(
	cfg *config.Config,
	st *store.Store,
	orch *orchestrator.Orchestrator,
	p *poller.Poller,
	proxies *proxy.Registry,
	tunnels *tunnel.Manager,
	log *logger.Logger,
) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		orch:    orch,
		poller:  p,
		proxies: proxies,
		tunnels: tunnels,
		logger:  log.WithFields(),
	}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.Observe(s.logger, "front-door"))

	// Health and metrics bypass auth: they serve load balancers and
	// Prometheus, not browsers.
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "clusterdesk"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := router.Group("", s.authMiddleware())

	api := authed.Group(apiPrefix)
	api.GET("/cluster-status", s.handleClusterStatus)
	api.GET("/launch/:cluster/:ide/stream", s.handleLaunchStream)
	api.POST("/stop/:cluster/:ide", s.handleStop)
	api.POST("/poll/wake", s.handleWake)
	api.POST("/logout", s.handleLogout)

	// Reverse-proxied IDE prefixes, plus their -direct twins (iframe
	// roots) and the arbitrary-user-port passthrough.
	for _, ide := range session.AllIDEs() {
		ideCfg, ok := s.cfg.IDEs[string(ide)]
		if !ok {
			continue
		}
		base := ideCfg.BasePath
		handler := s.handleIDEProxy(ide, base)
		authed.Any(base+"/*path", handler)
		authed.Any(base+"-direct/*path", s.rewriteDirect(base, handler))
	}
	authed.Any("/port/:n/*path", s.handlePortProxy)

	return router
}

// authMiddleware extracts the principal the login gateway established.
// Every core endpoint requires one.
func (s *Server) authMiddleware() gin.HandlerFunc {
	header := s.cfg.Auth.UserHeader
	return func(c *gin.Context) {
		user := c.GetHeader(header)
		if user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

// rewriteDirect maps a /code-direct style prefix onto the canonical one
// before dispatch, so one rewriter configuration serves both.
func (s *Server) rewriteDirect(base string, next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.URL.Path = base + c.Param("path")
		c.Request.URL.RawPath = ""
		next(c)
	}
}
