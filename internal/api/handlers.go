package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clusterdesk/clusterdesk/internal/cluster/slurm"
	apperrors "github.com/clusterdesk/clusterdesk/internal/common/errors"
	"github.com/clusterdesk/clusterdesk/internal/orchestrator"
	"github.com/clusterdesk/clusterdesk/internal/session"
	v1 "github.com/clusterdesk/clusterdesk/pkg/api/v1"
)

// handleClusterStatus renders the cluster x ide status matrix from the
// poller's cache. ?refresh=1 forces a reconciliation tick first.
func (s *Server) handleClusterStatus(c *gin.Context) {
	user := c.GetString("user")

	if c.Query("refresh") == "1" {
		s.poller.Tick(c.Request.Context())
	}

	status := make(v1.ClusterStatus, len(s.cfg.Clusters))
	for cluster := range s.cfg.Clusters {
		row := make(map[string]v1.IdeStatus, len(session.AllIDEs()))
		for _, ide := range session.AllIDEs() {
			row[string(ide)] = v1.IdeStatus{Status: "idle"}
		}
		status[cluster] = row
	}

	for _, sess := range s.store.ListActive() {
		if sess.Key.User != user {
			continue
		}
		row, ok := status[sess.Key.Cluster]
		if !ok {
			continue
		}
		cell := v1.IdeStatus{
			Status: string(sess.Status),
			JobID:  sess.JobID,
		}
		if sess.Status == session.StatusPending {
			cell.StartTime = sess.StartEstimate
		} else {
			cell.Node = sess.Node
			cell.TimeLeftSeconds = sess.TimeLeftSeconds
			cell.TimeLimitSeconds = sess.TimeLimitSeconds
			cell.CPUs = sess.Resources.CPUs
			cell.Memory = sess.Resources.Memory
			cell.Token = sess.Token
		}
		row[string(sess.Key.IDE)] = cell
	}

	c.JSON(http.StatusOK, status)
}

// handleLaunchStream runs a launch and streams its events as SSE. A client
// disconnect cancels the request context, which tears the launch down.
func (s *Server) handleLaunchStream(c *gin.Context) {
	key, ok := s.sessionKey(c)
	if !ok {
		return
	}

	spec := orchestrator.LaunchSpec{
		Memory:  c.DefaultQuery("mem", "8G"),
		Release: c.Query("releaseVersion"),
		GPU:     c.Query("gpu"),
	}
	cpus, err := strconv.Atoi(c.DefaultQuery("cpus", "2"))
	if err != nil || cpus <= 0 {
		writeError(c, apperrors.ValidationError("cpus", "must be a positive integer"))
		return
	}
	spec.CPUs = cpus
	spec.WalltimeSeconds = slurm.ParseDuration(c.DefaultQuery("time", "08:00:00"))
	if spec.WalltimeSeconds <= 0 {
		writeError(c, apperrors.ValidationError("time", "must be [days-]HH:MM:SS"))
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	events := s.orch.Launch(c.Request.Context(), key, spec)
	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("marshaling launch event", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
			// Client gone; the context cancellation already reached the
			// orchestrator. Drain the remaining events.
			continue
		}
		c.Writer.Flush()
	}
}

// handleStop cancels a session on user request.
func (s *Server) handleStop(c *gin.Context) {
	key, ok := s.sessionKey(c)
	if !ok {
		return
	}

	var req v1.StopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest("malformed stop request body"))
		return
	}

	if err := s.orch.Stop(c.Request.Context(), key, req.CancelJob, session.EndUser); err != nil {
		writeError(c, apperrors.AsAppError(err))
		return
	}
	c.JSON(http.StatusOK, v1.StopResponse{OK: true})
}

// handleWake resets the poller backoff; the UI calls this when a client
// tab becomes visible again.
func (s *Server) handleWake(c *gin.Context) {
	s.poller.Wake()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleLogout revokes the user's active sessions when configured to.
func (s *Server) handleLogout(c *gin.Context) {
	user := c.GetString("user")
	if !s.cfg.Auth.RevokeOnLogout {
		c.JSON(http.StatusOK, gin.H{"ok": true, "revoked": 0})
		return
	}

	revoked := 0
	for _, sess := range s.store.ListActive() {
		if sess.Key.User != user {
			continue
		}
		if err := s.orch.Stop(c.Request.Context(), sess.Key, true, session.EndUser); err != nil {
			s.logger.Warn("logout revoke failed",
				zap.String("session_key", sess.Key.String()), zap.Error(err))
			continue
		}
		revoked++
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "revoked": revoked})
}

// sessionKey assembles the (user, cluster, ide) key from the authenticated
// principal and the route params, validating both against configuration.
func (s *Server) sessionKey(c *gin.Context) (session.Key, bool) {
	user := c.GetString("user")
	cluster := c.Param("cluster")
	if _, ok := s.cfg.Clusters[cluster]; !ok {
		writeError(c, apperrors.NotFound("cluster", cluster))
		return session.Key{}, false
	}
	ide, err := session.ParseIDE(c.Param("ide"))
	if err != nil {
		writeError(c, apperrors.BadRequest(err.Error()))
		return session.Key{}, false
	}
	return session.Key{User: user, Cluster: cluster, IDE: ide}, true
}

// writeError renders an AppError as the uniform error envelope.
func writeError(c *gin.Context, appErr *apperrors.AppError) {
	c.JSON(appErr.HTTPStatus, v1.ErrorResponse{
		Error:         appErr.Message,
		Code:          appErr.Code,
		SessionKey:    appErr.SessionKey,
		JobID:         appErr.JobID,
		CorrelationID: appErr.CorrelationID,
	})
}
