package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/clusterdesk/clusterdesk/internal/common/errors"
	"github.com/clusterdesk/clusterdesk/internal/events/bus"
	"github.com/clusterdesk/clusterdesk/internal/proxy"
	"github.com/clusterdesk/clusterdesk/internal/session"
)

// Connect establishes the tunnel and proxy for a session whose job is
// already running on a node. The poller uses this when a pending session's
// allocation arrives after its launch stream timed out, and the startup
// reconcile uses it to rebuild plumbing for sessions that were running when
// the process last exited.
func (o *Orchestrator) Connect(ctx context.Context, key session.Key, node string) error {
	lock := o.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	sess, ok := o.store.Get(key)
	if !ok {
		return apperrors.NotFound("session", key.String())
	}
	if sess.Status.Terminal() {
		return nil
	}

	ideCfg, ok := o.ides[string(key.IDE)]
	if !ok {
		return apperrors.NotFound("ide", string(key.IDE))
	}

	idePort, err := o.resolvePort(ctx, key, ideCfg.DefaultPort)
	if err != nil {
		return err
	}

	localPort, err := o.tunnels.Start(ctx, key, node, idePort)
	if err != nil {
		o.teardown(key, sess.JobID, false)
		o.endSession(key, session.StatusFailed, session.EndFailure)
		return err
	}

	o.proxies.Create(key.IDE, proxy.SessionInfo{
		Key:          key,
		Token:        sess.Token,
		BasePath:     ideCfg.BasePath,
		InternalPath: ideCfg.InternalPath,
		LocalPort:    localPort,
		ExternalHost: o.externalHost,
	})

	updated, err := o.store.Update(key, func(s *session.Session) error {
		s.Node = node
		s.IDEPort = idePort
		s.LocalPort = localPort
		if s.Status == session.StatusPending {
			s.MarkRunning(time.Now())
		}
		return nil
	})
	if err != nil {
		return apperrors.InternalError("persisting connected session", err)
	}

	o.publish(bus.SessionRunning, updated)
	o.logger.WithSession(key.String()).Info("session connected",
		zap.String("node", node),
		zap.Int("ide_port", idePort),
		zap.Int("local_port", localPort))
	return nil
}

// MarkExpired completes a session whose job left the scheduler queue
// cleanly (allocation expiry or external cancel) and reclaims its plumbing.
func (o *Orchestrator) MarkExpired(key session.Key) {
	lock := o.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	sess, ok := o.store.Get(key)
	if !ok || sess.Status.Terminal() {
		return
	}

	o.tunnels.Stop(key)
	o.proxies.Release(key)
	o.endSession(key, session.StatusCompleted, session.EndExpired)
	o.logger.WithSession(key.String()).Info("session completed, job left the queue",
		zap.String("job_id", sess.JobID))
}
