// Package tunnel owns the set of live forward tunnels from the control
// plane to compute nodes.
//
// Each tunnel is an external ssh subprocess forwarding a dynamically
// allocated loopback port through the cluster head node to the IDE's port
// on its compute node. The manager tracks subprocess state, probes the
// local port before declaring a tunnel up, and notifies a callback when a
// tunnel dies under a running session.
//
// Concurrency model: the tunnel map is mutated under a single mutex; reads
// take it briefly. The mutex is never held across the readiness probe: the
// record is snapshotted, probed, then re-acquired to commit.
package tunnel

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clusterdesk/clusterdesk/internal/common/config"
	apperrors "github.com/clusterdesk/clusterdesk/internal/common/errors"
	"github.com/clusterdesk/clusterdesk/internal/common/logger"
	"github.com/clusterdesk/clusterdesk/internal/common/portutil"
	"github.com/clusterdesk/clusterdesk/internal/metrics"
	"github.com/clusterdesk/clusterdesk/internal/session"
)

// readyTimeout bounds how long Start waits for the local port to accept.
const readyTimeout = 30 * time.Second

// probeInterval paces readiness connects.
const probeInterval = 500 * time.Millisecond

// Tunnel is one live forward tunnel record.
type Tunnel struct {
	Key        session.Key
	Node       string
	RemotePort int
	LocalPort  int
	StartedAt  time.Time

	cmd    *exec.Cmd
	stderr *ringBuffer
	// stopping marks an intentional teardown so the exit watcher does not
	// report it as a tunnel loss.
	stopping bool
}

// Starter abstracts subprocess creation for testing. The returned command
// must already be started.
type Starter interface {
	StartTunnel(ctx context.Context, user, headNode, keyPath string, localPort int, node string, remotePort int, stderr *ringBuffer) (*exec.Cmd, error)
}

// ExitFunc is invoked when a tunnel subprocess exits without Stop having
// been called for it.
type ExitFunc func(key session.Key)

// Manager owns all live tunnels keyed by session key.
type Manager struct {
	mu      sync.Mutex
	tunnels map[string]*Tunnel

	clusters map[string]config.ClusterConfig
	ssh      config.SSHConfig
	starter  Starter
	onExit   ExitFunc
	logger   *logger.Logger
}

// NewManager creates a tunnel manager.
func NewManager(clusters map[string]config.ClusterConfig, sshCfg config.SSHConfig, log *logger.Logger) *Manager {
	m := &Manager{
		tunnels:  make(map[string]*Tunnel),
		clusters: clusters,
		ssh:      sshCfg,
		logger:   log.WithFields(zap.String("component", "tunnel-manager")),
	}
	m.starter = &sshStarter{ssh: sshCfg}
	return m
}

// SetStarter replaces the subprocess launcher; tests install a fake.
func (m *Manager) SetStarter(s Starter) {
	m.starter = s
}

// OnExit registers the callback for unexpected tunnel death.
func (m *Manager) OnExit(fn ExitFunc) {
	m.onExit = fn
}

// Start opens a forward tunnel for key from a fresh loopback port through
// the cluster head node to node:remotePort, and returns the local port once
// it accepts connections. On probe timeout the subprocess is killed.
func (m *Manager) Start(ctx context.Context, key session.Key, node string, remotePort int) (int, error) {
	cluster, ok := m.clusters[key.Cluster]
	if !ok {
		return 0, apperrors.NotFound("cluster", key.Cluster)
	}

	localPort, err := portutil.AllocatePort()
	if err != nil {
		return 0, apperrors.TunnelFailed("no free loopback port", err)
	}

	stderr := newRingBuffer(64)
	keyPath := m.ssh.KeyDir + "/" + key.User

	cmd, err := m.starter.StartTunnel(ctx, key.User, cluster.HeadNode, keyPath, localPort, node, remotePort, stderr)
	if err != nil {
		return 0, apperrors.TunnelFailed("starting tunnel transport", err)
	}

	t := &Tunnel{
		Key:        key,
		Node:       node,
		RemotePort: remotePort,
		LocalPort:  localPort,
		StartedAt:  time.Now().UTC(),
		cmd:        cmd,
		stderr:     stderr,
	}

	m.mu.Lock()
	if old, exists := m.tunnels[key.String()]; exists {
		// A stale tunnel for this key means a prior teardown did not finish;
		// replace it and kill the old process.
		m.logger.Warn("replacing stale tunnel", zap.String("session_key", key.String()))
		old.stopping = true
		_ = old.cmd.Process.Kill()
		metrics.ActiveTunnels.Dec()
	}
	m.tunnels[key.String()] = t
	m.mu.Unlock()
	metrics.ActiveTunnels.Inc()

	go m.watchProcess(t)

	// Probe outside the lock: the subprocess needs time to establish the
	// forward, and holding the map mutex for up to 30s would block every
	// other session's teardown.
	probeCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	addr := "127.0.0.1:" + strconv.Itoa(localPort)
	if err := portutil.WaitForPort(probeCtx, addr, probeInterval); err != nil {
		m.Stop(key)
		return 0, apperrors.TunnelFailed(
			fmt.Sprintf("tunnel to %s:%d never became ready", node, remotePort),
			fmt.Errorf("%w; transport said: %s", err, stderr.String()))
	}

	m.logger.Info("tunnel up",
		zap.String("session_key", key.String()),
		zap.String("node", node),
		zap.Int("remote_port", remotePort),
		zap.Int("local_port", localPort))
	return localPort, nil
}

// watchProcess blocks until the subprocess exits. If the tunnel was not
// being stopped deliberately, the registered exit callback fires so the
// session can be failed and its proxy released.
func (m *Manager) watchProcess(t *Tunnel) {
	err := t.cmd.Wait()

	m.mu.Lock()
	current, ok := m.tunnels[t.Key.String()]
	// Only the tunnel that is still the current record for its key reports;
	// a replaced record exits silently.
	owned := ok && current == t
	stopping := t.stopping
	if owned {
		delete(m.tunnels, t.Key.String())
	}
	m.mu.Unlock()

	if !owned || stopping {
		return
	}

	metrics.ActiveTunnels.Dec()
	m.logger.Warn("tunnel exited unexpectedly",
		zap.String("session_key", t.Key.String()),
		zap.Error(err),
		zap.String("transport_stderr", t.stderr.String()))

	if m.onExit != nil {
		m.onExit(t.Key)
	}
}

// Stop tears down the tunnel for key. Idempotent: a missing tunnel is not
// an error.
func (m *Manager) Stop(key session.Key) {
	m.mu.Lock()
	t, ok := m.tunnels[key.String()]
	if ok {
		t.stopping = true
		delete(m.tunnels, key.String())
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	metrics.ActiveTunnels.Dec()
	m.logger.Info("tunnel stopped", zap.String("session_key", key.String()))
}

// StopAll tears down every tunnel, used on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	keys := make([]session.Key, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		keys = append(keys, t.Key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.Stop(key)
	}
}

// Get returns the tunnel record for key.
func (m *Manager) Get(key session.Key) (*Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[key.String()]
	return t, ok
}

// sshStarter forks the production ssh transport.
type sshStarter struct {
	ssh config.SSHConfig
}

// StartTunnel launches ssh -N -L with keepalives and exit-on-forward-failure
// so a dead forward kills the process rather than lingering.
func (s *sshStarter) StartTunnel(ctx context.Context, user, headNode, keyPath string, localPort int, node string, remotePort int, stderr *ringBuffer) (*exec.Cmd, error) {
	forward := fmt.Sprintf("127.0.0.1:%d:%s:%d", localPort, node, remotePort)
	cmd := exec.Command("ssh",
		"-i", keyPath,
		"-N",
		"-L", forward,
		"-o", "BatchMode=yes",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ConnectTimeout="+strconv.Itoa(s.ssh.ConnectTimeout),
		"-o", "ServerAliveInterval="+strconv.Itoa(s.ssh.KeepaliveInterval),
		"-o", "ServerAliveCountMax=3",
		fmt.Sprintf("%s@%s", user, headNode),
	)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}
