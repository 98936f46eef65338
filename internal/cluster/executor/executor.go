// Package executor issues shell commands on cluster head nodes over SSH
// using per-user keys.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/clusterdesk/clusterdesk/internal/common/config"
	apperrors "github.com/clusterdesk/clusterdesk/internal/common/errors"
	"github.com/clusterdesk/clusterdesk/internal/common/logger"
)

// CommandRunner abstracts process execution for testing. It returns the
// command's stdout; a non-zero exit surfaces as an error whose message
// carries the stderr excerpt.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return out, fmt.Errorf("%w: %s", err, firstLine(string(exitErr.Stderr)))
	}
	return out, err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Executor runs commands on cluster head nodes. Outbound sessions per
// cluster are capped by a bounded slot queue; overflow waits in FIFO order.
type Executor struct {
	clusters map[string]config.ClusterConfig
	ssh      config.SSHConfig
	slots    map[string]chan struct{}
	run      CommandRunner
	logger   *logger.Logger
}

// New creates an Executor for the configured clusters.
func New(clusters map[string]config.ClusterConfig, sshCfg config.SSHConfig, log *logger.Logger) *Executor {
	slots := make(map[string]chan struct{}, len(clusters))
	for name, c := range clusters {
		n := c.MaxSSH
		if n <= 0 {
			n = 4
		}
		slots[name] = make(chan struct{}, n)
	}
	return &Executor{
		clusters: clusters,
		ssh:      sshCfg,
		slots:    slots,
		run:      execRunner,
		logger:   log.WithFields(zap.String("component", "remote-executor")),
	}
}

// SetRunner replaces the process launcher; tests install a fake here.
func (e *Executor) SetRunner(run CommandRunner) {
	e.run = run
}

// KeyPath returns the private key file for user.
func (e *Executor) KeyPath(user string) string {
	return filepath.Join(e.ssh.KeyDir, user)
}

// HeadNode returns the head node DNS name for cluster.
func (e *Executor) HeadNode(cluster string) (string, error) {
	c, ok := e.clusters[cluster]
	if !ok {
		return "", apperrors.NotFound("cluster", cluster)
	}
	return c.HeadNode, nil
}

// Run executes command on the cluster head node as user and returns trimmed
// stdout. Command duration is capped by the configured timeout; failures are
// typed transient so callers can apply their retry budget.
func (e *Executor) Run(ctx context.Context, user, cluster, command string) (string, error) {
	head, err := e.HeadNode(cluster)
	if err != nil {
		return "", err
	}

	slot, ok := e.slots[cluster]
	if !ok {
		return "", apperrors.NotFound("cluster", cluster)
	}
	select {
	case slot <- struct{}{}:
		defer func() { <-slot }()
	case <-ctx.Done():
		return "", apperrors.TransientRemote("remote shell queue wait cancelled", ctx.Err())
	}

	runCtx, cancel := context.WithTimeout(ctx, e.ssh.CommandTimeoutDuration())
	defer cancel()

	args := e.sshArgs(user, head, command)
	e.logger.Debug("remote shell",
		zap.String("user", user),
		zap.String("cluster", cluster),
		zap.String("command", command))

	out, err := e.run(runCtx, "ssh", args...)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return "", apperrors.TransientRemote(
				fmt.Sprintf("remote shell on %s timed out", cluster), err)
		}
		return "", apperrors.TransientRemote(
			fmt.Sprintf("remote shell on %s failed", cluster), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// sshArgs builds the transport invocation. StrictHostKeyChecking uses
// accept-new: the head node key is pinned on first enrollment and verified
// afterwards.
func (e *Executor) sshArgs(user, head, command string) []string {
	return []string{
		"-i", e.KeyPath(user),
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ConnectTimeout=" + strconv.Itoa(e.ssh.ConnectTimeout),
		"-o", "ServerAliveInterval=" + strconv.Itoa(e.ssh.KeepaliveInterval),
		fmt.Sprintf("%s@%s", user, head),
		"--",
		command,
	}
}
