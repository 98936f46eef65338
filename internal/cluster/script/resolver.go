package script

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/clusterdesk/clusterdesk/internal/common/logger"
	"github.com/clusterdesk/clusterdesk/internal/session"
)

// ErrPortFileAbsent distinguishes a not-yet-written port file from an
// unreadable one: the job's setup script writes the file before exec'ing
// the IDE binary, so absence means "retry".
var ErrPortFileAbsent = errors.New("port file not written yet")

// absentMarker is echoed by the remote probe when the file does not exist.
const absentMarker = "__ABSENT__"

// Runner matches the remote executor's Run method.
type Runner interface {
	Run(ctx context.Context, user, cluster, command string) (string, error)
}

// Resolver reads the port file written by a running job.
type Resolver struct {
	runner Runner
	logger *logger.Logger
}

// NewResolver creates a port resolver over the remote executor.
func NewResolver(runner Runner, log *logger.Logger) *Resolver {
	return &Resolver{
		runner: runner,
		logger: log.WithFields(zap.String("component", "port-resolver")),
	}
}

// ReadPort fetches the dynamic IDE port for (user, cluster, ide).
// Returns ErrPortFileAbsent while the file has not appeared; a read that
// fails for another reason returns the runner's error, and file content that
// is not a valid port falls back to defaultPort.
func (r *Resolver) ReadPort(ctx context.Context, user, cluster string, ide session.IDE, defaultPort int) (int, error) {
	file := "$HOME/" + PortFilePath(ide)
	cmd := fmt.Sprintf("if [ -f %s ]; then cat %s; else echo %s; fi", file, file, absentMarker)

	out, err := r.runner.Run(ctx, user, cluster, cmd)
	if err != nil {
		return 0, err
	}

	out = strings.TrimSpace(out)
	if out == absentMarker {
		return 0, ErrPortFileAbsent
	}

	port, convErr := strconv.Atoi(out)
	if convErr != nil || port <= 0 || port > 65535 {
		r.logger.Warn("invalid port file content, using default",
			zap.String("user", user),
			zap.String("cluster", cluster),
			zap.String("ide", string(ide)),
			zap.String("content", out),
			zap.Int("default", defaultPort))
		return defaultPort, nil
	}
	return port, nil
}
