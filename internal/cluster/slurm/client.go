// Package slurm composes scheduler CLI invocations and parses their
// columnar output into typed job records.
//
// The only contract consumed is a queue listing of
// JobID, Name, State, NodeList, TimeLeft, TimeLimit, NumCPUs, MinMemory,
// StartTime filterable by user and name, plus a cancel-by-id command. Any
// batch system exposing this contract plugs in behind the Runner interface.
package slurm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/clusterdesk/clusterdesk/internal/common/errors"
	"github.com/clusterdesk/clusterdesk/internal/common/logger"
	"github.com/clusterdesk/clusterdesk/internal/metrics"
	"github.com/clusterdesk/clusterdesk/internal/session"
)

// Runner executes a shell command on a cluster head node as a user.
// *executor.Executor implements this; tests install a fake.
type Runner interface {
	Run(ctx context.Context, user, cluster, command string) (string, error)
}

// JobRecord is one scheduler queue row. Lifetime is one poll cycle; it is
// never persisted.
type JobRecord struct {
	ID               string
	User             string
	Name             string
	State            string
	Node             string
	TimeLeftSeconds  int64
	TimeLimitSeconds int64
	CPUs             int
	Memory           string
	StartTime        string
}

// Running reports whether the job has a node and is executing.
func (r *JobRecord) Running() bool {
	return r.State == "RUNNING" && r.Node != ""
}

// Pending reports whether the job is still waiting for an allocation.
func (r *JobRecord) Pending() bool {
	return r.State == "PENDING" || r.State == "CONFIGURING"
}

// queueFormat yields the nine positional columns the parser expects.
const queueFormat = "%i %j %T %N %L %l %C %m %S"

var submitIDPattern = regexp.MustCompile(`Submitted batch job (\d+)`)

// Client interrogates the batch scheduler over the remote executor.
type Client struct {
	runner Runner
	logger *logger.Logger
}

// NewClient creates a scheduler client.
func NewClient(runner Runner, log *logger.Logger) *Client {
	return &Client{
		runner: runner,
		logger: log.WithFields(zap.String("component", "slurm")),
	}
}

// JobName encodes the ide into the scheduler job name for user.
func JobName(ide session.IDE, user string) string {
	return fmt.Sprintf("%s-%s", ide, user)
}

// ideFromJobName recovers the ide from a job name produced by JobName.
func ideFromJobName(name, user string) (session.IDE, bool) {
	suffix := "-" + user
	if !strings.HasSuffix(name, suffix) {
		return "", false
	}
	ide, err := session.ParseIDE(strings.TrimSuffix(name, suffix))
	if err != nil {
		return "", false
	}
	return ide, true
}

// GetAllJobs issues one queue listing covering every IDE job name known to
// this build and maps the rows back per IDE. IDEs with no queue row map to
// nil.
func (c *Client) GetAllJobs(ctx context.Context, user, cluster string) (map[session.IDE]*JobRecord, error) {
	names := make([]string, 0, len(session.AllIDEs()))
	for _, ide := range session.AllIDEs() {
		names = append(names, JobName(ide, user))
	}

	cmd := fmt.Sprintf("squeue --noheader --user=%s --name=%s --format='%s'",
		user, strings.Join(names, ","), queueFormat)
	out, err := c.runner.Run(ctx, user, cluster, cmd)
	if err != nil {
		return nil, err
	}

	result := make(map[session.IDE]*JobRecord, len(session.AllIDEs()))
	for _, ide := range session.AllIDEs() {
		result[ide] = nil
	}

	for _, rec := range c.parseQueue(out, user) {
		ide, ok := ideFromJobName(rec.Name, user)
		if !ok {
			continue
		}
		result[ide] = rec
	}
	return result, nil
}

// GetJob refreshes a single job by id. Returns nil if the job is no longer
// queued.
func (c *Client) GetJob(ctx context.Context, user, cluster, jobID string) (*JobRecord, error) {
	cmd := fmt.Sprintf("squeue --noheader --job=%s --format='%s'", jobID, queueFormat)
	out, err := c.runner.Run(ctx, user, cluster, cmd)
	if err != nil {
		// squeue exits non-zero for unknown job ids; treat the specific
		// "Invalid job id" failure as an empty result.
		if strings.Contains(err.Error(), "Invalid job id") {
			return nil, nil
		}
		return nil, err
	}

	recs := c.parseQueue(out, user)
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// CheckJobExists reports whether jobID is still in the queue.
func (c *Client) CheckJobExists(ctx context.Context, user, cluster, jobID string) (bool, error) {
	rec, err := c.GetJob(ctx, user, cluster, jobID)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Submit submits script under the scheduler's wrap argument and returns the
// parsed job id. Ambiguous output is surfaced as SubmitUnparseable and never
// retried.
func (c *Client) Submit(ctx context.Context, user, cluster string, ide session.IDE, res session.Resources, script string) (string, error) {
	args := []string{
		"sbatch",
		"--job-name=" + JobName(ide, user),
		"--cpus-per-task=" + strconv.Itoa(res.CPUs),
		"--mem=" + res.Memory,
		"--time=" + FormatWalltime(res.WalltimeSeconds),
	}
	if res.GPU != "" {
		args = append(args, "--gres=gpu:"+res.GPU+":1")
	}
	args = append(args, "--wrap="+shellQuote(script))

	out, err := c.runner.Run(ctx, user, cluster, strings.Join(args, " "))
	if err != nil {
		return "", err
	}

	m := submitIDPattern.FindStringSubmatch(out)
	if m == nil {
		return "", apperrors.SubmitUnparseable(out)
	}

	c.logger.Info("job submitted",
		zap.String("user", user),
		zap.String("cluster", cluster),
		zap.String("ide", string(ide)),
		zap.String("job_id", m[1]))
	return m[1], nil
}

// Cancel asks the scheduler to cancel jobID. Best-effort at call sites:
// teardown logs failures and moves on.
func (c *Client) Cancel(ctx context.Context, user, cluster, jobID string) error {
	_, err := c.runner.Run(ctx, user, cluster, "scancel "+jobID)
	return err
}

// parseQueue parses columnar queue output. Columns are strictly positional;
// INVALID and N/A sentinels are tolerated, malformed rows are dropped with a
// warning counter.
func (c *Client) parseQueue(out, user string) []*JobRecord {
	var recs []*JobRecord
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		// StartTime may be absent for some scheduler versions; NodeList is
		// "(null)" rather than empty, so a full row has 8 or 9 columns.
		if len(fields) < 8 {
			metrics.QueueParseWarnings.Inc()
			c.logger.Warn("dropping malformed queue row", zap.String("row", line))
			continue
		}

		cpus, err := strconv.Atoi(fields[6])
		if err != nil {
			metrics.QueueParseWarnings.Inc()
			c.logger.Warn("dropping queue row with bad cpu count", zap.String("row", line))
			continue
		}

		rec := &JobRecord{
			ID:               fields[0],
			User:             user,
			Name:             fields[1],
			State:            fields[2],
			Node:             nullableColumn(fields[3]),
			TimeLeftSeconds:  ParseDuration(fields[4]),
			TimeLimitSeconds: ParseDuration(fields[5]),
			CPUs:             cpus,
			Memory:           fields[7],
		}
		if len(fields) > 8 {
			rec.StartTime = nullableColumn(fields[8])
		}
		recs = append(recs, rec)
	}
	return recs
}

func nullableColumn(s string) string {
	switch s {
	case "(null)", "N/A", "n/a", "":
		return ""
	}
	return s
}

// ParseDuration converts scheduler duration columns
// ([days-]hours:minutes:seconds, minutes:seconds) to seconds.
// INVALID, UNLIMITED, NOT_SET and N/A sentinels yield 0.
func ParseDuration(s string) int64 {
	switch s {
	case "", "INVALID", "UNLIMITED", "NOT_SET", "N/A":
		return 0
	}

	var days int64
	if i := strings.IndexByte(s, '-'); i >= 0 {
		d, err := strconv.ParseInt(s[:i], 10, 64)
		if err != nil {
			return 0
		}
		days = d
		s = s[i+1:]
	}

	parts := strings.Split(s, ":")
	var h, m, sec int64
	var err error
	switch len(parts) {
	case 3:
		if h, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
			return 0
		}
		if m, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
			return 0
		}
		if sec, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
			return 0
		}
	case 2:
		if m, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
			return 0
		}
		if sec, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
			return 0
		}
	default:
		return 0
	}
	return days*86400 + h*3600 + m*60 + sec
}

// FormatWalltime renders seconds as the scheduler's [days-]HH:MM:SS form.
func FormatWalltime(seconds int64) string {
	if seconds <= 0 {
		return "01:00:00"
	}
	days := seconds / 86400
	rem := seconds % 86400
	h, m, s := rem/3600, (rem%3600)/60, rem%60
	if days > 0 {
		return fmt.Sprintf("%d-%02d:%02d:%02d", days, h, m, s)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// shellQuote single-quotes s for interpolation into a remote shell command
// line, escaping any single quotes inside.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
