package slurm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/clusterdesk/clusterdesk/internal/common/errors"
	"github.com/clusterdesk/clusterdesk/internal/common/logger"
	"github.com/clusterdesk/clusterdesk/internal/session"
)

type fakeRunner struct {
	lastCommand string
	out         string
	err         error
}

func (f *fakeRunner) Run(ctx context.Context, user, cluster, command string) (string, error) {
	f.lastCommand = command
	return f.out, f.err
}

func newTestClient(out string) (*Client, *fakeRunner) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	runner := &fakeRunner{out: out}
	return NewClient(runner, log), runner
}

func TestParseDuration(t *testing.T) {
	cases := map[string]int64{
		"11:58:47":   43127,
		"12:00:00":   43200,
		"1-00:00:00": 86400,
		"2-01:02:03": 176523,
		"4:17":       257,
		"INVALID":    0,
		"UNLIMITED":  0,
		"N/A":        0,
		"":           0,
		"garbage":    0,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseDuration(in), "input %q", in)
	}
}

func TestFormatWalltime(t *testing.T) {
	assert.Equal(t, "12:00:00", FormatWalltime(43200))
	assert.Equal(t, "1-00:00:00", FormatWalltime(86400))
	assert.Equal(t, "00:04:17", FormatWalltime(257))
	assert.Equal(t, "01:00:00", FormatWalltime(0))
}

func TestGetAllJobs_MapsRowsPerIDE(t *testing.T) {
	out := "12345 code-alice RUNNING gemini-c07 11:58:47 12:00:00 4 40G 2026-07-01T10:00:00\n" +
		"12346 jupyter-alice PENDING (null) 12:00:00 12:00:00 2 16G N/A\n"
	client, runner := newTestClient(out)

	jobs, err := client.GetAllJobs(context.Background(), "alice", "gemini")
	require.NoError(t, err)

	assert.Contains(t, runner.lastCommand, "squeue")
	assert.Contains(t, runner.lastCommand, "--user=alice")
	assert.Contains(t, runner.lastCommand, "code-alice,rstudio-alice,jupyter-alice")

	code := jobs[session.IDECode]
	require.NotNil(t, code)
	assert.Equal(t, "12345", code.ID)
	assert.True(t, code.Running())
	assert.Equal(t, "gemini-c07", code.Node)
	assert.Equal(t, int64(43127), code.TimeLeftSeconds)
	assert.Equal(t, int64(43200), code.TimeLimitSeconds)
	assert.Equal(t, 4, code.CPUs)
	assert.Equal(t, "40G", code.Memory)

	jup := jobs[session.IDEJupyter]
	require.NotNil(t, jup)
	assert.True(t, jup.Pending())
	assert.Empty(t, jup.Node)
	assert.Empty(t, jup.StartTime)

	assert.Nil(t, jobs[session.IDERStudio], "ide with no queue row maps to nil")
}

func TestParseQueue_DropsMalformedRows(t *testing.T) {
	out := "12345 code-alice RUNNING gemini-c07 11:58:47 12:00:00 4 40G\n" +
		"this is not a queue row\n" +
		"12346 code-alice RUNNING node notanumber 12:00:00 NaN 40G\n"
	client, _ := newTestClient(out)

	recs := client.parseQueue(out, "alice")
	require.Len(t, recs, 1)
	assert.Equal(t, "12345", recs[0].ID)
}

func TestSubmit_ParsesJobID(t *testing.T) {
	client, runner := newTestClient("Submitted batch job 12345")

	res := session.Resources{CPUs: 4, Memory: "40G", WalltimeSeconds: 43200}
	id, err := client.Submit(context.Background(), "alice", "gemini", session.IDECode, res, "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "12345", id)

	assert.Contains(t, runner.lastCommand, "--job-name=code-alice")
	assert.Contains(t, runner.lastCommand, "--cpus-per-task=4")
	assert.Contains(t, runner.lastCommand, "--mem=40G")
	assert.Contains(t, runner.lastCommand, "--time=12:00:00")
	assert.Contains(t, runner.lastCommand, "--wrap='echo hi'")
}

func TestSubmit_GPU(t *testing.T) {
	client, runner := newTestClient("Submitted batch job 7")

	res := session.Resources{CPUs: 4, Memory: "40G", WalltimeSeconds: 3600, GPU: "a100"}
	_, err := client.Submit(context.Background(), "alice", "gemini", session.IDEJupyter, res, "x")
	require.NoError(t, err)
	assert.Contains(t, runner.lastCommand, "--gres=gpu:a100:1")
}

func TestSubmit_UnparseableOutput(t *testing.T) {
	client, _ := newTestClient("sbatch: error: Batch job submission failed")

	_, err := client.Submit(context.Background(), "alice", "gemini", session.IDECode,
		session.Resources{CPUs: 1, Memory: "1G", WalltimeSeconds: 60}, "x")
	require.Error(t, err)

	appErr := apperrors.AsAppError(err)
	assert.Equal(t, apperrors.ErrCodeSubmitUnparseable, appErr.Code)
}

func TestGetJob_UnknownJobID(t *testing.T) {
	client, runner := newTestClient("")
	runner.err = apperrors.TransientRemote("remote shell on gemini failed: Invalid job id specified", nil)

	rec, err := client.GetJob(context.Background(), "alice", "gemini", "99999")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCheckJobExists(t *testing.T) {
	client, _ := newTestClient("12345 code-alice RUNNING gemini-c07 11:58:47 12:00:00 4 40G")
	exists, err := client.CheckJobExists(context.Background(), "alice", "gemini", "12345")
	require.NoError(t, err)
	assert.True(t, exists)

	empty, _ := newTestClient("")
	exists, err = empty.CheckJobExists(context.Background(), "alice", "gemini", "12345")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shellQuote("plain"))
	quoted := shellQuote("a'b")
	assert.True(t, strings.HasPrefix(quoted, "'"))
	assert.Contains(t, quoted, `'\''`)
}
