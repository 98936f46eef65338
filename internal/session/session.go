// Package session defines the central session entity and its lifecycle.
package session

import (
	"fmt"
	"strings"
	"time"
)

// IDE identifies one of the launchable IDE families.
type IDE string

const (
	IDECode    IDE = "code"
	IDERStudio IDE = "rstudio"
	IDEJupyter IDE = "jupyter"
)

// AllIDEs returns the IDE families known to this build.
func AllIDEs() []IDE {
	return []IDE{IDECode, IDERStudio, IDEJupyter}
}

// ParseIDE validates an IDE identifier from a request path.
func ParseIDE(s string) (IDE, error) {
	switch IDE(s) {
	case IDECode, IDERStudio, IDEJupyter:
		return IDE(s), nil
	}
	return "", fmt.Errorf("unknown ide %q", s)
}

// Status is the session lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// EndReason records why a session left the active set.
type EndReason string

const (
	EndUser          EndReason = "user"
	EndIdle          EndReason = "idle"
	EndExpired       EndReason = "expired"
	EndSchedulerLost EndReason = "scheduler-lost"
	EndTunnelLost    EndReason = "tunnel-lost"
	EndFailure       EndReason = "failure"
)

// Key uniquely identifies a session: one per (user, cluster, ide).
type Key struct {
	User    string `json:"user"`
	Cluster string `json:"cluster"`
	IDE     IDE    `json:"ide"`
}

// String renders the key in its canonical "user/cluster/ide" form.
func (k Key) String() string {
	return k.User + "/" + k.Cluster + "/" + string(k.IDE)
}

// ParseKey parses a canonical "user/cluster/ide" key string.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Key{}, fmt.Errorf("malformed session key %q", s)
	}
	ide, err := ParseIDE(parts[2])
	if err != nil {
		return Key{}, err
	}
	return Key{User: parts[0], Cluster: parts[1], IDE: ide}, nil
}

// Resources is the batch resource request attached to a launch.
type Resources struct {
	CPUs int `json:"cpus"`
	// Memory is the request as submitted, e.g. "40G".
	Memory      string `json:"memory"`
	MemoryBytes int64  `json:"memory_bytes,omitempty"`
	// WalltimeSeconds is the requested allocation length.
	WalltimeSeconds int64 `json:"walltime_seconds"`
	// GPU names the accelerator class, empty for none.
	GPU string `json:"gpu,omitempty"`
}

// Session is the central entity: one interactive IDE job and its plumbing.
type Session struct {
	Key    Key    `json:"key"`
	Status Status `json:"status"`

	JobID string `json:"job_id,omitempty"`
	// Node is the compute node hostname once the scheduler assigns one.
	Node string `json:"node,omitempty"`
	// IDEPort is the dynamic port the IDE bound on the compute node.
	IDEPort int `json:"ide_port,omitempty"`
	// LocalPort is the loopback port the tunnel delivers traffic to.
	LocalPort int `json:"local_port,omitempty"`
	// Token authenticates requests for IDEs whose binary accepts one.
	Token string `json:"token,omitempty"`

	Release   string    `json:"release"`
	Resources Resources `json:"resources"`

	TimeLeftSeconds  int64 `json:"time_left_seconds,omitempty"`
	TimeLimitSeconds int64 `json:"time_limit_seconds,omitempty"`
	// StartEstimate is the scheduler's estimated start for pending jobs.
	StartEstimate string `json:"start_estimate,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	EndReason    EndReason  `json:"end_reason,omitempty"`
	LastActivity time.Time  `json:"last_activity,omitempty"`
}

// Active reports whether the session occupies its key for exclusivity
// purposes.
func (s *Session) Active() bool {
	return s.Status == StatusPending || s.Status == StatusRunning
}

// Clone returns a deep copy safe to hand outside the store's lock.
func (s *Session) Clone() *Session {
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// MarkEnded transitions to a terminal status, stamping EndedAt once.
func (s *Session) MarkEnded(status Status, reason EndReason, now time.Time) {
	if s.Status.Terminal() {
		return
	}
	s.Status = status
	s.EndReason = reason
	t := now.UTC()
	s.EndedAt = &t
	s.UpdatedAt = t
}

// MarkRunning transitions pending -> running, stamping StartedAt.
func (s *Session) MarkRunning(now time.Time) {
	s.Status = StatusRunning
	t := now.UTC()
	s.StartedAt = &t
	s.UpdatedAt = t
	if s.LastActivity.Before(t) {
		s.LastActivity = t
	}
}
