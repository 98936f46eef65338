package orchestrator

import (
	apperrors "github.com/clusterdesk/clusterdesk/internal/common/errors"
)

// Event types on a launch or stop stream. Every stream is a finite ordered
// sequence of progress events terminated by exactly one of complete,
// pending-timeout, or error.
const (
	EventProgress       = "progress"
	EventPendingTimeout = "pending-timeout"
	EventComplete       = "complete"
	EventError          = "error"
)

// Event is one typed message on an orchestrator stream.
type Event struct {
	Type        string              `json:"type"`
	Progress    int                 `json:"progress,omitempty"`
	Step        string              `json:"step,omitempty"`
	Message     string              `json:"message,omitempty"`
	RedirectURL string              `json:"redirectUrl,omitempty"`
	JobID       string              `json:"jobId,omitempty"`
	Error       *apperrors.AppError `json:"error,omitempty"`
}

func progressEvent(progress int, step, message string) Event {
	return Event{Type: EventProgress, Progress: progress, Step: step, Message: message}
}

func errorEvent(err *apperrors.AppError) Event {
	return Event{Type: EventError, Message: err.Message, Error: err}
}
