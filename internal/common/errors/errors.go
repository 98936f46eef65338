// Package errors provides typed application errors for clusterdesk.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Error codes as constants
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeValidationError   = "VALIDATION_ERROR"
	ErrCodeTransientRemote   = "TRANSIENT_REMOTE"
	ErrCodeSubmitUnparseable = "SUBMIT_UNPARSEABLE"
	ErrCodeAllocationTimeout = "ALLOCATION_TIMEOUT"
	ErrCodeTunnelFailed      = "TUNNEL_FAILED"
	ErrCodeSchedulerLost     = "SCHEDULER_LOST"
	ErrCodeProxyUpstream     = "PROXY_UPSTREAM"
)

// AppError represents an application-specific error with additional context.
// Message is safe to show to an end user; Err carries the server-side detail
// and is logged under CorrelationID.
type AppError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	HTTPStatus    int    `json:"http_status"`
	CorrelationID string `json:"correlation_id,omitempty"`
	// SessionKey is set on CONFLICT errors so the UI can offer a
	// "connect to the existing session" affordance.
	SessionKey string `json:"session_key,omitempty"`
	// JobID is set when the conflicting or failed session has a known
	// scheduler job.
	JobID string `json:"job_id,omitempty"`
	Err   error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

func newError(code, message string, status int, err error) *AppError {
	return &AppError{
		Code:          code,
		Message:       message,
		HTTPStatus:    status,
		CorrelationID: uuid.New().String(),
		Err:           err,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return newError(ErrCodeNotFound, fmt.Sprintf("%s '%s' not found", resource, id), http.StatusNotFound, nil)
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return newError(ErrCodeBadRequest, message, http.StatusBadRequest, nil)
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return newError(ErrCodeUnauthorized, message, http.StatusUnauthorized, nil)
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return newError(ErrCodeInternalError, message, http.StatusInternalServerError, err)
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return newError(ErrCodeValidationError, fmt.Sprintf("validation failed for field '%s': %s", field, message), http.StatusBadRequest, nil)
}

// Conflict creates a session-exclusivity violation carrying the key and job id
// of the already-active session.
func Conflict(sessionKey, jobID string) *AppError {
	e := newError(ErrCodeConflict, fmt.Sprintf("a session for %s is already active", sessionKey), http.StatusConflict, nil)
	e.SessionKey = sessionKey
	e.JobID = jobID
	return e
}

// TransientRemote wraps a failed, timed out, or non-zero remote shell
// invocation. Callers retry these up to their retry budget.
func TransientRemote(message string, err error) *AppError {
	return newError(ErrCodeTransientRemote, message, http.StatusBadGateway, err)
}

// SubmitUnparseable reports job-submit stdout with no recognisable job id.
// Never retried; a human reconciles.
func SubmitUnparseable(stdout string) *AppError {
	return newError(ErrCodeSubmitUnparseable, "job submission did not return a job id", http.StatusBadGateway,
		fmt.Errorf("unparseable sbatch output: %q", stdout))
}

// AllocationTimeout reports a job still pending past the allocation bound.
func AllocationTimeout(jobID string) *AppError {
	e := newError(ErrCodeAllocationTimeout, "the scheduler has not allocated a node yet", http.StatusGatewayTimeout, nil)
	e.JobID = jobID
	return e
}

// TunnelFailed reports a tunnel whose local port never became ready.
func TunnelFailed(message string, err error) *AppError {
	return newError(ErrCodeTunnelFailed, message, http.StatusBadGateway, err)
}

// SchedulerLost reports a job that disappeared from the queue while the
// session was running.
func SchedulerLost(jobID string) *AppError {
	e := newError(ErrCodeSchedulerLost, "the scheduler no longer knows this job", http.StatusGone, nil)
	e.JobID = jobID
	return e
}

// ProxyUpstream reports a 5xx or connection reset from the proxied IDE.
func ProxyUpstream(err error) *AppError {
	return newError(ErrCodeProxyUpstream, "the IDE did not respond; it may still be starting", http.StatusBadGateway, err)
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:          appErr.Code,
			Message:       fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus:    appErr.HTTPStatus,
			CorrelationID: appErr.CorrelationID,
			SessionKey:    appErr.SessionKey,
			JobID:         appErr.JobID,
			Err:           err,
		}
	}

	return newError(ErrCodeInternalError, message, http.StatusInternalServerError, err)
}

// IsTransient checks if the error is a retryable remote failure.
func IsTransient(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeTransientRemote
	}
	return false
}

// IsConflict checks if the error is a session-exclusivity conflict.
func IsConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeConflict
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// AsAppError converts any error into an *AppError, wrapping unknown errors
// as internal.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError("unexpected error", err)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
