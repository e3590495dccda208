package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is(). Public entry points wrap
// these with additional context; callers should never string-match.
var (
	// Validation errors, surfaced synchronously and never retried.
	ErrUnknownTemplate = errors.New("unknown workflow template")
	ErrInvalidSelector = errors.New("item selector yielded no items")
	ErrInvalidItem     = errors.New("item is missing required fields")
	ErrDependencyCycle = errors.New("workflow contains circular dependencies")

	// Lookup errors.
	ErrExecutionNotFound = errors.New("execution not found")
	ErrBatchNotFound     = errors.New("batch not found")
	ErrAlertNotFound     = errors.New("alert not found")
	ErrItemNotFound      = errors.New("item result not found")

	// Transient external errors, eligible for retry under the backoff schedule.
	ErrTimeout          = errors.New("operation timeout")
	ErrConnectionFailed = errors.New("connection failed")
	ErrRateLimited      = errors.New("rate limited by platform")
	ErrServerError      = errors.New("platform server error")

	// Permanent external errors. These terminate a platform registration
	// immediately regardless of remaining attempts.
	ErrAuthIrrecoverable = errors.New("platform authentication irrecoverable")
	ErrAccountBanned     = errors.New("platform account banned")
	ErrPayloadRejected   = errors.New("platform rejected payload")
	ErrMissingProductID  = errors.New("platform response missing product id")

	// State errors.
	ErrExecutionTerminal  = errors.New("execution already in terminal state")
	ErrBatchTerminal      = errors.New("batch already in terminal state")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrNoActiveAccount    = errors.New("no active account for platform")
)

// PipelineError carries structured context for operational errors.
// It implements error and supports errors.Is/As through Unwrap.
type PipelineError struct {
	Op      string // operation that failed, e.g. "orchestrator.Start"
	Kind    string // error kind, e.g. "execution", "batch", "platform"
	ID      string // optional entity id
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError creates a PipelineError for the given operation.
func NewPipelineError(op, kind string, err error) *PipelineError {
	return &PipelineError{Op: op, Kind: kind, Err: err}
}

// IsRetryable reports whether an error is a transient external failure that
// the registration retry policy may re-attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrServerError)
}

// IsPermanent reports whether an error terminates a platform registration
// regardless of the attempt cap.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrAuthIrrecoverable) ||
		errors.Is(err, ErrAccountBanned) ||
		errors.Is(err, ErrPayloadRejected) ||
		errors.Is(err, ErrMissingProductID) ||
		errors.Is(err, ErrInvalidItem)
}

// IsNotFound reports whether an error represents a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrAlertNotFound) ||
		errors.Is(err, ErrItemNotFound)
}

// IsValidation reports whether an error came from input validation at a
// public entry point. Validation errors never reach the executor.
func IsValidation(err error) bool {
	return errors.Is(err, ErrUnknownTemplate) ||
		errors.Is(err, ErrInvalidSelector) ||
		errors.Is(err, ErrInvalidItem) ||
		errors.Is(err, ErrDependencyCycle)
}
