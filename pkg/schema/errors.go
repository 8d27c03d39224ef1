package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStepBusy          = "STEP_BUSY"
	ErrCodeNoTaskBound       = "NO_TASK_BOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeExternal          = "EXTERNAL_CALL_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// RemediaError is the structured error type for all remedia operations.
type RemediaError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *RemediaError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RemediaError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RemediaError.
func NewError(code, message string) *RemediaError {
	return &RemediaError{Code: code, Message: message}
}

// NewErrorf creates a new RemediaError with a formatted message.
func NewErrorf(code, format string, args ...any) *RemediaError {
	return &RemediaError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step identity to the error.
func (e *RemediaError) WithStep(stepID string) *RemediaError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *RemediaError) WithCause(err error) *RemediaError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RemediaError) WithDetails(details map[string]any) *RemediaError {
	e.Details = details
	return e
}
