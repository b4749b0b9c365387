package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeIntegration       = "INTEGRATION_ERROR"
	ErrCodeAIAgent           = "AI_AGENT_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeQueue             = "QUEUE_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// ErrorCategory classifies an execution error for recovery policy lookup.
type ErrorCategory string

const (
	// CategoryNode marks a failure of a specific action/step.
	CategoryNode ErrorCategory = "node"
	// CategoryIntegration marks a downstream provider failure. Recoverable by default.
	CategoryIntegration ErrorCategory = "integration"
	// CategoryAIAgent marks an AI tool invocation failure. Recoverable by default.
	CategoryAIAgent ErrorCategory = "ai_agent"
	// CategoryNetwork marks a transport-level failure. Recoverable by default.
	CategoryNetwork ErrorCategory = "network"
	// CategoryWorkflow is the generic fallback. Not recoverable by default.
	CategoryWorkflow ErrorCategory = "workflow"
)

// FlowError is the structured error type for all core operations.
type FlowError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Category    ErrorCategory  `json:"category,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	StepIndex   int            `json:"step_index,omitempty"`
	Recoverable bool           `json:"recoverable,omitempty"`
	Cause       error          `json:"-"`

	hasStep bool
}

func (e *FlowError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("[%s/%s] %s", e.Code, e.Category, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message, Category: defaultCategory(code), Recoverable: defaultRecoverable(code)}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithStep attaches the failing step index to the error.
func (e *FlowError) WithStep(index int) *FlowError {
	e.StepIndex = index
	e.hasStep = true
	return e
}

// HasStep reports whether a step index was attached. Distinguishes step 0
// from "no step recorded".
func (e *FlowError) HasStep() bool { return e.hasStep }

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// WithCategory overrides the error category and its default recoverability.
func (e *FlowError) WithCategory(c ErrorCategory) *FlowError {
	e.Category = c
	e.Recoverable = c == CategoryIntegration || c == CategoryAIAgent || c == CategoryNetwork
	return e
}

// AsRecoverable marks the error explicitly recoverable regardless of category.
func (e *FlowError) AsRecoverable() *FlowError {
	e.Recoverable = true
	return e
}

// IsRetryable reports whether the error should be subject to retry policy.
// Auth, validation, not-found and transition errors are never retried.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeUnauthorized, ErrCodeForbidden,
		ErrCodeConflict, ErrCodeInvalidTransition, ErrCodeCancelled, ErrCodeRetryExhausted:
		return false
	}
	return true
}

func defaultCategory(code string) ErrorCategory {
	switch code {
	case ErrCodeIntegration:
		return CategoryIntegration
	case ErrCodeAIAgent:
		return CategoryAIAgent
	case ErrCodeExecution:
		return CategoryNode
	default:
		return CategoryWorkflow
	}
}

func defaultRecoverable(code string) bool {
	return code == ErrCodeIntegration || code == ErrCodeAIAgent
}
