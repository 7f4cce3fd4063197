package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeConfiguration         = "CONFIGURATION_ERROR"
	ErrCodeExecution             = "EXECUTION_ERROR"
	ErrCodeTimeout               = "TIMEOUT_ERROR"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeInvalidTransition     = "INVALID_TRANSITION"
	ErrCodeActionUnavailable     = "ACTION_UNAVAILABLE"
	ErrCodeCapabilityUnavailable = "CAPABILITY_UNAVAILABLE"
	ErrCodeActionFailed          = "ACTION_FAILED"
	ErrCodeNodeFailed            = "NODE_FAILED"
	ErrCodeSynthesisFailed       = "SYNTHESIS_FAILED"
	ErrCodeDispatch              = "DISPATCH_ERROR"
	ErrCodeStore                 = "STORE_ERROR"
	ErrCodeVault                 = "VAULT_ERROR"
)

// EnsembleError is the structured error type for all ensemble operations.
type EnsembleError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EnsembleError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EnsembleError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EnsembleError.
func NewError(code, message string) *EnsembleError {
	return &EnsembleError{Code: code, Message: message}
}

// NewErrorf creates a new EnsembleError with a formatted message.
func NewErrorf(code, format string, args ...any) *EnsembleError {
	return &EnsembleError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *EnsembleError) WithNode(nodeID string) *EnsembleError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *EnsembleError) WithCause(err error) *EnsembleError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EnsembleError) WithDetails(details map[string]any) *EnsembleError {
	e.Details = details
	return e
}
