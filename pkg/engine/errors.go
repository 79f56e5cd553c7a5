package engine

import (
	"errors"
	"fmt"

	"github.com/molr/molr/pkg/tree"
)

// ErrorClass represents the classification of an engine error.
type ErrorClass string

const (
	// ErrorClassRejected indicates a command that was not accepted.
	// The command is discarded and the executor state is unchanged.
	ErrorClassRejected ErrorClass = "rejected"

	// ErrorClassInternal indicates an invariant violation inside an executor.
	// The executor is forced back to a paused state and stays controllable.
	ErrorClassInternal ErrorClass = "internal"

	// ErrorClassPermanent indicates invalid input at construction time.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with strand context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Strand is the ID of the strand that reported the error, if any.
	Strand string `json:"strand,omitempty"`

	// Block is the block the cursor was on, if any.
	Block tree.BlockID `json:"block,omitempty"`

	// Command is the command being processed, if any.
	Command StrandCommand `json:"command,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Strand != "" {
		msg += fmt.Sprintf(" (strand=%s", e.Strand)
		if e.Block != "" {
			msg += fmt.Sprintf(", block=%s", e.Block)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewRejectedError creates a new rejected-command error.
func NewRejectedError(command StrandCommand, message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassRejected,
		Message: message,
		Code:    ErrCodeCommandRejected,
		Command: command,
	}
}

// NewInternalError creates a new invariant-violation error.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInternal,
		Message: message,
		Code:    ErrCodeIllegalState,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// WithStrand adds strand context to an error.
func (e *EngineError) WithStrand(strandID string) *EngineError {
	e.Strand = strandID
	return e
}

// WithBlock adds block context to an error.
func (e *EngineError) WithBlock(block tree.BlockID) *EngineError {
	e.Block = block
	return e
}

// WithCode sets the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// IsRejected returns true if the error is a rejected command.
func IsRejected(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassRejected
	}
	return false
}

// IsInternal returns true if the error is an internal invariant violation.
func IsInternal(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassInternal
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// ErrorCode returns the code of an engine error, or "" for other errors.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeCommandRejected  = "COMMAND_REJECTED"
	ErrCodeCommandQueueFull = "COMMAND_QUEUE_FULL"
	ErrCodeStrandFinished   = "STRAND_FINISHED"
	ErrCodeIllegalState     = "ILLEGAL_STATE"
	ErrCodeEmptyComposite   = "EMPTY_COMPOSITE"
	ErrCodeRecoveredPanic   = "RECOVERED_PANIC"
	ErrCodeUnknownBlock     = "UNKNOWN_BLOCK"
	ErrCodeUnknownStrand    = "UNKNOWN_STRAND"
	ErrCodeValidation       = "VALIDATION_ERROR"
)

// Sentinel targets for errors.Is. They match any EngineError with the same class and code.
var (
	ErrCommandQueueFull = &EngineError{Class: ErrorClassRejected, Code: ErrCodeCommandQueueFull}
	ErrStrandFinished   = &EngineError{Class: ErrorClassRejected, Code: ErrCodeStrandFinished}
	ErrCommandRejected  = &EngineError{Class: ErrorClassRejected, Code: ErrCodeCommandRejected}
	ErrUnknownStrand    = &EngineError{Class: ErrorClassRejected, Code: ErrCodeUnknownStrand}
)
