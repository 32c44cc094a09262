// Package apperrors defines the error kinds surfaced by the workflow engine.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a workflow or recorded row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrWorkflowConflict indicates a duplicate-key collision on a recorded
	// operation output: either a racing identical invocation or a
	// non-deterministic workflow body.
	ErrWorkflowConflict = errors.New("conflicting workflow invocation")

	// ErrDuplicateWorkflowEvent indicates SetEvent was called twice with the
	// same key inside one workflow.
	ErrDuplicateWorkflowEvent = errors.New("workflow event already set")

	// ErrDeadLetterQueue indicates a workflow exceeded its maximum recovery
	// attempts and was moved to the dead-letter state.
	ErrDeadLetterQueue = errors.New("workflow exceeded maximum recovery attempts")

	// ErrWorkflowCancelled is observed by an in-flight workflow body after a
	// cancellation request.
	ErrWorkflowCancelled = errors.New("workflow cancelled")
)

// InitializationError reports a fatal configuration or schema setup failure
// at process start.
type InitializationError struct {
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialization failed: %v", e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// NewInitializationError wraps err as a fatal startup error.
func NewInitializationError(err error) *InitializationError {
	return &InitializationError{Err: err}
}

// NotRegisteredError reports an invocation of an operation that was never
// registered with the engine.
type NotRegisteredError struct {
	Name string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("operation %q is not registered", e.Name)
}

// WorkflowConflictError carries the identity of a conflicting operation
// output write. It wraps ErrWorkflowConflict so callers can match with
// errors.Is.
type WorkflowConflictError struct {
	WorkflowUUID string
	FunctionID   int
}

func (e *WorkflowConflictError) Error() string {
	return fmt.Sprintf("conflicting write for workflow %s step %d", e.WorkflowUUID, e.FunctionID)
}

func (e *WorkflowConflictError) Is(target error) bool { return target == ErrWorkflowConflict }

// ConflictingWorkflowError reports reuse of a workflow UUID with a different
// workflow name than the first recorded invocation.
type ConflictingWorkflowError struct {
	WorkflowUUID string
	Recorded     string
	Requested    string
}

func (e *ConflictingWorkflowError) Error() string {
	return fmt.Sprintf("workflow %s already started as %q, cannot restart as %q",
		e.WorkflowUUID, e.Recorded, e.Requested)
}

// DuplicateWorkflowEventError identifies the key that was set twice.
type DuplicateWorkflowEventError struct {
	WorkflowUUID string
	Key          string
}

func (e *DuplicateWorkflowEventError) Error() string {
	return fmt.Sprintf("workflow %s already set event %q", e.WorkflowUUID, e.Key)
}

func (e *DuplicateWorkflowEventError) Is(target error) bool {
	return target == ErrDuplicateWorkflowEvent
}

// DeadLetterQueueError reports that recovery gave up on a workflow.
type DeadLetterQueueError struct {
	WorkflowUUID string
	Attempts     int64
	MaxAttempts  int64
}

func (e *DeadLetterQueueError) Error() string {
	if e.MaxAttempts > 0 {
		return fmt.Sprintf("workflow %s reached %d recovery attempts (max %d)",
			e.WorkflowUUID, e.Attempts, e.MaxAttempts)
	}
	return fmt.Sprintf("workflow %s exceeded its maximum recovery attempts", e.WorkflowUUID)
}

func (e *DeadLetterQueueError) Is(target error) bool { return target == ErrDeadLetterQueue }

// WorkflowCancelledError reports cancellation observed by a running body.
type WorkflowCancelledError struct {
	WorkflowUUID string
}

func (e *WorkflowCancelledError) Error() string {
	return fmt.Sprintf("workflow %s was cancelled", e.WorkflowUUID)
}

func (e *WorkflowCancelledError) Is(target error) bool { return target == ErrWorkflowCancelled }

// DebuggerError reports a divergence between a replayed workflow and its
// recorded operation stream.
type DebuggerError struct {
	Reason string
}

func (e *DebuggerError) Error() string {
	return fmt.Sprintf("debugger: %s", e.Reason)
}

// NewDebuggerError builds a DebuggerError with a formatted reason.
func NewDebuggerError(format string, args ...any) *DebuggerError {
	return &DebuggerError{Reason: fmt.Sprintf(format, args...)}
}

// NotAuthorizedError is an application-level authorization failure. The
// engine propagates it without interpretation.
type NotAuthorizedError struct {
	Message string
	Status  int
}

func (e *NotAuthorizedError) Error() string { return e.Message }

// ResponseError is an HTTP-shaped application error carried through the
// engine untouched.
type ResponseError struct {
	Message string
	Status  int
}

func (e *ResponseError) Error() string { return e.Message }
