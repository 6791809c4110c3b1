package orchestration

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvalidArgument    = errors.New("orchestration: invalid argument")
	ErrInvalidOperationID = errors.New("orchestration: invalid operation id")
	ErrOperationNotFound  = errors.New("orchestration: operation not found")
	ErrOperationClosed    = errors.New("orchestration: operation no longer accepts participants")
	ErrDuplicateEntry     = errors.New("orchestration: entry already submitted")
	ErrAlreadyDispatched  = errors.New("orchestration: participants already dispatched")
	ErrFatalEntry         = errors.New("orchestration: fatal entry")
	ErrCommitFailure      = errors.New("orchestration: commit failed")
	ErrCanceled           = errors.New("orchestration: operation canceled")
	ErrDeadlineExceeded   = errors.New("orchestration: operation deadline exceeded")
)

// ArgumentError reports a malformed creation parameter.
type ArgumentError struct {
	Param      string
	Value      any
	OutOfRange bool
}

func (e *ArgumentError) Error() string {
	if e.OutOfRange {
		return fmt.Sprintf("orchestration: %s out of range: %v", e.Param, e.Value)
	}
	return fmt.Sprintf("orchestration: invalid %s: %q", e.Param, fmt.Sprint(e.Value))
}

func (e *ArgumentError) Unwrap() error { return ErrInvalidArgument }

// OperationError reports a failure tied to one operation id.
type OperationError struct {
	ID  uuid.UUID
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("orchestration: operation %s: %v", e.ID, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// FatalEntryError is the cause of an aborted transaction.
type FatalEntryError struct {
	Key int
	Err error
}

func (e *FatalEntryError) Error() string {
	return fmt.Sprintf("entry %d is fatal: %v", e.Key, e.Err)
}

func (e *FatalEntryError) Unwrap() []error { return []error{ErrFatalEntry, e.Err} }

// CommitError wraps an error raised by the storage collaborator's commit call.
type CommitError struct {
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit failed: %v", e.Err)
}

func (e *CommitError) Unwrap() []error { return []error{ErrCommitFailure, e.Err} }
