package orchestration

import (
	"fmt"

	"github.com/FairForge/fhirbundle/internal/storage"
)

// OperationType selects the commit contract of an operation.
type OperationType int

const (
	// Batch entries succeed or fail independently.
	Batch OperationType = iota + 1
	// Transaction entries are committed all together or not at all.
	Transaction
)

func (t OperationType) String() string {
	switch t {
	case Batch:
		return "batch"
	case Transaction:
		return "transaction"
	default:
		return fmt.Sprintf("OperationType(%d)", int(t))
	}
}

// ParseOperationType maps a bundle type onto an operation type.
func ParseOperationType(s string) (OperationType, error) {
	switch s {
	case "batch":
		return Batch, nil
	case "transaction":
		return Transaction, nil
	default:
		return 0, &ArgumentError{Param: "operationType", Value: s}
	}
}

// State is the lifecycle position of an operation.
type State int

const (
	Created State = iota
	AwaitingResources
	ReadyToCommit
	Committing
	Completed
	Aborted
	Canceled
	Failed
)

var stateNames = [...]string{
	Created:           "Created",
	AwaitingResources: "AwaitingResources",
	ReadyToCommit:     "ReadyToCommit",
	Committing:        "Committing",
	Completed:         "Completed",
	Aborted:           "Aborted",
	Canceled:          "Canceled",
	Failed:            "Failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsTerminal reports whether no further transition can leave s.
func (s State) IsTerminal() bool {
	return s >= Completed
}

// Prepared is what a participant hands to its operation. Batch participants
// have already performed their own write and report its Reference (or Err).
// Transaction participants stage a Write for the collective commit; an Err
// from a transaction participant is fatal for the whole operation.
type Prepared struct {
	Write     *storage.Write
	Reference storage.Reference
	Err       error
}

// Written reports a write the participant already performed.
func Written(ref storage.Reference) Prepared {
	return Prepared{Reference: ref}
}

// Staged reports a write to include in the collective commit.
func Staged(w storage.Write) Prepared {
	return Prepared{Write: &w}
}

// persisted reports whether the participant's own write already went
// through.
func (p Prepared) persisted() bool {
	return p.Err == nil && p.Write == nil && p.Reference.ID != ""
}

// Rejected reports a failed preparation.
func Rejected(err error) Prepared {
	return Prepared{Err: err}
}

// OutcomeStatus classifies an entry's final outcome.
type OutcomeStatus int

const (
	StatusSucceeded OutcomeStatus = iota + 1
	StatusFailed
	StatusAborted
	StatusCanceled
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Outcome is the resolution delivered to a single participant.
type Outcome struct {
	Key       int
	Status    OutcomeStatus
	Reference storage.Reference
	Err       error
}

// OK reports whether the entry was persisted.
func (o Outcome) OK() bool { return o.Status == StatusSucceeded }
