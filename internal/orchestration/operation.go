package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FairForge/fhirbundle/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errNothingStaged = errors.New("transaction participant staged no write")

type operationConfig struct {
	ctx     context.Context
	timeout time.Duration
}

// OperationOption configures a single operation at creation.
type OperationOption func(*operationConfig)

// WithContext ties the operation to the bundle request's context. When ctx
// is cancelled before the operation resolves, the operation is Canceled.
func WithContext(ctx context.Context) OperationOption {
	return func(c *operationConfig) {
		if ctx != nil {
			c.ctx = ctx
		}
	}
}

// WithTimeout bounds how long the operation waits for its participants,
// overriding the orchestrator default.
func WithTimeout(d time.Duration) OperationOption {
	return func(c *operationConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

type arrival struct {
	key      int
	prepared Prepared
}

// Operation coordinates the participants of one bundle. Every read-modify-
// write of its state happens under mu, so exactly one participant observes
// the barrier being met and becomes the committer.
type Operation struct {
	id               uuid.UUID
	typ              OperationType
	label            string
	originalExpected int
	createdAt        time.Time

	ctx       context.Context
	committer storage.Committer
	logger    *zap.Logger
	metrics   *Metrics

	mu       sync.Mutex
	state    State
	expected int
	arrived  []arrival
	keys     map[int]struct{}
	outcomes map[int]Outcome
	err      error
	done     chan struct{}
	release  []func() bool
}

func newOperation(id uuid.UUID, typ OperationType, label string, expected int, committer storage.Committer, logger *zap.Logger, metrics *Metrics, ctx context.Context) *Operation {
	return &Operation{
		id:               id,
		typ:              typ,
		label:            label,
		originalExpected: expected,
		createdAt:        time.Now().UTC(),
		ctx:              ctx,
		committer:        committer,
		logger: logger.With(
			zap.String("operation_id", id.String()),
			zap.String("label", label),
			zap.Stringer("type", typ),
		),
		metrics:  metrics,
		state:    Created,
		expected: expected,
		keys:     make(map[int]struct{}, expected),
		outcomes: make(map[int]Outcome, expected),
		done:     make(chan struct{}),
	}
}

// arm starts watching the ambient context and the deadline.
func (op *Operation) arm(timeout time.Duration) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.state.IsTerminal() {
		return
	}

	stop := context.AfterFunc(op.ctx, func() {
		op.cancel(fmt.Errorf("%w: %w", ErrCanceled, context.Cause(op.ctx)))
	})
	op.release = append(op.release, stop)

	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			op.cancel(fmt.Errorf("%w: %w after %s", ErrCanceled, ErrDeadlineExceeded, timeout))
		})
		op.release = append(op.release, timer.Stop)
	}
}

// ID returns the operation's unique identifier.
func (op *Operation) ID() uuid.UUID { return op.id }

// Type returns the commit contract of the operation.
func (op *Operation) Type() OperationType { return op.typ }

// Label returns the diagnostic label given at creation.
func (op *Operation) Label() string { return op.label }

// OriginalExpectedCount returns the participant count declared at creation.
func (op *Operation) OriginalExpectedCount() int { return op.originalExpected }

// CreatedAt returns the creation time.
func (op *Operation) CreatedAt() time.Time { return op.createdAt }

// CurrentExpectedCount returns the barrier target after withdrawals.
func (op *Operation) CurrentExpectedCount() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.expected
}

// State returns the current lifecycle state.
func (op *Operation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Arrived returns the number of participants that have submitted.
func (op *Operation) Arrived() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return len(op.arrived)
}

// Err returns why the operation ended the way it did; nil while running and
// after a Completed resolution.
func (op *Operation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// Done is closed once the operation reaches a terminal state.
func (op *Operation) Done() <-chan struct{} { return op.done }

// Wait blocks until the operation is terminal or ctx ends.
func (op *Operation) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome returns the recorded outcome of an arrived entry.
func (op *Operation) Outcome(key int) (Outcome, bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	o, ok := op.outcomes[key]
	return o, ok
}

// Outcomes returns the recorded outcomes ordered by entry key.
func (op *Operation) Outcomes() []Outcome {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.sortedOutcomesLocked()
}

// Cancel resolves a still-waiting operation as Canceled. An operation that is
// already committing finishes its commit.
func (op *Operation) Cancel() {
	op.cancel(ErrCanceled)
}

// Withdraw lowers the barrier target by n for entries that will never take
// part in write coordination. It is only valid before any participant has
// submitted.
func (op *Operation) Withdraw(n int) error {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.state.IsTerminal() {
		return &OperationError{ID: op.id, Err: ErrOperationClosed}
	}
	if op.state != Created || len(op.arrived) > 0 {
		return &OperationError{ID: op.id, Err: ErrAlreadyDispatched}
	}
	if n <= 0 || n > op.expected {
		return &ArgumentError{Param: "withdrawn", Value: n, OutOfRange: true}
	}

	op.expected -= n
	op.logger.Debug("participants withdrawn",
		zap.Int("withdrawn", n),
		zap.Int("expected", op.expected))
	if op.expected == 0 {
		op.finishLocked(Completed, nil)
	}
	return nil
}

// Submit records the prepared result of entry key and blocks until the
// operation resolves, returning the outcome assigned to that entry. Cancelling
// ctx unblocks the caller without resolving the operation.
func (op *Operation) Submit(ctx context.Context, key int, prepared Prepared) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	op.mu.Lock()

	if op.state.IsTerminal() {
		out, err := op.lateOutcomeLocked(key, prepared)
		op.mu.Unlock()
		return out, err
	}
	if _, dup := op.keys[key]; dup {
		op.mu.Unlock()
		err := &OperationError{ID: op.id, Err: fmt.Errorf("%w: entry %d", ErrDuplicateEntry, key)}
		return Outcome{Key: key, Status: StatusFailed, Err: err}, err
	}
	if len(op.arrived) >= op.expected {
		op.mu.Unlock()
		err := &OperationError{ID: op.id, Err: ErrOperationClosed}
		return Outcome{Key: key, Status: StatusFailed, Err: err}, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if op.typ == Transaction {
			// The barrier can no longer be met.
			op.finishLocked(Canceled, fmt.Errorf("%w: entry %d abandoned before arrival: %w", ErrCanceled, key, ctxErr))
			out := op.outcomeLocked(key)
			op.mu.Unlock()
			return out, ctxErr
		}
		if !prepared.persisted() {
			prepared = Rejected(ctxErr)
		}
	}
	if op.typ == Transaction && prepared.Err == nil && prepared.Write == nil {
		prepared.Err = errNothingStaged
	}

	if op.state == Created {
		op.transitionLocked(AwaitingResources)
	}
	op.keys[key] = struct{}{}
	op.arrived = append(op.arrived, arrival{key: key, prepared: prepared})
	op.metrics.participantArrived(op.typ)

	switch {
	case op.typ == Transaction && prepared.Err != nil:
		op.finishLocked(Aborted, &FatalEntryError{Key: key, Err: prepared.Err})

	case len(op.arrived) == op.expected:
		op.transitionLocked(ReadyToCommit)
		if op.typ == Batch {
			op.finishLocked(Completed, nil)
			break
		}
		op.transitionLocked(Committing)
		writes, keys := op.stagedLocked()
		op.mu.Unlock()
		op.commit(writes, keys)
		return op.await(ctx, key)
	}

	op.mu.Unlock()
	return op.await(ctx, key)
}

func (op *Operation) await(ctx context.Context, key int) (Outcome, error) {
	select {
	case <-op.done:
	case <-ctx.Done():
		select {
		case <-op.done:
		default:
			if op.typ == Batch {
				// A batch entry's result is final on arrival.
				op.mu.Lock()
				out := op.arrivedOutcomeLocked(key)
				op.mu.Unlock()
				return out, ctx.Err()
			}
			return Outcome{Key: key, Status: StatusCanceled, Err: ctx.Err()}, ctx.Err()
		}
	}

	op.mu.Lock()
	defer op.mu.Unlock()
	return op.outcomeLocked(key), nil
}

// commit runs outside mu; only the elected committer calls it.
func (op *Operation) commit(writes []storage.Write, keys []int) {
	var (
		results []storage.WriteResult
		err     error
	)

	start := time.Now()
	if op.committer == nil {
		err = errors.New("no storage committer configured")
	} else {
		results, err = op.committer.Commit(op.ctx, writes)
	}
	op.metrics.commitObserved(time.Since(start), err)
	if err == nil && len(results) != len(writes) {
		err = fmt.Errorf("store returned %d results for %d writes", len(results), len(writes))
	}

	op.mu.Lock()
	defer op.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			op.finishLocked(Canceled, fmt.Errorf("%w: %w", ErrCanceled, err))
			return
		}
		op.finishLocked(Failed, &CommitError{Err: err})
		return
	}

	for i, r := range results {
		if r.Err != nil {
			op.outcomes[keys[i]] = Outcome{Key: keys[i], Status: StatusFailed, Err: r.Err}
			continue
		}
		op.outcomes[keys[i]] = Outcome{Key: keys[i], Status: StatusSucceeded, Reference: r.Reference}
	}
	op.finishLocked(Completed, nil)
}

func (op *Operation) cancel(cause error) {
	op.mu.Lock()
	defer op.mu.Unlock()

	// A running commit observes op.ctx itself and decides the final state.
	if op.state == Committing || op.state.IsTerminal() {
		return
	}
	op.finishLocked(Canceled, cause)
}

func (op *Operation) transitionLocked(to State) {
	op.logger.Debug("operation transition",
		zap.Stringer("from", op.state),
		zap.Stringer("to", to))
	op.state = to
}

// finishLocked performs the single transition into a terminal state and
// releases every waiter.
func (op *Operation) finishLocked(to State, cause error) {
	if op.state.IsTerminal() {
		return
	}
	from := op.state
	op.state = to
	op.err = cause

	for _, a := range op.arrived {
		if _, ok := op.outcomes[a.key]; ok {
			continue
		}
		if op.typ == Batch {
			op.outcomes[a.key] = batchOutcome(a)
			continue
		}
		op.outcomes[a.key] = op.terminalOutcomeLocked(a.key)
	}

	for _, stop := range op.release {
		stop()
	}
	op.release = nil
	close(op.done)

	op.metrics.operationFinished(op.typ, to)

	fields := []zap.Field{
		zap.Stringer("from", from),
		zap.Stringer("state", to),
		zap.Int("arrived", len(op.arrived)),
		zap.Int("expected", op.expected),
	}
	if cause != nil {
		op.logger.Info("operation finished", append(fields, zap.Error(cause))...)
		return
	}
	op.logger.Debug("operation finished", fields...)
}

func (op *Operation) outcomeLocked(key int) Outcome {
	if o, ok := op.outcomes[key]; ok {
		return o
	}
	return op.terminalOutcomeLocked(key)
}

func (op *Operation) terminalOutcomeLocked(key int) Outcome {
	switch op.state {
	case Aborted:
		return Outcome{Key: key, Status: StatusAborted, Err: op.err}
	case Canceled:
		return Outcome{Key: key, Status: StatusCanceled, Err: op.err}
	case Failed:
		return Outcome{Key: key, Status: StatusFailed, Err: op.err}
	default:
		return Outcome{Key: key, Status: StatusFailed, Err: ErrOperationClosed}
	}
}

// lateOutcomeLocked answers a submission that arrives after resolution.
// Peers of an aborted, cancelled or failed operation resolve to that outcome;
// anything else is a caller error and fails fast. A batch entry whose own
// write already went through is still recorded as loaded.
func (op *Operation) lateOutcomeLocked(key int, prepared Prepared) (Outcome, error) {
	if _, dup := op.keys[key]; dup {
		return op.outcomes[key], &OperationError{ID: op.id, Err: fmt.Errorf("%w: entry %d", ErrDuplicateEntry, key)}
	}
	if op.state == Completed || len(op.arrived) >= op.expected {
		err := &OperationError{ID: op.id, Err: ErrOperationClosed}
		return Outcome{Key: key, Status: StatusFailed, Err: err}, err
	}
	if op.typ == Batch && prepared.persisted() {
		a := arrival{key: key, prepared: prepared}
		op.keys[key] = struct{}{}
		op.arrived = append(op.arrived, a)
		op.outcomes[key] = batchOutcome(a)
		op.metrics.participantArrived(op.typ)
		op.logger.Debug("late batch write recorded", zap.Int("entry", key))
		return op.outcomes[key], nil
	}
	return op.terminalOutcomeLocked(key), nil
}

func (op *Operation) stagedLocked() ([]storage.Write, []int) {
	staged := make([]arrival, len(op.arrived))
	copy(staged, op.arrived)
	sort.Slice(staged, func(i, j int) bool { return staged[i].key < staged[j].key })

	writes := make([]storage.Write, len(staged))
	keys := make([]int, len(staged))
	for i, a := range staged {
		writes[i] = *a.prepared.Write
		keys[i] = a.key
	}
	return writes, keys
}

func (op *Operation) sortedOutcomesLocked() []Outcome {
	out := make([]Outcome, 0, len(op.outcomes))
	for _, o := range op.outcomes {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (op *Operation) arrivedOutcomeLocked(key int) Outcome {
	if o, ok := op.outcomes[key]; ok {
		return o
	}
	for _, a := range op.arrived {
		if a.key == key {
			return batchOutcome(a)
		}
	}
	return Outcome{Key: key, Status: StatusCanceled, Err: context.Canceled}
}

func batchOutcome(a arrival) Outcome {
	if a.prepared.Err != nil {
		return Outcome{Key: a.key, Status: StatusFailed, Err: a.prepared.Err}
	}
	return Outcome{Key: a.key, Status: StatusSucceeded, Reference: a.prepared.Reference}
}
