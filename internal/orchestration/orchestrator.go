package orchestration

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FairForge/fhirbundle/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultOperationTimeout bounds an operation when no timeout is configured.
const DefaultOperationTimeout = 2 * time.Minute

// Orchestrator is the registry of live bundle operations.
type Orchestrator struct {
	committer storage.Committer
	logger    *zap.Logger
	metrics   *Metrics
	timeout   atomic.Int64
	newID     func() uuid.UUID

	mu         sync.RWMutex
	operations map[uuid.UUID]*Operation
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger used for operation lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithDefaultTimeout sets the deadline applied to operations created without
// their own. A non-positive value disables the deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout.Store(int64(d)) }
}

// New creates an orchestrator that commits transactions through committer.
func New(committer storage.Committer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		committer:  committer,
		logger:     zap.NewNop(),
		newID:      uuid.New,
		operations: make(map[uuid.UUID]*Operation),
	}
	o.timeout.Store(int64(DefaultOperationTimeout))
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DefaultTimeout returns the deadline applied to new operations.
func (o *Orchestrator) DefaultTimeout() time.Duration {
	return time.Duration(o.timeout.Load())
}

// SetDefaultTimeout changes the deadline for operations created from now on.
func (o *Orchestrator) SetDefaultTimeout(d time.Duration) {
	o.timeout.Store(int64(d))
}

// CreateNewOperation registers an operation that expects expectedCount
// participants and returns it in the Created state.
func (o *Orchestrator) CreateNewOperation(typ OperationType, label string, expectedCount int, opts ...OperationOption) (*Operation, error) {
	if typ != Batch && typ != Transaction {
		return nil, &ArgumentError{Param: "operationType", Value: typ}
	}
	if label == "" {
		return nil, &ArgumentError{Param: "label", Value: label}
	}
	if expectedCount <= 0 {
		return nil, &ArgumentError{Param: "expectedCount", Value: expectedCount, OutOfRange: true}
	}

	cfg := operationConfig{timeout: o.DefaultTimeout()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ctx == nil {
		cfg.ctx = context.Background()
	}

	o.metrics.operationCreated(typ)

	o.mu.Lock()
	id := o.newID()
	for {
		if _, taken := o.operations[id]; id != uuid.Nil && !taken {
			break
		}
		id = o.newID()
	}
	op := newOperation(id, typ, label, expectedCount, o.committer, o.logger, o.metrics, cfg.ctx)
	o.operations[id] = op
	o.mu.Unlock()

	op.arm(cfg.timeout)

	op.logger.Debug("operation created",
		zap.Int("expected", expectedCount),
		zap.Duration("timeout", cfg.timeout))
	return op, nil
}

// GetOperation looks up a live operation.
func (o *Orchestrator) GetOperation(id uuid.UUID) (*Operation, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	op, ok := o.operations[id]
	return op, ok
}

// RemoveOperation drops an operation from the registry. Removing an unknown
// id is a no-op. An operation removed before it resolved is cancelled so its
// waiters are released.
func (o *Orchestrator) RemoveOperation(id uuid.UUID) error {
	if id == uuid.Nil {
		return &OperationError{ID: id, Err: ErrInvalidOperationID}
	}

	o.mu.Lock()
	op, ok := o.operations[id]
	delete(o.operations, id)
	o.mu.Unlock()

	if ok && !op.State().IsTerminal() {
		op.logger.Warn("operation removed before resolution")
		op.Cancel()
	}
	return nil
}

// Join returns the participant handle for entry key of operation id.
func (o *Orchestrator) Join(id uuid.UUID, key int) (*Participant, error) {
	op, ok := o.GetOperation(id)
	if !ok {
		return nil, &OperationError{ID: id, Err: ErrOperationNotFound}
	}
	return op.Participant(key), nil
}

// Len returns the number of registered operations.
func (o *Orchestrator) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.operations)
}
