package bundle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/FairForge/fhirbundle/internal/orchestration"
	"github.com/FairForge/fhirbundle/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Notifier is told about resources persisted by a bundle.
type Notifier interface {
	ResourcesCommitted(ctx context.Context, refs []storage.Reference) error
}

// Processor executes bundles against a store through the orchestrator.
type Processor struct {
	orchestrator *orchestration.Orchestrator
	store        storage.Store
	notifier     Notifier
	logger       *zap.Logger
	timeout      time.Duration
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithNotifier sets the receiver of committed resource references.
func WithNotifier(n Notifier) ProcessorOption {
	return func(p *Processor) { p.notifier = n }
}

// WithLogger sets the processor logger.
func WithLogger(logger *zap.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithOperationTimeout overrides the orchestrator's default deadline for
// operations created by this processor.
func WithOperationTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.timeout = d }
}

// NewProcessor creates a processor. Batch entries write through store
// directly; transactions commit through the orchestrator's committer.
func NewProcessor(o *orchestration.Orchestrator, store storage.Store, opts ...ProcessorOption) *Processor {
	p := &Processor{
		orchestrator: o,
		store:        store,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessRaw parses and processes an encoded bundle.
func (p *Processor) ProcessRaw(ctx context.Context, raw []byte) (*Response, error) {
	b, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return p.Process(ctx, b)
}

// Process runs every entry of b as a participant of one operation and
// returns the response bundle once the operation has resolved.
func (p *Processor) Process(ctx context.Context, b *Bundle) (*Response, error) {
	typ, err := orchestration.ParseOperationType(string(b.Type))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}

	resp := newResponse(b)
	if len(b.Entry) == 0 {
		return resp, nil
	}

	opts := []orchestration.OperationOption{orchestration.WithContext(ctx)}
	if p.timeout > 0 {
		opts = append(opts, orchestration.WithTimeout(p.timeout))
	}
	op, err := p.orchestrator.CreateNewOperation(typ, label(b), len(b.Entry), opts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := p.orchestrator.RemoveOperation(op.ID()); err != nil {
			p.logger.Warn("failed to remove operation", zap.Error(err))
		}
	}()

	logger := p.logger.With(
		zap.String("operation_id", op.ID().String()),
		zap.Stringer("type", typ),
		zap.Int("entries", len(b.Entry)))

	reads := 0
	for _, e := range b.Entry {
		if isRead(e) {
			reads++
		}
	}
	if reads > 0 {
		if err := op.Withdraw(reads); err != nil && !errors.Is(err, orchestration.ErrOperationClosed) {
			return nil, err
		}
	}

	// Batch writes still in flight stop once the operation is cancelled.
	writeCtx, cancelWrites := context.WithCancel(ctx)
	defer cancelWrites()
	go func() {
		select {
		case <-op.Done():
			cancelWrites()
		case <-writeCtx.Done():
		}
	}()

	var g errgroup.Group
	for i, e := range b.Entry {
		if isRead(e) {
			g.Go(func() error {
				resp.Entry[i] = p.read(ctx, e)
				return nil
			})
			continue
		}
		participant := op.Participant(i)
		g.Go(func() error {
			out := p.participate(ctx, writeCtx, typ, participant, e)
			resp.Entry[i] = outcomeEntry(out)
			return nil
		})
	}
	_ = g.Wait()

	// Participants may have stopped waiting early; the operation itself is
	// bound to ctx and its deadline, so it always resolves.
	_ = op.Wait(context.WithoutCancel(ctx))

	for i := range b.Entry {
		if out, ok := op.Outcome(i); ok {
			resp.Entry[i] = outcomeEntry(out)
		}
	}

	resp.OperationID = op.ID()
	resp.State = op.State()
	resp.Err = op.Err()
	resp.Summary = orchestration.Summarize(op)

	fields := []zap.Field{
		zap.Stringer("state", resp.State),
		zap.Int("loaded", resp.LoadedCount),
		zap.Int("failed", resp.FailedCount),
	}
	if resp.Err != nil {
		logger.Info("bundle processed", append(fields, zap.Error(resp.Err))...)
	} else {
		logger.Debug("bundle processed", fields...)
	}

	p.notify(ctx, op, logger)
	return resp, nil
}

func (p *Processor) participate(ctx, writeCtx context.Context, typ orchestration.OperationType, participant *orchestration.Participant, e Entry) orchestration.Outcome {
	var prepared orchestration.Prepared

	w, err := prepareWrite(e)
	switch {
	case err != nil:
		prepared = orchestration.Rejected(err)
	case typ == orchestration.Transaction:
		prepared = orchestration.Staged(w)
	default:
		prepared = p.write(writeCtx, participant.Operation(), w)
	}

	out, err := participant.Submit(ctx, prepared)
	if err != nil {
		p.logger.Debug("participant submit returned early",
			zap.Int("entry", participant.Key()),
			zap.Error(err))
	}
	return out
}

// write performs a batch entry's own write unless its operation is already
// over.
func (p *Processor) write(ctx context.Context, op *orchestration.Operation, w storage.Write) orchestration.Prepared {
	select {
	case <-op.Done():
		return orchestration.Rejected(orchestration.ErrOperationClosed)
	default:
	}

	ref, err := p.store.Put(ctx, w)
	if err != nil {
		return orchestration.Rejected(err)
	}
	return orchestration.Written(ref)
}

func (p *Processor) read(ctx context.Context, e Entry) Entry {
	key, err := readKey(e)
	if err != nil {
		return errorEntry(err, orchestration.StatusFailed)
	}
	res, err := p.store.Get(ctx, key)
	if err != nil {
		return errorEntry(err, orchestration.StatusFailed)
	}
	return Entry{
		FullURL:  res.Type + "/" + res.ID,
		Resource: res.Payload,
		Response: &EntryResponse{
			Status:       status(http.StatusOK),
			Location:     res.Location(),
			ETag:         res.ETag(),
			LastModified: res.LastUpdated.UTC().Format(time.RFC3339),
		},
	}
}

func (p *Processor) notify(ctx context.Context, op *orchestration.Operation, logger *zap.Logger) {
	if p.notifier == nil {
		return
	}

	var refs []storage.Reference
	for _, out := range op.Outcomes() {
		if out.OK() {
			refs = append(refs, out.Reference)
		}
	}
	if len(refs) == 0 {
		return
	}

	if err := p.notifier.ResourcesCommitted(context.WithoutCancel(ctx), refs); err != nil {
		logger.Warn("failed to notify committed resources", zap.Error(err))
	}
}

func outcomeEntry(out orchestration.Outcome) Entry {
	if !out.OK() {
		return errorEntry(out.Err, out.Status)
	}

	ref := out.Reference
	code := http.StatusOK
	if ref.Created() {
		code = http.StatusCreated
	}
	resp := &EntryResponse{
		Status:   status(code),
		Location: ref.Location(),
		ETag:     ref.ETag(),
	}
	if !ref.LastUpdated.IsZero() {
		resp.LastModified = ref.LastUpdated.UTC().Format(time.RFC3339)
	}
	return Entry{Response: resp}
}

func errorEntry(err error, s orchestration.OutcomeStatus) Entry {
	code, issue := classify(err, s)
	return Entry{Response: &EntryResponse{
		Status:  status(code),
		Outcome: NewOperationOutcome(issue, err),
	}}
}

// classify maps an entry failure onto an HTTP status and issue code.
func classify(err error, s orchestration.OutcomeStatus) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidEntry), errors.Is(err, ErrInvalidBundle), errors.Is(err, storage.ErrInvalidWrite):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, storage.ErrVersionConflict):
		return http.StatusPreconditionFailed, "conflict"
	case errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not-found"
	case errors.Is(err, orchestration.ErrCommitFailure):
		return http.StatusInternalServerError, "exception"
	case s == orchestration.StatusCanceled,
		errors.Is(err, orchestration.ErrCanceled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "exception"
	}
}

// Classify maps a bundle-level failure onto an HTTP status.
func Classify(err error) int {
	code, _ := classify(err, 0)
	return code
}

func status(code int) string {
	return strconv.Itoa(code) + " " + http.StatusText(code)
}

func label(b *Bundle) string {
	if b.ID != "" {
		return string(b.Type) + "/" + b.ID
	}
	return fmt.Sprintf("%s/%d-entries", b.Type, len(b.Entry))
}
