package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one job. Returning an error retries the job; wrap the
// error with Permanent to dead-letter it instead.
type Handler func(ctx context.Context, job *Job) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// WorkerConfig configures a Worker
type WorkerConfig struct {
	Queue        string
	Concurrency  int
	PollInterval time.Duration
	RetryDelay   time.Duration
}

// Worker leases jobs from one queue and dispatches them by type.
type Worker struct {
	manager  *Manager
	config   WorkerConfig
	logger   *zap.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewWorker creates a worker for config.Queue.
func NewWorker(manager *Manager, config WorkerConfig, logger *zap.Logger) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		manager:  manager,
		config:   config,
		logger:   logger.With(zap.String("queue", config.Queue)),
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for jobs of jobType.
func (w *Worker) Handle(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.manager.queue(w.config.Queue); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything visible before sleeping again.
		for w.processOne(ctx) {
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// processOne reports whether a job was leased.
func (w *Worker) processOne(ctx context.Context) bool {
	job, err := w.manager.Dequeue(ctx, w.config.Queue)
	if err != nil || job == nil {
		return false
	}

	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Int("attempt", job.Attempts+1))
	receipt := job.ReceiptHandle

	err = w.dispatch(ctx, job)
	switch {
	case err == nil:
		if ackErr := w.manager.Acknowledge(ctx, w.config.Queue, receipt); ackErr != nil {
			logger.Warn("failed to acknowledge job", zap.Error(ackErr))
		}
		logger.Debug("job completed")
	case IsPermanent(err):
		logger.Error("job failed permanently", zap.Error(err))
		if dlqErr := w.manager.DeadLetter(context.WithoutCancel(ctx), w.config.Queue, receipt, err); dlqErr != nil {
			logger.Error("failed to dead-letter job", zap.Error(dlqErr))
		}
	default:
		logger.Warn("job failed, will retry", zap.Error(err))
		if nackErr := w.manager.Nack(context.WithoutCancel(ctx), w.config.Queue, receipt, err, w.config.RetryDelay); nackErr != nil {
			logger.Warn("failed to release job for retry", zap.Error(nackErr))
		}
	}
	return true
}

func (w *Worker) dispatch(ctx context.Context, job *Job) (err error) {
	w.mu.RLock()
	h, ok := w.handlers[job.Type]
	w.mu.RUnlock()
	if !ok {
		return Permanent(fmt.Errorf("queue: no handler for job type %q", job.Type))
	}

	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("queue: handler for %q panicked: %v", job.Type, r))
		}
	}()
	return h(ctx, job)
}
