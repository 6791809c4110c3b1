package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/FairForge/fhirbundle/internal/orchestration"
	"github.com/FairForge/fhirbundle/internal/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobType is the queue job type of an import.
const JobType = "bulk-import"

// jobNamespace scopes import ids derived from request content.
var jobNamespace = uuid.MustParse("5b0c3f7e-2a47-4d3c-9d0e-8f7a61c2b9d4")

type jobDefinition struct {
	ID uuid.UUID `json:"id"`
}

type entry struct {
	job     Job
	queueID string
	cancel  context.CancelFunc
}

// Registry tracks import jobs and hands them to the job queue.
type Registry struct {
	queue     *queue.Manager
	queueName string
	logger    *zap.Logger
	now       func() time.Time

	mu   sync.RWMutex
	jobs map[uuid.UUID]*entry
}

// NewRegistry creates a registry that enqueues onto queueName.
func NewRegistry(q *queue.Manager, queueName string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		queue:     q,
		queueName: queueName,
		logger:    logger,
		now:       time.Now,
		jobs:      make(map[uuid.UUID]*entry),
	}
}

// JobID derives the id of an import from its request, so registering the
// same request twice yields the same job.
func JobID(req Request) (uuid.UUID, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("importer: encode request: %w", err)
	}
	return uuid.NewSHA1(jobNamespace, raw), nil
}

// Register validates req and enqueues it unless an identical request was
// registered before. created is false when the existing job is returned.
func (r *Registry) Register(ctx context.Context, req Request) (job Job, created bool, err error) {
	if err := req.Validate(); err != nil {
		return Job{}, false, err
	}
	id, err := JobID(req)
	if err != nil {
		return Job{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.jobs[id]; ok {
		return e.job, false, nil
	}

	qjob, err := queue.NewJob(JobType, jobDefinition{ID: id})
	if err != nil {
		return Job{}, false, err
	}
	if _, err := r.queue.Enqueue(ctx, r.queueName, qjob); err != nil {
		return Job{}, false, fmt.Errorf("importer: enqueue %s: %w", id, err)
	}

	e := &entry{
		job: Job{
			ID:        id,
			Request:   req,
			Status:    StatusQueued,
			CreatedAt: r.now().UTC(),
			Result:    orchestration.Summary{Errors: []string{}},
		},
		queueID: qjob.ID,
	}
	r.jobs[id] = e

	r.logger.Info("import registered",
		zap.String("job_id", id.String()),
		zap.Int("inputs", len(req.Inputs)))
	return e.job, true, nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id uuid.UUID) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Cancel stops a queued or running import.
func (r *Registry) Cancel(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	switch e.job.Status {
	case StatusQueued:
		if _, err := r.queue.Remove(ctx, r.queueName, e.queueID); err != nil {
			return err
		}
		e.job.Status = StatusCanceled
		e.job.EndedAt = r.now().UTC()
	case StatusRunning:
		// The runner records the final state once the job observes the cancel.
		e.cancel()
	default:
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, id, e.job.Status)
	}

	r.logger.Info("import cancel requested", zap.String("job_id", id.String()))
	return nil
}

// start moves a queued job to running. It returns false when the job should
// not run, for example because it was cancelled while queued.
func (r *Registry) start(id uuid.UUID, cancel context.CancelFunc) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok || e.job.Status != StatusQueued {
		return Request{}, false
	}
	e.job.Status = StatusRunning
	e.job.StartedAt = r.now().UTC()
	e.cancel = cancel
	return e.job.Request, true
}

// progress records the running total of a job.
func (r *Registry) progress(id uuid.UUID, s orchestration.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.jobs[id]; ok {
		e.job.Result = s
		e.job.Result.Errors = append([]string{}, s.Errors...)
	}
}

func (r *Registry) finish(id uuid.UUID, s orchestration.Summary, status Status, err error, badRequest bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return
	}
	e.job.Status = status
	e.job.EndedAt = r.now().UTC()
	e.job.Result = s
	e.job.BadRequest = badRequest
	if err != nil {
		e.job.Error = err.Error()
	}
	e.cancel = nil
}
