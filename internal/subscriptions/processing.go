package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/fhirbundle/internal/queue"
	"github.com/FairForge/fhirbundle/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// JobType is the queue job type of a subscription notification.
const JobType = "subscription-processing"

// Results reported by ProcessingJob.Execute.
const (
	ResultOK         = "OK"
	ResultBadRequest = "BadRequest"
)

// JobDefinition is the queued payload of a notification.
type JobDefinition struct {
	Subscription *Info         `json:"subscription"`
	References   []storage.Key `json:"references"`
	VisibleDate  time.Time     `json:"visibleDate"`
}

// ProcessingJob publishes committed resources to a subscription channel.
type ProcessingJob struct {
	channels *ChannelFactory
	store    storage.Reader
	logger   *zap.Logger
}

// NewProcessingJob creates the job executor.
func NewProcessingJob(channels *ChannelFactory, store storage.Reader, logger *zap.Logger) *ProcessingJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessingJob{channels: channels, store: store, logger: logger}
}

// Execute loads every referenced resource and publishes them through the
// subscription's channel. A definition without a subscription yields
// ResultBadRequest. Resources deleted since the commit are skipped.
func (j *ProcessingJob) Execute(ctx context.Context, def JobDefinition) (string, error) {
	if def.Subscription == nil {
		return ResultBadRequest, nil
	}

	resources := make([]*storage.Resource, len(def.References))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range def.References {
		g.Go(func() error {
			r, err := j.store.Get(gctx, key)
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("load %s: %w", key, err)
			}
			resources[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	found := resources[:0]
	for _, r := range resources {
		if r != nil {
			found = append(found, r)
		}
	}

	ch, err := j.channels.Create(def.Subscription.Channel.Type)
	if err != nil {
		return ResultBadRequest, err
	}
	if err := ch.Publish(ctx, found, def.Subscription, def.VisibleDate); err != nil {
		return "", err
	}
	return ResultOK, nil
}

// Handle adapts Execute to the job queue. Bad requests are dead-lettered;
// load and delivery failures are retried by the queue.
func (j *ProcessingJob) Handle(ctx context.Context, job *queue.Job) error {
	var def JobDefinition
	if err := job.Decode(&def); err != nil {
		return queue.Permanent(err)
	}

	result, err := j.Execute(ctx, def)
	if result == ResultBadRequest {
		if err == nil {
			err = fmt.Errorf("%w: job %s has no subscription", ErrInvalidSubscription, job.ID)
		}
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}

	j.logger.Debug("subscription job processed",
		zap.String("job_id", job.ID),
		zap.String("subscription_id", def.Subscription.ID),
		zap.Int("resources", len(def.References)))
	return nil
}
