package subscriptions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FairForge/fhirbundle/internal/queue"
	"github.com/FairForge/fhirbundle/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager holds the registered subscriptions and turns committed resources
// into processing jobs.
type Manager struct {
	validator *Validator
	queue     *queue.Manager
	queueName string
	logger    *zap.Logger
	now       func() time.Time

	mu   sync.RWMutex
	subs map[string]Info
}

// NewManager creates a manager that enqueues processing jobs onto queueName.
func NewManager(validator *Validator, q *queue.Manager, queueName string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		validator: validator,
		queue:     q,
		queueName: queueName,
		logger:    logger,
		now:       time.Now,
		subs:      make(map[string]Info),
	}
}

// Register validates info and stores it. A missing id is assigned. The
// stored subscription is returned with the status set by validation.
func (m *Manager) Register(ctx context.Context, info Info) (Info, error) {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	info.Criteria = append([]string(nil), info.Criteria...)

	validated, err := m.validator.Validate(ctx, info)
	if err != nil {
		return validated, err
	}

	m.mu.Lock()
	m.subs[validated.ID] = validated
	m.mu.Unlock()

	m.logger.Info("subscription registered",
		zap.String("subscription_id", validated.ID),
		zap.String("status", string(validated.Status)),
		zap.Strings("criteria", validated.Criteria))
	return validated, nil
}

// Get returns the subscription with the given id.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.subs[id]
	return info, ok
}

// List returns all subscriptions ordered by id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.subs))
	for _, info := range m.subs {
		out = append(out, info)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove deletes a subscription.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	delete(m.subs, id)
	return nil
}

// ResourcesCommitted enqueues one processing job for every active
// subscription that matches at least one of refs.
func (m *Manager) ResourcesCommitted(ctx context.Context, refs []storage.Reference) error {
	if len(refs) == 0 {
		return nil
	}
	visible := m.now().UTC()

	var errs error
	for _, info := range m.List() {
		if info.Status != StatusActive {
			continue
		}

		var keys []storage.Key
		for _, ref := range refs {
			if info.Matches(ref.Type) {
				keys = append(keys, ref.Key())
			}
		}
		if len(keys) == 0 {
			continue
		}

		sub := info
		job, err := queue.NewJob(JobType, JobDefinition{
			Subscription: &sub,
			References:   keys,
			VisibleDate:  visible,
		})
		if err == nil {
			_, err = m.queue.Enqueue(ctx, m.queueName, job)
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("subscription %s: %w", info.ID, err))
			continue
		}
		m.logger.Debug("subscription notification queued",
			zap.String("subscription_id", info.ID),
			zap.Int("resources", len(keys)))
	}
	return errs
}
