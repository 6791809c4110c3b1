// Package queue is the in-process job queue behind bulk imports and
// subscription notifications.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueNotFound  = errors.New("queue: not found")
	ErrQueueExists    = errors.New("queue: already exists")
	ErrQueueFull      = errors.New("queue: full")
	ErrInvalidReceipt = errors.New("queue: invalid receipt handle")
)

// Config configures a job queue
type Config struct {
	Name              string        `yaml:"name" json:"name"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" json:"visibility_timeout"`
	DeadLetterQueue   string        `yaml:"dead_letter_queue,omitempty" json:"dead_letter_queue,omitempty"`
	MaxSize           int           `yaml:"max_size" json:"max_size"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:        3,
		VisibilityTimeout: 5 * time.Minute,
		MaxSize:           10000,
	}
}

// Validate checks configuration
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("queue: name is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("queue: %s: max retries must not be negative", c.Name)
	}
	return nil
}

// ApplyDefaults fills in default values
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if c.MaxSize == 0 {
		c.MaxSize = defaults.MaxSize
	}
}

// Job is a unit of background work. Definition is the type-specific payload.
type Job struct {
	ID            string
	Type          string
	Definition    json.RawMessage
	Priority      int
	Delay         time.Duration
	Attempts      int
	EnqueuedAt    time.Time
	ReceiptHandle string
	LastError     string

	visibleAt time.Time
	timer     *time.Timer
}

// NewJob encodes definition as the payload of a job of the given type.
func NewJob(jobType string, definition any) (*Job, error) {
	raw, err := json.Marshal(definition)
	if err != nil {
		return nil, fmt.Errorf("queue: encode %s job: %w", jobType, err)
	}
	return &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Definition: raw,
	}, nil
}

// Decode unmarshals the job definition into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Definition, v); err != nil {
		return fmt.Errorf("queue: decode %s job %s: %w", j.Type, j.ID, err)
	}
	return nil
}

// Queue holds pending and in-flight jobs
type Queue struct {
	Name     string
	Config   *Config
	pending  []*Job
	inFlight map[string]*Job // receiptHandle -> job
	mu       sync.Mutex
}

// Stats contains queue statistics
type Stats struct {
	Pending  int
	Delayed  int
	InFlight int
}

// Manager manages named job queues
type Manager struct {
	queues map[string]*Queue
	mu     sync.RWMutex
	now    func() time.Time
}

// NewManager creates a new queue manager
func NewManager() *Manager {
	return &Manager{
		queues: make(map[string]*Queue),
		now:    time.Now,
	}
}

// CreateQueue creates a new queue
func (m *Manager) CreateQueue(config *Config) (*Queue, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.ApplyDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.queues[config.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrQueueExists, config.Name)
	}

	q := &Queue{
		Name:     config.Name,
		Config:   config,
		inFlight: make(map[string]*Job),
	}
	m.queues[config.Name] = q
	return q, nil
}

// DeleteQueue deletes a queue
func (m *Manager) DeleteQueue(name string) error {
	m.mu.Lock()
	q, exists := m.queues[name]
	delete(m.queues, name)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}

	q.mu.Lock()
	for _, job := range q.inFlight {
		job.timer.Stop()
	}
	q.mu.Unlock()
	return nil
}

// GetQueue returns a queue by name
func (m *Manager) GetQueue(name string) *Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queues[name]
}

func (m *Manager) queue(name string) (*Queue, error) {
	m.mu.RLock()
	q, exists := m.queues[name]
	m.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q, nil
}

// Enqueue adds a job to a queue
func (m *Manager) Enqueue(ctx context.Context, queueName string, job *Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q, err := m.queue(queueName)
	if err != nil {
		return "", err
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.EnqueuedAt = m.now().UTC()
	job.visibleAt = job.EnqueuedAt.Add(job.Delay)

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending)+len(q.inFlight) >= q.Config.MaxSize {
		return "", fmt.Errorf("%w: %s holds %d jobs", ErrQueueFull, queueName, q.Config.MaxSize)
	}
	q.insertLocked(job)
	return job.ID, nil
}

// insertLocked keeps pending ordered by priority, higher first.
func (q *Queue) insertLocked(job *Job) {
	i := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].Priority < job.Priority
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = job
}

// Dequeue leases the first visible job, or returns nil when none is ready.
// The job returns to the queue unless acknowledged within the visibility
// timeout.
func (m *Manager) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := m.queue(queueName)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := m.now()
	for i, job := range q.pending {
		if job.visibleAt.After(now) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)

		receipt := uuid.NewString()
		job.ReceiptHandle = receipt
		job.visibleAt = now.Add(q.Config.VisibilityTimeout)
		job.timer = time.AfterFunc(q.Config.VisibilityTimeout, func() {
			m.expire(q, receipt)
		})
		q.inFlight[receipt] = job
		return job, nil
	}
	return nil, nil
}

// expire returns a job whose lease ran out.
func (m *Manager) expire(q *Queue, receipt string) {
	q.mu.Lock()
	job, exists := q.inFlight[receipt]
	if !exists {
		q.mu.Unlock()
		return
	}
	delete(q.inFlight, receipt)
	job.LastError = "visibility timeout expired"
	dead := m.requeueLocked(q, job, 0)
	q.mu.Unlock()

	if dead {
		m.moveToDLQ(q.Config.DeadLetterQueue, job)
	}
}

// requeueLocked returns job to q, reporting true when it has exhausted its
// retries and belongs in the dead-letter queue instead.
func (m *Manager) requeueLocked(q *Queue, job *Job, delay time.Duration) bool {
	job.ReceiptHandle = ""
	job.timer = nil
	job.Attempts++
	if job.Attempts >= q.Config.MaxRetries {
		return true
	}
	job.visibleAt = m.now().Add(delay)
	q.insertLocked(job)
	return false
}

func (m *Manager) moveToDLQ(dlqName string, job *Job) {
	if dlqName == "" {
		return
	}
	dlq, err := m.queue(dlqName)
	if err != nil {
		return
	}

	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	job.visibleAt = m.now()
	dlq.insertLocked(job)
}

// Acknowledge completes a leased job
func (m *Manager) Acknowledge(ctx context.Context, queueName, receiptHandle string) error {
	q, err := m.queue(queueName)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.inFlight[receiptHandle]
	if !exists {
		return ErrInvalidReceipt
	}
	job.timer.Stop()
	delete(q.inFlight, receiptHandle)
	return nil
}

// Nack returns a leased job to the queue after delay. Jobs that exhaust
// their retries move to the dead-letter queue, or are dropped when the queue
// has none.
func (m *Manager) Nack(ctx context.Context, queueName, receiptHandle string, cause error, delay time.Duration) error {
	q, err := m.queue(queueName)
	if err != nil {
		return err
	}

	q.mu.Lock()
	job, exists := q.inFlight[receiptHandle]
	if !exists {
		q.mu.Unlock()
		return ErrInvalidReceipt
	}
	job.timer.Stop()
	delete(q.inFlight, receiptHandle)
	if cause != nil {
		job.LastError = cause.Error()
	}
	dead := m.requeueLocked(q, job, delay)
	q.mu.Unlock()

	if dead {
		m.moveToDLQ(q.Config.DeadLetterQueue, job)
	}
	return nil
}

// DeadLetter moves a leased job straight to the dead-letter queue.
func (m *Manager) DeadLetter(ctx context.Context, queueName, receiptHandle string, cause error) error {
	q, err := m.queue(queueName)
	if err != nil {
		return err
	}

	q.mu.Lock()
	job, exists := q.inFlight[receiptHandle]
	if !exists {
		q.mu.Unlock()
		return ErrInvalidReceipt
	}
	job.timer.Stop()
	delete(q.inFlight, receiptHandle)
	job.ReceiptHandle = ""
	job.timer = nil
	if cause != nil {
		job.LastError = cause.Error()
	}
	q.mu.Unlock()

	m.moveToDLQ(q.Config.DeadLetterQueue, job)
	return nil
}

// ExtendVisibility extends the lease of a job
func (m *Manager) ExtendVisibility(ctx context.Context, queueName, receiptHandle string, extension time.Duration) error {
	q, err := m.queue(queueName)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.inFlight[receiptHandle]
	if !exists {
		return ErrInvalidReceipt
	}
	job.timer.Reset(extension)
	job.visibleAt = m.now().Add(extension)
	return nil
}

// Remove drops a pending job by id. It reports whether the job was found.
func (m *Manager) Remove(ctx context.Context, queueName, jobID string) (bool, error) {
	q, err := m.queue(queueName)
	if err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i, job := range q.pending {
		if job.ID == jobID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Stats returns queue statistics
func (m *Manager) Stats(name string) (Stats, error) {
	q, err := m.queue(name)
	if err != nil {
		return Stats{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{InFlight: len(q.inFlight)}
	now := m.now()
	for _, job := range q.pending {
		if job.visibleAt.After(now) {
			stats.Delayed++
		} else {
			stats.Pending++
		}
	}
	return stats, nil
}

// Purge removes all jobs from a queue
func (m *Manager) Purge(ctx context.Context, queueName string) error {
	q, err := m.queue(queueName)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.inFlight {
		job.timer.Stop()
	}
	q.pending = nil
	q.inFlight = make(map[string]*Job)
	return nil
}

// ListQueues returns all queue names
func (m *Manager) ListQueues() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
