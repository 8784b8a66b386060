package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/priority-jobs/pkg/backoff"
	"github.com/jdziat/priority-jobs/pkg/core"
	"github.com/jdziat/priority-jobs/pkg/security"
)

// Dispatcher mediates every job lifecycle operation against the store and
// publishes lifecycle events.
type Dispatcher struct {
	storage core.Storage
	config  Config
	queues  *queueCache
	broker  *Broker
	logger  *slog.Logger

	mu        sync.RWMutex
	scheduled map[string]*ScheduledJob
}

// New creates a Dispatcher backed by storage.
func New(storage core.Storage, opts ...Option) *Dispatcher {
	cfg := Config{
		DefaultAttempts: DefaultAttempts,
		DefaultTimeout:  DefaultTimeout,
		Backoff:         backoff.Default(),
		EventBuffer:     DefaultEventBuffer,
		Clock:           time.Now,
		Logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt.ApplyDispatcher(&cfg)
	}
	if cfg.DefaultAttempts <= 0 {
		cfg.DefaultAttempts = DefaultAttempts
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Dispatcher{
		storage:   storage,
		config:    cfg,
		queues:    newQueueCache(),
		broker:    NewBroker(cfg.EventBuffer),
		logger:    cfg.Logger,
		scheduled: make(map[string]*ScheduledJob),
	}
}

// Storage returns the underlying store.
func (d *Dispatcher) Storage() core.Storage {
	return d.storage
}

// Config returns a copy of the dispatcher configuration.
func (d *Dispatcher) Config() Config {
	return d.config
}

// Now returns the dispatcher clock in UTC.
func (d *Dispatcher) Now() time.Time {
	return d.config.Clock().UTC()
}

// Subscribe registers a lifecycle event subscriber.
func (d *Dispatcher) Subscribe(opts ...SubscribeOption) *Subscription {
	return d.broker.Subscribe(opts...)
}

// Broker returns the event broker.
func (d *Dispatcher) Broker() *Broker {
	return d.broker
}

// Close closes every event subscription.
func (d *Dispatcher) Close() {
	d.broker.Close()
}

// persistErr wraps unexpected store failures. Ownership, state and lookup
// errors are expected outcomes and pass through unchanged.
func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrJobNotOwned) || errors.Is(err, core.ErrInvalidState) ||
		core.IsNotFound(err) || core.IsValidation(err) || core.IsPersistence(err) {
		return err
	}
	return &core.PersistenceError{Op: op, Err: err}
}

// ──────────────────────────────────────────────────────────────────────────────
// Queue registry
// ──────────────────────────────────────────────────────────────────────────────

// CreateQueue registers a queue. It is idempotent: when the name already
// exists the stored queue is returned unchanged and opts are ignored.
func (d *Dispatcher) CreateQueue(ctx context.Context, name string, opts ...QueueOption) (*core.Queue, error) {
	if err := security.ValidateQueueName(name); err != nil {
		return nil, err
	}

	q := &core.Queue{
		Name:            name,
		IsActive:        true,
		Concurrency:     1,
		DefaultAttempts: d.config.DefaultAttempts,
		BackoffType:     core.BackoffExponential,
	}
	for _, opt := range opts {
		opt.ApplyQueue(q)
	}
	if err := validateQueue(q); err != nil {
		return nil, err
	}

	created, err := d.storage.CreateQueue(ctx, q)
	if err != nil {
		return nil, persistErr("create queue", err)
	}

	stored, err := d.storage.GetQueue(ctx, name)
	if err != nil {
		return nil, persistErr("get queue", err)
	}
	if stored == nil {
		return nil, &core.NotFoundError{Kind: "queue", ID: name}
	}
	d.queues.put(stored)

	if created {
		d.logger.Info("queue created", "queue", name, "concurrency", stored.Concurrency)
		d.broker.Publish(&core.QueueCreated{Queue: copyQueue(stored), Timestamp: d.Now()})
	}
	return stored, nil
}

// GetQueue returns the stored queue or a NotFoundError.
func (d *Dispatcher) GetQueue(ctx context.Context, name string) (*core.Queue, error) {
	q, err := d.storage.GetQueue(ctx, name)
	if err != nil {
		return nil, persistErr("get queue", err)
	}
	if q == nil {
		d.queues.remove(name)
		return nil, &core.NotFoundError{Kind: "queue", ID: name}
	}
	d.queues.put(q)
	return q, nil
}

// ListQueues returns every queue ordered by name.
func (d *Dispatcher) ListQueues(ctx context.Context) ([]*core.Queue, error) {
	queues, err := d.storage.ListQueues(ctx, false)
	if err != nil {
		return nil, persistErr("list queues", err)
	}
	d.queues.replace(queues)
	return queues, nil
}

// UpdateQueue applies opts to an existing queue's configuration.
func (d *Dispatcher) UpdateQueue(ctx context.Context, name string, opts ...QueueOption) (*core.Queue, error) {
	q, err := d.GetQueue(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt.ApplyQueue(q)
	}
	if err := validateQueue(q); err != nil {
		return nil, err
	}
	q.UpdatedAt = d.Now()

	if err := d.storage.UpdateQueue(ctx, q); err != nil {
		return nil, persistErr("update queue", err)
	}
	d.queues.put(q)
	d.broker.Publish(&core.QueueUpdated{Queue: copyQueue(q), Timestamp: d.Now()})
	return q, nil
}

// PauseQueue stops new jobs from being added and claimed. In-flight jobs finish.
func (d *Dispatcher) PauseQueue(ctx context.Context, name string) error {
	return d.setActive(ctx, name, false)
}

// ResumeQueue re-activates a paused queue.
func (d *Dispatcher) ResumeQueue(ctx context.Context, name string) error {
	return d.setActive(ctx, name, true)
}

func (d *Dispatcher) setActive(ctx context.Context, name string, active bool) error {
	if err := d.storage.SetQueueActive(ctx, name, active); err != nil {
		return persistErr("set queue active", err)
	}
	q, err := d.GetQueue(ctx, name)
	if err != nil {
		return err
	}
	d.logger.Info("queue state changed", "queue", name, "active", active)
	d.broker.Publish(&core.QueueUpdated{Queue: copyQueue(q), Timestamp: d.Now()})
	return nil
}

// DeleteQueue removes the queue record. Its jobs stay in the store.
func (d *Dispatcher) DeleteQueue(ctx context.Context, name string) error {
	if err := d.storage.DeleteQueue(ctx, name); err != nil {
		return persistErr("delete queue", err)
	}
	d.queues.remove(name)
	d.logger.Info("queue deleted", "queue", name)
	d.broker.Publish(&core.QueueDeleted{Name: name, Timestamp: d.Now()})
	return nil
}

// Refresh rebuilds the queue cache from the store.
func (d *Dispatcher) Refresh(ctx context.Context) error {
	_, err := d.ListQueues(ctx)
	return err
}

// QueueConfig returns the cached configuration of name without touching the store.
func (d *Dispatcher) QueueConfig(name string) (*core.Queue, bool) {
	return d.queues.get(name)
}

// CachedQueues returns the cached queues ordered by name.
func (d *Dispatcher) CachedQueues() []*core.Queue {
	return d.queues.list()
}

// ResolveTimeout returns the execution budget for job:
// the job's own timeout, then the queue's, then the dispatcher default.
func (d *Dispatcher) ResolveTimeout(job *core.Job) time.Duration {
	if job.Timeout > 0 {
		return job.Timeout
	}
	if q, ok := d.queues.get(job.Queue); ok && q.Timeout > 0 {
		return q.Timeout
	}
	return d.config.DefaultTimeout
}

func validateQueue(q *core.Queue) error {
	if q.Concurrency < 1 {
		return &core.ValidationError{Field: "concurrency", Message: "must be at least 1"}
	}
	q.Concurrency = security.ClampConcurrency(q.Concurrency)
	if q.RateLimitMax < 0 || q.RateLimitDuration < 0 {
		return &core.ValidationError{Field: "rate_limit", Message: "must not be negative"}
	}
	if q.DefaultAttempts < 0 {
		return &core.ValidationError{Field: "default_attempts", Message: "must not be negative"}
	}
	switch q.BackoffType {
	case "":
		q.BackoffType = core.BackoffExponential
	case core.BackoffExponential, core.BackoffFixed:
	default:
		return &core.ValidationError{Field: "backoff_type", Message: "must be exponential or fixed"}
	}
	if q.BackoffDelay < 0 || q.Timeout < 0 {
		return &core.ValidationError{Field: "backoff", Message: "durations must not be negative"}
	}
	return nil
}

func copyQueue(q *core.Queue) *core.Queue {
	c := *q
	return &c
}

func copyJob(j *core.Job) *core.Job {
	if j == nil {
		return nil
	}
	c := *j
	return &c
}
