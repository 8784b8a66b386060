package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/jdziat/priority-jobs/pkg/core"
	"github.com/jdziat/priority-jobs/pkg/dispatcher"
	"github.com/jdziat/priority-jobs/pkg/handler"
)

// ErrPoolRunning is returned by Start when the pool is already running.
var ErrPoolRunning = errors.New("jobs: worker pool already running")

// Pool runs polling slots for every active queue and executes claimed jobs.
//
// Each slot is an independent loop bound to a cancellable context. The pool
// reconciles its slots against the queue registry on every poll interval, so
// pausing a queue or changing its concurrency takes effect within one
// interval. Stopping cancels every loop; in-flight handlers are not
// interrupted and finish (or time out) on their own.
type Pool struct {
	dispatcher *dispatcher.Dispatcher
	registry   *handler.Registry
	config     WorkerConfig
	logger     *slog.Logger
	serves     map[string]bool

	mu       sync.Mutex
	running  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	slots    map[string][]*slot
	limiters map[string]*queueLimiter

	loops   sync.WaitGroup
	slotsWG sync.WaitGroup

	inFlight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Slots     int
	InFlight  int64
	Completed int64
	Failed    int64
}

type slot struct {
	id     string
	queue  string
	cancel context.CancelFunc
}

type queueLimiter struct {
	max     int
	per     time.Duration
	limiter *rate.Limiter
}

// NewPool creates a worker pool executing jobs from d with the handlers in registry.
func NewPool(d *dispatcher.Dispatcher, registry *handler.Registry, opts ...WorkerOption) *Pool {
	config := WorkerConfig{
		PollInterval:      DefaultPollInterval,
		SweepInterval:     DefaultSweepInterval,
		SchedulerInterval: DefaultSchedulerInterval,
		ShutdownTimeout:   DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if config.WorkerID == "" {
		config.WorkerID = defaultWorkerID()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.SchedulerInterval <= 0 {
		config.SchedulerInterval = DefaultSchedulerInterval
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}
	if config.StorageRetry == nil {
		defaultCfg := DefaultRetryConfig()
		config.StorageRetry = &defaultCfg
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var serves map[string]bool
	if len(config.Queues) > 0 {
		serves = make(map[string]bool, len(config.Queues))
		for _, q := range config.Queues {
			serves[q] = true
		}
	}

	return &Pool{
		dispatcher: d,
		registry:   registry,
		config:     config,
		logger:     config.Logger.With("worker_id", config.WorkerID),
		serves:     serves,
		slots:      make(map[string][]*slot),
		limiters:   make(map[string]*queueLimiter),
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.New().String()
	}
	return host + "-" + uuid.New().String()[:8]
}

// WorkerID returns the pool's identifier.
func (p *Pool) WorkerID() string {
	return p.config.WorkerID
}

// Config returns the pool configuration.
func (p *Pool) Config() WorkerConfig {
	return p.config
}

// Start launches the reconcile loop, the delayed-job sweeper and, when
// enabled, the scheduler and the abandoned-job reclaimer. It does not block.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrPoolRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.runCtx = runCtx
	p.cancel = cancel
	p.mu.Unlock()

	p.logger.Info("worker pool starting", "poll_interval", p.config.PollInterval, "queues", p.config.Queues)

	p.loop(runCtx, p.reconcile, p.config.PollInterval)
	p.loop(runCtx, p.sweep, p.config.SweepInterval)
	if p.config.EnableScheduler {
		p.loop(runCtx, p.newScheduler().tick, p.config.SchedulerInterval)
	}
	if p.config.StaleJobThreshold > 0 {
		p.loop(runCtx, p.reclaim, reclaimInterval(p.config.StaleJobThreshold))
	}
	return nil
}

func (p *Pool) loop(ctx context.Context, f func(context.Context), period time.Duration) {
	p.loops.Add(1)
	go func() {
		defer p.loops.Done()
		wait.UntilWithContext(ctx, f, period)
	}()
}

func reclaimInterval(threshold time.Duration) time.Duration {
	if d := threshold / 2; d >= time.Second {
		return d
	}
	return time.Second
}

// Stop cancels every loop and waits for slots and in-flight jobs to finish,
// or for ctx to expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.slots = make(map[string][]*slot)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		// Loops first: once reconcile has exited no slot can be added.
		p.loops.Wait()
		p.slotsWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out", "in_flight", p.inFlight.Load())
		return ctx.Err()
	}
}

// Run starts the pool, blocks until ctx is cancelled, then stops it within
// the configured shutdown timeout.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), p.config.ShutdownTimeout)
	defer cancel()
	return p.Stop(stopCtx)
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	n := 0
	for _, s := range p.slots {
		n += len(s)
	}
	p.mu.Unlock()
	return Stats{
		Slots:     n,
		InFlight:  p.inFlight.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// SlotCount returns the number of running slots for queueName.
func (p *Pool) SlotCount(queueName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots[queueName])
}

// reconcile refreshes the queue cache and keeps exactly Concurrency slots
// per active served queue.
func (p *Pool) reconcile(ctx context.Context) {
	if err := p.dispatcher.Refresh(ctx); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("failed to refresh queues", "error", err)
		}
		return
	}

	desired := make(map[string]int)
	for _, q := range p.dispatcher.CachedQueues() {
		if !q.IsActive || (p.serves != nil && !p.serves[q.Name]) {
			continue
		}
		desired[q.Name] = q.Concurrency
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || ctx.Err() != nil {
		return
	}

	for name, slots := range p.slots {
		want := desired[name]
		for len(slots) > want {
			last := slots[len(slots)-1]
			last.cancel()
			slots = slots[:len(slots)-1]
		}
		if len(slots) == 0 {
			delete(p.slots, name)
			delete(p.limiters, name)
			p.logger.Info("queue slots stopped", "queue", name)
			continue
		}
		p.slots[name] = slots
	}

	for name, want := range desired {
		slots := p.slots[name]
		for i := len(slots); i < want; i++ {
			slots = append(slots, p.startSlot(name, i))
		}
		p.slots[name] = slots
	}
}

// startSlot must be called with p.mu held.
func (p *Pool) startSlot(queueName string, index int) *slot {
	ctx, cancel := context.WithCancel(p.runCtx)
	s := &slot{
		id:     fmt.Sprintf("%s/%s/%d", p.config.WorkerID, queueName, index),
		queue:  queueName,
		cancel: cancel,
	}

	p.slotsWG.Add(1)
	go func() {
		defer p.slotsWG.Done()
		defer cancel()
		wait.UntilWithContext(ctx, func(ctx context.Context) { p.poll(ctx, s) }, p.config.PollInterval)
	}()

	p.logger.Debug("slot started", "slot", s.id, "queue", queueName)
	return s
}

// poll claims and processes jobs until the queue is drained, paused or
// rate limited, or the slot is cancelled.
func (p *Pool) poll(ctx context.Context, s *slot) {
	for ctx.Err() == nil {
		q, ok := p.dispatcher.QueueConfig(s.queue)
		if !ok || !q.IsActive {
			return
		}

		res, allowed := p.reserve(q)
		if !allowed {
			return
		}

		job, err := p.dispatcher.GetNextJob(ctx, s.queue, s.id)
		if err != nil || job == nil {
			if res != nil {
				res.Cancel()
			}
			if err != nil && ctx.Err() == nil {
				p.logger.Error("failed to get next job", "queue", s.queue, "error", err)
			}
			return
		}

		p.process(ctx, s, job)
	}
}

// reserve takes a rate-limit token for q. A reservation that would have to
// wait is cancelled and the slot retries on its next tick.
func (p *Pool) reserve(q *core.Queue) (*rate.Reservation, bool) {
	lim := p.limiter(q)
	if lim == nil {
		return nil, true
	}
	res := lim.Reserve()
	if !res.OK() {
		return nil, false
	}
	if res.Delay() > 0 {
		res.Cancel()
		return nil, false
	}
	return res, true
}

func (p *Pool) limiter(q *core.Queue) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !q.RateLimited() {
		delete(p.limiters, q.Name)
		return nil
	}
	ql, ok := p.limiters[q.Name]
	if !ok || ql.max != q.RateLimitMax || ql.per != q.RateLimitDuration {
		every := q.RateLimitDuration / time.Duration(q.RateLimitMax)
		ql = &queueLimiter{
			max:     q.RateLimitMax,
			per:     q.RateLimitDuration,
			limiter: rate.NewLimiter(rate.Every(every), q.RateLimitMax),
		}
		p.limiters[q.Name] = ql
	}
	return ql.limiter
}

func (p *Pool) sweep(ctx context.Context) {
	if _, err := p.dispatcher.PromoteDelayed(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("failed to promote delayed jobs", "error", err)
	}
}

func (p *Pool) reclaim(ctx context.Context) {
	if _, err := p.dispatcher.ReclaimAbandoned(ctx, p.config.StaleJobThreshold); err != nil && ctx.Err() == nil {
		p.logger.Error("failed to reclaim abandoned jobs", "error", err)
	}
}
