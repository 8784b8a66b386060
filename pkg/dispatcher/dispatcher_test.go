package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/priority-jobs/pkg/backoff"
	"github.com/jdziat/priority-jobs/pkg/core"
	"github.com/jdziat/priority-jobs/pkg/storage"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *fakeClock) {
	t.Helper()
	s, err := storage.OpenStorage(storage.DriverSQLite, ":memory:", false)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		if sqlDB, err := s.DB().DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	clock := &fakeClock{now: t0}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	d := New(s, opts...)
	t.Cleanup(d.Close)
	return d, clock
}

func mustQueue(t *testing.T, d *Dispatcher, name string, opts ...QueueOption) *core.Queue {
	t.Helper()
	q, err := d.CreateQueue(context.Background(), name, opts...)
	require.NoError(t, err)
	return q
}

func mustAdd(t *testing.T, d *Dispatcher, queue, jobType string, payload any, opts ...JobOption) *core.Job {
	t.Helper()
	job, err := d.AddJob(context.Background(), queue, jobType, payload, opts...)
	require.NoError(t, err)
	return job
}

func mustNext(t *testing.T, d *Dispatcher, queue string) *core.Job {
	t.Helper()
	job, err := d.GetNextJob(context.Background(), queue, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job, "expected a claimable job in %s", queue)
	return job
}

func assertNoJob(t *testing.T, d *Dispatcher, queue string) {
	t.Helper()
	job, err := d.GetNextJob(context.Background(), queue, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func nextEvent(t *testing.T, sub *Subscription) core.Event {
	t.Helper()
	select {
	case e := <-sub.C():
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Queues
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateQueue_Defaults(t *testing.T) {
	d, _ := newTestDispatcher(t)

	q := mustQueue(t, d, "emails")
	assert.Equal(t, "emails", q.Name)
	assert.True(t, q.IsActive)
	assert.Equal(t, 1, q.Concurrency)
	assert.Equal(t, DefaultAttempts, q.DefaultAttempts)
	assert.Equal(t, core.BackoffExponential, q.BackoffType)

	cached, ok := d.QueueConfig("emails")
	require.True(t, ok)
	assert.Equal(t, q.Name, cached.Name)
}

func TestCreateQueue_Idempotent(t *testing.T) {
	d, _ := newTestDispatcher(t)
	sub := d.Subscribe(ForKinds(core.KindQueueCreated))

	first := mustQueue(t, d, "emails", Concurrency(4))
	second := mustQueue(t, d, "emails", Concurrency(9))

	assert.Equal(t, 4, first.Concurrency)
	assert.Equal(t, 4, second.Concurrency, "existing queue is returned unchanged")

	e := nextEvent(t, sub)
	assert.Equal(t, core.KindQueueCreated, e.Kind())
	select {
	case extra := <-sub.C():
		t.Fatalf("unexpected second event %v", extra.Kind())
	default:
	}
}

func TestCreateQueue_Validation(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.CreateQueue(ctx, "")
	assert.True(t, core.IsValidation(err))

	_, err = d.CreateQueue(ctx, "q", Concurrency(0))
	assert.True(t, core.IsValidation(err))

	_, err = d.CreateQueue(ctx, "q", Backoff("linear", time.Second))
	assert.True(t, core.IsValidation(err))

	_, err = d.CreateQueue(ctx, "q", RateLimit(-1, time.Second))
	assert.True(t, core.IsValidation(err))
}

func TestCreateQueue_Paused(t *testing.T) {
	d, _ := newTestDispatcher(t)

	q := mustQueue(t, d, "later", Paused())
	assert.False(t, q.IsActive)
}

func TestUpdateQueue(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "reports")
	sub := d.Subscribe(ForKinds(core.KindQueueUpdated))

	q, err := d.UpdateQueue(ctx, "reports", Concurrency(3), QueueTimeout(time.Minute), Description("nightly"))
	require.NoError(t, err)
	assert.Equal(t, 3, q.Concurrency)

	stored, err := d.GetQueue(ctx, "reports")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Concurrency)
	assert.Equal(t, time.Minute, stored.Timeout)
	assert.Equal(t, "nightly", stored.Description)

	e := nextEvent(t, sub)
	assert.Equal(t, "reports", e.QueueName())

	_, err = d.UpdateQueue(ctx, "missing", Concurrency(2))
	assert.True(t, core.IsNotFound(err))
}

func TestPauseResumeQueue(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")

	require.NoError(t, d.PauseQueue(ctx, "q"))
	cached, _ := d.QueueConfig("q")
	assert.False(t, cached.IsActive)

	_, err := d.AddJob(ctx, "q", "task", nil)
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
	assert.ErrorIs(t, err, core.ErrQueueInactive)

	require.NoError(t, d.ResumeQueue(ctx, "q"))
	mustAdd(t, d, "q", "task", nil)

	assert.True(t, core.IsNotFound(d.PauseQueue(ctx, "missing")))
}

func TestDeleteQueue_KeepsJobs(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")
	job := mustAdd(t, d, "q", "task", nil)

	require.NoError(t, d.DeleteQueue(ctx, "q"))
	_, ok := d.QueueConfig("q")
	assert.False(t, ok)

	_, err := d.GetQueue(ctx, "q")
	assert.True(t, core.IsNotFound(err))

	got, err := d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, got.Status)

	assert.True(t, core.IsNotFound(d.DeleteQueue(ctx, "q")))
}

func TestRefresh_SeesExternalChanges(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")

	// Simulate another process pausing the queue directly in the store.
	require.NoError(t, d.Storage().SetQueueActive(ctx, "q", false))
	cached, _ := d.QueueConfig("q")
	assert.True(t, cached.IsActive, "cache is stale until refreshed")

	require.NoError(t, d.Refresh(ctx))
	cached, _ = d.QueueConfig("q")
	assert.False(t, cached.IsActive)
	assert.Len(t, d.CachedQueues(), 1)
}

// ──────────────────────────────────────────────────────────────────────────────
// AddJob
// ──────────────────────────────────────────────────────────────────────────────

func TestAddJob_UnknownQueue(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, err := d.AddJob(context.Background(), "nope", "task", nil)
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}

func TestAddJob_AutoCreateQueues(t *testing.T) {
	d, _ := newTestDispatcher(t, WithAutoCreateQueues(true))

	job := mustAdd(t, d, "fresh", "task", nil)
	assert.Equal(t, "fresh", job.Queue)

	q, err := d.GetQueue(context.Background(), "fresh")
	require.NoError(t, err)
	assert.True(t, q.IsActive)
}

func TestAddJob_Defaults(t *testing.T) {
	d, _ := newTestDispatcher(t)
	sub := d.Subscribe()
	mustQueue(t, d, "q", DefaultJobAttempts(5))
	<-sub.C() // queue.created

	job := mustAdd(t, d, "q", "email", map[string]string{"to": "a@b.com"})
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, core.StatusPending, job.Status)
	assert.Equal(t, core.PriorityNormal, job.Priority)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.Nil(t, job.NextRetryAt)
	assert.JSONEq(t, `{"to":"a@b.com"}`, string(job.Payload))
	assert.Equal(t, t0, job.CreatedAt)

	e := nextEvent(t, sub)
	require.IsType(t, &core.JobAdded{}, e)
	assert.Equal(t, job.ID, e.JobID())
}

func TestAddJob_QueueWithoutAttemptsUsesDispatcherDefault(t *testing.T) {
	d, _ := newTestDispatcher(t, WithDefaultAttempts(5))
	ctx := context.Background()
	mustQueue(t, d, "inherit", DefaultJobAttempts(0))

	stored, err := d.Storage().GetQueue(ctx, "inherit")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.DefaultAttempts)

	job := mustAdd(t, d, "inherit", "task", nil)
	assert.Equal(t, 5, job.MaxAttempts)

	// Update and create agree.
	_, err = d.UpdateQueue(ctx, "inherit", Concurrency(2))
	require.NoError(t, err)
	job = mustAdd(t, d, "inherit", "task", nil)
	assert.Equal(t, 5, job.MaxAttempts)
}

func TestAddJob_Options(t *testing.T) {
	d, _ := newTestDispatcher(t)
	mustQueue(t, d, "q")

	job := mustAdd(t, d, "q", "task", []byte(`{"raw":true}`),
		Priority(core.PriorityUrgent),
		Attempts(7),
		Timeout(2*time.Second),
		Metadata(map[string]int{"tenant": 4}),
	)
	assert.Equal(t, core.PriorityUrgent, job.Priority)
	assert.Equal(t, 7, job.MaxAttempts)
	assert.Equal(t, 2*time.Second, job.Timeout)
	assert.JSONEq(t, `{"raw":true}`, string(job.Payload))
	assert.JSONEq(t, `{"tenant":4}`, string(job.Metadata))
}

func TestAddJob_RejectsMalformedOptions(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")

	cases := []struct {
		name string
		typ  string
		opts []JobOption
	}{
		{"negative delay", "task", []JobOption{Delay(-time.Second)}},
		{"negative attempts", "task", []JobOption{Attempts(-1)}},
		{"too many attempts", "task", []JobOption{Attempts(1000)}},
		{"negative timeout", "task", []JobOption{Timeout(-time.Second)}},
		{"bad metadata", "task", []JobOption{Metadata(make(chan int))}},
		{"bad type", "9-bad type", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.AddJob(ctx, "q", tc.typ, nil, tc.opts...)
			require.Error(t, err)
			assert.True(t, core.IsValidation(err), "got %v", err)
		})
	}
}

func TestAddJob_Delayed(t *testing.T) {
	d, clock := newTestDispatcher(t)
	mustQueue(t, d, "q")

	job := mustAdd(t, d, "q", "task", nil, Delay(30*time.Second))
	assert.Equal(t, core.StatusDelayed, job.Status)
	require.NotNil(t, job.NextRetryAt)
	assert.Equal(t, t0.Add(30*time.Second), *job.NextRetryAt)

	clock.Advance(29 * time.Second)
	assertNoJob(t, d, "q")

	clock.Advance(time.Second)
	got := mustNext(t, d, "q")
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, core.StatusProcessing, got.Status)
	assert.Nil(t, got.NextRetryAt)
}

// ──────────────────────────────────────────────────────────────────────────────
// Claim
// ──────────────────────────────────────────────────────────────────────────────

func TestGetNextJob_PriorityBeforeAge(t *testing.T) {
	d, clock := newTestDispatcher(t)
	mustQueue(t, d, "q")

	b := mustAdd(t, d, "q", "task", nil, Priority(core.PriorityNormal))
	clock.Advance(time.Second)
	a := mustAdd(t, d, "q", "task", nil, Priority(core.PriorityHigh))

	assert.Equal(t, a.ID, mustNext(t, d, "q").ID)
	assert.Equal(t, b.ID, mustNext(t, d, "q").ID)
}

func TestGetNextJob_FIFOWithinPriority(t *testing.T) {
	d, clock := newTestDispatcher(t)
	mustQueue(t, d, "q")

	a := mustAdd(t, d, "q", "task", nil)
	clock.Advance(time.Second)
	b := mustAdd(t, d, "q", "task", nil)

	assert.Equal(t, a.ID, mustNext(t, d, "q").ID)
	assert.Equal(t, b.ID, mustNext(t, d, "q").ID)
	assertNoJob(t, d, "q")
}

func TestGetNextJob_IsolatedByQueue(t *testing.T) {
	d, _ := newTestDispatcher(t)
	mustQueue(t, d, "a")
	mustQueue(t, d, "b")
	mustAdd(t, d, "a", "task", nil)

	assertNoJob(t, d, "b")
	mustNext(t, d, "a")
}

func TestGetNextJob_ExclusiveUnderConcurrency(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")
	job := mustAdd(t, d, "q", "task", nil)

	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			got, err := d.GetNextJob(ctx, "q", "worker-"+string(rune('a'+worker)))
			if !assert.NoError(t, err) || got == nil {
				return
			}
			mu.Lock()
			wins = append(wins, got.ID)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, wins, 1)
	assert.Equal(t, job.ID, wins[0])
}

func TestGetNextJob_EmitsStarted(t *testing.T) {
	d, _ := newTestDispatcher(t)
	mustQueue(t, d, "q")
	mustAdd(t, d, "q", "task", nil)
	sub := d.Subscribe(ForKinds(core.KindJobStarted))

	job := mustNext(t, d, "q")

	e := nextEvent(t, sub)
	started, ok := e.(*core.JobStarted)
	require.True(t, ok)
	assert.Equal(t, job.ID, started.Job.ID)
	assert.Equal(t, "worker-1", started.WorkerID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Outcomes
// ──────────────────────────────────────────────────────────────────────────────

func TestCompleteJob(t *testing.T) {
	d, clock := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q1")
	sub := d.Subscribe(ForKinds(core.KindJobCompleted))

	added := mustAdd(t, d, "q1", "email", map[string]string{"to": "a@b.com"}, Priority(core.PriorityHigh))
	job := mustNext(t, d, "q1")
	assert.Equal(t, added.ID, job.ID)

	clock.Advance(250 * time.Millisecond)
	require.NoError(t, d.CompleteJob(ctx, job, "worker-1", []byte(`{"sent":true}`)))

	got, err := d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.JSONEq(t, `{"sent":true}`, string(got.Result))
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.ClaimedBy)

	completed := nextEvent(t, sub).(*core.JobCompleted)
	assert.Equal(t, 250*time.Millisecond, completed.Duration)

	q, err := d.GetQueue(ctx, "q1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, q.TotalJobs)
	assert.EqualValues(t, 1, q.CompletedJobs)
	assert.InDelta(t, 250.0, q.AverageProcessingTime, 0.001)
}

func TestCompleteJob_WrongWorker(t *testing.T) {
	d, _ := newTestDispatcher(t)
	mustQueue(t, d, "q")
	mustAdd(t, d, "q", "task", nil)
	job := mustNext(t, d, "q")

	err := d.CompleteJob(context.Background(), job, "someone-else", nil)
	assert.ErrorIs(t, err, core.ErrJobNotOwned)
}

func TestFailJob_MaxAttemptsFailures(t *testing.T) {
	const maxAttempts = 4
	d, clock := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")
	added := mustAdd(t, d, "q", "task", nil, Attempts(maxAttempts))

	failures := 0
	for {
		job := mustNext(t, d, "q")
		failures++
		retryAt, err := d.FailJob(ctx, job, "worker-1", errors.New("boom"))
		require.NoError(t, err)
		if retryAt == nil {
			break
		}
		clock.Advance(retryAt.Sub(clock.Now()))
	}

	assert.Equal(t, maxAttempts, failures)
	got, err := d.GetJob(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Equal(t, maxAttempts, got.Attempts)
	assert.Equal(t, "boom", got.Error)
	assert.Nil(t, got.NextRetryAt)
	assertNoJob(t, d, "q")
}

func TestFailJob_BackoffIsDeterministic(t *testing.T) {
	d, clock := newTestDispatcher(t, WithBackoff(backoff.NewExponential(5*time.Second, 2, 0)))
	ctx := context.Background()
	mustQueue(t, d, "q")
	added := mustAdd(t, d, "q", "task", nil, Attempts(4))

	for n := 1; n < 4; n++ {
		job := mustNext(t, d, "q")
		_, err := d.FailJob(ctx, job, "worker-1", errors.New("transient"))
		require.NoError(t, err)

		got, err := d.GetJob(ctx, added.ID)
		require.NoError(t, err)
		require.Equal(t, core.StatusDelayed, got.Status)
		require.NotNil(t, got.NextRetryAt)
		require.NotNil(t, got.FailedAt)
		assert.Equal(t, 5*time.Second*time.Duration(1<<n), got.NextRetryAt.Sub(*got.FailedAt), "failure %d", n)
		assert.Equal(t, n, got.Attempts)

		clock.Advance(got.NextRetryAt.Sub(clock.Now()) - time.Second)
		assertNoJob(t, d, "q")
		clock.Advance(time.Second)
	}
}

func TestFailJob_QueueFixedBackoff(t *testing.T) {
	d, _ := newTestDispatcher(t)
	mustQueue(t, d, "q", Backoff(core.BackoffFixed, 10*time.Second))
	mustAdd(t, d, "q", "task", nil)
	job := mustNext(t, d, "q")

	retryAt, err := d.FailJob(context.Background(), job, "worker-1", errors.New("x"))
	require.NoError(t, err)
	require.NotNil(t, retryAt)
	assert.Equal(t, t0.Add(10*time.Second), *retryAt)
}

func TestFailJob_RetryAfterOverridesBackoff(t *testing.T) {
	d, _ := newTestDispatcher(t)
	mustQueue(t, d, "q")
	mustAdd(t, d, "q", "task", nil)
	job := mustNext(t, d, "q")

	retryAt, err := d.FailJob(context.Background(), job, "worker-1", core.RetryAfter(time.Minute, errors.New("rate limited")))
	require.NoError(t, err)
	require.NotNil(t, retryAt)
	assert.Equal(t, t0.Add(time.Minute), *retryAt)
}

func TestFailJob_NoRetryIsTerminal(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")
	sub := d.Subscribe(ForKinds(core.KindJobFailed))
	mustAdd(t, d, "q", "task", nil, Attempts(5))
	job := mustNext(t, d, "q")

	retryAt, err := d.FailJob(ctx, job, "worker-1", core.NoRetry(errors.New("bad input")))
	require.NoError(t, err)
	assert.Nil(t, retryAt)
	assert.Equal(t, core.StatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)

	failed := nextEvent(t, sub).(*core.JobFailed)
	assert.Equal(t, job.ID, failed.Job.ID)

	q, err := d.GetQueue(ctx, "q")
	require.NoError(t, err)
	assert.EqualValues(t, 1, q.FailedJobs)
}

func TestFailJob_StoresTrace(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")
	mustAdd(t, d, "q", "task", nil, Attempts(1))
	job := mustNext(t, d, "q")

	cause := &core.ExecutionError{JobType: "task", Err: errors.New("panic: nil map"), Trace: "goroutine 1 [running]"}
	_, err := d.FailJob(ctx, job, "worker-1", cause)
	require.NoError(t, err)

	got, err := d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "goroutine 1 [running]", got.Trace)
	assert.Contains(t, got.Error, "panic: nil map")
}

func TestFailJob_EmitsRetried(t *testing.T) {
	d, _ := newTestDispatcher(t)
	mustQueue(t, d, "q")
	mustAdd(t, d, "q", "task", nil)
	sub := d.Subscribe(ForKinds(core.KindJobRetried))
	job := mustNext(t, d, "q")

	retryAt, err := d.FailJob(context.Background(), job, "worker-1", errors.New("x"))
	require.NoError(t, err)

	retried := nextEvent(t, sub).(*core.JobRetried)
	assert.Equal(t, 1, retried.Attempt)
	assert.False(t, retried.Manual)
	assert.Equal(t, *retryAt, retried.NextRetryAt)
}

func TestFailTwiceThenSucceed(t *testing.T) {
	d, clock := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")
	added := mustAdd(t, d, "q", "task", nil, Attempts(3))

	for iter := 0; iter < 2; iter++ {
		job := mustNext(t, d, "q")
		retryAt, err := d.FailJob(ctx, job, "worker-1", errors.New("flaky"))
		require.NoError(t, err)
		require.NotNil(t, retryAt)
		clock.Advance(retryAt.Sub(clock.Now()))
	}
	job := mustNext(t, d, "q")
	require.NoError(t, d.CompleteJob(ctx, job, "worker-1", []byte(`"ok"`)))

	got, err := d.GetJob(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

// ──────────────────────────────────────────────────────────────────────────────
// Manual operations
// ──────────────────────────────────────────────────────────────────────────────

func TestCancelJob(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")
	sub := d.Subscribe(ForKinds(core.KindJobCancelled))
	job := mustAdd(t, d, "q", "task", nil)

	cancelled, err := d.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, cancelled.Status)
	assert.Equal(t, job.ID, nextEvent(t, sub).JobID())

	assertNoJob(t, d, "q")
}

func TestCancelJob_Delayed(t *testing.T) {
	d, clock := newTestDispatcher(t)
	mustQueue(t, d, "q")
	job := mustAdd(t, d, "q", "task", nil, Delay(time.Minute))

	cancelled, err := d.CancelJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Nil(t, cancelled.NextRetryAt)

	clock.Advance(2 * time.Minute)
	assertNoJob(t, d, "q")
}

func TestCancelJob_RacesClaim(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")

	const contenders = 8
	for round := 0; round < 10; round++ {
		job := mustAdd(t, d, "q", "task", nil)

		var (
			wg         sync.WaitGroup
			mu         sync.Mutex
			cancels    int
			claims     []string
			unexpected []error
		)
		start := make(chan struct{})
		for i := 0; i < contenders; i++ {
			i := i
			wg.Add(2)
			go func() {
				defer wg.Done()
				<-start
				_, err := d.CancelJob(ctx, job.ID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					cancels++
				case !errors.Is(err, core.ErrInvalidState):
					unexpected = append(unexpected, err)
				}
			}()
			go func() {
				defer wg.Done()
				<-start
				workerID := fmt.Sprintf("worker-%d", i)
				claimed, err := d.GetNextJob(ctx, "q", workerID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					unexpected = append(unexpected, err)
				case claimed != nil:
					claims = append(claims, workerID)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Empty(t, unexpected, "round %d", round)
		require.Equal(t, 1, cancels+len(claims), "round %d: exactly one side wins", round)

		got, err := d.GetJob(ctx, job.ID)
		require.NoError(t, err)
		if cancels == 1 {
			assert.Equal(t, core.StatusCancelled, got.Status)
			assert.Empty(t, got.ClaimedBy)
		} else {
			assert.Equal(t, core.StatusProcessing, got.Status)
			assert.Equal(t, claims[0], got.ClaimedBy)
			require.NoError(t, d.CompleteJob(ctx, got, claims[0], nil))
		}
	}
}

func TestCancelJob_RejectsProcessingAndTerminal(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")
	mustAdd(t, d, "q", "task", nil)
	job := mustNext(t, d, "q")

	_, err := d.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, core.ErrInvalidState)

	require.NoError(t, d.CompleteJob(ctx, job, "worker-1", nil))
	_, err = d.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, core.ErrInvalidState)

	_, err = d.CancelJob(ctx, "missing")
	assert.True(t, core.IsNotFound(err))
}

func TestRetryJob_Manual(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")
	mustAdd(t, d, "q", "task", nil, Attempts(1))
	job := mustNext(t, d, "q")
	_, err := d.FailJob(ctx, job, "worker-1", errors.New("fatal"))
	require.NoError(t, err)

	sub := d.Subscribe(ForKinds(core.KindJobRetried))
	retried, err := d.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, retried.Status)
	assert.Zero(t, retried.Attempts)
	assert.Empty(t, retried.Error)
	assert.Nil(t, retried.FailedAt)

	e := nextEvent(t, sub).(*core.JobRetried)
	assert.True(t, e.Manual)

	assert.Equal(t, job.ID, mustNext(t, d, "q").ID)
}

func TestRetryFailed(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")

	var failed []string
	for _, typ := range []string{"a", "a", "b"} {
		mustAdd(t, d, "q", typ, nil, Attempts(1))
		job := mustNext(t, d, "q")
		_, err := d.FailJob(ctx, job, "worker-1", errors.New("fatal"))
		require.NoError(t, err)
		failed = append(failed, job.ID)
	}

	sub := d.Subscribe(ForKinds(core.KindJobRetried))
	n, err := d.RetryFailed(ctx, "q", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var seen []string
	for iter := 0; iter < 2; iter++ {
		e := nextEvent(t, sub).(*core.JobRetried)
		assert.True(t, e.Manual)
		seen = append(seen, e.JobID())
	}
	assert.ElementsMatch(t, failed[:2], seen)

	m, err := d.GetQueueMetrics(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Waiting)
	assert.Equal(t, int64(1), m.Failed)

	n, err = d.RetryFailed(ctx, "q", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRetryFailed_Rejects(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")

	_, err := d.RetryFailed(ctx, "missing", "")
	assert.True(t, core.IsNotFound(err))

	_, err = d.RetryFailed(ctx, "q", "bad type")
	assert.True(t, core.IsValidation(err))

	n, err := d.RetryFailed(ctx, "q", "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetryJob_RejectsProcessing(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")
	mustAdd(t, d, "q", "task", nil)
	job := mustNext(t, d, "q")

	_, err := d.RetryJob(ctx, job.ID)
	assert.ErrorIs(t, err, core.ErrInvalidState)

	_, err = d.RetryJob(ctx, "missing")
	assert.True(t, core.IsNotFound(err))
}

func TestRemoveJob(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")
	job := mustAdd(t, d, "q", "task", nil)
	sub := d.Subscribe(ForKinds(core.KindJobRemoved))

	require.NoError(t, d.RemoveJob(ctx, job.ID))

	e := nextEvent(t, sub)
	assert.Equal(t, "q", e.QueueName())
	assert.Equal(t, job.ID, e.JobID())

	_, err := d.GetJob(ctx, job.ID)
	assert.True(t, core.IsNotFound(err))
	assert.True(t, core.IsNotFound(d.RemoveJob(ctx, job.ID)))
}

func TestUpdateProgress(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")
	mustAdd(t, d, "q", "task", nil)
	job := mustNext(t, d, "q")
	sub := d.Subscribe(ForKinds(core.KindJobProgress))

	require.NoError(t, d.UpdateProgress(ctx, job, "worker-1", 40))
	require.NoError(t, d.UpdateProgress(ctx, job, "worker-1", 250))

	assert.Equal(t, 40, nextEvent(t, sub).(*core.JobProgress).Progress)
	assert.Equal(t, 100, nextEvent(t, sub).(*core.JobProgress).Progress)

	got, err := d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, core.StatusProcessing, got.Status, "progress never changes status")
}

func TestUpdateProgress_NotProcessing(t *testing.T) {
	d, _ := newTestDispatcher(t)
	mustQueue(t, d, "q")
	job := mustAdd(t, d, "q", "task", nil)

	err := d.UpdateProgress(context.Background(), job, "worker-1", 10)
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestUpdateProgress_AfterRetryClaimedElsewhere(t *testing.T) {
	d, clock := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q", Backoff(core.BackoffFixed, time.Second))
	mustAdd(t, d, "q", "task", nil, Attempts(3))

	stale := mustNext(t, d, "q")
	_, err := d.FailJob(ctx, stale, "worker-1", errors.New("timed out"))
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	retry, err := d.GetNextJob(ctx, "q", "worker-2")
	require.NoError(t, err)
	require.NotNil(t, retry)

	sub := d.Subscribe(ForKinds(core.KindJobProgress))
	err = d.UpdateProgress(ctx, stale, "worker-1", 77)
	assert.ErrorIs(t, err, core.ErrJobNotOwned)

	got, err := d.GetJob(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Progress)
	select {
	case e := <-sub.C():
		t.Fatalf("unexpected event %T", e)
	default:
	}
}

func TestListJobs(t *testing.T) {
	d, clock := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")
	first := mustAdd(t, d, "q", "alpha", nil)
	clock.Advance(time.Second)
	second := mustAdd(t, d, "q", "beta", nil)

	jobs, err := d.ListJobs(ctx, core.JobFilter{Queue: "q"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)
	assert.Equal(t, first.ID, jobs[1].ID)

	jobs, err = d.ListJobs(ctx, core.JobFilter{Type: "alpha"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	_, err = d.ListJobs(ctx, core.JobFilter{Status: "bogus"})
	assert.True(t, core.IsValidation(err))
}

// ──────────────────────────────────────────────────────────────────────────────
// Metrics & maintenance
// ──────────────────────────────────────────────────────────────────────────────

func TestGetQueueMetrics(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")

	mustAdd(t, d, "q", "task", nil, Priority(core.PriorityHigh))
	mustAdd(t, d, "q", "task", nil)
	mustAdd(t, d, "q", "task", nil, Delay(time.Hour))
	cancelled := mustAdd(t, d, "q", "task", nil)
	_, err := d.CancelJob(ctx, cancelled.ID)
	require.NoError(t, err)
	mustNext(t, d, "q")

	m, err := d.GetQueueMetrics(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, core.QueueMetrics{
		Queue:     "q",
		Waiting:   1,
		Active:    1,
		Delayed:   1,
		Cancelled: 1,
		Total:     4,
	}, m)

	_, err = d.GetQueueMetrics(ctx, "missing")
	assert.True(t, core.IsNotFound(err))
}

func TestPromoteDelayed_AllQueues(t *testing.T) {
	d, clock := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "a")
	mustQueue(t, d, "b")
	mustAdd(t, d, "a", "task", nil, Delay(time.Second))
	mustAdd(t, d, "b", "task", nil, Delay(time.Second))
	mustAdd(t, d, "b", "task", nil, Delay(time.Hour))

	clock.Advance(time.Second)
	n, err := d.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestReclaimAbandoned(t *testing.T) {
	d, clock := newTestDispatcher(t)
	ctx := context.Background()
	mustQueue(t, d, "q")
	mustAdd(t, d, "q", "task", nil)
	job := mustNext(t, d, "q")

	_, err := d.ReclaimAbandoned(ctx, 0)
	assert.True(t, core.IsValidation(err))

	clock.Advance(time.Minute)
	n, err := d.ReclaimAbandoned(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "job is not stale yet")

	clock.Advance(10 * time.Minute)
	n, err = d.ReclaimAbandoned(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	assert.Equal(t, job.ID, mustNext(t, d, "q").ID)
}

func TestResolveTimeout(t *testing.T) {
	d, _ := newTestDispatcher(t, WithDefaultTimeout(time.Minute))
	mustQueue(t, d, "fast", QueueTimeout(5*time.Second))
	mustQueue(t, d, "plain")

	assert.Equal(t, time.Second, d.ResolveTimeout(&core.Job{Queue: "fast", Timeout: time.Second}))
	assert.Equal(t, 5*time.Second, d.ResolveTimeout(&core.Job{Queue: "fast"}))
	assert.Equal(t, time.Minute, d.ResolveTimeout(&core.Job{Queue: "plain"}))
	assert.Equal(t, time.Minute, d.ResolveTimeout(&core.Job{Queue: "unknown"}))
}

func TestEventsCarrySnapshots(t *testing.T) {
	d, _ := newTestDispatcher(t)
	mustQueue(t, d, "q")
	sub := d.Subscribe(ForKinds(core.KindJobAdded))

	job := mustAdd(t, d, "q", "task", nil)
	job.Type = "mutated"

	added := nextEvent(t, sub).(*core.JobAdded)
	assert.Equal(t, "task", added.Job.Type)
}

func TestEncode(t *testing.T) {
	b, err := encode(nil)
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = encode("hello")
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, string(b))

	b, err = encode(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(b))

	_, err = encode(func() {})
	assert.Error(t, err)
}
