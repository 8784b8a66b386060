package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobs "github.com/jdziat/priority-jobs"
	"github.com/jdziat/priority-jobs/pkg/config"
)

// setupTestDispatcher creates a file-backed SQLite dispatcher for use in tests.
func setupTestDispatcher(t *testing.T) *jobs.Dispatcher {
	t.Helper()
	store, err := jobs.OpenStorage("sqlite", filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() {
		if sqlDB, err := store.DB().DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	d := jobs.New(store)
	t.Cleanup(d.Close)
	return d
}

func startTestPool(t *testing.T, d *jobs.Dispatcher, r *jobs.Registry) *jobs.Pool {
	t.Helper()
	pool := jobs.NewPool(d, r)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return pool
}

// ---------------------------------------------------------------------------
// Producer API
// ---------------------------------------------------------------------------

func TestFacade_AddAndGetJob(t *testing.T) {
	d := setupTestDispatcher(t)
	ctx := context.Background()

	_, err := d.CreateQueue(ctx, "emails", jobs.Concurrency(2))
	require.NoError(t, err)

	job, err := d.AddJob(ctx, "emails", "send-email", "user@example.com",
		jobs.WithPriority(jobs.PriorityHigh), jobs.WithAttempts(5))
	require.NoError(t, err)

	got, err := d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Equal(t, jobs.PriorityHigh, got.Priority)
	assert.Equal(t, 5, got.MaxAttempts)
	assert.JSONEq(t, `"user@example.com"`, string(got.Payload))
}

func TestFacade_DelayedJob(t *testing.T) {
	d := setupTestDispatcher(t)
	ctx := context.Background()

	_, err := d.CreateQueue(ctx, "later")
	require.NoError(t, err)

	job, err := d.AddJob(ctx, "later", "remind", nil, jobs.WithDelay(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDelayed, job.Status)

	next, err := d.GetNextJob(ctx, "later", "w")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestFacade_UnknownQueue(t *testing.T) {
	d := setupTestDispatcher(t)

	_, err := d.AddJob(context.Background(), "missing", "noop", nil)
	require.Error(t, err)
}

func TestFacade_ErrorHelpers(t *testing.T) {
	base := errors.New("boom")

	var noRetry *jobs.NoRetryError
	assert.True(t, errors.As(jobs.NoRetry(base), &noRetry))

	var retryAfter *jobs.RetryAfterError
	require.True(t, errors.As(jobs.RetryAfter(time.Minute, base), &retryAfter))
	assert.Equal(t, time.Minute, retryAfter.Delay)
}

func TestFacade_Schedules(t *testing.T) {
	from := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, from.Add(time.Minute), jobs.Every(time.Minute).Next(from))
	assert.Equal(t, time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC), jobs.Daily(9, 0).Next(from))
	assert.True(t, jobs.Cron("*/5 * * * *").Next(from).After(from))
}

func TestFacade_ContextHelpersOutsideJob(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, jobs.JobFromContext(ctx))
	assert.Empty(t, jobs.JobIDFromContext(ctx))
	assert.NoError(t, jobs.ReportProgress(ctx, 50))
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestFacade_EndToEnd(t *testing.T) {
	d := setupTestDispatcher(t)
	ctx := context.Background()

	_, err := d.CreateQueue(ctx, "orders")
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	registry := jobs.NewRegistry()
	require.NoError(t, registry.Register("charge", func(ctx context.Context, orderID string) (string, error) {
		mu.Lock()
		seen = append(seen, orderID)
		mu.Unlock()
		if jobs.JobIDFromContext(ctx) == "" {
			return "", errors.New("missing job context")
		}
		return "charged " + orderID, nil
	}))

	sub := d.Subscribe()
	defer sub.Close()

	job, err := d.AddJob(ctx, "orders", "charge", "order-1")
	require.NoError(t, err)

	startTestPool(t, d, registry)

	require.Eventually(t, func() bool {
		got, err := d.GetJob(ctx, job.ID)
		return err == nil && got.Status == jobs.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	got, err := d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `"charged order-1"`, string(got.Result))

	mu.Lock()
	assert.Equal(t, []string{"order-1"}, seen)
	mu.Unlock()

	metrics, err := d.GetQueueMetrics(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.Completed)
	assert.Equal(t, int64(1), metrics.Total)
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

func TestServer_RunsConfiguredQueues(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	body := fmt.Sprintf(`{
		"database": {"dsn": %q},
		"worker": {"poll_interval": "20ms", "sweep_interval": "20ms", "shutdown_timeout": "5s"},
		"queues": [{"name": "reports", "concurrency": 2}],
		"metrics": true
	}`, filepath.Join(dir, "server.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	var runs atomic.Int32
	registry := jobs.NewRegistry()
	require.NoError(t, registry.Register("build", func(ctx context.Context, _ struct{}) error {
		runs.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := jobs.NewServer(ctx, cfg, registry, nil)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	q, err := srv.Dispatcher.GetQueue(ctx, "reports")
	require.NoError(t, err)
	assert.Equal(t, 2, q.Concurrency)

	job, err := srv.Dispatcher.AddJob(ctx, "reports", "build", struct{}{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := srv.Dispatcher.GetJob(context.Background(), job.ID)
		return err == nil && got.Status == jobs.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
