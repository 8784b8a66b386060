package jobctx

import (
	"context"
	"errors"
	"testing"

	"github.com/jdziat/priority-jobs/pkg/core"
)

func TestJobFromContext(t *testing.T) {
	t.Run("returns job when set in context", func(t *testing.T) {
		// Arrange
		job := &core.Job{ID: "test-job-123", Type: "email"}
		ctx := WithJobContext(context.Background(), &JobContext{Job: job})

		// Act
		result := JobFromContext(ctx)

		// Assert
		if result == nil {
			t.Fatal("expected job, got nil")
		}
		if result.ID != "test-job-123" {
			t.Errorf("expected job ID %q, got %q", "test-job-123", result.ID)
		}
		if result.Type != "email" {
			t.Errorf("expected job type %q, got %q", "email", result.Type)
		}
	})

	t.Run("returns nil when not set in context", func(t *testing.T) {
		if result := JobFromContext(context.Background()); result != nil {
			t.Errorf("expected nil, got %v", result)
		}
	})

	t.Run("returns nil when job is nil", func(t *testing.T) {
		ctx := WithJobContext(context.Background(), &JobContext{})
		if result := JobFromContext(ctx); result != nil {
			t.Errorf("expected nil, got %v", result)
		}
	})
}

func TestJobIDFromContext(t *testing.T) {
	t.Run("returns job ID when set in context", func(t *testing.T) {
		ctx := WithJobContext(context.Background(), &JobContext{Job: &core.Job{ID: "job-id-456"}})

		if result := JobIDFromContext(ctx); result != "job-id-456" {
			t.Errorf("expected job ID %q, got %q", "job-id-456", result)
		}
	})

	t.Run("returns empty string when not set in context", func(t *testing.T) {
		if result := JobIDFromContext(context.Background()); result != "" {
			t.Errorf("expected empty string, got %q", result)
		}
	})
}

func TestWorkerIDFromContext(t *testing.T) {
	ctx := WithJobContext(context.Background(), &JobContext{Job: &core.Job{ID: "j"}, WorkerID: "host-1/emails/0"})

	if got := WorkerIDFromContext(ctx); got != "host-1/emails/0" {
		t.Errorf("expected worker ID, got %q", got)
	}
	if got := WorkerIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty worker ID, got %q", got)
	}
}

func TestReportProgress(t *testing.T) {
	t.Run("forwards progress to the reporter", func(t *testing.T) {
		// Arrange
		var reported []int
		jc := &JobContext{
			Job: &core.Job{ID: "job-1"},
			Progress: func(_ context.Context, p int) error {
				reported = append(reported, p)
				return nil
			},
		}
		ctx := WithJobContext(context.Background(), jc)

		// Act
		for _, p := range []int{10, 55, 100} {
			if err := ReportProgress(ctx, p); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}

		// Assert
		if len(reported) != 3 || reported[0] != 10 || reported[2] != 100 {
			t.Errorf("unexpected reports %v", reported)
		}
	})

	t.Run("returns reporter errors", func(t *testing.T) {
		sentinel := errors.New("store down")
		ctx := WithJobContext(context.Background(), &JobContext{
			Job:      &core.Job{ID: "job-1"},
			Progress: func(context.Context, int) error { return sentinel },
		})

		if err := ReportProgress(ctx, 5); !errors.Is(err, sentinel) {
			t.Errorf("expected sentinel error, got %v", err)
		}
	})

	t.Run("is a no-op outside a job", func(t *testing.T) {
		if err := ReportProgress(context.Background(), 50); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("is a no-op without a reporter", func(t *testing.T) {
		ctx := WithJobContext(context.Background(), &JobContext{Job: &core.Job{ID: "job-1"}})
		if err := ReportProgress(ctx, 50); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})
}

func TestMetadata(t *testing.T) {
	type tenant struct {
		Tenant string `json:"tenant"`
	}

	t.Run("decodes metadata", func(t *testing.T) {
		ctx := WithJobContext(context.Background(), &JobContext{
			Job: &core.Job{ID: "job-1", Metadata: []byte(`{"tenant":"acme"}`)},
		})

		got, ok := Metadata[tenant](ctx)
		if !ok {
			t.Fatal("expected metadata")
		}
		if got.Tenant != "acme" {
			t.Errorf("expected tenant %q, got %q", "acme", got.Tenant)
		}
	})

	t.Run("missing or invalid metadata", func(t *testing.T) {
		if _, ok := Metadata[tenant](context.Background()); ok {
			t.Error("expected no metadata outside a job")
		}

		ctx := WithJobContext(context.Background(), &JobContext{Job: &core.Job{ID: "job-1"}})
		if _, ok := Metadata[tenant](ctx); ok {
			t.Error("expected no metadata for empty field")
		}

		ctx = WithJobContext(context.Background(), &JobContext{
			Job: &core.Job{ID: "job-1", Metadata: []byte(`not json`)},
		})
		if _, ok := Metadata[tenant](ctx); ok {
			t.Error("expected invalid metadata to be rejected")
		}
	})
}
