package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	jobs "github.com/jdziat/priority-jobs"
	"github.com/jdziat/priority-jobs/pkg/core"
	"github.com/jdziat/priority-jobs/pkg/handler"
	"github.com/jdziat/priority-jobs/pkg/jobctx"
)

func serveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a worker pool with the built-in handlers until interrupted",
		Long: `Run a worker pool against the configured store.

jobsctl only knows the built-in job types (noop, echo, sleep, fail), which
are meant for smoke tests. Embed jobs.Server in your own binary to run
your handlers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			registry := handler.NewRegistry()
			if err := registerBuiltins(registry); err != nil {
				return err
			}

			srv, err := jobs.NewServer(ctx, a.cfg, registry, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = srv.Close() }()

			return srv.Run(ctx)
		},
	}
}

type sleepArgs struct {
	Duration string `json:"duration"`
}

type failArgs struct {
	Message string `json:"message"`
	NoRetry bool   `json:"no_retry"`
}

func registerBuiltins(r *handler.Registry) error {
	return errors.Join(
		r.Register("noop", func(ctx context.Context, _ json.RawMessage) error {
			return nil
		}),
		r.Register("echo", handler.Func(func(ctx context.Context, job *core.Job) ([]byte, error) {
			return job.Payload, nil
		})),
		r.Register("sleep", func(ctx context.Context, args sleepArgs) error {
			d, err := time.ParseDuration(args.Duration)
			if err != nil {
				return core.NoRetry(fmt.Errorf("sleep: %w", err))
			}
			deadline := time.Now().Add(d)
			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()
			for {
				remaining := time.Until(deadline)
				if remaining <= 0 {
					return jobctx.ReportProgress(ctx, 100)
				}
				_ = jobctx.ReportProgress(ctx, int(100-remaining*100/d))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}
		}),
		r.Register("fail", func(ctx context.Context, args failArgs) error {
			err := errors.New(args.Message)
			if args.NoRetry {
				return core.NoRetry(err)
			}
			return err
		}),
	)
}
