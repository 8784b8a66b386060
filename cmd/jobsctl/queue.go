package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/priority-jobs/pkg/core"
	"github.com/jdziat/priority-jobs/pkg/dispatcher"
)

type queueFlags struct {
	description  string
	concurrency  int
	rateLimit    int
	ratePer      time.Duration
	attempts     int
	backoffType  string
	backoffDelay time.Duration
	timeout      time.Duration
	paused       bool
}

func (f *queueFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.description, "description", "", "queue description")
	fs.IntVar(&f.concurrency, "concurrency", 1, "jobs run at once per worker pool")
	fs.IntVar(&f.rateLimit, "rate-limit", 0, "max claims per --rate-per window (0 disables)")
	fs.DurationVar(&f.ratePer, "rate-per", time.Second, "rate limit window")
	fs.IntVar(&f.attempts, "attempts", 0, "default max attempts for new jobs")
	fs.StringVar(&f.backoffType, "backoff", string(core.BackoffExponential), "retry backoff: exponential or fixed")
	fs.DurationVar(&f.backoffDelay, "backoff-delay", 0, "retry base delay (0 uses the configured default)")
	fs.DurationVar(&f.timeout, "timeout", 0, "per-job execution timeout (0 uses the configured default)")
	fs.BoolVar(&f.paused, "paused", false, "create the queue paused")
}

// options returns the queue options for the flags the user set. On create
// every flag applies; on update only changed flags do.
func (f *queueFlags) options(cmd *cobra.Command, all bool) []dispatcher.QueueOption {
	changed := func(name string) bool { return all || cmd.Flags().Changed(name) }

	var opts []dispatcher.QueueOption
	if changed("description") {
		opts = append(opts, dispatcher.Description(f.description))
	}
	if changed("concurrency") {
		opts = append(opts, dispatcher.Concurrency(f.concurrency))
	}
	if changed("rate-limit") || changed("rate-per") {
		opts = append(opts, dispatcher.RateLimit(f.rateLimit, f.ratePer))
	}
	if changed("attempts") && f.attempts > 0 {
		opts = append(opts, dispatcher.DefaultJobAttempts(f.attempts))
	}
	if changed("backoff") || changed("backoff-delay") {
		opts = append(opts, dispatcher.Backoff(core.BackoffType(f.backoffType), f.backoffDelay))
	}
	if changed("timeout") {
		opts = append(opts, dispatcher.QueueTimeout(f.timeout))
	}
	if cmd.Flags().Changed("paused") && f.paused {
		opts = append(opts, dispatcher.Paused())
	}
	return opts
}

func queueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage queues",
	}

	var createFlags queueFlags
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a queue (no-op if it exists)",
		Args:  cobra.ExactArgs(1),
		RunE: a.withDispatcher(func(cmd *cobra.Command, args []string) error {
			q, err := a.dispatcher.CreateQueue(cmd.Context(), args[0], createFlags.options(cmd, true)...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queue %s ready (concurrency %d)\n", q.Name, q.Concurrency)
			return nil
		}),
	}
	createFlags.register(create)

	var updateFlags queueFlags
	update := &cobra.Command{
		Use:   "update <name>",
		Short: "Change a queue's configuration",
		Args:  cobra.ExactArgs(1),
		RunE: a.withDispatcher(func(cmd *cobra.Command, args []string) error {
			q, err := a.dispatcher.UpdateQueue(cmd.Context(), args[0], updateFlags.options(cmd, false)...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), q)
		}),
	}
	updateFlags.register(update)

	list := &cobra.Command{
		Use:   "list",
		Short: "List queues",
		Args:  cobra.NoArgs,
		RunE: a.withDispatcher(func(cmd *cobra.Command, args []string) error {
			queues, err := a.dispatcher.ListQueues(cmd.Context())
			if err != nil {
				return err
			}
			return printQueues(cmd.OutOrStdout(), queues)
		}),
	}

	get := &cobra.Command{
		Use:   "get <name>",
		Short: "Show a queue",
		Args:  cobra.ExactArgs(1),
		RunE: a.withDispatcher(func(cmd *cobra.Command, args []string) error {
			q, err := a.dispatcher.GetQueue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), q)
		}),
	}

	pause := &cobra.Command{
		Use:   "pause <name>",
		Short: "Stop adding and claiming jobs on a queue",
		Args:  cobra.ExactArgs(1),
		RunE: a.withDispatcher(func(cmd *cobra.Command, args []string) error {
			if err := a.dispatcher.PauseQueue(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queue %s paused\n", args[0])
			return nil
		}),
	}

	resume := &cobra.Command{
		Use:   "resume <name>",
		Short: "Resume a paused queue",
		Args:  cobra.ExactArgs(1),
		RunE: a.withDispatcher(func(cmd *cobra.Command, args []string) error {
			if err := a.dispatcher.ResumeQueue(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queue %s resumed\n", args[0])
			return nil
		}),
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a queue record (its jobs are kept)",
		Args:  cobra.ExactArgs(1),
		RunE: a.withDispatcher(func(cmd *cobra.Command, args []string) error {
			if err := a.dispatcher.DeleteQueue(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queue %s deleted\n", args[0])
			return nil
		}),
	}

	var asJSON bool
	metrics := &cobra.Command{
		Use:   "metrics <name>",
		Short: "Count a queue's jobs by status",
		Args:  cobra.ExactArgs(1),
		RunE: a.withDispatcher(func(cmd *cobra.Command, args []string) error {
			m, err := a.dispatcher.GetQueueMetrics(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), m)
			}
			return printMetrics(cmd.OutOrStdout(), m)
		}),
	}
	metrics.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	cmd.AddCommand(create, update, list, get, pause, resume, del, metrics)
	return cmd
}
