package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/priority-jobs/pkg/core"
	"github.com/jdziat/priority-jobs/pkg/dispatcher"
)

func jobCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
	}

	var (
		priority string
		delay    time.Duration
		attempts int
		timeout  time.Duration
		metadata string
	)
	add := &cobra.Command{
		Use:   "add <queue> <type> [payload-json]",
		Short: "Add a job to a queue",
		Args:  cobra.RangeArgs(2, 3),
		RunE: a.withDispatcher(func(cmd *cobra.Command, args []string) error {
			p, err := core.ParsePriority(priority)
			if err != nil {
				return err
			}
			opts := []dispatcher.JobOption{dispatcher.Priority(p)}
			if delay > 0 {
				opts = append(opts, dispatcher.Delay(delay))
			}
			if attempts > 0 {
				opts = append(opts, dispatcher.Attempts(attempts))
			}
			if timeout > 0 {
				opts = append(opts, dispatcher.Timeout(timeout))
			}
			if metadata != "" {
				if !json.Valid([]byte(metadata)) {
					return fmt.Errorf("metadata is not valid JSON")
				}
				opts = append(opts, dispatcher.Metadata(json.RawMessage(metadata)))
			}

			var payload any
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(args[2])
			}

			job, err := a.dispatcher.AddJob(cmd.Context(), args[0], args[1], payload, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", job.ID)
			return nil
		}),
	}
	add.Flags().StringVarP(&priority, "priority", "p", "normal", "low, normal, high, urgent or an integer")
	add.Flags().DurationVar(&delay, "delay", 0, "hold the job before it becomes claimable")
	add.Flags().IntVar(&attempts, "attempts", 0, "max attempts (0 uses the queue default)")
	add.Flags().DurationVar(&timeout, "timeout", 0, "execution timeout (0 uses the queue default)")
	add.Flags().StringVar(&metadata, "metadata", "", "JSON metadata stored with the job")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: a.withDispatcher(func(cmd *cobra.Command, args []string) error {
			job, err := a.dispatcher.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		}),
	}

	var filter core.JobFilter
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: a.withDispatcher(func(cmd *cobra.Command, args []string) error {
			filter.Status = core.JobStatus(status)
			jobs, err := a.dispatcher.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), jobs)
		}),
	}
	list.Flags().StringVarP(&filter.Queue, "queue", "q", "", "only jobs of this queue")
	list.Flags().StringVarP(&status, "status", "s", "", "only jobs with this status")
	list.Flags().StringVarP(&filter.Type, "type", "t", "", "only jobs of this type")
	list.Flags().IntVar(&filter.Limit, "limit", 50, "maximum jobs to list")
	list.Flags().IntVar(&filter.Offset, "offset", 0, "jobs to skip")

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or delayed job",
		Args:  cobra.ExactArgs(1),
		RunE: a.withDispatcher(func(cmd *cobra.Command, args []string) error {
			job, err := a.dispatcher.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s %s\n", job.ID, job.Status)
			return nil
		}),
	}

	var (
		allFailed  bool
		retryQueue string
		retryType  string
	)
	retry := &cobra.Command{
		Use:   "retry <id> | --all-failed --queue <name>",
		Short: "Reset a job, or every failed job of a queue, to pending with attempts cleared",
		Args: func(cmd *cobra.Command, args []string) error {
			if allFailed {
				if retryQueue == "" {
					return fmt.Errorf("--all-failed requires --queue")
				}
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: a.withDispatcher(func(cmd *cobra.Command, args []string) error {
			if allFailed {
				n, err := a.dispatcher.RetryFailed(cmd.Context(), retryQueue, retryType)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "retried %d failed jobs in %s\n", n, retryQueue)
				return nil
			}
			job, err := a.dispatcher.RetryJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s %s\n", job.ID, job.Status)
			return nil
		}),
	}
	retry.Flags().BoolVar(&allFailed, "all-failed", false, "retry every failed job of --queue")
	retry.Flags().StringVarP(&retryQueue, "queue", "q", "", "queue for --all-failed")
	retry.Flags().StringVarP(&retryType, "type", "t", "", "only failed jobs of this type")

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a job record",
		Args:  cobra.ExactArgs(1),
		RunE: a.withDispatcher(func(cmd *cobra.Command, args []string) error {
			if err := a.dispatcher.RemoveJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s removed\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(add, get, list, cancel, retry, remove)
	return cmd
}

func reclaimCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Return jobs stuck in processing to pending",
		Args:  cobra.NoArgs,
		RunE: a.withDispatcher(func(cmd *cobra.Command, args []string) error {
			promoted, err := a.dispatcher.PromoteDelayed(cmd.Context())
			if err != nil {
				return err
			}
			reclaimed, err := a.dispatcher.ReclaimAbandoned(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d, promoted %d\n", reclaimed, promoted)
			return nil
		}),
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "processing time after which a job counts as abandoned")
	return cmd
}
