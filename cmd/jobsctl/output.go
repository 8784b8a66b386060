package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jdziat/priority-jobs/pkg/core"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printQueues(w io.Writer, queues []*core.Queue) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tACTIVE\tCONCURRENCY\tRATE LIMIT\tATTEMPTS\tCOMPLETED\tFAILED")
	for _, q := range queues {
		rate := "-"
		if q.RateLimited() {
			rate = fmt.Sprintf("%d/%v", q.RateLimitMax, q.RateLimitDuration)
		}
		fmt.Fprintf(tw, "%s\t%t\t%d\t%s\t%d\t%d\t%d\n",
			q.Name, q.IsActive, q.Concurrency, rate, q.DefaultAttempts, q.CompletedJobs, q.FailedJobs)
	}
	return tw.Flush()
}

func printJobs(w io.Writer, jobs []*core.Job) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tQUEUE\tTYPE\tSTATUS\tPRIORITY\tATTEMPTS\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			j.ID, j.Queue, j.Type, j.Status, j.Priority, j.Attempts, j.MaxAttempts,
			j.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printMetrics(w io.Writer, m core.QueueMetrics) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tWAITING\tACTIVE\tDELAYED\tCOMPLETED\tFAILED\tCANCELLED\tTOTAL")
	fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
		m.Queue, m.Waiting, m.Active, m.Delayed, m.Completed, m.Failed, m.Cancelled, m.Total)
	return tw.Flush()
}
