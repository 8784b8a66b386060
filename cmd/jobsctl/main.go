// Command jobsctl administers a priority-jobs store and hosts worker pools.
//
// Usage:
//
//	jobsctl --config jobs.json queue create emails --concurrency 4
//	jobsctl job add emails send-email '{"to":"a@example.com"}' --priority high
//	jobsctl job list --queue emails --status failed
//	jobsctl serve
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
