// Package worker provides the Pool type for job processing.
//
// This package includes:
//   - Pool: runs polling slots per active queue and executes claimed jobs
//   - WorkerOption: configuration options for the pool
//   - The delayed-job sweeper and the optional abandoned-job reclaimer
//   - Scheduler for recurring jobs
//
// Most users should import the root package github.com/jdziat/priority-jobs
// which provides access to the pool through jobs.NewPool.
package worker
