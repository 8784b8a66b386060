// Package dispatcher mediates every job lifecycle operation.
//
// This package includes:
//   - Dispatcher: queue registry, AddJob, the atomic GetNextJob claim and
//     outcome reporting (CompleteJob, FailJob) with the retry decision
//   - Broker: at-most-once, in-memory publish/subscribe of lifecycle events
//   - QueueOption and JobOption functional options
//   - Recurring job registration consumed by the worker pool's scheduler
//
// Most users should import the root package github.com/jdziat/priority-jobs
// which re-exports Dispatcher and all option functions.
package dispatcher
