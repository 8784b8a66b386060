// Package core provides the fundamental types and interfaces for the jobs package.
//
// This package contains:
//   - Job and Queue data models with GORM annotations
//   - Storage interface defining the persistence contract
//   - Event types for lifecycle monitoring
//   - Error types shared by the dispatcher and workers
//
// Most users should import the root package github.com/jdziat/priority-jobs
// instead of this package directly.
package core
