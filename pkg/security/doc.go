// Package security provides validation, sanitization, and limits for the jobs package.
//
// This package includes:
//   - Input validation for job types, queue names, payloads and delays
//   - Error message and trace sanitization before storage
//   - Clamping functions to enforce safe limits on attempts, concurrency and progress
//
// Validation failures are returned as *core.ValidationError.
package security
