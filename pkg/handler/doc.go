// Package handler maps job types to the code that executes them.
//
// Handlers are plain functions. Accepted signatures:
//
//	func(ctx context.Context, payload T) error
//	func(ctx context.Context, payload T) (R, error)
//	func(payload T) error
//	func(ctx context.Context) error
//
// The payload is decoded from the job's JSON payload into T and a returned R
// is JSON encoded as the job result. Handlers that need the raw job register
// a Func instead.
package handler
