package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jdziat/priority-jobs/pkg/core"
	"github.com/jdziat/priority-jobs/pkg/security"
)

// Registry maps job types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Handler)}
}

// Register registers fn for jobType, replacing any previous handler.
// A payload that fails to decode into fn's argument type is reported as
// NoRetry, so the job fails on that attempt even when it has attempts left.
func (r *Registry) Register(jobType string, fn any) error {
	if err := security.ValidateJobTypeName(jobType); err != nil {
		return err
	}
	h, err := NewHandler(fn)
	if err != nil {
		return fmt.Errorf("jobs: handler for %q: %w", jobType, err)
	}

	r.mu.Lock()
	r.handlers[jobType] = h
	r.mu.Unlock()
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(jobType string, fn any) {
	if err := r.Register(jobType, fn); err != nil {
		panic(err.Error())
	}
}

// RegisterTyped registers a statically typed handler without reflection.
// As with Register, an undecodable payload fails the job immediately with
// NoRetry instead of consuming the remaining attempts.
func RegisterTyped[T, R any](r *Registry, jobType string, fn func(context.Context, T) (R, error)) error {
	if fn == nil {
		return fmt.Errorf("jobs: handler for %q: handler function cannot be nil", jobType)
	}
	return r.Register(jobType, Func(func(ctx context.Context, job *core.Job) ([]byte, error) {
		var in T
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &in); err != nil {
				return nil, core.NoRetry(fmt.Errorf("failed to unmarshal payload: %w", err))
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		return b, nil
	}))
}

// Lookup returns the handler registered for jobType.
func (r *Registry) Lookup(jobType string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Has reports whether a handler is registered for jobType.
func (r *Registry) Has(jobType string) bool {
	_, ok := r.Lookup(jobType)
	return ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	r.mu.RUnlock()
	sort.Strings(types)
	return types
}

// Execute runs the handler registered for job.Type. An unregistered type
// fails with an ExecutionError wrapping core.ErrUnsupportedType; handler
// errors are wrapped in an ExecutionError as well.
func (r *Registry) Execute(ctx context.Context, job *core.Job) ([]byte, error) {
	h, ok := r.Lookup(job.Type)
	if !ok {
		return nil, &core.ExecutionError{JobType: job.Type, Err: core.ErrUnsupportedType}
	}
	result, err := h.Execute(ctx, job)
	if err != nil {
		return nil, &core.ExecutionError{JobType: job.Type, Err: err}
	}
	return result, nil
}
