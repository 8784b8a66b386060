package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/jdziat/priority-jobs/pkg/core"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	bytesType   = reflect.TypeOf([]byte(nil))
)

// Func is a handler that works on the raw job and returns the raw result.
type Func func(ctx context.Context, job *core.Job) ([]byte, error)

// Handler holds metadata about a registered job handler.
type Handler struct {
	Fn         reflect.Value
	ArgsType   reflect.Type
	HasContext bool
	HasResult  bool

	raw Func
}

// NewHandler creates a Handler from a function.
// The function must have signature: func(ctx context.Context, args T) error
// or func(ctx context.Context, args T) (R, error). A Func is used as is.
func NewHandler(fn any) (*Handler, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	switch f := fn.(type) {
	case Func:
		if f == nil {
			return nil, fmt.Errorf("handler function cannot be nil")
		}
		return &Handler{raw: f, HasContext: true, HasResult: true}, nil
	case func(context.Context, *core.Job) ([]byte, error):
		if f == nil {
			return nil, fmt.Errorf("handler function cannot be nil")
		}
		return &Handler{raw: f, HasContext: true, HasResult: true}, nil
	}

	fnVal := reflect.ValueOf(fn)

	// Check for typed nil (e.g., var fn func() = nil)
	if !fnVal.IsValid() || (fnVal.Kind() == reflect.Func && fnVal.IsNil()) {
		return nil, fmt.Errorf("handler function cannot be nil")
	}

	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function")
	}

	h := &Handler{Fn: fnVal}

	numIn := fnType.NumIn()
	if numIn < 1 || numIn > 2 {
		return nil, fmt.Errorf("handler must have 1-2 arguments")
	}

	argIdx := 0
	if fnType.In(0).Implements(contextType) {
		h.HasContext = true
		argIdx = 1
	} else if numIn == 2 {
		return nil, fmt.Errorf("handler with 2 arguments must take context.Context first")
	}
	if argIdx < numIn {
		h.ArgsType = fnType.In(argIdx)
	}

	switch fnType.NumOut() {
	case 1:
		if !fnType.Out(0).Implements(errorType) {
			return nil, fmt.Errorf("handler must return error")
		}
	case 2:
		if !fnType.Out(1).Implements(errorType) {
			return nil, fmt.Errorf("handler must return (T, error)")
		}
		h.HasResult = true
	default:
		return nil, fmt.Errorf("handler must return error or (T, error)")
	}

	return h, nil
}

// Execute runs the handler for job and returns the encoded result.
// A payload that cannot be decoded into the handler's argument type is not
// retried.
func (h *Handler) Execute(ctx context.Context, job *core.Job) ([]byte, error) {
	if h.raw != nil {
		return h.raw(ctx, job)
	}
	if !h.Fn.IsValid() || h.Fn.IsNil() {
		return nil, fmt.Errorf("handler function is nil or invalid")
	}

	var args []reflect.Value
	if h.HasContext {
		args = append(args, reflect.ValueOf(ctx))
	}
	if h.ArgsType != nil {
		arg, err := decodeArg(h.ArgsType, job.Payload)
		if err != nil {
			return nil, core.NoRetry(fmt.Errorf("failed to unmarshal payload: %w", err))
		}
		args = append(args, arg)
	}

	results := h.Fn.Call(args)

	if !h.HasResult {
		if !results[0].IsNil() {
			return nil, results[0].Interface().(error)
		}
		return nil, nil
	}

	if !results[1].IsNil() {
		return nil, results[1].Interface().(error)
	}
	return encodeResult(results[0])
}

func decodeArg(t reflect.Type, payload []byte) (reflect.Value, error) {
	if t == bytesType {
		return reflect.ValueOf(payload), nil
	}
	argPtr := reflect.New(t)
	if len(payload) == 0 {
		return argPtr.Elem(), nil
	}
	if err := json.Unmarshal(payload, argPtr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return argPtr.Elem(), nil
}

func encodeResult(v reflect.Value) ([]byte, error) {
	if !v.IsValid() || !v.CanInterface() {
		return nil, nil
	}
	switch r := v.Interface().(type) {
	case []byte:
		return r, nil
	case json.RawMessage:
		return r, nil
	}
	b, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return b, nil
}
