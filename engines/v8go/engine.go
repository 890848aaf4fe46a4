//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package v8engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/sapphillon/jsruntime"
	"github.com/tommie/v8go"
)

var (
	// Make these functions variables so they can be mocked in tests.
	v8NewIsolate = v8go.NewIsolate
	v8NewContext = v8go.NewContext
)

// Locations are written as "file:line:col".
var locationPattern = regexp.MustCompile(`^(.*):(\d+):(\d+)$`)

// Engine implements the jsruntime.Engine interface using the V8 engine.
// It encapsulates a V8 Isolate and Context.
type Engine struct {
	// Iso is the V8 Isolate, representing a single-threaded VM instance.
	// It is exposed publicly to allow for advanced custom options.
	Iso *v8go.Isolate

	// Ctx is the V8 Context, representing the execution environment.
	// It is exposed publicly to allow for advanced custom options.
	Ctx *v8go.Context

	// Option holds the engine-specific configurations.
	Option *EngineOption

	mu         sync.Mutex // Orders Interrupt against the start and end of Eval
	running    bool
	terminated *string // Reason of the interrupt of the current evaluation
}

// NewFactory creates a new jsruntime.EngineFactory for the V8 engine.
func NewFactory(opts ...Option) jsruntime.EngineFactory {
	return func() (jsruntime.Engine, error) {
		return newEngine(opts...)
	}
}

// newEngine creates and initializes a new V8 Engine instance.
func newEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		Option: &EngineOption{},
	}

	// Apply user-provided options
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	// Create a new V8 Isolate
	iso := v8NewIsolate()
	if iso == nil {
		return nil, fmt.Errorf("failed to create v8 isolate")
	}
	e.Iso = iso

	// Create a new V8 Context
	ctx := v8NewContext(iso)
	if ctx == nil {
		iso.Dispose() // Clean up isolate if context creation fails
		return nil, fmt.Errorf("failed to create v8 context")
	}
	e.Ctx = ctx

	for _, prelude := range e.Option.Preludes {
		if _, err := e.Ctx.RunScript(prelude.Source, prelude.Name); err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to execute prelude %s: %w", prelude.Name, err)
		}
	}

	return e, nil
}

// Bind installs bindings under the namespace global and the flat ops global.
func (e *Engine) Bind(namespace string, bindings []jsruntime.Binding) error {
	ops, err := e.globalObject(jsruntime.OpsGlobal)
	if err != nil {
		return err
	}
	ns, err := e.globalObject(namespace)
	if err != nil {
		return err
	}
	for _, b := range bindings {
		fn := v8go.NewFunctionTemplate(e.Iso, e.hostFunction(b)).GetFunction(e.Ctx)
		if err := ops.Set(b.Name, fn); err != nil {
			return fmt.Errorf("failed to bind %s.%s: %w", jsruntime.OpsGlobal, b.Name, err)
		}
		if err := ns.Set(b.Name, fn); err != nil {
			return fmt.Errorf("failed to bind %s.%s: %w", namespace, b.Name, err)
		}
	}
	return nil
}

// globalObject returns the named global object, creating it if missing.
func (e *Engine) globalObject(name string) (*v8go.Object, error) {
	global := e.Ctx.Global()
	v, err := global.Get(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read global %q: %w", name, err)
	}
	if v.IsNullOrUndefined() {
		obj, err := v8go.NewObjectTemplate(e.Iso).NewInstance(e.Ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create global %q: %w", name, err)
		}
		if err := global.Set(name, obj); err != nil {
			return nil, fmt.Errorf("failed to create global %q: %w", name, err)
		}
		return obj, nil
	}
	if !v.IsObject() {
		return nil, fmt.Errorf("global %q is not an object", name)
	}
	return v.AsObject()
}

// hostFunction adapts a binding to a V8 function callback. Values cross the
// boundary as JSON.
func (e *Engine) hostFunction(b jsruntime.Binding) v8go.FunctionCallback {
	return func(info *v8go.FunctionCallbackInfo) *v8go.Value {
		ctx := info.Context()
		args := info.Args()
		raw := make([]any, len(args))
		for i, arg := range args {
			v, err := exportValue(ctx, arg)
			if err != nil {
				return e.throw(ctx, err)
			}
			raw[i] = v
		}

		result, err := b.Call(raw)
		if err != nil {
			return e.throw(ctx, err)
		}
		if result == nil {
			return v8go.Undefined(e.Iso)
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return e.throw(ctx, fmt.Errorf("failed to marshal result of %s: %w", b.Name, err))
		}
		out, err := v8go.JSONParse(ctx, string(payload))
		if err != nil {
			return e.throw(ctx, err)
		}
		return out
	}
}

// unsupported stands in for script values that have no boundary representation.
type unsupported string

// exportValue converts a V8 value into a plain Go value.
func exportValue(ctx *v8go.Context, v *v8go.Value) (any, error) {
	switch {
	case v.IsNullOrUndefined():
		return nil, nil
	case v.IsFunction(), v.IsSymbol():
		return unsupported("function"), nil
	}
	payload, err := v8go.JSONStringify(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("failed to export argument: %w", err)
	}
	var out any
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, fmt.Errorf("failed to export argument: %w", err)
	}
	return out, nil
}

// throw raises err as a JavaScript Error in ctx.
func (e *Engine) throw(ctx *v8go.Context, err error) *v8go.Value {
	msg, _ := v8go.NewValue(e.Iso, err.Error())
	if ctor, getErr := ctx.Global().Get("Error"); getErr == nil {
		if fn, fnErr := ctor.AsFunction(); fnErr == nil {
			if errObj, callErr := fn.Call(v8go.Undefined(e.Iso), msg); callErr == nil {
				return e.Iso.ThrowException(errObj)
			}
		}
	}
	return e.Iso.ThrowException(msg)
}

// Eval runs source as a top-level script. A rejected promise completion value
// fails the evaluation.
//
// V8 offers no unhandled rejection hook through v8go, so a promise rejected
// anywhere else, such as a floating async function that throws, is not
// reported.
func (e *Engine) Eval(moduleID, source string) error {
	e.mu.Lock()
	e.terminated = nil
	e.running = true
	e.mu.Unlock()

	result, err := e.Ctx.RunScript(source, moduleID)

	e.mu.Lock()
	e.running = false
	reason := e.terminated
	if reason != nil && err == nil {
		// The termination arrived after the script had finished and would
		// otherwise hit the next evaluation. Let a no-op script absorb it.
		_, _ = e.Ctx.RunScript("void 0", moduleID)
	}
	e.mu.Unlock()

	if err != nil {
		return e.toEngineError(err, moduleID, reason)
	}
	if result != nil && result.IsPromise() {
		promise, err := result.AsPromise()
		if err == nil && promise.State() == v8go.Rejected {
			return &jsruntime.EngineError{
				Message: "Uncaught (in promise) " + promise.Result().String(),
				Module:  moduleID,
			}
		}
	}
	return nil
}

// Interrupt terminates the running script. Safe to call from any goroutine;
// a no-op when no script is running.
func (e *Engine) Interrupt(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.terminated = &reason
	e.Iso.TerminateExecution()
}

// Close releases all resources associated with the V8 engine.
func (e *Engine) Close() error {
	if e.Ctx != nil {
		e.Ctx.Close()
		e.Ctx = nil
	}
	if e.Iso != nil {
		e.Iso.Dispose()
		e.Iso = nil
	}
	return nil
}

// toEngineError converts a V8 error into a *jsruntime.EngineError.
func (e *Engine) toEngineError(err error, moduleID string, reason *string) *jsruntime.EngineError {
	if reason != nil {
		return &jsruntime.EngineError{
			Message: "script interrupted: " + *reason,
			Module:  moduleID,
			Cause:   jsruntime.ErrInterrupted,
		}
	}

	engErr := &jsruntime.EngineError{Message: err.Error(), Module: moduleID}
	var jsErr *v8go.JSError
	if errors.As(err, &jsErr) {
		engErr.Message = jsErr.Message
		engErr.Stack = jsErr.StackTrace
		if m := locationPattern.FindStringSubmatch(jsErr.Location); m != nil {
			engErr.Module = m[1]
			engErr.Line, _ = strconv.Atoi(m[2])
			engErr.Column, _ = strconv.Atoi(m[3])
		}
	}
	return engErr
}
