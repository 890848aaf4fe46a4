// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/sapphillon/jsruntime"
)

var (
	// Stack frames are written as "[func (]file:line:col(pc)".
	framePattern = regexp.MustCompile(`([^\s()]+):(\d+):(\d+)\(\d+\)`)
	// Parser errors are written as "file: Line line:col message".
	syntaxPattern = regexp.MustCompile(`([^\s:]+): Line (\d+):(\d+)`)
)

// Engine implements jsruntime.Engine using the Goja JS engine.
// It uses an event loop to ensure thread-safe execution of JavaScript and to
// provide timers (setTimeout, setInterval) to scripts. The loop only runs for
// the duration of a call into the engine.
type Engine struct {
	Loop   *eventloop.EventLoop // The event loop that owns the runtime. Never started in the background.
	Option *EngineOption        // Engine configuration options.

	vm *goja.Runtime // Loop's runtime, only used directly for Interrupt

	mu         sync.Mutex // Guards the fields below, shared with Interrupt
	running    bool
	closed     bool
	generation uint64  // Incremented by every Eval
	interrupt  *string // Reason of the interrupt requested during the current Eval

	// Owned by the loop.
	moduleID string
	asyncErr *jsruntime.EngineError // First failure of a timer callback
	pending  []*goja.Promise        // Rejected promises without a handler
	timers   map[any]func()         // Cancel functions of scheduled timers by handle
}

// NewFactory returns a jsruntime.EngineFactory for creating Goja engines.
// The factory is configured with the provided options.
func NewFactory(opts ...Option) jsruntime.EngineFactory {
	return func() (jsruntime.Engine, error) {
		return newEngine(opts...)
	}
}

// newEngine creates a new Goja engine instance.
// It initializes a full-featured event loop that supports timers.
func newEngine(opts ...Option) (*Engine, error) {
	// The eventloop creates its own internal goja.Runtime
	loop := eventloop.NewEventLoop()

	e := &Engine{
		Loop:   loop,
		Option: &EngineOption{},
		timers: make(map[any]func()),
	}

	var err error
	e.runOnLoop(func(vm *goja.Runtime) {
		e.vm = vm
		vm.SetPromiseRejectionTracker(e.trackRejection)
		err = e.wrapTimers(vm)
	})
	if err != nil {
		return nil, err
	}

	// Apply all provided options. Each option will block until it's applied.
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	return e, nil
}

// runOnLoop runs fn on the event loop, then runs the loop until no timers
// are left. It must not be called from inside the loop.
func (e *Engine) runOnLoop(fn func(vm *goja.Runtime)) {
	e.Loop.Run(fn)
}

// wrapTimers replaces the loop's timer globals so that the engine can see
// callback failures and cancel outstanding timers.
func (e *Engine) wrapTimers(vm *goja.Runtime) error {
	setTimeout, ok := goja.AssertFunction(vm.Get("setTimeout"))
	if !ok {
		return errors.New("event loop does not provide setTimeout")
	}
	setInterval, ok := goja.AssertFunction(vm.Get("setInterval"))
	if !ok {
		return errors.New("event loop does not provide setInterval")
	}

	globals := map[string]func(goja.FunctionCall) goja.Value{
		"setTimeout": func(call goja.FunctionCall) goja.Value {
			return e.schedule(vm, call, setTimeout, true)
		},
		"setInterval": func(call goja.FunctionCall) goja.Value {
			return e.schedule(vm, call, setInterval, false)
		},
		"clearTimeout":  e.unschedule,
		"clearInterval": e.unschedule,
	}
	for name, fn := range globals {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set %s: %w", name, err)
		}
	}
	return nil
}

// schedule registers a timer whose callback reports failures to the engine.
func (e *Engine) schedule(vm *goja.Runtime, call goja.FunctionCall, set goja.Callable, once bool) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		return goja.Undefined()
	}

	var key any
	callback := vm.ToValue(func(inner goja.FunctionCall) goja.Value {
		if _, scheduled := e.timers[key]; !scheduled {
			return goja.Undefined()
		}
		if once {
			delete(e.timers, key)
		}
		if _, err := fn(goja.Undefined(), inner.Arguments...); err != nil {
			e.fail(toEngineError(err, e.moduleID))
		} else if len(e.pending) > 0 {
			e.fail(rejectionError(e.pending[0], e.moduleID))
		}
		return goja.Undefined()
	})

	args := []goja.Value{callback}
	if len(call.Arguments) > 1 {
		args = append(args, call.Arguments[1:]...)
	}
	handle, err := set(goja.Undefined(), args...)
	if err != nil {
		panic(err)
	}

	key = handle.Export()
	switch t := key.(type) {
	case *eventloop.Timer:
		e.timers[key] = func() { e.Loop.ClearTimeout(t) }
	case *eventloop.Interval:
		e.timers[key] = func() { e.Loop.ClearInterval(t) }
	}
	return handle
}

// unschedule implements clearTimeout and clearInterval.
func (e *Engine) unschedule(call goja.FunctionCall) goja.Value {
	key := call.Argument(0).Export()
	if cancel, ok := e.timers[key]; ok {
		delete(e.timers, key)
		cancel()
	}
	return goja.Undefined()
}

// fail records the first asynchronous failure of the current evaluation and
// stops its timers so that the loop can finish.
func (e *Engine) fail(err *jsruntime.EngineError) {
	if e.asyncErr == nil {
		e.asyncErr = err
	}
	e.cancelTimers()
}

func (e *Engine) cancelTimers() {
	for key, cancel := range e.timers {
		delete(e.timers, key)
		cancel()
	}
}

// Bind installs bindings under the namespace global and the flat ops global.
func (e *Engine) Bind(namespace string, bindings []jsruntime.Binding) error {
	var err error
	e.runOnLoop(func(vm *goja.Runtime) {
		err = bind(vm, namespace, bindings)
	})
	return err
}

func bind(vm *goja.Runtime, namespace string, bindings []jsruntime.Binding) error {
	ops, err := globalObject(vm, jsruntime.OpsGlobal)
	if err != nil {
		return err
	}
	ns, err := globalObject(vm, namespace)
	if err != nil {
		return err
	}
	for _, b := range bindings {
		fn := vm.ToValue(hostFunction(vm, b))
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
func globalObject(vm *goja.Runtime, name string) (*goja.Object, error) {
	v := vm.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		obj := vm.NewObject()
		if err := vm.Set(name, obj); err != nil {
			return nil, fmt.Errorf("failed to create global %q: %w", name, err)
		}
		return obj, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("global %q is not an object", name)
	}
	return obj, nil
}

// hostFunction adapts a binding to a native goja function.
func hostFunction(vm *goja.Runtime, b jsruntime.Binding) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		result, err := b.Call(args)
		if err != nil {
			// Panicking with a goja value throws it into script space
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(result)
	}
}

// Eval runs source as a top-level script, then runs the event loop until
// every timer has fired or been cleared. Promise jobs are drained along the
// way. An exception thrown by a timer callback, or a rejection still
// unhandled once the loop is idle, fails the evaluation.
func (e *Engine) Eval(moduleID, source string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("engine is closed")
	}
	e.running = true
	e.generation++
	e.interrupt = nil
	e.vm.ClearInterrupt()
	e.mu.Unlock()

	var err *jsruntime.EngineError
	e.runOnLoop(func(vm *goja.Runtime) {
		e.moduleID = moduleID
		e.asyncErr = nil
		e.pending = e.pending[:0]
		if _, runErr := vm.RunScript(moduleID, source); runErr != nil {
			err = toEngineError(runErr, moduleID)
			e.cancelTimers()
		}
	})

	e.mu.Lock()
	e.running = false
	reason := e.interrupt
	e.interrupt = nil
	e.mu.Unlock()

	pending := e.pending
	e.pending = nil
	switch {
	case err != nil:
		return err
	case reason != nil:
		return &jsruntime.EngineError{
			Message: "script interrupted: " + *reason,
			Module:  moduleID,
			Cause:   jsruntime.ErrInterrupted,
		}
	case e.asyncErr != nil:
		return e.asyncErr
	case len(pending) > 0:
		return rejectionError(pending[0], moduleID)
	}
	return nil
}

func (e *Engine) trackRejection(p *goja.Promise, operation goja.PromiseRejectionOperation) {
	switch operation {
	case goja.PromiseRejectionReject:
		e.pending = append(e.pending, p)
	case goja.PromiseRejectionHandle:
		for i, pending := range e.pending {
			if pending == p {
				e.pending = append(e.pending[:i], e.pending[i+1:]...)
				break
			}
		}
	}
}

// Interrupt aborts the running evaluation, including timers it is still
// waiting for. Safe to call from any goroutine; a no-op when idle.
func (e *Engine) Interrupt(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.interrupt = &reason
	e.vm.Interrupt(reason)

	generation := e.generation
	e.Loop.RunOnLoop(func(*goja.Runtime) {
		e.mu.Lock()
		current := e.running && e.generation == generation
		e.mu.Unlock()
		if current {
			e.cancelTimers()
		}
	})
}

// Close releases the engine. The loop is not running outside of calls into
// the engine, so there is nothing to stop.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func rejectionError(p *goja.Promise, moduleID string) *jsruntime.EngineError {
	msg := "undefined"
	if reason := p.Result(); reason != nil {
		msg = reason.String()
	}
	return &jsruntime.EngineError{
		Message: "Uncaught (in promise) " + msg,
		Module:  moduleID,
	}
}

// toEngineError converts a goja error into a *jsruntime.EngineError.
func toEngineError(err error, moduleID string) *jsruntime.EngineError {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &jsruntime.EngineError{
			Message: fmt.Sprintf("script interrupted: %v", interrupted.Value()),
			Module:  moduleID,
			Stack:   interrupted.String(),
			Cause:   jsruntime.ErrInterrupted,
		}
	}

	engErr := &jsruntime.EngineError{Message: err.Error(), Module: moduleID}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		if v := exc.Value(); v != nil {
			engErr.Message = v.String()
		}
		engErr.Stack = exc.String()
		engErr.Cause = errors.Unwrap(exc)
	}
	locate(engErr, moduleID)
	return engErr
}

// locate fills the error position from the message or the stack trace,
// preferring frames of the failing module.
func locate(engErr *jsruntime.EngineError, moduleID string) {
	if m := syntaxPattern.FindStringSubmatch(engErr.Message); m != nil {
		setPosition(engErr, m)
		return
	}
	matches := framePattern.FindAllStringSubmatch(engErr.Stack, -1)
	for _, m := range matches {
		if m[1] == moduleID {
			setPosition(engErr, m)
			return
		}
	}
	if len(matches) > 0 {
		setPosition(engErr, matches[0])
	}
}

func setPosition(engErr *jsruntime.EngineError, m []string) {
	engErr.Module = m[1]
	engErr.Line, _ = strconv.Atoi(m[2])
	engErr.Column, _ = strconv.Atoi(m[3])
}
