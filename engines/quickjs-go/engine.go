// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package quickjsengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/buke/quickjs-go"
	"github.com/sapphillon/jsruntime"
)

// Stack frames are written as "at fn (file:line:col)" or "at file:line".
var framePattern = regexp.MustCompile(`([^\s():]+):(\d+)(?::(\d+))?`)

// Engine represents a QuickJS engine instance with its runtime, context, and options.
// QuickJS is not thread-safe: every call except Interrupt must come from the
// OS thread that created the engine.
type Engine struct {
	Runtime *quickjs.Runtime // QuickJS runtime instance
	Ctx     *quickjs.Context // QuickJS context instance
	Option  *EngineOption    // Engine configuration options

	interrupt atomic.Pointer[string] // Pending interrupt reason
	deadline  atomic.Int64           // Unix nanoseconds after which the running script is aborted, 0 = none
}

// newEngine creates a new QuickJS engine instance with the given options.
// It initializes the runtime, context, and applies all provided engine options.
func newEngine(options ...Option) (*Engine, error) {
	// Create QuickJS runtime
	rt := quickjs.NewRuntime()

	// Create QuickJS context
	ctx := rt.NewContext()

	// Create engine instance with default options
	engine := &Engine{
		Runtime: rt,
		Ctx:     ctx,
		Option: &EngineOption{
			MemoryLimit:        0,     // Default memory limit (no limit)
			GCThreshold:        -1,    // Default GC threshold. -1 means no threshold
			Timeout:            0,     // Default timeout (no timeout)
			MaxStackSize:       0,     // Default max stack size
			CanBlock:           false, // Blocking not allowed by default
			EnableModuleImport: false, // Module import disabled by default
			Strip:              1,     // Default strip behavior
		},
	}
	rt.SetInterruptHandler(engine.interruptHandler)

	// Apply additional engine options
	for _, option := range options {
		if err := option(engine); err != nil {
			engine.Close()
			return nil, err
		}
	}

	return engine, nil
}

// NewFactory returns a jsruntime.EngineFactory that creates QuickJS engines with the given options.
func NewFactory(options ...Option) jsruntime.EngineFactory {
	return func() (jsruntime.Engine, error) {
		return newEngine(options...)
	}
}

// interruptHandler is polled by QuickJS while a script runs; a non-zero
// return aborts it.
func (e *Engine) interruptHandler() int {
	if e.interrupt.Load() != nil {
		return 1
	}
	if d := e.deadline.Load(); d > 0 && time.Now().UnixNano() > d {
		return 1
	}
	return 0
}

// Bind installs bindings under the namespace global and the flat ops global.
func (e *Engine) Bind(namespace string, bindings []jsruntime.Binding) error {
	globals := e.Ctx.Globals()
	ops, err := e.globalObject(globals, jsruntime.OpsGlobal)
	if err != nil {
		return err
	}
	defer ops.Free()
	ns, err := e.globalObject(globals, namespace)
	if err != nil {
		return err
	}
	defer ns.Free()
	for _, b := range bindings {
		// Each property owns its own reference to the function
		ops.Set(b.Name, e.Ctx.NewFunction(e.hostFunction(b)))
		ns.Set(b.Name, e.Ctx.NewFunction(e.hostFunction(b)))
	}
	return nil
}

// globalObject returns the named global object, creating it if missing.
// The caller must free the returned value.
func (e *Engine) globalObject(globals *quickjs.Value, name string) (*quickjs.Value, error) {
	obj := globals.Get(name)
	if obj.IsUndefined() || obj.IsNull() {
		obj.Free()
		globals.Set(name, e.Ctx.NewObject())
		obj = globals.Get(name)
	}
	if !obj.IsObject() {
		obj.Free()
		return nil, fmt.Errorf("global %q is not an object", name)
	}
	return obj, nil
}

// hostFunction adapts a binding to a QuickJS function. Values cross the
// boundary as JSON.
func (e *Engine) hostFunction(b jsruntime.Binding) func(*quickjs.Context, *quickjs.Value, []*quickjs.Value) *quickjs.Value {
	return func(ctx *quickjs.Context, this *quickjs.Value, args []*quickjs.Value) *quickjs.Value {
		raw := make([]any, len(args))
		for i, arg := range args {
			v, err := exportValue(arg)
			if err != nil {
				return ctx.ThrowError(err)
			}
			raw[i] = v
		}
		result, err := b.Call(raw)
		if err != nil {
			return ctx.ThrowError(err)
		}
		out, err := ctx.Marshal(result)
		if err != nil {
			return ctx.ThrowError(fmt.Errorf("failed to marshal result of %s: %w", b.Name, err))
		}
		return out
	}
}

// unsupported stands in for script values that have no boundary representation.
type unsupported string

// exportValue converts a QuickJS value into a plain Go value.
func exportValue(v *quickjs.Value) (any, error) {
	switch {
	case v.IsUndefined() || v.IsNull():
		return nil, nil
	case v.IsFunction():
		return unsupported("function"), nil
	}
	var out any
	dec := json.NewDecoder(strings.NewReader(v.JSONStringify()))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to export argument: %w", err)
	}
	return out, nil
}

// Eval runs source as a top-level script. A promise completion value is
// awaited and its rejection fails the evaluation.
//
// quickjs-go exposes no promise rejection tracker, so a promise rejected
// anywhere else, such as a floating async function that throws, is not
// reported.
func (e *Engine) Eval(moduleID, source string) error {
	e.interrupt.Store(nil)
	if e.Option.Timeout > 0 {
		e.deadline.Store(time.Now().Add(time.Duration(e.Option.Timeout) * time.Second).UnixNano())
		defer e.deadline.Store(0)
	}

	result := e.Ctx.Eval(source, quickjs.EvalFileName(moduleID), quickjs.EvalAwait(true))
	defer result.Free()
	if !result.IsException() {
		return nil
	}
	return e.toEngineError(e.Ctx.Exception(), moduleID)
}

// Interrupt aborts the running script. Safe to call from any goroutine.
func (e *Engine) Interrupt(reason string) {
	e.interrupt.Store(&reason)
}

// Close releases all resources associated with the engine, including context and runtime.
func (e *Engine) Close() error {
	if e.Ctx != nil {
		e.Ctx.Close()
		e.Ctx = nil
	}
	if e.Runtime != nil {
		e.Runtime.Close()
		e.Runtime = nil
	}
	return nil
}

// toEngineError converts a QuickJS exception into a *jsruntime.EngineError.
// err is nil when the thrown value is not an Error object.
func (e *Engine) toEngineError(err error, moduleID string) *jsruntime.EngineError {
	engErr := &jsruntime.EngineError{Message: "uncaught exception", Module: moduleID}
	if err != nil {
		engErr.Message = err.Error()
	}

	var jsErr *quickjs.Error
	if errors.As(err, &jsErr) {
		engErr.Stack = jsErr.Stack
	}
	if reason := e.interrupt.Load(); reason != nil {
		engErr.Message = "script interrupted: " + *reason
		engErr.Cause = jsruntime.ErrInterrupted
	} else if d := e.deadline.Load(); d > 0 && time.Now().UnixNano() > d {
		engErr.Message = "script interrupted: execution timeout"
		engErr.Cause = jsruntime.ErrInterrupted
	}

	locate(engErr, moduleID)
	return engErr
}

// locate fills the error position from the stack trace or the message,
// preferring frames of the failing module.
func locate(engErr *jsruntime.EngineError, moduleID string) {
	matches := framePattern.FindAllStringSubmatch(engErr.Stack, -1)
	matches = append(matches, framePattern.FindAllStringSubmatch(engErr.Message, -1)...)
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
