// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultModuleID is the module identifier used when a script is run without one.
const DefaultModuleID = "workflow.js"

// State is the lifecycle state of a Runtime.
type State int32

const (
	StateUninitialized State = iota // No engine instance yet
	StateReady                      // Engine constructed, extension set frozen
	StateClosed                     // Engine released, runtime unusable
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Runtime is an execution context owning exactly one engine instance.
//
// A Runtime starts uninitialized; Initialize creates the engine and installs a
// fixed set of extensions. Run executes scripts one at a time, and the global
// scope persists across runs. Runtimes are independent: nothing is shared
// between two of them.
type Runtime struct {
	id             string
	factory        EngineFactory
	logger         *slog.Logger
	moduleID       string
	executeTimeout time.Duration

	mu     sync.Mutex // Serializes Initialize, Run and Close
	state  atomic.Int32
	engine Engine
	exts   []*Extension

	runMu   sync.Mutex      // Guards the per-run state below
	runCtx  context.Context // Context of the active run or initialization, nil when idle
	hostErr error           // Last host operation error of the active run

	activeMu sync.Mutex // Guards active for Interrupt
	active   Engine     // Engine currently executing a script, nil when idle
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// NewRuntime creates an uninitialized runtime.
func NewRuntime(opts ...RuntimeOption) (*Runtime, error) {
	r := &Runtime{
		id:       uuid.NewString(),
		logger:   slog.Default(),
		moduleID: DefaultModuleID,
	}
	for _, opt := range opts {
		opt(r)
	}

	// Engine factory is required
	if r.factory == nil {
		return nil, fmt.Errorf("engine factory must be provided")
	}
	return r, nil
}

// WithEngine configures the factory creating the runtime's engine.
func WithEngine(factory EngineFactory) RuntimeOption {
	return func(r *Runtime) {
		r.factory = factory
	}
}

// WithLogger configures the logger for the runtime.
func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithModuleID sets the module identifier used when Run is given none.
func WithModuleID(moduleID string) RuntimeOption {
	return func(r *Runtime) {
		if moduleID != "" {
			r.moduleID = moduleID
		}
	}
}

// WithExecuteTimeout bounds every Run; the script is interrupted when it elapses.
func WithExecuteTimeout(timeout time.Duration) RuntimeOption {
	return func(r *Runtime) {
		if timeout > 0 {
			r.executeTimeout = timeout
		}
	}
}

// ID returns the runtime's unique identifier, used in log records.
func (r *Runtime) ID() string { return r.id }

// State returns the current lifecycle state.
func (r *Runtime) State() State { return State(r.state.Load()) }

// Extensions returns the installed extensions in installation order.
func (r *Runtime) Extensions() []*Extension {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Extension, len(r.exts))
	copy(out, r.exts)
	return out
}

// Initialize creates the engine and installs exts, dependencies first.
//
// Calling Initialize on a ready runtime is a no-op. On failure the runtime
// stays uninitialized and any partially built engine is released.
func (r *Runtime) Initialize(exts ...*Extension) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.State() {
	case StateReady:
		r.logger.Debug("Runtime already initialized, ignoring", "runtime", r.id)
		return nil
	case StateClosed:
		return ErrClosed
	}

	ordered, err := orderExtensions(exts)
	if err != nil {
		return fmt.Errorf("failed to order extensions: %w", err)
	}

	// Operation names must be unique across the whole runtime
	seen := make(map[string]struct{})
	for _, ext := range ordered {
		for _, op := range ext.ops {
			if _, exists := seen[op.Name]; exists {
				return &DuplicateOperationNameError{Extension: ext.name, Name: op.Name}
			}
			seen[op.Name] = struct{}{}
		}
	}

	engine, err := r.factory()
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	r.beginRun(context.Background())
	defer r.endRun()

	for _, ext := range ordered {
		if err := r.install(engine, ext); err != nil {
			if cerr := engine.Close(); cerr != nil {
				r.logger.Error("Failed to close engine", "runtime", r.id, "error", cerr)
			}
			return err
		}
	}

	r.engine = engine
	r.exts = ordered
	r.state.Store(int32(StateReady))

	names := make([]string, len(ordered))
	for i, ext := range ordered {
		names[i] = ext.name
	}
	r.logger.Debug("Runtime initialized", "runtime", r.id, "extensions", names)
	return nil
}

// install binds one extension's operations and runs its resources.
func (r *Runtime) install(engine Engine, ext *Extension) error {
	bindings := make([]Binding, len(ext.ops))
	for i, op := range ext.ops {
		bindings[i] = Binding{Name: op.Name, Call: r.hostCall(op)}
	}
	if err := engine.Bind(ext.name, bindings); err != nil {
		return fmt.Errorf("failed to install extension %q: %w", ext.name, err)
	}
	for _, res := range ext.resources {
		r.resetHostErr()
		if err := engine.Eval(res.Name, res.Source); err != nil {
			return fmt.Errorf("failed to execute resource %s of extension %q: %w",
				res.Name, ext.name, r.engineError(err, res.Name, r.resetHostErr(), nil))
		}
	}
	return nil
}

// hostCall wraps op with argument and result marshaling.
func (r *Runtime) hostCall(op *Op) HostCall {
	return func(raw []any) (result any, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic in operation %q: %v", op.Name, p)
				r.logger.Error("Host operation panic", "runtime", r.id, "op", op.Name, "error", p)
			}
			if err != nil {
				r.recordHostErr(err)
			}
		}()

		args, err := op.unmarshalArgs(raw)
		if err != nil {
			return nil, err
		}
		out, err := op.Fn(r.currentContext(), args)
		if err != nil {
			return nil, err
		}
		return op.marshalResult(out)
	}
}

// Run executes source as one top-level script identified by moduleID.
//
// Run fails with ErrNotInitialized before Initialize and with ErrClosed after
// Close. Script failures are returned as *EngineError and leave the runtime
// usable. The script is interrupted when ctx is done or the configured
// execute timeout elapses.
func (r *Runtime) Run(ctx context.Context, source, moduleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.State() {
	case StateUninitialized:
		return ErrNotInitialized
	case StateClosed:
		return ErrClosed
	}
	if moduleID == "" {
		moduleID = r.moduleID
	}
	if err := ctx.Err(); err != nil {
		return &EngineError{Message: "script not started: " + err.Error(), Module: moduleID, Cause: errors.Join(ErrInterrupted, err)}
	}
	if r.executeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.executeTimeout)
		defer cancel()
	}

	runID := uuid.NewString()
	start := time.Now()
	r.beginRun(ctx)
	r.setActive(r.engine)

	stop := r.watch(ctx)
	err := r.engine.Eval(moduleID, source)
	interrupted := stop()

	r.setActive(nil)
	hostErr := r.endRun()

	if err == nil {
		r.logger.Debug("Script executed",
			"runtime", r.id,
			"run", runID,
			"module", moduleID,
			"elapsed", time.Since(start))
		return nil
	}

	engErr := r.engineError(err, moduleID, hostErr, interrupted)
	r.logger.Warn("Script execution failed",
		"runtime", r.id,
		"run", runID,
		"module", moduleID,
		"elapsed", time.Since(start),
		"error", engErr)
	return engErr
}

// beginRun publishes the context handed to host operations until endRun.
func (r *Runtime) beginRun(ctx context.Context) {
	r.runMu.Lock()
	r.runCtx = ctx
	r.hostErr = nil
	r.runMu.Unlock()
}

// endRun clears the per-run state and returns the last host error.
func (r *Runtime) endRun() error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	err := r.hostErr
	r.runCtx = nil
	r.hostErr = nil
	return err
}

// resetHostErr clears and returns the last host error of the active run.
func (r *Runtime) resetHostErr() error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	err := r.hostErr
	r.hostErr = nil
	return err
}

// recordHostErr remembers err for the active run. Calls made while no run is
// active, e.g. from work an engine left behind, are not attributed to any run.
func (r *Runtime) recordHostErr(err error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.runCtx != nil {
		r.hostErr = err
	}
}

// currentContext returns the active run's context, or context.Background when idle.
func (r *Runtime) currentContext() context.Context {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.runCtx == nil {
		return context.Background()
	}
	return r.runCtx
}

// engineError normalizes an engine failure and attaches its host-side cause.
func (r *Runtime) engineError(err error, moduleID string, hostErr, interrupted error) *EngineError {
	var engErr *EngineError
	if !errors.As(err, &engErr) {
		engErr = &EngineError{Message: err.Error(), Module: moduleID, Cause: err}
	}
	switch {
	case interrupted != nil:
		engErr.Cause = errors.Join(ErrInterrupted, interrupted)
	case engErr.Cause == nil && hostErr != nil && strings.Contains(engErr.Message, hostErr.Error()):
		engErr.Cause = hostErr
	}
	return engErr
}

// watch interrupts the engine when ctx is done. The returned stop function
// reports ctx's error if the interrupt fired.
func (r *Runtime) watch(ctx context.Context) func() error {
	if ctx.Done() == nil {
		return func() error { return nil }
	}
	done := make(chan struct{})
	fired := make(chan error, 1)
	go func() {
		select {
		case <-ctx.Done():
			r.Interrupt(ctx.Err().Error())
			fired <- ctx.Err()
		case <-done:
			fired <- nil
		}
	}()
	return func() error {
		close(done)
		return <-fired
	}
}

func (r *Runtime) setActive(engine Engine) {
	r.activeMu.Lock()
	r.active = engine
	r.activeMu.Unlock()
}

// Interrupt aborts the script currently running on this runtime, if any.
// It is safe to call from any goroutine; the interrupted Run returns an
// *EngineError whose cause matches ErrInterrupted.
func (r *Runtime) Interrupt(reason string) {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	if r.active != nil {
		r.active.Interrupt(reason)
	}
}

// Close releases the engine. Close waits for a running script to finish;
// call Interrupt first to abort it. Closing twice is a no-op.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() == StateClosed {
		return nil
	}
	r.state.Store(int32(StateClosed))
	if r.engine == nil {
		return nil
	}
	err := r.engine.Close()
	r.engine = nil
	if err != nil {
		return fmt.Errorf("failed to close engine: %w", err)
	}
	r.logger.Debug("Runtime closed", "runtime", r.id)
	return nil
}
