// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"
)

// executorOptions contains configuration options for the executor pool.
type executorOptions struct {
	minPoolSize     uint32        // Minimum number of workers
	maxPoolSize     uint32        // Maximum number of workers
	queueSize       uint32        // Task queue size per worker
	workerTTL       time.Duration // Idle time after which a worker above the minimum is retired
	maxExecutions   uint32        // Executions after which a worker is retired (0 = unlimited)
	enqueueTimeout  time.Duration // Timeout for placing a task in a worker queue
	executeTimeout  time.Duration // Timeout for a single execution
	selectThreshold float64       // Queue load (0.0-1.0) above which a worker is skipped
}

// Executor runs scripts on a pool of workers. Each worker is locked to an OS
// thread and exclusively owns one Runtime with the executor's extensions
// installed, so independent scripts execute concurrently while no runtime
// is ever driven by two goroutines.
//
// A worker's global scope persists between the scripts it runs until the
// worker is retired or reloaded; use ScriptRequest.WorkerID to keep related
// scripts on the same worker.
type Executor struct {
	options     *executorOptions
	pool        *pool
	factory     EngineFactory
	runtimeOpts []RuntimeOption
	extensions  atomic.Pointer[[]*Extension] // Read by workers on (re)initialization
	started     atomic.Bool
	stopped     atomic.Bool

	logger *slog.Logger
}

// NewExecutor creates an executor with the given options.
func NewExecutor(opts ...func(*Executor)) (*Executor, error) {
	cpuCount := runtime.GOMAXPROCS(0)

	executor := &Executor{
		logger: slog.Default(),
		options: &executorOptions{
			minPoolSize:     uint32(cpuCount),
			maxPoolSize:     uint32(cpuCount * 2),
			queueSize:       64,
			enqueueTimeout:  30 * time.Second,
			executeTimeout:  60 * time.Second,
			selectThreshold: 0.75,
		},
	}
	executor.setExtensions(nil)

	for _, opt := range opts {
		opt(executor)
	}

	if executor.factory == nil {
		return nil, fmt.Errorf("engine factory must be provided")
	}
	if executor.options.maxPoolSize < executor.options.minPoolSize {
		executor.options.maxPoolSize = executor.options.minPoolSize
	}

	executor.pool = newPool(executor)
	return executor, nil
}

func (e *Executor) getExtensions() []*Extension {
	return *e.extensions.Load()
}

func (e *Executor) setExtensions(exts []*Extension) {
	snapshot := make([]*Extension, len(exts))
	copy(snapshot, exts)
	e.extensions.Store(&snapshot)
}

// newRuntime builds and initializes a runtime for a worker.
func (e *Executor) newRuntime() (*Runtime, error) {
	return e.newRuntimeWith(e.getExtensions())
}

func (e *Executor) newRuntimeWith(exts []*Extension) (*Runtime, error) {
	opts := append([]RuntimeOption{WithEngine(e.factory), WithLogger(e.logger)}, e.runtimeOpts...)
	rt, err := NewRuntime(opts...)
	if err != nil {
		return nil, err
	}
	if err := rt.Initialize(exts...); err != nil {
		return nil, err
	}
	return rt, nil
}

// validateExtensions initializes and discards a runtime with exts, on a
// locked OS thread like the workers do.
func (e *Executor) validateExtensions(exts []*Extension) error {
	errCh := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		rt, err := e.newRuntimeWith(exts)
		if err == nil {
			err = rt.Close()
		}
		errCh <- err
	}()
	return <-errCh
}

// Start creates the minimum number of workers. A stopped executor cannot be
// restarted. When a worker fails to start, the workers already created are
// stopped and the executor is left unstarted.
func (e *Executor) Start() error {
	if e.stopped.Load() {
		return ErrClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("executor already started")
	}
	if err := e.pool.start(); err != nil {
		e.started.Store(false)
		return err
	}
	return nil
}

// Execute runs a script on a pooled runtime and waits for it to finish.
func (e *Executor) Execute(ctx context.Context, request *ScriptRequest) (*ScriptResponse, error) {
	if request == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}
	if !e.started.Load() {
		return nil, fmt.Errorf("executor is not started")
	}
	return e.pool.execute(ctx, request)
}

// Reload replaces the installed extensions and rebuilds every worker's
// runtime. With no arguments the current extensions are reinstalled, which
// resets all global state.
//
// A new extension set is first installed into a throwaway runtime; if that
// fails the executor keeps its current extensions. A worker whose rebuild
// fails keeps serving with its previous runtime.
func (e *Executor) Reload(exts ...*Extension) error {
	if !e.started.Load() {
		return fmt.Errorf("executor is not started")
	}
	if len(exts) == 0 {
		return e.pool.reload()
	}

	if err := e.validateExtensions(exts); err != nil {
		return fmt.Errorf("failed to reload extensions: %w", err)
	}
	previous := e.getExtensions()
	e.setExtensions(exts)
	if err := e.pool.reload(); err != nil {
		// Bring every worker back to the previous set
		e.setExtensions(previous)
		if rollbackErr := e.pool.reload(); rollbackErr != nil {
			e.logger.Error("Failed to restore previous extensions", "error", rollbackErr)
		}
		return err
	}
	return nil
}

// Stop shuts down all workers and releases their runtimes.
func (e *Executor) Stop() error {
	if !e.started.CompareAndSwap(true, false) {
		return ErrClosed
	}
	e.stopped.Store(true)
	return e.pool.stop()
}

// WithEngineFactory configures the factory used for every worker runtime.
func WithEngineFactory(factory EngineFactory) func(*Executor) {
	return func(executor *Executor) {
		executor.factory = factory
	}
}

// WithExtensions configures the extensions installed in every worker runtime.
func WithExtensions(exts ...*Extension) func(*Executor) {
	return func(executor *Executor) {
		executor.setExtensions(exts)
	}
}

// WithRuntimeOptions adds options applied to every worker runtime.
func WithRuntimeOptions(opts ...RuntimeOption) func(*Executor) {
	return func(executor *Executor) {
		executor.runtimeOpts = append(executor.runtimeOpts, opts...)
	}
}

// WithExecutorLogger configures the logger for the executor and its runtimes.
func WithExecutorLogger(logger *slog.Logger) func(*Executor) {
	return func(executor *Executor) {
		if logger != nil {
			executor.logger = logger
		}
	}
}

// WithExecutorConfig applies a declarative configuration. Zero fields keep defaults.
func WithExecutorConfig(cfg *Config) func(*Executor) {
	return func(executor *Executor) {
		if cfg == nil {
			return
		}
		executor.runtimeOpts = append(executor.runtimeOpts, WithModuleID(cfg.ModuleID))
		WithMinPoolSize(cfg.Pool.MinSize)(executor)
		WithMaxPoolSize(cfg.Pool.MaxSize)(executor)
		WithQueueSize(cfg.Pool.QueueSize)(executor)
		WithWorkerTTL(cfg.Pool.WorkerTTL)(executor)
		WithMaxExecutions(cfg.Pool.MaxExecutions)(executor)
		WithEnqueueTimeout(cfg.Pool.EnqueueTimeout)(executor)
		WithPoolExecuteTimeout(cfg.ExecuteTimeout)(executor)
		WithSelectThreshold(cfg.Pool.SelectThreshold)(executor)
	}
}

func WithMinPoolSize(size uint32) func(*Executor) {
	return func(executor *Executor) {
		if size > 0 {
			executor.options.minPoolSize = size
		}
	}
}

func WithMaxPoolSize(size uint32) func(*Executor) {
	return func(executor *Executor) {
		if size > 0 {
			executor.options.maxPoolSize = size
		}
	}
}

func WithQueueSize(size uint32) func(*Executor) {
	return func(executor *Executor) {
		if size > 0 {
			executor.options.queueSize = size
		}
	}
}

func WithWorkerTTL(ttl time.Duration) func(*Executor) {
	return func(executor *Executor) {
		if ttl > 0 {
			executor.options.workerTTL = ttl
		}
	}
}

func WithMaxExecutions(max uint32) func(*Executor) {
	return func(executor *Executor) {
		if max > 0 {
			executor.options.maxExecutions = max
		}
	}
}

func WithEnqueueTimeout(timeout time.Duration) func(*Executor) {
	return func(executor *Executor) {
		if timeout > 0 {
			executor.options.enqueueTimeout = timeout
		}
	}
}

// WithPoolExecuteTimeout bounds each execution; the script is interrupted when it elapses.
func WithPoolExecuteTimeout(timeout time.Duration) func(*Executor) {
	return func(executor *Executor) {
		if timeout > 0 {
			executor.options.executeTimeout = timeout
		}
	}
}

func WithSelectThreshold(threshold float64) func(*Executor) {
	return func(executor *Executor) {
		if threshold > 0 && threshold <= 1.0 {
			executor.options.selectThreshold = threshold
		}
	}
}
