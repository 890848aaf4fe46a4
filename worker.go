// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

// workerAction is a control action performed by a worker between tasks.
type workerAction int

const (
	actionStop   workerAction = iota // Stop the worker
	actionReload                     // Rebuild the worker's runtime
	actionRetire                     // Retire the worker
)

// String returns the string representation of a workerAction.
func (a workerAction) String() string {
	switch a {
	case actionStop:
		return "stop"
	case actionReload:
		return "reload"
	case actionRetire:
		return "retire"
	default:
		return "unknown"
	}
}

// workerActionRequest asks a worker to perform an action.
type workerActionRequest struct {
	action workerAction
	done   chan error // Receives the outcome of the action
}

// worker owns one Runtime and executes tasks on a dedicated OS thread.
type worker struct {
	executor *Executor
	name     string
	id       uint32

	taskQueue   chan *task
	actionQueue chan *workerActionRequest
	initCh      chan error
	exited      chan struct{} // Closed when the run loop returns

	lastUsedNano int64  // Timestamp of the last execution (atomic, nanoseconds)
	executions   uint32 // Number of executed tasks (atomic)

	rt *Runtime // Only touched by the worker goroutine
}

func newWorker(executor *Executor, id uint32) *worker {
	return &worker{
		executor:     executor,
		name:         fmt.Sprintf("worker-%d", id),
		id:           id,
		taskQueue:    make(chan *task, executor.options.queueSize),
		actionQueue:  make(chan *workerActionRequest, 1),
		initCh:       make(chan error, 1),
		exited:       make(chan struct{}),
		lastUsedNano: time.Now().UnixNano(),
	}
}

func (w *worker) getExecutions() uint32 {
	return atomic.LoadUint32(&w.executions)
}

func (w *worker) getLastUsed() time.Time {
	return time.Unix(0, atomic.LoadInt64(&w.lastUsedNano))
}

// load reports the worker's queue occupancy between 0 and 1.
func (w *worker) load() float64 {
	return float64(len(w.taskQueue)) / float64(cap(w.taskQueue))
}

// initRuntime builds a fresh runtime with the executor's current extensions.
func (w *worker) initRuntime() error {
	rt, err := w.executor.newRuntime()
	if err != nil {
		return fmt.Errorf("failed to init runtime: %w", err)
	}
	w.rt = rt
	return nil
}

// replaceRuntime swaps in a fresh runtime. The current one is only closed
// once its replacement is ready.
func (w *worker) replaceRuntime() error {
	rt, err := w.executor.newRuntime()
	if err != nil {
		return fmt.Errorf("failed to init runtime: %w", err)
	}
	w.closeRuntime()
	w.rt = rt
	return nil
}

func (w *worker) closeRuntime() error {
	if w.rt == nil {
		return nil
	}
	err := w.rt.Close()
	w.rt = nil
	if err != nil {
		w.executor.logger.Error("Failed to close runtime", "worker", w.name, "error", err)
	}
	return err
}

// run is the worker loop. Control actions are deferred until the task queue is drained.
func (w *worker) run() {
	// Engines with thread affinity (QuickJS, V8) must always be driven from the same OS thread
	runtime.LockOSThread()
	defer close(w.exited)
	defer w.closeRuntime()

	if err := w.initRuntime(); err != nil {
		w.executor.logger.Error("Failed to initialize worker", "worker", w.name, "error", err)
		w.initCh <- err
		close(w.initCh)
		return
	}
	w.initCh <- nil
	close(w.initCh)

	var pending []*workerActionRequest
	for {
		for len(pending) > 0 && len(w.taskQueue) == 0 {
			req := pending[0]
			pending = pending[1:]
			if w.executeAction(req) {
				return
			}
		}

		select {
		case t := <-w.taskQueue:
			w.executeTask(t)
			if w.exhausted() {
				w.executor.logger.Debug("Worker reached max executions, retiring",
					"worker", w.name,
					"executions", w.getExecutions())
				w.executor.pool.detach(w.id)
				pending = append(pending, &workerActionRequest{action: actionRetire, done: make(chan error, 1)})
			}
		case req := <-w.actionQueue:
			pending = append(pending, req)
		}
	}
}

// executeAction performs a control action and reports whether the loop must exit.
func (w *worker) executeAction(req *workerActionRequest) (exit bool) {
	defer func() {
		if r := recover(); r != nil {
			w.executor.logger.Error("Panic recovered in worker action",
				"worker", w.name,
				"action", req.action.String(),
				"error", r)
			req.done <- fmt.Errorf("panic in worker action %s: %v", req.action, r)
			exit = true
		}
	}()

	switch req.action {
	case actionReload:
		err := w.replaceRuntime()
		if err != nil {
			w.executor.logger.Error("Worker reload failed, keeping previous runtime", "worker", w.name, "error", err)
		}
		req.done <- err
		return false
	case actionStop, actionRetire:
		req.done <- w.closeRuntime()
		return true
	default:
		req.done <- nil
		return false
	}
}

// executeTask runs one script on the worker's runtime.
func (w *worker) executeTask(t *task) {
	defer func() {
		if r := recover(); r != nil {
			t.resultChan <- &taskResult{err: fmt.Errorf("panic in worker %s: %v", w.name, r)}
			w.executor.logger.Error("Task execution panic",
				"worker", w.name,
				"request", t.request.ID,
				"error", r)
		}
		atomic.StoreInt64(&w.lastUsedNano, time.Now().UnixNano())
		atomic.AddUint32(&w.executions, 1)
	}()

	t.status = taskStatusRunning
	if w.rt == nil {
		t.resultChan <- &taskResult{err: fmt.Errorf("worker %s has no runtime", w.name)}
		return
	}

	start := time.Now()
	err := w.rt.Run(t.ctx, t.request.Source, t.request.ModuleID)
	t.status = taskStatusCompleted
	if err != nil {
		t.resultChan <- &taskResult{err: err}
		return
	}
	t.resultChan <- &taskResult{response: &ScriptResponse{
		ID:       t.request.ID,
		WorkerID: w.id,
		Elapsed:  time.Since(start),
	}}
}

func (w *worker) exhausted() bool {
	limit := w.executor.options.maxExecutions
	return limit > 0 && w.getExecutions() >= limit
}

// request sends a control action and waits for its outcome.
func (w *worker) request(action workerAction) error {
	req := &workerActionRequest{action: action, done: make(chan error, 1)}
	select {
	case w.actionQueue <- req:
	case <-w.exited:
		return nil
	}
	select {
	case err := <-req.done:
		return err
	case <-w.exited:
		return nil
	}
}

func (w *worker) reload() error { return w.request(actionReload) }
func (w *worker) stop() error   { return w.request(actionStop) }
func (w *worker) retire() error { return w.request(actionRetire) }
