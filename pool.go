// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// pool manages the executor's workers using lock-free bookkeeping.
type pool struct {
	executor   *Executor
	workers    sync.Map                 // Worker ID -> *worker
	ids        atomic.Pointer[[]uint32] // Round-robin list (copy-on-write)
	count      atomic.Uint32            // Current number of workers
	roundRobin atomic.Uint32            // Next round-robin position
	nextID     atomic.Uint32            // Worker ID generator

	stopCh      chan struct{}  // Closed to stop the maintenance loop
	replenishCh chan struct{}  // Signals that the pool may be below its minimum
	maintenance sync.WaitGroup // Tracks the maintenance goroutine
}

func newPool(e *Executor) *pool {
	p := &pool{
		executor:    e,
		stopCh:      make(chan struct{}),
		replenishCh: make(chan struct{}, 1),
	}
	empty := make([]uint32, 0)
	p.ids.Store(&empty)
	return p
}

// start creates the minimum number of workers and the maintenance loop.
func (p *pool) start() error {
	opts := p.executor.options
	for i := uint32(0); i < opts.minPoolSize; i++ {
		if _, err := p.createWorker(); err != nil {
			if stopErr := p.stopWorkers(); stopErr != nil {
				p.executor.logger.Error("Failed to stop partial pool", "error", stopErr)
			}
			return fmt.Errorf("failed to create worker %d: %w", i, err)
		}
	}

	if opts.workerTTL > 0 || opts.maxExecutions > 0 {
		p.maintenance.Add(1)
		go p.maintain()
	}

	p.executor.logger.Debug("Worker pool started",
		"minPoolSize", opts.minPoolSize,
		"maxPoolSize", opts.maxPoolSize,
		"queueSize", opts.queueSize,
		"workerTTL", opts.workerTTL,
		"maxExecutions", opts.maxExecutions,
		"executeTimeout", opts.executeTimeout,
		"selectThreshold", opts.selectThreshold,
		"workers", p.count.Load())
	return nil
}

// stop shuts down the maintenance loop and every worker.
func (p *pool) stop() error {
	close(p.stopCh)
	p.maintenance.Wait()

	err := p.stopWorkers()
	p.executor.logger.Debug("Worker pool stopped")
	return err
}

// stopWorkers stops and forgets every worker.
func (p *pool) stopWorkers() error {
	var firstErr error
	p.workers.Range(func(key, value any) bool {
		w := value.(*worker)
		if err := w.stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to stop worker %s: %w", w.name, err)
		}
		p.workers.Delete(key)
		return true
	})
	empty := make([]uint32, 0)
	p.ids.Store(&empty)
	p.count.Store(0)
	return firstErr
}

// addID appends a worker ID to the round-robin list.
func (p *pool) addID(id uint32) {
	for {
		old := p.ids.Load()
		next := make([]uint32, len(*old), len(*old)+1)
		copy(next, *old)
		next = append(next, id)
		if p.ids.CompareAndSwap(old, &next) {
			return
		}
	}
}

// removeID drops a worker ID from the round-robin list.
func (p *pool) removeID(id uint32) {
	for {
		old := p.ids.Load()
		next := make([]uint32, 0, len(*old))
		for _, existing := range *old {
			if existing != id {
				next = append(next, existing)
			}
		}
		if p.ids.CompareAndSwap(old, &next) {
			return
		}
	}
}

// createWorker starts a worker and waits for its runtime to be ready.
func (p *pool) createWorker() (*worker, error) {
	if p.count.Add(1) > p.executor.options.maxPoolSize {
		p.count.Add(^uint32(0)) // -1
		return nil, fmt.Errorf("max pool size reached")
	}

	w := newWorker(p.executor, p.nextID.Add(1))
	go w.run()

	if err := <-w.initCh; err != nil {
		p.count.Add(^uint32(0)) // -1
		return nil, fmt.Errorf("worker initialization failed: %w", err)
	}

	p.workers.Store(w.id, w)
	p.addID(w.id)
	return w, nil
}

// detach removes a worker from the pool without stopping it.
func (p *pool) detach(id uint32) bool {
	if _, loaded := p.workers.LoadAndDelete(id); !loaded {
		return false
	}
	p.removeID(id)
	p.count.Add(^uint32(0)) // -1

	select {
	case p.replenishCh <- struct{}{}:
	default:
	}
	return true
}

// selectWorker picks the pinned worker if requested, otherwise the next
// round-robin worker whose queue load is below the select threshold.
func (p *pool) selectWorker(req *ScriptRequest) *worker {
	if req.WorkerID != 0 {
		if w, ok := p.workers.Load(req.WorkerID); ok {
			return w.(*worker)
		}
	}

	ids := *p.ids.Load()
	if len(ids) == 0 {
		return nil
	}
	start := p.roundRobin.Add(1) % uint32(len(ids))
	for i := 0; i < len(ids); i++ {
		id := ids[(start+uint32(i))%uint32(len(ids))]
		if w, ok := p.workers.Load(id); ok && w.(*worker).load() < p.executor.options.selectThreshold {
			return w.(*worker)
		}
	}

	// Every worker is busy, fall back to plain round-robin
	if w, ok := p.workers.Load(ids[start]); ok {
		return w.(*worker)
	}
	return nil
}

// getOrCreateWorker returns a worker for req, growing the pool under load.
func (p *pool) getOrCreateWorker(req *ScriptRequest) (*worker, error) {
	w := p.selectWorker(req)
	if w != nil && (req.WorkerID == w.id || w.load() < p.executor.options.selectThreshold) {
		return w, nil
	}

	if current := p.count.Load(); current < p.executor.options.maxPoolSize {
		p.executor.logger.Debug("Creating new worker due to high load",
			"currentWorkers", current,
			"maxPoolSize", p.executor.options.maxPoolSize)
		if created, err := p.createWorker(); err == nil {
			return created, nil
		}
	}

	if w == nil {
		if w = p.selectWorker(req); w == nil {
			return nil, fmt.Errorf("no available worker in pool")
		}
	}
	return w, nil
}

// execute runs req on a worker and waits for the result.
func (p *pool) execute(ctx context.Context, req *ScriptRequest) (*ScriptResponse, error) {
	if timeout := p.executor.options.executeTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	w, err := p.getOrCreateWorker(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}

	t := newTask(ctx, req)
	if err := p.enqueue(ctx, w, t); err != nil {
		return nil, err
	}

	select {
	case result := <-t.resultChan:
		return result.response, result.err
	case <-w.exited:
		select {
		case result := <-t.resultChan:
			return result.response, result.err
		default:
			return nil, fmt.Errorf("worker %s exited before running request %q", w.name, req.ID)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for result of request %q: %w", ErrInterrupted, req.ID, ctx.Err())
	}
}

// enqueue places t in w's queue, bounded by the enqueue timeout.
func (p *pool) enqueue(ctx context.Context, w *worker, t *task) error {
	timer := time.NewTimer(p.executor.options.enqueueTimeout)
	defer timer.Stop()

	select {
	case w.taskQueue <- t:
		return nil
	case <-w.exited:
		return fmt.Errorf("worker %s is not running", w.name)
	case <-ctx.Done():
		return fmt.Errorf("failed to enqueue request %q: %w", t.request.ID, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("timeout enqueuing request %q after %s", t.request.ID, p.executor.options.enqueueTimeout)
	}
}

// reload rebuilds the runtime of every worker.
func (p *pool) reload() error {
	var reloadErr error
	p.workers.Range(func(key, value any) bool {
		w := value.(*worker)
		if err := w.reload(); err != nil {
			reloadErr = fmt.Errorf("failed to reload worker %s: %w", w.name, err)
			return false
		}
		return true
	})

	if reloadErr == nil {
		p.executor.logger.Debug("All workers reloaded", "workers", p.count.Load())
	}
	return reloadErr
}

// maintain retires idle workers and replenishes the pool to its minimum.
func (p *pool) maintain() {
	defer p.maintenance.Done()

	interval := time.Minute
	if ttl := p.executor.options.workerTTL; ttl > 0 {
		interval = ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.retireIdle()
			p.replenish()
		case <-p.replenishCh:
			p.replenish()
		case <-p.stopCh:
			return
		}
	}
}

// retireIdle retires workers idle for longer than the TTL, keeping the minimum.
func (p *pool) retireIdle() {
	ttl := p.executor.options.workerTTL
	if ttl <= 0 {
		return
	}
	now := time.Now()

	p.workers.Range(func(key, value any) bool {
		if p.count.Load() <= p.executor.options.minPoolSize {
			return false
		}
		w := value.(*worker)
		idle := now.Sub(w.getLastUsed())
		if idle <= ttl || len(w.taskQueue) > 0 || !p.detach(w.id) {
			return true
		}
		go func() {
			if err := w.retire(); err != nil {
				p.executor.logger.Error("Failed to retire worker", "worker", w.name, "error", err)
			}
			p.executor.logger.Debug("Worker retired",
				"worker", w.name,
				"reason", "idle timeout",
				"executions", w.getExecutions(),
				"idleTime", idle)
		}()
		return true
	})
}

// replenish creates workers until the pool is back at its minimum.
func (p *pool) replenish() {
	for p.count.Load() < p.executor.options.minPoolSize {
		select {
		case <-p.stopCh:
			return
		default:
		}
		if _, err := p.createWorker(); err != nil {
			p.executor.logger.Error("Failed to create replenishment worker", "error", err)
			return
		}
	}
}
