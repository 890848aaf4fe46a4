// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import (
	"context"
	"time"
)

// ScriptRequest is a script submitted to an Executor.
type ScriptRequest struct {
	ID       string `json:"id"`       // Request identifier, echoed in the response
	ModuleID string `json:"moduleId"` // Module identifier for diagnostics ("" = runtime default)
	Source   string `json:"source"`   // Script source
	WorkerID uint32 `json:"workerId"` // Run on this worker if it exists (0 = any worker)
}

// ScriptResponse describes a completed execution.
type ScriptResponse struct {
	ID       string        `json:"id"`       // Request ID that this response corresponds to
	WorkerID uint32        `json:"workerId"` // Worker that ran the script
	Elapsed  time.Duration `json:"elapsed"`  // Time spent in the runtime
}

// taskStatus represents the current status of a task.
type taskStatus int

const (
	taskStatusPending   taskStatus = iota // Task is waiting in a worker queue
	taskStatusRunning                     // Task is being executed
	taskStatusCompleted                   // Task execution has completed
)

// taskResult represents the result of task execution.
type taskResult struct {
	response *ScriptResponse // nil if an error occurred
	err      error
}

// task is a unit of work executed by a worker.
type task struct {
	ctx        context.Context
	request    *ScriptRequest
	resultChan chan *taskResult
	status     taskStatus
}

func newTask(ctx context.Context, request *ScriptRequest) *task {
	return &task{
		ctx:        ctx,
		request:    request,
		resultChan: make(chan *taskResult, 1), // Buffered so the worker never blocks on an abandoned task
		status:     taskStatusPending,
	}
}
