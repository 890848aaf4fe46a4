// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

// OpsGlobal is the global object under which every installed operation is
// reachable by its bare name, e.g. ops.sum([1, 2, 3]).
const OpsGlobal = "ops"

// HostCall is the engine-facing entry point of an installed operation.
// Arguments and results are plain Go values: nil, bool, string, int64,
// float64, []any and map[string]any. A returned error must be thrown into
// script space as an exception carrying err.Error() as its message.
type HostCall func(args []any) (any, error)

// Binding pairs an operation name with its host call.
type Binding struct {
	Name string   // Operation name
	Call HostCall // Marshaling wrapper around the operation
}

// Engine is a single embedded script engine instance.
// Implementations are not safe for concurrent use; the owning Runtime
// serializes every call except Interrupt.
type Engine interface {
	// Bind installs bindings as functions of the namespace global object
	// (created if missing) and of the OpsGlobal object.
	Bind(namespace string, bindings []Binding) error

	// Eval runs source as one top-level script identified by moduleID.
	// Script failures are reported as *EngineError. Interrupt requests made
	// before Eval starts are discarded.
	Eval(moduleID, source string) error

	// Interrupt aborts the script currently running, if any.
	// It may be called from any goroutine.
	Interrupt(reason string)

	// Close releases the engine and its resources.
	Close() error
}

// EngineFactory creates engine instances.
type EngineFactory func() (Engine, error)
