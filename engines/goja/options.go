// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
)

// Option configures a Goja engine during construction.
type Option func(*Engine) error

// EngineOption holds configuration for a Goja engine instance.
type EngineOption struct {
	MaxCallStackSize int
	EnableConsole    bool
	EnableRequire    bool
}

// WithMaxCallStackSize sets the maximum call stack size for the runtime.
// A value of 0 or less means no limit.
func WithMaxCallStackSize(size int) Option {
	return func(e *Engine) error {
		e.Option.MaxCallStackSize = size
		e.runOnLoop(func(vm *goja.Runtime) {
			vm.SetMaxCallStackSize(size)
		})
		return nil
	}
}

// WithEnableConsole enables the Node.js style console object (console.log, etc.).
// Extensions installed under the "console" namespace add their functions to it.
func WithEnableConsole() Option {
	return func(e *Engine) error {
		e.Option.EnableConsole = true
		e.runOnLoop(func(vm *goja.Runtime) {
			console.Enable(vm)
		})
		return nil
	}
}

// WithRequire enables the require() function for loading CommonJS modules.
func WithRequire() Option {
	return func(e *Engine) error {
		e.Option.EnableRequire = true
		e.runOnLoop(func(vm *goja.Runtime) {
			// Creates a new module registry and enables require()
			new(require.Registry).Enable(vm)
		})
		return nil
	}
}
