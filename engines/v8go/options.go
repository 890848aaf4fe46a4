//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package v8engine

import (
	"fmt"
)

// Option configures a V8 engine during construction.
type Option func(*Engine) error

// Prelude is a script run in every new context before any extension is bound.
type Prelude struct {
	Name   string
	Source string
}

// EngineOption holds specific configurations for the V8 engine.
type EngineOption struct {
	Preludes []Prelude
}

// WithPrelude adds a script executed when the engine's context is created,
// e.g. polyfills the embedding application relies on.
// The script must not be empty.
func WithPrelude(name, source string) Option {
	return func(e *Engine) error {
		if source == "" {
			return fmt.Errorf("prelude script cannot be empty")
		}
		e.Option.Preludes = append(e.Option.Preludes, Prelude{Name: name, Source: source})
		return nil
	}
}
