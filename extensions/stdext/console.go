// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package stdext provides standard extensions for workflow scripts: a
// console that forwards output to the host logger and simple assertions.
package stdext

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/sapphillon/jsruntime"
)

// ConsoleExtensionName is the namespace of the console extension.
const ConsoleExtensionName = "console"

// Line is one recorded console call.
type Line struct {
	Level string // Console method: log, info, warn, error or debug
	Text  string // Arguments joined by a single space
}

// Recorder collects console output. It is safe for concurrent use, so one
// recorder may be shared by the runtimes of an executor pool.
type Recorder struct {
	mu    sync.Mutex
	lines []Line
}

func (r *Recorder) record(line Line) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
}

// Lines returns a copy of the recorded lines.
func (r *Recorder) Lines() []Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Line, len(r.lines))
	copy(out, r.lines)
	return out
}

// Texts returns the text of every recorded line.
func (r *Recorder) Texts() []string {
	lines := r.Lines()
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = line.Text
	}
	return out
}

// Reset discards the recorded lines.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.lines = nil
	r.mu.Unlock()
}

type consoleOptions struct {
	logger   *slog.Logger
	recorder *Recorder
}

// ConsoleOption configures the console extension.
type ConsoleOption func(*consoleOptions)

// WithConsoleLogger sets the logger receiving script output.
func WithConsoleLogger(logger *slog.Logger) ConsoleOption {
	return func(o *consoleOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRecorder additionally records script output in r.
func WithRecorder(r *Recorder) ConsoleOption {
	return func(o *consoleOptions) {
		o.recorder = r
	}
}

// Console returns an extension installing console.log, console.info,
// console.warn, console.error and console.debug. Each call is logged at the
// matching slog level with the message "Script console".
func Console(opts ...ConsoleOption) (*jsruntime.Extension, error) {
	o := &consoleOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	levels := []struct {
		name  string
		level slog.Level
	}{
		{"log", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"debug", slog.LevelDebug},
	}
	ops := make([]*jsruntime.Op, len(levels))
	for i, l := range levels {
		ops[i] = o.op(l.name, l.level)
	}
	return jsruntime.NewExtension(ConsoleExtensionName, jsruntime.WithOps(ops...))
}

func (o *consoleOptions) op(name string, level slog.Level) *jsruntime.Op {
	return &jsruntime.Op{
		Name:     name,
		Params:   []jsruntime.Shape{jsruntime.AnyShape},
		Variadic: true,
		Fn: func(ctx context.Context, args []jsruntime.Value) (jsruntime.Value, error) {
			parts := make([]string, len(args))
			for i, arg := range args {
				parts[i] = arg.String()
			}
			text := strings.Join(parts, " ")

			o.logger.Log(ctx, level, "Script console", "method", name, "text", text)
			if o.recorder != nil {
				o.recorder.record(Line{Level: name, Text: text})
			}
			return jsruntime.None(), nil
		},
	}
}
