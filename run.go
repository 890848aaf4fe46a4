// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import (
	"context"
	"fmt"
)

// RunOnce executes source in a fresh runtime with exts installed and then
// discards the runtime. No state survives between calls.
func RunOnce(ctx context.Context, factory EngineFactory, source string, exts ...*Extension) (err error) {
	rt, err := NewRuntime(WithEngine(factory))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := rt.Initialize(exts...); err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	return rt.Run(ctx, source, "")
}

// RunOn executes source on a caller-owned runtime under its default module
// identifier. Global state left by earlier runs is visible to source.
func RunOn(ctx context.Context, rt *Runtime, source string) error {
	if rt == nil {
		return fmt.Errorf("runtime cannot be nil")
	}
	return rt.Run(ctx, source, "")
}
