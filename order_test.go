// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustExtension(t *testing.T, name string, deps ...string) *Extension {
	t.Helper()
	ext, err := NewExtension(name, WithDependencies(deps...))
	require.NoError(t, err)
	return ext
}

func names(exts []*Extension) []string {
	out := make([]string, len(exts))
	for i, ext := range exts {
		out[i] = ext.Name()
	}
	return out
}

func TestOrderExtensions(t *testing.T) {
	a := mustExtension(t, "a", "b")
	b := mustExtension(t, "b")
	c := mustExtension(t, "c")
	d := mustExtension(t, "d", "a", "c")

	ordered, err := orderExtensions([]*Extension{a, b, c, d})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a", "c", "d"}, names(ordered))

	// Independent extensions keep their input order
	ordered, err = orderExtensions([]*Extension{c, b})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b"}, names(ordered))

	ordered, err = orderExtensions(nil)
	require.NoError(t, err)
	require.Empty(t, ordered)
}

func TestOrderExtensions_Cycle(t *testing.T) {
	a := mustExtension(t, "a", "b")
	b := mustExtension(t, "b", "c")
	c := mustExtension(t, "c", "a")

	_, err := orderExtensions([]*Extension{a, b, c})
	var cycleErr *DependencyCycleError
	require.True(t, errors.As(err, &cycleErr))
	require.Equal(t, []string{"a", "b", "c", "a"}, cycleErr.Cycle)
	require.Equal(t, "extension dependency cycle: a -> b -> c -> a", err.Error())
}

func TestOrderExtensions_SelfDependency(t *testing.T) {
	_, err := orderExtensions([]*Extension{mustExtension(t, "base"), mustExtension(t, "a", "a")})
	var cycleErr *DependencyCycleError
	require.True(t, errors.As(err, &cycleErr))
	require.Equal(t, []string{"a", "a"}, cycleErr.Cycle)
}

func TestOrderExtensions_Missing(t *testing.T) {
	_, err := orderExtensions([]*Extension{mustExtension(t, "a", "ghost")})
	var missingErr *MissingDependencyError
	require.True(t, errors.As(err, &missingErr))
	require.Equal(t, "a", missingErr.Extension)
	require.Equal(t, "ghost", missingErr.Dependency)
}

func TestOrderExtensions_Invalid(t *testing.T) {
	a := mustExtension(t, "a")
	_, err := orderExtensions([]*Extension{a, mustExtension(t, "a")})
	require.ErrorIs(t, err, ErrDuplicateExtension)

	_, err = orderExtensions([]*Extension{a, nil})
	require.ErrorIs(t, err, ErrInvalidExtension)
}
