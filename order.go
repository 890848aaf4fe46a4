// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import "fmt"

// orderExtensions returns exts sorted so that every extension follows its
// dependencies. Independent extensions keep their relative input order.
func orderExtensions(exts []*Extension) ([]*Extension, error) {
	byName := make(map[string]*Extension, len(exts))
	for _, ext := range exts {
		if ext == nil {
			return nil, fmt.Errorf("%w: nil extension", ErrInvalidExtension)
		}
		if _, exists := byName[ext.name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateExtension, ext.name)
		}
		byName[ext.name] = ext
	}
	for _, ext := range exts {
		for _, dep := range ext.deps {
			if _, ok := byName[dep]; !ok {
				return nil, &MissingDependencyError{Extension: ext.name, Dependency: dep}
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(exts))
	ordered := make([]*Extension, 0, len(exts))
	var path []string

	var visit func(ext *Extension) error
	visit = func(ext *Extension) error {
		switch state[ext.name] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, name := range path {
				if name == ext.name {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), ext.name)
			return &DependencyCycleError{Cycle: cycle}
		}

		state[ext.name] = visiting
		path = append(path, ext.name)
		for _, dep := range ext.deps {
			if err := visit(byName[dep]); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[ext.name] = done
		ordered = append(ordered, ext)
		return nil
	}

	for _, ext := range exts {
		if err := visit(ext); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
