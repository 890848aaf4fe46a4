// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotInitialized is returned by Run on a runtime that has not been initialized.
	ErrNotInitialized = errors.New("runtime is not initialized")
	// ErrClosed is returned by operations on a closed runtime or executor.
	ErrClosed = errors.New("runtime is closed")
	// ErrInterrupted is the cause of an EngineError for an interrupted run.
	ErrInterrupted = errors.New("script execution interrupted")
	// ErrInvalidOperation reports a malformed operation declaration.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrInvalidExtension reports a malformed extension declaration.
	ErrInvalidExtension = errors.New("invalid extension")
	// ErrDuplicateExtension reports two extensions with the same name in one runtime.
	ErrDuplicateExtension = errors.New("duplicate extension name")
)

// ReturnParam is the MarshalError parameter index used for an operation's return value.
const ReturnParam = -1

// DuplicateOperationNameError reports an operation name registered twice.
type DuplicateOperationNameError struct {
	Extension string // Extension being built or installed
	Name      string // Offending operation name
}

func (e *DuplicateOperationNameError) Error() string {
	return fmt.Sprintf("duplicate operation name %q in extension %q", e.Name, e.Extension)
}

// MarshalError reports a value that could not cross the host/script boundary.
type MarshalError struct {
	Op     string // Operation name
	Param  int    // Parameter index, or ReturnParam for the return value
	Reason string
}

func (e *MarshalError) Error() string {
	if e.Param == ReturnParam {
		return fmt.Sprintf("marshal error in operation %q return value: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("marshal error in operation %q parameter %d: %s", e.Op, e.Param, e.Reason)
}

// DependencyCycleError reports extensions that depend on each other.
type DependencyCycleError struct {
	Cycle []string // Extension names forming the cycle, first name repeated at the end
}

func (e *DependencyCycleError) Error() string {
	return "extension dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// MissingDependencyError reports a dependency that is not part of the installed set.
type MissingDependencyError struct {
	Extension  string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("extension %q depends on %q which is not installed", e.Extension, e.Dependency)
}

// EngineError is a script-level failure: a syntax error, an uncaught exception
// or an unhandled promise rejection.
type EngineError struct {
	Message string // Diagnostic message reported by the engine
	Module  string // Module identifier of the failing script, if known
	Line    int    // 1-based line, 0 if unknown
	Column  int    // 1-based column, 0 if unknown
	Stack   string // Engine stack trace, if available
	Cause   error  // Host-side error that triggered the failure, if any
}

func (e *EngineError) Error() string {
	if e.Module != "" && e.Line > 0 {
		return fmt.Sprintf("%s (at %s:%d:%d)", e.Message, e.Module, e.Line, e.Column)
	}
	return e.Message
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}
