// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// DefaultExtensionName is the extension name used for operations installed without an explicit bundle.
const DefaultExtensionName = "ext"

// Resource is a script shipped with an extension and executed before any user script.
type Resource struct {
	Name   string // Module identifier used for diagnostics
	Source string // Script source
}

// Extension is a named, immutable bundle of host operations and setup scripts.
// Because it is immutable, one Extension may be installed into any number of runtimes.
type Extension struct {
	name      string
	ops       []*Op
	deps      []string
	resources []Resource
}

// extensionBuilder accumulates configuration during extension construction.
type extensionBuilder struct {
	ext    *Extension
	names  map[string]struct{}
	errors []error
}

// ExtensionOption configures an extension under construction.
type ExtensionOption func(*extensionBuilder)

// NewExtension builds an immutable extension.
// Returns a *DuplicateOperationNameError if an operation name is registered twice.
//
// Example usage:
//
//	ext, err := NewExtension("math",
//	    WithOps(sumOp, maxOp),
//	    WithDependencies("console"),
//	    WithResources(Resource{Name: "math.js", Source: mathPrelude}),
//	)
func NewExtension(name string, opts ...ExtensionOption) (*Extension, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: extension name cannot be empty", ErrInvalidExtension)
	}
	b := &extensionBuilder{
		ext:   &Extension{name: name},
		names: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if len(b.errors) > 0 {
		return nil, b.errors[0] // Return first error
	}
	return b.ext, nil
}

// OpsExtension bundles bare operations into an extension named DefaultExtensionName.
func OpsExtension(ops ...*Op) (*Extension, error) {
	return NewExtension(DefaultExtensionName, WithOps(ops...))
}

// addOp registers an operation, rejecting empty and duplicate names.
func (b *extensionBuilder) addOp(op *Op) error {
	if err := op.validate(); err != nil {
		return err
	}
	if _, exists := b.names[op.Name]; exists {
		return &DuplicateOperationNameError{Extension: b.ext.name, Name: op.Name}
	}
	b.names[op.Name] = struct{}{}
	b.ext.ops = append(b.ext.ops, op)
	return nil
}

// WithOps registers host operations in declaration order.
func WithOps(ops ...*Op) ExtensionOption {
	return func(b *extensionBuilder) {
		for _, op := range ops {
			if err := b.addOp(op); err != nil {
				b.errors = append(b.errors, err)
			}
		}
	}
}

// WithDependencies declares extensions that must be installed before this one.
// Missing dependencies and cycles, including a self-dependency, are reported
// when the extension set is ordered by Runtime.Initialize.
func WithDependencies(names ...string) ExtensionOption {
	return func(b *extensionBuilder) {
		for _, name := range names {
			switch name {
			case "":
				b.errors = append(b.errors, fmt.Errorf("%w: empty dependency name in %q", ErrInvalidExtension, b.ext.name))
			default:
				b.ext.deps = append(b.ext.deps, name)
			}
		}
	}
}

// WithResources adds setup scripts, executed in declaration order after the
// extension's operations are installed.
func WithResources(resources ...Resource) ExtensionOption {
	return func(b *extensionBuilder) {
		for _, res := range resources {
			if res.Name == "" {
				b.errors = append(b.errors, fmt.Errorf("%w: resource without a name in %q", ErrInvalidExtension, b.ext.name))
				continue
			}
			b.ext.resources = append(b.ext.resources, res)
		}
	}
}

// Name returns the extension name, which is also its script namespace.
func (e *Extension) Name() string { return e.name }

// Ops returns a copy of the extension's operations in declaration order.
func (e *Extension) Ops() []*Op {
	out := make([]*Op, len(e.ops))
	copy(out, e.ops)
	return out
}

// Dependencies returns a copy of the declared dependency names.
func (e *Extension) Dependencies() []string {
	out := make([]string, len(e.deps))
	copy(out, e.deps)
	return out
}

// Resources returns a copy of the extension's setup scripts.
func (e *Extension) Resources() []Resource {
	out := make([]Resource, len(e.resources))
	copy(out, e.resources)
	return out
}

// Schema returns a JSON document describing every operation of the extension.
func (e *Extension) Schema() ([]byte, error) {
	root := &jsonschema.Schema{
		Version:     jsonschema.Version,
		Title:       e.name,
		Type:        "object",
		Properties:  jsonschema.NewProperties(),
		Description: fmt.Sprintf("host operations of extension %q", e.name),
	}
	for _, op := range e.ops {
		params, returns := op.Schema()
		opSchema := &jsonschema.Schema{
			Type:       "object",
			Properties: jsonschema.NewProperties(),
		}
		opSchema.Properties.Set("params", params)
		opSchema.Properties.Set("returns", returns)
		root.Properties.Set(op.Name, opSchema)
	}

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}
