// Package registry holds the immutable table of callable tools.
//
// Tools are registered once at startup and the registry is then frozen.
// After freeze, lookups are plain map reads with no locking, which keeps
// the hot path of the gateway allocation-free.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrDuplicateName is returned when registering a tool name twice.
	ErrDuplicateName = errors.New("tool name already registered")
	// ErrToolNotFound is returned when looking up an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrFrozen is returned when registering after Freeze.
	ErrFrozen = errors.New("registry is frozen")
)

// Handler is the function signature for tool execution
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Parameter defines a parameter for a tool
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Enum        []string    `json:"enum,omitempty"`
	Default     interface{} `json:"default,omitempty"`
}

// Descriptor defines a tool's metadata and handler. Immutable after
// registration.
type Descriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`

	schema *gojsonschema.Schema
}

// InputSchema returns the descriptor's parameters as a JSON-Schema-shaped
// map, the format model providers expect for tool declarations.
func (d *Descriptor) InputSchema() map[string]interface{} {
	return buildSchemaMap(d.Parameters)
}

// Registry is the immutable table of callable tools
type Registry struct {
	tools  map[string]*Descriptor
	frozen bool
	mu     sync.RWMutex
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		tools: make(map[string]*Descriptor),
	}
}

// Register adds a tool to the registry. Fails with ErrDuplicateName if the
// name exists and ErrFrozen after Freeze.
func (r *Registry) Register(desc Descriptor) error {
	if err := validateDescriptor(desc); err != nil {
		return fmt.Errorf("invalid tool descriptor: %w", err)
	}

	schema, err := compileSchema(desc.Parameters)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", desc.Name, err)
	}
	desc.schema = schema

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrFrozen
	}
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, desc.Name)
	}

	r.tools[desc.Name] = &desc

	log.Info().Str("tool", desc.Name).Msg("Tool registered")

	return nil
}

// Freeze makes the registry read-only. Subsequent lookups take no locks.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true

	log.Info().Int("tools", len(r.tools)).Msg("Tool registry frozen")
}

// Lookup returns the descriptor for name, or ErrToolNotFound. Exact match
// only.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	if !r.isFrozen() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}

	desc, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return desc, nil
}

// List returns all registered descriptors
func (r *Registry) List() []*Descriptor {
	if !r.isFrozen() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}

	out := make([]*Descriptor, 0, len(r.tools))
	for _, desc := range r.tools {
		out = append(out, desc)
	}
	return out
}

// Len returns the number of registered tools
func (r *Registry) Len() int {
	if !r.isFrozen() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	return len(r.tools)
}

func (r *Registry) isFrozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// validateDescriptor validates a tool descriptor before registration
func validateDescriptor(desc Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if desc.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if desc.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}

	for _, param := range desc.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
	}

	return nil
}
