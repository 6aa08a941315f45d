package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrNotFound reports an unregistered tool name.
var ErrNotFound = errors.New("tool not found")

// Param describes one named parameter in a tool schema.
type Param struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Schema is the parameter schema of a tool, in JSON-schema object form.
type Schema struct {
	Type       string           `json:"type"`
	Properties map[string]Param `json:"properties,omitempty"`
	Required   []string         `json:"required,omitempty"`
}

// Handler executes a tool against named arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Descriptor is a registered tool: schema plus handler.
type Descriptor struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  Schema  `json:"parameters"`
	Handler     Handler `json:"-"`
}

// Declaration is the schema-only projection sent in the upstream tool
// manifest and on the HTTP tools endpoint.
type Declaration struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  Schema `json:"parameters"`
}

// Outcome is the contained result of a tool execution. Exactly one of
// Result and Error is meaningful; a failed handler never propagates
// past Execute.
type Outcome struct {
	Result any
	Error  string
}

// Failed reports whether the execution produced an error.
func (o Outcome) Failed() bool {
	return o.Error != ""
}

// Registry holds named tool descriptors. Registration happens at process
// start; afterwards the registry is lookup-only.
type Registry struct {
	logger *zap.Logger
	mu     sync.RWMutex
	tools  map[string]Descriptor
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger,
		tools:  make(map[string]Descriptor),
	}
}

// Register inserts or replaces a descriptor by name. Last registration for a
// given name wins.
func (r *Registry) Register(desc Descriptor) {
	r.mu.Lock()
	r.tools[desc.Name] = desc
	r.mu.Unlock()
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.tools[name]
	return desc, ok
}

// Execute runs the named tool. Handler errors and panics are converted into
// the Outcome error string; a tool failure must never tear down the relay.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (out Outcome) {
	desc, ok := r.Get(name)
	if !ok {
		return Outcome{Error: fmt.Sprintf("tool %s not found", name)}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panic",
				zap.String("tool", name),
				zap.Any("panic", rec),
			)
			out = Outcome{Error: fmt.Sprintf("tool %s panicked: %v", name, rec)}
		}
	}()

	result, err := desc.Handler(ctx, args)
	if err != nil {
		r.logger.Warn("tool execution failed",
			zap.String("tool", name),
			zap.Error(err),
		)
		return Outcome{Error: err.Error()}
	}
	return Outcome{Result: result}
}

// ListAll returns every descriptor, sorted by name.
func (r *Registry) ListAll() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, desc := range r.tools {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Manifest projects every tool into the upstream function-declaration shape.
func (r *Registry) Manifest() []Declaration {
	all := r.ListAll()
	out := make([]Declaration, 0, len(all))
	for _, desc := range all {
		out = append(out, Declaration{
			Name:        desc.Name,
			Description: desc.Description,
			Parameters:  desc.Parameters,
		})
	}
	return out
}
