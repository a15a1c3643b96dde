// Package tool defines the structured tool-call boundary between phase
// executors and the core. Arguments arrive as structured values and are
// validated against a declared per-tool schema; nothing in the core ever
// re-derives arguments from free text.
package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/hashstructure/v2"
)

// Category classifies what a tool does to the system.
type Category string

const (
	// CategoryRead covers tools that only inspect files or state.
	CategoryRead Category = "read"
	// CategoryAnalysis covers tools that derive facts without mutating.
	CategoryAnalysis Category = "analysis"
	// CategoryResolving covers tools that mutate, merge, delete or finalize.
	// Resolving calls are gated by the checkpoint tracker.
	CategoryResolving Category = "resolving"
	// CategoryControl covers flow-control tools such as asking the operator.
	CategoryControl Category = "control"
)

// Call is one proposed or recorded tool invocation.
type Call struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Signature returns a stable hash of the call's name and arguments, used by
// the loop detector to recognize identical calls regardless of map ordering.
func (c Call) Signature() (uint64, error) {
	return hashstructure.Hash(c, hashstructure.FormatV2, nil)
}

// Spec declares one tool: its category and the prototype for its validated
// argument struct.
type Spec struct {
	Name     string
	Category Category
	newArgs  func() any
}

// Registry holds the declared tool specs and validates calls against them.
type Registry struct {
	specs    map[string]Spec
	validate *validator.Validate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:    make(map[string]Spec),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register declares a tool. newArgs must return a pointer to a fresh
// argument struct carrying validator tags.
func (r *Registry) Register(name string, category Category, newArgs func() any) {
	r.specs[name] = Spec{Name: name, Category: category, newArgs: newArgs}
}

// Category returns the category of a known tool; unknown tools report
// CategoryControl so they are never treated as safe reads.
func (r *Registry) Category(name string) Category {
	if spec, ok := r.specs[name]; ok {
		return spec.Category
	}
	return CategoryControl
}

// Known reports whether a tool name is declared.
func (r *Registry) Known(name string) bool {
	_, ok := r.specs[name]
	return ok
}

// Names returns all declared tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a call against the declared schema for its tool: the tool
// must be known, and the arguments must decode into the tool's argument
// struct and pass its validation tags (including list-typed arguments).
// The decoded struct is returned for typed access.
func (r *Registry) Validate(call Call) (any, error) {
	spec, ok := r.specs[call.Name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}
	args := spec.newArgs()
	raw, err := json.Marshal(call.Arguments)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments for %q: %w", call.Name, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(args); err != nil {
		return nil, fmt.Errorf("tool %q: malformed arguments: %w", call.Name, err)
	}
	if err := r.validate.Struct(args); err != nil {
		return nil, fmt.Errorf("tool %q: invalid arguments: %w", call.Name, err)
	}
	return args, nil
}

// ValidateAll validates a batch, failing on the first invalid call.
func (r *Registry) ValidateAll(calls []Call) error {
	for _, call := range calls {
		if _, err := r.Validate(call); err != nil {
			return err
		}
	}
	return nil
}
