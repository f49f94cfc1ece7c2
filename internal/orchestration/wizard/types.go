package wizard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/studioloom/conductor/internal/core/domain"
	"github.com/studioloom/conductor/internal/core/faults"
	"github.com/studioloom/conductor/internal/infra/comfy"
)

// StepContext carries everything one step needs: the acquired instance, a
// client bound to it, and the accumulated form data.
type StepContext struct {
	WizardID string
	Instance *domain.Instance
	Client   *comfy.Client
	FormData map[string]any
	Log      *slog.Logger
}

// StepFunc runs one wizard step. Returned values are merged into the form
// data for later steps.
type StepFunc func(ctx context.Context, sc *StepContext) (map[string]any, error)

// Step is one named stage of a wizard definition.
type Step struct {
	Name string
	Run  StepFunc
}

// Definition describes a wizard type: its steps and the form fields a save
// must carry.
type Definition struct {
	Type           string
	Steps          []Step
	RequiredFields []string
}

// TypeRegistry maps wizard type names to definitions. Types register at
// startup; dispatch is a table lookup, never a switch on ids.
type TypeRegistry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewTypeRegistry builds an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{defs: make(map[string]Definition)}
}

// Register adds a definition. Re-registering a type is a validation fault.
func (r *TypeRegistry) Register(def Definition) error {
	if def.Type == "" {
		return faults.Validation("wizard type name is required")
	}
	if len(def.Steps) == 0 {
		return faults.Validation(fmt.Sprintf("wizard type %q has no steps", def.Type))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists {
		return faults.Validation(fmt.Sprintf("wizard type %q already registered", def.Type))
	}
	r.defs[def.Type] = def
	return nil
}

// TypeOf looks up a definition by name.
func (r *TypeRegistry) TypeOf(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Types lists registered type names, sorted.
func (r *TypeRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidateFormData checks form data against the registered definition's
// required fields. Unregistered types pass as opaque payloads.
func (r *TypeRegistry) ValidateFormData(wizardType string, formData map[string]any) error {
	def, ok := r.TypeOf(wizardType)
	if !ok {
		return nil
	}
	for _, field := range def.RequiredFields {
		if _, present := formData[field]; !present {
			return faults.DataContract(
				fmt.Sprintf("wizard type %q requires field %q", wizardType, field),
				faults.WithDetails(map[string]any{"field": field, "wizard_type": wizardType}))
		}
	}
	return nil
}
