// Package orchestrator holds the engine internals: the workflow
// registry, the step facade that implements replay-over-timeline
// semantics, the dispatcher's worker pool and retry/backoff engine, the
// middleware chain, and the cron scheduler.
package orchestrator

import (
	"sync"

	workflowerrors "github.com/maestro-run/maestro/pkg/errors"
	"github.com/maestro-run/maestro/pkg/maestro"
)

// Registry holds registered workflow definitions, keyed by id.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*maestro.Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*maestro.Definition)}
}

// Register adds def, validating it first. It is an error to register a
// workflow id twice without unregistering it.
func (r *Registry) Register(def *maestro.Definition) error {
	if err := validate(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.ID]; exists {
		return &workflowerrors.ValidationError{
			Field:   "id",
			Message: "workflow already registered: " + def.ID,
		}
	}
	r.defs[def.ID] = def
	return nil
}

// Unregister removes a workflow definition. It is not an error to
// unregister an id that was never registered.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defs, id)
}

// UnregisterAll clears the registry.
func (r *Registry) UnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = make(map[string]*maestro.Definition)
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (*maestro.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[id]
	if !ok {
		return nil, &workflowerrors.NotFoundError{Resource: "workflow", ID: id}
	}
	return def, nil
}

// All returns every registered definition.
func (r *Registry) All() []*maestro.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*maestro.Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	return out
}

func validate(def *maestro.Definition) error {
	if def.ID == "" {
		return &workflowerrors.ValidationError{Field: "id", Message: "workflow id must not be empty"}
	}
	if def.Handler == nil {
		return &workflowerrors.ValidationError{Field: "handler", Message: "workflow handler must not be nil"}
	}
	seen := make(map[string]bool, len(def.Steps))
	for _, id := range def.Steps {
		if id == "" {
			return &workflowerrors.ValidationError{Field: "steps", Message: "step id must not be empty"}
		}
		if seen[id] {
			return &workflowerrors.ValidationError{
				Field:      "steps",
				Message:    "duplicate step id: " + id,
				Suggestion: "step ids must be unique within a workflow",
			}
		}
		seen[id] = true
	}
	if def.Concurrency.Limit < 0 {
		return &workflowerrors.ValidationError{Field: "concurrency", Message: "concurrency limit must not be negative"}
	}
	return nil
}
