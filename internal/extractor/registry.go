// Package extractor wires job kinds to their executors. The platform owns
// the wiring, not the automations: concrete registry extractors are
// registered at startup and invoked by workers through the kind map.
package extractor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/quebecregistres/extracteur/internal/domain"
)

// Registry maps job kinds to the executor wired for them.
type Registry struct {
	mu        sync.RWMutex
	executors map[domain.Kind]domain.Extractor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[domain.Kind]domain.Extractor{}}
}

// Register wires kind to exec, replacing any previous wiring.
func (r *Registry) Register(kind domain.Kind, exec domain.Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = exec
}

// For returns the executor wired for kind.
func (r *Registry) For(kind domain.Kind) (domain.Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("op=extractor.for kind=%s: no executor wired: %w", kind, domain.ErrNotFound)
	}
	return exec, nil
}

// Kinds lists the wired kinds in stable order; workers advertise this as
// their capability set.
func (r *Registry) Kinds() []domain.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Kind, 0, len(r.executors))
	for k := range r.executors {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
