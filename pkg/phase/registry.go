// Package phase implements C4 (PhaseRegistry) and C5 (PhaseStateMachine):
// a read-mostly store of phase definitions keyed by (project_id, phase_id),
// and the single-writer transition engine that moves a ticket between
// phases. Registry mirrors the teacher's in-memory config registries
// (pkg/config.ChainRegistry): a defensively-copied map guarded by an
// RWMutex, loaded once at startup and overlaid by project-specific
// definitions on top of a built-in default set.
package phase

import (
	"fmt"
	"sync"

	"github.com/kivo360/omoios/ent"
)

// ErrPhaseNotFound is returned by Registry.Get for an unknown phase id.
var ErrPhaseNotFound = fmt.Errorf("phase not found")

// Registry is C4: the read-mostly phase definition store.
type Registry struct {
	mu     sync.RWMutex
	phases map[string]*ent.Phase // keyed by phase id, which already carries the project prefix
}

// NewRegistry builds a Registry from a loaded phase set (typically fetched
// once per project at startup, or refreshed when an operator edits
// definitions). A defensive copy prevents external mutation of the map
// after construction.
func NewRegistry(phases []*ent.Phase) *Registry {
	copied := make(map[string]*ent.Phase, len(phases))
	for _, p := range phases {
		copied[p.ID] = p
	}
	return &Registry{phases: copied}
}

// Get retrieves a phase definition by id.
func (r *Registry) Get(phaseID string) (*ent.Phase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.phases[phaseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPhaseNotFound, phaseID)
	}
	return p, nil
}

// All returns every registered phase, ordered by Sequence.
func (r *Registry) All() []*ent.Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ent.Phase, 0, len(r.phases))
	for _, p := range r.phases {
		out = append(out, p)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Sequence > out[j].Sequence; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Reload atomically replaces the registry's contents — used when an
// operator edits phase definitions for a project. Tickets mid-gate-eval
// against the old Phase row are unaffected: ent.Phase values already
// retrieved by a caller are immutable snapshots.
func (r *Registry) Reload(phases []*ent.Phase) {
	copied := make(map[string]*ent.Phase, len(phases))
	for _, p := range phases {
		copied[p.ID] = p
	}
	r.mu.Lock()
	r.phases = copied
	r.mu.Unlock()
}

// IsAllowedNext reports whether toPhaseID is reachable from fromPhaseID
// per the from-phase's allowed_next list.
func (r *Registry) IsAllowedNext(fromPhaseID, toPhaseID string) (bool, error) {
	from, err := r.Get(fromPhaseID)
	if err != nil {
		return false, err
	}
	for _, next := range from.AllowedNext {
		if next == toPhaseID {
			return true, nil
		}
	}
	return false, nil
}
