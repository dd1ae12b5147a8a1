// Package agents tracks the set of dispatchable agent ids.
package agents

import (
	"sort"
	"sync"
)

// Orchestrator is the reserved agent id spawned through the orchestrator
// slot. It is never part of the dispatchable roster.
const Orchestrator = "orchestrator"

// Registry holds the dispatchable agent roster.
type Registry struct {
	mu     sync.RWMutex
	roster map[string]struct{}
}

// NewRegistry builds a registry from the configured roster. The reserved
// orchestrator id is filtered out if present.
func NewRegistry(roster []string) *Registry {
	r := &Registry{roster: make(map[string]struct{}, len(roster))}
	for _, id := range roster {
		if id == "" || id == Orchestrator {
			continue
		}
		r.roster[id] = struct{}{}
	}
	return r
}

// List returns the dispatchable agent ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.roster))
	for id := range r.roster {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsDispatchable reports whether the agent may be spawned.
func (r *Registry) IsDispatchable(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roster[agentID]
	return ok
}

// Add registers a new dispatchable agent id.
func (r *Registry) Add(agentID string) {
	if agentID == "" || agentID == Orchestrator {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roster[agentID] = struct{}{}
}
