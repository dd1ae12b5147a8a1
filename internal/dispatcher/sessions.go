package dispatcher

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/crewd/crewd/internal/store"
)

// SessionRegistry maps each agent to its stable session id, allocating one
// lazily on first use. The store is the source of truth, so concurrent
// lookups for the same agent converge on a single id.
type SessionRegistry struct {
	store       store.Store
	projectRoot string
}

// NewSessionRegistry returns a registry scoped to projectRoot.
func NewSessionRegistry(st store.Store, projectRoot string) *SessionRegistry {
	return &SessionRegistry{store: st, projectRoot: projectRoot}
}

// GetOrCreate returns the agent's current session id, allocating and
// persisting a fresh one on first call.
func (r *SessionRegistry) GetOrCreate(ctx context.Context, agentID string) (string, error) {
	id, err := r.store.GetOrCreateSession(ctx, r.projectRoot, agentID, uuid.New().String())
	if err != nil {
		return "", fmt.Errorf("failed to resolve session for %s: %w", agentID, err)
	}
	return id, nil
}

// Get returns the agent's current session id without allocating.
func (r *SessionRegistry) Get(ctx context.Context, agentID string) (string, error) {
	return r.store.GetSession(ctx, r.projectRoot, agentID)
}

// Delete removes all session rows for the agent.
func (r *SessionRegistry) Delete(ctx context.Context, agentID string) error {
	return r.store.DeleteSessions(ctx, r.projectRoot, agentID)
}
