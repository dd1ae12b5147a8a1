// Package store persists direct messages, read receipts, agent sessions,
// standup posts, and channel read cursors. Two implementations exist: a
// SQLite store (the default) and a PostgreSQL store selected when a
// database host is configured.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Broadcast is the recipient id that addresses every agent.
const Broadcast = "team"

// Message is a direct message row. A recipient of "team" denotes broadcast.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// StandupPost is one agent's persisted standup contribution.
type StandupPost struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	Channel   string    `json:"channel"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence interface the coordination core consumes.
type Store interface {
	// AppendMessage persists a direct message and returns the stored row.
	AppendMessage(ctx context.Context, from, to, content string) (*Message, error)

	// UnreadFor returns the messages addressed to the agent (directly or via
	// broadcast) that the agent has not marked read, ordered by timestamp
	// then id ascending.
	UnreadFor(ctx context.Context, agentID string) (int, []Message, error)

	// MarkRead records a read receipt for one message. Marking an already
	// read message is a no-op.
	MarkRead(ctx context.Context, messageID, agentID string) error

	// GetOrCreateSession returns the agent's current session id, persisting
	// newID as the session on first call. Concurrent callers for the same
	// agent observe the same id.
	GetOrCreateSession(ctx context.Context, projectRoot, agentID, newID string) (string, error)

	// GetSession returns the agent's current session id or ErrNotFound.
	GetSession(ctx context.Context, projectRoot, agentID string) (string, error)

	// DeleteSessions removes all session rows for the agent.
	DeleteSessions(ctx context.Context, projectRoot, agentID string) error

	// PostStandup persists one agent's standup contribution for history.
	PostStandup(ctx context.Context, post *StandupPost) error

	// StandupPosts returns the posts recorded for a standup session in
	// insertion order.
	StandupPosts(ctx context.Context, sessionID string) ([]StandupPost, error)

	// MarkChannelRead advances the agent's read cursor for a channel. The
	// cursor never rewinds.
	MarkChannelRead(ctx context.Context, channel, agentID string, upTo time.Time) error

	// ChannelCursor returns the agent's read cursor for a channel, or the
	// zero time when the agent has never read it.
	ChannelCursor(ctx context.Context, channel, agentID string) (time.Time, error)

	// Close releases the underlying database handle.
	Close() error
}
