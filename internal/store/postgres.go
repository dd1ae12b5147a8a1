package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/crewd/crewd/internal/common/database"
)

// PostgresStore implements Store on a PostgreSQL connection pool.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore wraps an open database pool and runs migrations.
func NewPostgresStore(ctx context.Context, db *database.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			sender     TEXT NOT NULL,
			recipient  TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, created_at)`,
		`CREATE TABLE IF NOT EXISTS message_reads (
			message_id TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			read_at    BIGINT NOT NULL,
			PRIMARY KEY (message_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			project_root TEXT NOT NULL,
			agent_id     TEXT NOT NULL,
			created_at   BIGINT NOT NULL,
			UNIQUE (project_root, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS standup_posts (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			channel    TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS channel_reads (
			channel      TEXT NOT NULL,
			agent_id     TEXT NOT NULL,
			last_read_at BIGINT NOT NULL,
			PRIMARY KEY (channel, agent_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// AppendMessage persists a direct message.
func (s *PostgresStore) AppendMessage(ctx context.Context, from, to, content string) (*Message, error) {
	msg := &Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO messages (id, sender, recipient, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.From, msg.To, msg.Content, msg.Timestamp.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return msg, nil
}

// UnreadFor returns unread messages for the agent ordered by timestamp then id.
func (s *PostgresStore) UnreadFor(ctx context.Context, agentID string) (int, []Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT m.id, m.sender, m.recipient, m.content, m.created_at
		FROM messages m
		WHERE (m.recipient = $1 OR m.recipient = $2)
		  AND m.sender != $1
		  AND NOT EXISTS (
			SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.agent_id = $1
		  )
		ORDER BY m.created_at ASC, m.id ASC`,
		agentID, Broadcast)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to query unread messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Content, &ts); err != nil {
			return 0, nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	return len(msgs), msgs, nil
}

// MarkRead records a read receipt for one message.
func (s *PostgresStore) MarkRead(ctx context.Context, messageID, agentID string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO message_reads (message_id, agent_id, read_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, agent_id) DO NOTHING`,
		messageID, agentID, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	return nil
}

// GetOrCreateSession returns the agent's session id, persisting newID on first call.
func (s *PostgresStore) GetOrCreateSession(ctx context.Context, projectRoot, agentID, newID string) (string, error) {
	_, err := s.db.Exec(ctx,
		`INSERT INTO sessions (id, project_root, agent_id, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (project_root, agent_id) DO NOTHING`,
		newID, projectRoot, agentID, time.Now().UTC().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return s.GetSession(ctx, projectRoot, agentID)
}

// GetSession returns the agent's current session id or ErrNotFound.
func (s *PostgresStore) GetSession(ctx context.Context, projectRoot, agentID string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx,
		`SELECT id FROM sessions WHERE project_root = $1 AND agent_id = $2`,
		projectRoot, agentID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query session: %w", err)
	}
	return id, nil
}

// DeleteSessions removes all session rows for the agent.
func (s *PostgresStore) DeleteSessions(ctx context.Context, projectRoot, agentID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM sessions WHERE project_root = $1 AND agent_id = $2`,
		projectRoot, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	return nil
}

// PostStandup persists one agent's standup contribution.
func (s *PostgresStore) PostStandup(ctx context.Context, post *StandupPost) error {
	if post.ID == "" {
		post.ID = uuid.New().String()
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO standup_posts (id, session_id, agent_id, channel, content, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		post.ID, post.SessionID, post.AgentID, post.Channel, post.Content, post.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert standup post: %w", err)
	}
	return nil
}

// StandupPosts returns the posts recorded for a session in insertion order.
func (s *PostgresStore) StandupPosts(ctx context.Context, sessionID string) ([]StandupPost, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, session_id, agent_id, channel, content, created_at
		 FROM standup_posts WHERE session_id = $1 ORDER BY created_at ASC, id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query standup posts: %w", err)
	}
	defer rows.Close()

	var posts []StandupPost
	for rows.Next() {
		var p StandupPost
		var ts int64
		if err := rows.Scan(&p.ID, &p.SessionID, &p.AgentID, &p.Channel, &p.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan standup post: %w", err)
		}
		p.CreatedAt = time.UnixMilli(ts).UTC()
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// MarkChannelRead advances the agent's read cursor; the cursor never rewinds.
func (s *PostgresStore) MarkChannelRead(ctx context.Context, channel, agentID string, upTo time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO channel_reads (channel, agent_id, last_read_at) VALUES ($1, $2, $3)
		ON CONFLICT (channel, agent_id)
		DO UPDATE SET last_read_at = GREATEST(channel_reads.last_read_at, EXCLUDED.last_read_at)`,
		channel, agentID, upTo.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to mark channel read: %w", err)
	}
	return nil
}

// ChannelCursor returns the agent's read cursor for a channel.
func (s *PostgresStore) ChannelCursor(ctx context.Context, channel, agentID string) (time.Time, error) {
	var ts int64
	err := s.db.QueryRow(ctx,
		`SELECT last_read_at FROM channel_reads WHERE channel = $1 AND agent_id = $2`,
		channel, agentID).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query channel cursor: %w", err)
	}
	return time.UnixMilli(ts).UTC(), nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}
