package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	sqlutil "github.com/crewd/crewd/internal/common/sqlite"
)

// SQLiteStore implements Store on a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and runs
// migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite handles one writer at a time; serialize through a single conn
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			sender     TEXT NOT NULL,
			recipient  TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, created_at)`,
		`CREATE TABLE IF NOT EXISTS message_reads (
			message_id TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			read_at    INTEGER NOT NULL,
			PRIMARY KEY (message_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			project_root TEXT NOT NULL,
			agent_id     TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			UNIQUE (project_root, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS standup_posts (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS channel_reads (
			channel      TEXT NOT NULL,
			agent_id     TEXT NOT NULL,
			last_read_at INTEGER NOT NULL,
			PRIMARY KEY (channel, agent_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	// standup_posts gained the channel column after the initial schema
	if err := sqlutil.EnsureColumn(s.db, "standup_posts", "channel", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// AppendMessage persists a direct message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, from, to, content string) (*Message, error) {
	msg := &Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender, recipient, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.From, msg.To, msg.Content, msg.Timestamp.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return msg, nil
}

// UnreadFor returns unread messages for the agent ordered by timestamp then id.
func (s *SQLiteStore) UnreadFor(ctx context.Context, agentID string) (int, []Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.sender, m.recipient, m.content, m.created_at
		FROM messages m
		WHERE (m.recipient = ? OR m.recipient = ?)
		  AND m.sender != ?
		  AND NOT EXISTS (
			SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.agent_id = ?
		  )
		ORDER BY m.created_at ASC, m.id ASC`,
		agentID, Broadcast, agentID, agentID)
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
func (s *SQLiteStore) MarkRead(ctx context.Context, messageID, agentID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_reads (message_id, agent_id, read_at) VALUES (?, ?, ?)`,
		messageID, agentID, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	return nil
}

// GetOrCreateSession returns the agent's session id, persisting newID on first call.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, projectRoot, agentID, newID string) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, project_root, agent_id, created_at) VALUES (?, ?, ?, ?)`,
		newID, projectRoot, agentID, time.Now().UTC().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return s.GetSession(ctx, projectRoot, agentID)
}

// GetSession returns the agent's current session id or ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, projectRoot, agentID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE project_root = ? AND agent_id = ?`,
		projectRoot, agentID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query session: %w", err)
	}
	return id, nil
}

// DeleteSessions removes all session rows for the agent.
func (s *SQLiteStore) DeleteSessions(ctx context.Context, projectRoot, agentID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE project_root = ? AND agent_id = ?`,
		projectRoot, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	return nil
}

// PostStandup persists one agent's standup contribution.
func (s *SQLiteStore) PostStandup(ctx context.Context, post *StandupPost) error {
	if post.ID == "" {
		post.ID = uuid.New().String()
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO standup_posts (id, session_id, agent_id, channel, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		post.ID, post.SessionID, post.AgentID, post.Channel, post.Content, post.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert standup post: %w", err)
	}
	return nil
}

// StandupPosts returns the posts recorded for a session in insertion order.
func (s *SQLiteStore) StandupPosts(ctx context.Context, sessionID string) ([]StandupPost, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, agent_id, channel, content, created_at
		 FROM standup_posts WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
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
func (s *SQLiteStore) MarkChannelRead(ctx context.Context, channel, agentID string, upTo time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_reads (channel, agent_id, last_read_at) VALUES (?, ?, ?)
		ON CONFLICT (channel, agent_id)
		DO UPDATE SET last_read_at = MAX(last_read_at, excluded.last_read_at)`,
		channel, agentID, upTo.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to mark channel read: %w", err)
	}
	return nil
}

// ChannelCursor returns the agent's read cursor for a channel.
func (s *SQLiteStore) ChannelCursor(ctx context.Context, channel, agentID string) (time.Time, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_read_at FROM channel_reads WHERE channel = ? AND agent_id = ?`,
		channel, agentID).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query channel cursor: %w", err)
	}
	return time.UnixMilli(ts).UTC(), nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
