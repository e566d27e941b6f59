// Package database persists chat transcripts in SQLite so past
// conversations survive restarts and can be inspected over the API.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrSessionNotFound is returned when a session id has no row.
var ErrSessionNotFound = errors.New("chat session not found")

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tools_used TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (session_id) REFERENCES chat_sessions(session_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, id);
`

// ChatSession is one conversation thread keyed by a caller-chosen id.
type ChatSession struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// ChatMessage is a single stored message within a session.
type ChatMessage struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolsUsed json.RawMessage `json:"tools_used,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SQLiteDB stores sessions and messages in a single SQLite file.
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens (or creates) the database at path and applies the schema.
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// AppendExchange records one user message and the assistant reply in a single
// transaction, creating the session row if it does not exist yet. The session
// title is taken from the first user message.
func (s *SQLiteDB) AppendExchange(ctx context.Context, sessionID, userMessage, assistantMessage string, toolsUsed json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	title := userMessage
	if len([]rune(title)) > 80 {
		title = string([]rune(title)[:80])
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO chat_sessions (session_id, title) VALUES (?, ?)",
		sessionID, title,
	); err != nil {
		return fmt.Errorf("failed to create chat session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE chat_sessions SET updated_at = CURRENT_TIMESTAMP WHERE session_id = ?",
		sessionID,
	); err != nil {
		return fmt.Errorf("failed to update chat session: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO chat_messages (session_id, role, content) VALUES (?, 'user', ?)",
		sessionID, userMessage,
	); err != nil {
		return fmt.Errorf("failed to insert user message: %w", err)
	}

	if len(toolsUsed) == 0 {
		toolsUsed = json.RawMessage("[]")
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO chat_messages (session_id, role, content, tools_used) VALUES (?, 'assistant', ?, ?)",
		sessionID, assistantMessage, string(toolsUsed),
	); err != nil {
		return fmt.Errorf("failed to insert assistant message: %w", err)
	}

	return tx.Commit()
}

// GetSession returns a single session by its id.
func (s *SQLiteDB) GetSession(ctx context.Context, sessionID string) (*ChatSession, error) {
	var session ChatSession
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.session_id, s.title, s.created_at, s.updated_at, COUNT(m.id)
		FROM chat_sessions s
		LEFT JOIN chat_messages m ON m.session_id = s.session_id
		WHERE s.session_id = ?
		GROUP BY s.id`,
		sessionID,
	).Scan(&session.ID, &session.SessionID, &session.Title, &session.CreatedAt, &session.UpdatedAt, &session.MessageCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get chat session: %w", err)
	}
	return &session, nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *SQLiteDB) ListSessions(ctx context.Context) ([]ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.session_id, s.title, s.created_at, s.updated_at, COUNT(m.id)
		FROM chat_sessions s
		LEFT JOIN chat_messages m ON m.session_id = s.session_id
		GROUP BY s.id
		ORDER BY s.updated_at DESC, s.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat sessions: %w", err)
	}
	defer rows.Close()

	var sessions []ChatSession
	for rows.Next() {
		var session ChatSession
		if err := rows.Scan(&session.ID, &session.SessionID, &session.Title, &session.CreatedAt, &session.UpdatedAt, &session.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan chat session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// GetMessages returns the full transcript of a session in insertion order.
func (s *SQLiteDB) GetMessages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tools_used, created_at
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chat messages: %w", err)
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var msg ChatMessage
		var tools string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &tools, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		if tools != "" && tools != "[]" {
			msg.ToolsUsed = json.RawMessage(tools)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// DeleteSession removes a session and, via the cascade, its messages.
func (s *SQLiteDB) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM chat_sessions WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete chat session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}
