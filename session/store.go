// Package session persists per-conversation agent state: the continuation id
// that lets a later task resume the agent's prior memory, and a transcript of
// exchanged messages.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Message is one transcript entry for a conversation.
type Message struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"` // user | assistant | system
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a SQLite-backed session store. A single connection is enough:
// SQLite supports one writer at a time and every operation here is short.
type Store struct {
	db *sql.DB
}

// Open creates the database file if needed and runs migrations.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS continuations (
		user_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_user_id ON history(user_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetContinuation returns the stored continuation id for a conversation, or
// an empty string when none exists.
func (s *Store) GetContinuation(ctx context.Context, userID string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM continuations WHERE user_id = ?`, userID,
	).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get continuation: %w", err)
	}
	return sessionID, nil
}

// SetContinuation stores or overwrites the continuation id for a
// conversation.
func (s *Store) SetContinuation(ctx context.Context, userID, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO continuations (user_id, session_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		userID, sessionID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set continuation: %w", err)
	}
	return nil
}

// ClearContinuation forgets the stored session for a conversation, forcing
// the next task to start fresh.
func (s *Store) ClearContinuation(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM continuations WHERE user_id = ?`, userID,
	)
	if err != nil {
		return fmt.Errorf("clear continuation: %w", err)
	}
	return nil
}

// AppendHistory records one transcript entry for a conversation.
func (s *Store) AppendHistory(ctx context.Context, userID, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		userID, role, content, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// History returns up to limit most recent entries for a conversation, oldest
// first. A non-positive limit returns the whole transcript.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]Message, error) {
	query := `SELECT id, user_id, role, content, created_at FROM history WHERE user_id = ? ORDER BY id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	// reverse into chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
