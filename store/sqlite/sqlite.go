// Package sqlite implements clubchat.ThreadStore on pure-Go SQLite,
// proving the substitution contract of the in-memory store: threads and
// messages survive restarts without any caller change. Zero CGO.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	clubchat "github.com/aadya75/clubchat"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a ThreadStore.
type StoreOption func(*ThreadStore)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *ThreadStore) { s.logger = l }
}

// ThreadStore implements clubchat.ThreadStore backed by a local SQLite
// file. A single shared connection (SetMaxOpenConns(1)) serializes all
// writers through one connection, which both eliminates SQLITE_BUSY
// errors and gives the per-thread append ordering the contract demands.
type ThreadStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ clubchat.ThreadStore = (*ThreadStore)(nil)

// New opens (or creates) the store at dbPath.
func New(dbPath string, opts ...StoreOption) (*ThreadStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &ThreadStore{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Debug("sqlite: thread store opened", "path", dbPath)
	return s, nil
}

func (s *ThreadStore) init(ctx context.Context) error {
	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, seq)`,
	} {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: create table: %w", err)
		}
	}
	return nil
}

func (s *ThreadStore) CreateThread(ctx context.Context) (string, error) {
	id := clubchat.NewID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, created_at, status) VALUES (?, ?, ?)`,
		id, clubchat.NowUnix(), clubchat.ThreadActive)
	if err != nil {
		return "", fmt.Errorf("sqlite: create thread: %w", err)
	}
	return id, nil
}

func (s *ThreadStore) GetThread(ctx context.Context, id string) (clubchat.Thread, error) {
	var t clubchat.Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, status FROM threads WHERE id = ?`, id).
		Scan(&t.ID, &t.CreatedAt, &t.Status)
	if err == sql.ErrNoRows {
		return clubchat.Thread{}, fmt.Errorf("thread not found: %s", id)
	}
	if err != nil {
		return clubchat.Thread{}, fmt.Errorf("sqlite: get thread: %w", err)
	}
	t.Messages, err = s.Messages(ctx, id)
	return t, err
}

// Append inserts the message with the next per-thread sequence number.
// The single-connection pool serializes concurrent appends, so seq
// assignment and insert are atomic from the caller's view.
func (s *ThreadStore) Append(ctx context.Context, threadID, role, content string, metadata map[string]string) (string, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM threads WHERE id = ?`, threadID).Scan(&exists); err != nil {
		return "", fmt.Errorf("sqlite: append: %w", err)
	}
	if exists == 0 {
		return "", fmt.Errorf("thread not found: %s", threadID)
	}

	var metaJSON []byte
	if len(metadata) > 0 {
		metaJSON, _ = json.Marshal(metadata)
	}
	id := clubchat.NewID()
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, seq, role, content, metadata, created_at)
		 SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?
		 FROM messages WHERE thread_id = ?`,
		id, threadID, role, content, metaJSON, clubchat.NowUnix(), threadID)
	if err != nil {
		return "", fmt.Errorf("sqlite: append: %w", err)
	}
	s.logger.Debug("sqlite: message appended",
		"thread", threadID, "role", role, "took", time.Since(start))
	return id, nil
}

func (s *ThreadStore) Messages(ctx context.Context, threadID string) ([]clubchat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, metadata, created_at
		 FROM messages WHERE thread_id = ? ORDER BY seq`, threadID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: messages: %w", err)
	}
	defer rows.Close()

	var out []clubchat.Message
	for rows.Next() {
		var m clubchat.Message
		var metaJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: messages: %w", err)
		}
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &m.Metadata)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *ThreadStore) DeleteThread(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("sqlite: delete thread: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, id); err != nil {
		return false, fmt.Errorf("sqlite: delete thread: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *ThreadStore) ListThreads(ctx context.Context) ([]clubchat.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, status FROM threads ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list threads: %w", err)
	}
	defer rows.Close()

	var out []clubchat.Thread
	for rows.Next() {
		var t clubchat.Thread
		if err := rows.Scan(&t.ID, &t.CreatedAt, &t.Status); err != nil {
			return nil, fmt.Errorf("sqlite: list threads: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *ThreadStore) Close() error {
	return s.db.Close()
}
