// Package prefs stores the user's mode preference locally.
package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/himitsu/internal/model"
)

const modeKey = "mode"

// SQLiteStore keeps preferences in a single-file SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("prefs: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("prefs: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS preferences (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prefs: create table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// LoadMode returns the saved mode. ok is false when nothing was saved.
func (s *SQLiteStore) LoadMode(ctx context.Context) (model.Mode, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, modeKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("prefs: load mode: %w", err)
	}
	mode, err := model.ParseMode(raw)
	if err != nil {
		return "", false, fmt.Errorf("prefs: stored mode: %w", err)
	}
	return mode, true, nil
}

// SaveMode upserts the mode.
func (s *SQLiteStore) SaveMode(ctx context.Context, mode model.Mode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		modeKey, string(mode), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("prefs: save mode: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// MemoryStore keeps the preference for the life of the process.
type MemoryStore struct {
	mu   sync.Mutex
	mode model.Mode
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// LoadMode returns the saved mode.
func (m *MemoryStore) LoadMode(context.Context) (model.Mode, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode, m.mode != "", nil
}

// SaveMode records mode.
func (m *MemoryStore) SaveMode(_ context.Context, mode model.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	return nil
}
