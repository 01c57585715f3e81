package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/himitsu/internal/model"
)

const (
	modeKey = "mode"
	// modeChannel carries the new mode name whenever an instance saves the
	// preference.
	modeChannel = "himitsu_mode"
)

// ErrBadModeChange is returned by NextModeChange for a notification whose
// payload is not a mode.
var ErrBadModeChange = errors.New("storage: mode change payload is not a mode")

// LoadMode returns the deployment-wide mode preference. ok is false when
// none has been saved.
func (db *DB) LoadMode(ctx context.Context) (model.Mode, bool, error) {
	var raw string
	err := db.pool.QueryRow(ctx, `SELECT value FROM preferences WHERE key = $1`, modeKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: load mode: %w", err)
	}
	mode, err := model.ParseMode(raw)
	if err != nil {
		return "", false, fmt.Errorf("storage: stored mode: %w", err)
	}
	return mode, true, nil
}

// SaveMode upserts the preference and announces it to other instances. The
// announcement is part of the same transaction, so listeners only hear
// modes that were committed.
func (db *DB) SaveMode(ctx context.Context, mode model.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("storage: save mode: invalid mode %q", mode)
	}
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO preferences (key, value, updated_at) VALUES ($1, $2, now())
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
			modeKey, string(mode),
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, modeChannel, string(mode))
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: save mode: %w", err)
	}
	return nil
}

// WatchModes subscribes the dedicated notify connection to mode changes.
// It fails when no notify connection is configured.
func (db *DB) WatchModes(ctx context.Context) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{modeChannel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: watch modes: %w", err)
	}
	return nil
}

// NextModeChange blocks until an instance saves a mode and returns it. Call
// WatchModes first. A payload that does not parse yields ErrBadModeChange;
// the watch stays usable.
func (db *DB) NextModeChange(ctx context.Context) (model.Mode, error) {
	if db.notifyConn == nil {
		return "", fmt.Errorf("storage: notify connection not configured")
	}
	for {
		n, err := db.notifyConn.WaitForNotification(ctx)
		if err != nil {
			return "", fmt.Errorf("storage: wait for mode change: %w", err)
		}
		if n.Channel != modeChannel {
			continue
		}
		mode, err := model.ParseMode(n.Payload)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrBadModeChange, n.Payload)
		}
		return mode, nil
	}
}
