package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/himitsu/internal/model"
)

const workflowColumns = `id, kind, mode, fallback, client_id, dataset_id, query_id, tx_hash,
	state, result, error, created_at, updated_at`

// RecordWorkflow inserts a new journal row.
func (db *DB) RecordWorkflow(ctx context.Context, wf model.Workflow) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO workflows (`+workflowColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		wf.ID, wf.Kind, wf.Mode, wf.Fallback, wf.ClientID, toInt8(wf.DatasetID), toInt8(wf.QueryID),
		wf.TxHash, wf.State, wf.Result, wf.Error, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: record workflow: %w", err)
	}
	return nil
}

// UpdateWorkflow writes the mutable fields of an existing row.
func (db *DB) UpdateWorkflow(ctx context.Context, wf model.Workflow) error {
	return withJournalRetry(ctx, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE workflows
			 SET dataset_id = $2, query_id = $3, tx_hash = $4, state = $5,
			     result = $6, error = $7, updated_at = $8
			 WHERE id = $1`,
			wf.ID, toInt8(wf.DatasetID), toInt8(wf.QueryID), wf.TxHash, wf.State,
			wf.Result, wf.Error, wf.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: update workflow: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: update workflow %s: %w", wf.ID, ErrNotFound)
		}
		return nil
	})
}

// CompleteQueryWorkflows marks every waiting query workflow for (mode,
// queryID) with its terminal outcome. It is how a later re-check closes a
// workflow that timed out.
func (db *DB) CompleteQueryWorkflows(ctx context.Context, mode model.Mode, queryID uint64, state model.WorkflowState, result, errMsg *string) (int64, error) {
	var n int64
	err := withJournalRetry(ctx, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE workflows
			 SET state = $3, result = $4, error = $5, updated_at = now()
			 WHERE mode = $1 AND query_id = $2 AND kind = 'query' AND state = 'waiting'`,
			mode, int64(queryID), state, result, errMsg, //nolint:gosec // ledger ids fit int64
		)
		if err != nil {
			return fmt.Errorf("storage: complete query workflows: %w", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// GetWorkflow reads one row.
func (db *DB) GetWorkflow(ctx context.Context, id uuid.UUID) (model.Workflow, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("storage: get workflow: %w", err)
	}
	wf, err := pgx.CollectOneRow(rows, scanWorkflow)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Workflow{}, fmt.Errorf("storage: workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Workflow{}, fmt.Errorf("storage: get workflow: %w", err)
	}
	return wf, nil
}

// WorkflowFilter narrows ListWorkflows. Zero values match everything.
type WorkflowFilter struct {
	ClientID string
	Kind     model.WorkflowKind
	State    model.WorkflowState
	Limit    int
}

// ListWorkflows returns rows newest first. Limit defaults to 50, max 500.
func (db *DB) ListWorkflows(ctx context.Context, f WorkflowFilter) ([]model.Workflow, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	limit = min(limit, 500)

	rows, err := db.pool.Query(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE ($1 = '' OR client_id = $1)
		   AND ($2 = '' OR kind = $2)
		   AND ($3 = '' OR state = $3)
		 ORDER BY created_at DESC, id
		 LIMIT $4`,
		f.ClientID, string(f.Kind), string(f.State), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list workflows: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanWorkflow)
	if err != nil {
		return nil, fmt.Errorf("storage: list workflows: %w", err)
	}
	return out, nil
}

func scanWorkflow(row pgx.CollectableRow) (model.Workflow, error) {
	var (
		wf                 model.Workflow
		datasetID, queryID *int64
	)
	err := row.Scan(&wf.ID, &wf.Kind, &wf.Mode, &wf.Fallback, &wf.ClientID, &datasetID, &queryID,
		&wf.TxHash, &wf.State, &wf.Result, &wf.Error, &wf.CreatedAt, &wf.UpdatedAt)
	wf.DatasetID = fromInt8(datasetID)
	wf.QueryID = fromInt8(queryID)
	return wf, err
}

func toInt8(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v) //nolint:gosec // ledger ids fit int64
	return &n
}

func fromInt8(v *int64) *uint64 {
	if v == nil {
		return nil
	}
	n := uint64(*v) //nolint:gosec // stored from uint64
	return &n
}

// Journal writes retry this many times after the first attempt, starting
// from journalRetryDelay.
const (
	journalRetries    = 3
	journalRetryDelay = 10 * time.Millisecond
)

// withJournalRetry reruns fn on serialization failures and deadlocks with
// jittered exponential backoff. Several waiters closing the same query can
// deadlock with an UpdateWorkflow on one of its rows.
func withJournalRetry(ctx context.Context, fn func() error) error {
	delay := journalRetryDelay
	var err error
	for attempt := range journalRetries + 1 {
		err = fn()
		if err == nil || !isTransient(err) || attempt == journalRetries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return err
}

// isTransient reports serialization failures and deadlocks.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
