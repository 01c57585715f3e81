package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/himitsu/internal/model"
)

var (
	// ErrIdempotencyPayloadMismatch is returned when a key is reused with a
	// different request body in the same scope.
	ErrIdempotencyPayloadMismatch = errors.New("idempotency key reused with different payload")
	// ErrIdempotencyInProgress means a request holding the key has not
	// finished, or crashed after it may have paid.
	ErrIdempotencyInProgress = errors.New("idempotency key request already in progress")
)

// IdempotencyKey scopes a reservation. Mode is part of the scope because
// dataset and query ids in a stored response only mean something on the
// ledger that issued them: a retry after a mode switch is a new payment.
type IdempotencyKey struct {
	ClientID string
	Mode     model.Mode
	Endpoint string
	Key      string
}

// IdempotencyLookup is the stored outcome of a finished request. TxHash is
// the payment transaction, empty if none was sent.
type IdempotencyLookup struct {
	Completed    bool
	StatusCode   int
	TxHash       string
	ResponseData json.RawMessage
}

// BeginIdempotency reserves k for processing.
//
// A completed lookup means the caller should replay the stored response.
// Stale in-progress keys are never taken over: a request that sent its
// transaction and crashed before CompleteIdempotency must not be paid for
// twice. They block retries until CleanupIdempotencyKeys removes them.
func (db *DB) BeginIdempotency(ctx context.Context, k IdempotencyKey, requestHash string) (IdempotencyLookup, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (client_id, mode, endpoint, idempotency_key, request_hash, status)
		 VALUES ($1, $2, $3, $4, $5, 'in_progress')
		 ON CONFLICT DO NOTHING`,
		k.ClientID, k.Mode, k.Endpoint, k.Key, requestHash,
	)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: begin idempotency: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return IdempotencyLookup{}, nil
	}

	var (
		storedHash, status, txHash string
		statusCode                 *int
		responseData               []byte
	)
	if err := db.pool.QueryRow(ctx,
		`SELECT request_hash, status, status_code, tx_hash, response_data
		 FROM idempotency_keys
		 WHERE client_id = $1 AND mode = $2 AND endpoint = $3 AND idempotency_key = $4`,
		k.ClientID, k.Mode, k.Endpoint, k.Key,
	).Scan(&storedHash, &status, &statusCode, &txHash, &responseData); err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: lookup idempotency: %w", err)
	}

	if storedHash != requestHash {
		return IdempotencyLookup{}, ErrIdempotencyPayloadMismatch
	}
	if status != "completed" {
		return IdempotencyLookup{}, ErrIdempotencyInProgress
	}
	out := IdempotencyLookup{Completed: true, TxHash: txHash, ResponseData: responseData}
	if statusCode != nil {
		out.StatusCode = *statusCode
	}
	return out, nil
}

// CompleteIdempotency stores the response and payment transaction of a
// reserved key.
func (db *DB) CompleteIdempotency(ctx context.Context, k IdempotencyKey, txHash string, statusCode int, responseData any) error {
	payload, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotency response: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed', status_code = $5, tx_hash = $6,
		     response_data = $7::jsonb, updated_at = now()
		 WHERE client_id = $1 AND mode = $2 AND endpoint = $3 AND idempotency_key = $4
		   AND status = 'in_progress'`,
		k.ClientID, k.Mode, k.Endpoint, k.Key, statusCode, txHash, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency: key not found or not in_progress")
	}
	return nil
}

// ClearInProgressIdempotency releases a reservation whose request failed
// before paying, so the client can retry.
func (db *DB) ClearInProgressIdempotency(ctx context.Context, k IdempotencyKey) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE client_id = $1 AND mode = $2 AND endpoint = $3 AND idempotency_key = $4
		   AND status = 'in_progress'`,
		k.ClientID, k.Mode, k.Endpoint, k.Key,
	)
	if err != nil {
		return fmt.Errorf("storage: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys removes completed records older than completedTTL
// and in-progress records older than inProgressTTL.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND updated_at < now() - ($1 * interval '1 microsecond'))
		    OR (status = 'in_progress' AND updated_at < now() - ($2 * interval '1 microsecond'))`,
		completedTTL.Microseconds(), inProgressTTL.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
