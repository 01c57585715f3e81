package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/storage"
)

// Paid submissions honour an Idempotency-Key header so a client retrying
// after a dropped connection replays the first response instead of paying
// twice. Keys are scoped to the client and the active mode; a replay
// carries the original payment transaction in the Payment-Tx header.
// Without a configured store the header is ignored.

const maxIdempotencyKeyLen = 255

type idempotencyHandle struct {
	scope storage.IdempotencyKey
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentWrite checks, replays or reserves an idempotency key.
// Returns (nil, true) when there is no key and the caller should proceed.
func (h *Handlers) beginIdempotentWrite(w http.ResponseWriter, r *http.Request, clientID, endpoint string, payload any) (*idempotencyHandle, bool) {
	key := idempotencyKey(r)
	if key == "" || h.idempotency == nil {
		return nil, true
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Idempotency-Key is too long")
		return nil, false
	}

	hash, err := requestHash(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotency payload", err)
		return nil, false
	}

	scope := storage.IdempotencyKey{
		ClientID: clientID,
		Mode:     h.session.CurrentMode(),
		Endpoint: endpoint,
		Key:      key,
	}
	lookup, err := h.idempotency.BeginIdempotency(r.Context(), scope, hash)
	switch {
	case err == nil:
		if lookup.Completed {
			var replay any
			if len(lookup.ResponseData) > 0 {
				if uErr := json.Unmarshal(lookup.ResponseData, &replay); uErr != nil {
					h.writeInternalError(w, r, "failed to unmarshal idempotent replay payload", uErr)
					return nil, false
				}
			}
			status := lookup.StatusCode
			if status == 0 {
				status = http.StatusOK
			}
			w.Header().Set("Idempotent-Replay", "true")
			if lookup.TxHash != "" {
				w.Header().Set("Payment-Tx", lookup.TxHash)
			}
			writeJSON(w, r, status, replay)
			return nil, false
		}
		return &idempotencyHandle{scope: scope}, true
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
		return nil, false
	default:
		h.writeInternalError(w, r, "idempotency lookup failed", err)
		return nil, false
	}
}

// completeIdempotentWrite stores the response and payment transaction of a
// request whose transaction was sent. Failure is logged: the ledger already
// accepted the payment, so the response still goes out.
func (h *Handlers) completeIdempotentWrite(r *http.Request, idem *idempotencyHandle, txHash string, statusCode int, data any) {
	if idem == nil {
		return
	}

	// Detached from the request so a client disconnect cannot leave the key in progress.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancel()

	var lastErr error
retry:
	for attempt := 1; attempt <= 3; attempt++ {
		err := h.idempotency.CompleteIdempotency(ctx, idem.scope, txHash, statusCode, data)
		if err == nil {
			return
		}
		lastErr = err
		h.logger.Warn("idempotency finalize attempt failed",
			"attempt", attempt, "error", err, "endpoint", idem.scope.Endpoint, "client_id", idem.scope.ClientID)

		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-ctx.Done():
			break retry
		}
	}
	h.logger.Error("failed to finalize idempotency record after paid submission",
		"error", fmt.Errorf("after retries: %w", lastErr),
		"client_id", idem.scope.ClientID,
		"tx", txHash,
		"request_id", RequestIDFromContext(r.Context()),
	)
}

// clearIdempotentWrite releases the key of a request that failed before any
// transaction was sent, so the client may retry.
func (h *Handlers) clearIdempotentWrite(r *http.Request, idem *idempotencyHandle) {
	if idem == nil {
		return
	}
	if err := h.idempotency.ClearInProgressIdempotency(context.WithoutCancel(r.Context()), idem.scope); err != nil {
		h.logger.Error("failed to clear idempotency record",
			"error", err, "endpoint", idem.scope.Endpoint, "client_id", idem.scope.ClientID)
	}
}
