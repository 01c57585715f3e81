package model

import (
	"fmt"
	"time"
)

// Field length limits for dataset metadata stored on the ledger.
const (
	MaxDatasetNameLen        = 200
	MaxDatasetDescriptionLen = 4 * 1024
)

// ValidateDatasetMetadata checks display-string limits before anything is encrypted.
func ValidateDatasetMetadata(name, description string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDataset)
	}
	if len(name) > MaxDatasetNameLen {
		return fmt.Errorf("%w: name exceeds maximum length of %d characters", ErrInvalidDataset, MaxDatasetNameLen)
	}
	if len(description) > MaxDatasetDescriptionLen {
		return fmt.Errorf("%w: description exceeds maximum length of %d bytes", ErrInvalidDataset, MaxDatasetDescriptionLen)
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeLedger        = "LEDGER_ERROR"
	ErrCodeEncryption    = "ENCRYPTION_FAILED"
	ErrCodeUnsupported   = "UNSUPPORTED"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UploadDatasetRequest is the request body for POST /v1/datasets.
// Price is a decimal wei string to avoid float precision loss.
type UploadDatasetRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Values      []int64 `json:"values"`
	PriceWei    string  `json:"price_wei"`
}

// UpdateDatasetRequest is the request body for PATCH /v1/datasets/{id}.
type UpdateDatasetRequest struct {
	PriceWei string `json:"price_wei"`
	Active   bool   `json:"active"`
}

// SubmitQueryRequest is the request body for POST /v1/queries.
// When Wait is true the handler blocks until the query is terminal or the poll budget runs out.
type SubmitQueryRequest struct {
	DatasetID uint64    `json:"dataset_id"`
	QueryType QueryType `json:"query_type"`
	Parameter *int64    `json:"parameter,omitempty"`
	Wait      bool      `json:"wait,omitempty"`
}

// SetModeRequest is the request body for PUT /v1/mode.
type SetModeRequest struct {
	Mode Mode `json:"mode"`
}

// ModeStatus describes the session's backend selection.
type ModeStatus struct {
	Mode           Mode `json:"mode"`
	IsAutoFallback bool `json:"is_auto_fallback"`
	FHEAvailable   bool `json:"fhe_available"`
}

// TxRef identifies a confirmed ledger transaction.
type TxRef struct {
	Hash        string `json:"hash"`
	BlockNumber uint64 `json:"block_number"`
	From        string `json:"from"`
}

// SettlementQuote is the response for GET /v1/settlement/quote.
type SettlementQuote struct {
	Price         string `json:"price_wei"`
	ProviderShare string `json:"provider_share_wei"`
	PlatformShare string `json:"platform_share_wei"`
	FeePercent    uint64 `json:"platform_fee_percent"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Mode           Mode   `json:"mode"`
	IsAutoFallback bool   `json:"is_auto_fallback"`
	Gateway        string `json:"gateway,omitempty"`
	Postgres       string `json:"postgres,omitempty"`
	Uptime         int64  `json:"uptime_seconds"`
}
