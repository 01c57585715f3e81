package server

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/himitsu/internal/auth"
	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/ratelimit"
	"github.com/ashita-ai/himitsu/internal/service/dashboard"
	"github.com/ashita-ai/himitsu/internal/service/lifecycle"
	"github.com/ashita-ai/himitsu/internal/storage"
)

// ModeController is the session surface the API needs. *session.Session implements it.
type ModeController interface {
	CurrentMode() model.Mode
	Status(ctx context.Context) model.ModeStatus
	SetMode(ctx context.Context, mode model.Mode) error
}

// WorkflowStore reads the workflow journal. *storage.DB implements it.
type WorkflowStore interface {
	ListWorkflows(ctx context.Context, f storage.WorkflowFilter) ([]model.Workflow, error)
	GetWorkflow(ctx context.Context, id uuid.UUID) (model.Workflow, error)
}

// IdempotencyStore reserves and replays idempotency keys. *storage.DB implements it.
type IdempotencyStore interface {
	BeginIdempotency(ctx context.Context, k storage.IdempotencyKey, requestHash string) (storage.IdempotencyLookup, error)
	CompleteIdempotency(ctx context.Context, k storage.IdempotencyKey, txHash string, statusCode int, responseData any) error
	ClearInProgressIdempotency(ctx context.Context, k storage.IdempotencyKey) error
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports decryption gateway reachability.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	jwtMgr              *auth.JWTManager
	clients             *auth.Registry
	lifecycle           *lifecycle.Manager
	dashboard           *dashboard.Service
	session             ModeController
	gateway             HealthChecker
	db                  Pinger
	workflows           WorkflowStore
	idempotency         IdempotencyStore
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Gateway, DB, Workflows, Idempotency, Broker.
type HandlersDeps struct {
	JWTMgr              *auth.JWTManager
	Clients             *auth.Registry
	Lifecycle           *lifecycle.Manager
	Dashboard           *dashboard.Service
	Session             ModeController
	Gateway             HealthChecker
	DB                  Pinger
	Workflows           WorkflowStore
	Idempotency         IdempotencyStore
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		jwtMgr:              d.JWTMgr,
		clients:             d.Clients,
		lifecycle:           d.Lifecycle,
		dashboard:           d.Dashboard,
		session:             d.Session,
		gateway:             d.Gateway,
		db:                  d.DB,
		workflows:           d.Workflows,
		idempotency:         d.Idempotency,
		broker:              d.Broker,
		logger:              logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateClientID(req.ClientID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	prefix, _ := model.KeyPrefix(req.APIKey)
	client, err := h.clients.Authenticate(req.ClientID, req.APIKey)
	if err != nil {
		h.logger.Warn("token request rejected", "client_id", req.ClientID, "key_prefix", prefix)
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	token, expiresAt, err := h.jwtMgr.IssueToken(client, prefix)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued", "client_id", client.ClientID, "role", client.Role, "key_prefix", prefix)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	mode := h.session.Status(r.Context())

	resp := model.HealthResponse{
		Version:        h.version,
		Mode:           mode.Mode,
		IsAutoFallback: mode.IsAutoFallback,
		Uptime:         int64(time.Since(h.startedAt).Seconds()),
	}
	if mode.IsAutoFallback {
		status = "degraded"
	}
	if h.gateway != nil {
		resp.Gateway = "reachable"
		if err := h.gateway.Healthy(r.Context()); err != nil {
			resp.Gateway = "unreachable"
		}
	}
	if h.db != nil {
		resp.Postgres = "connected"
		if err := h.db.Ping(r.Context()); err != nil {
			resp.Postgres = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}
	resp.Status = status
	writeJSON(w, r, httpStatus, resp)
}

// HandleGetMode handles GET /v1/mode.
func (h *Handlers) HandleGetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.session.Status(r.Context()))
}

// HandleSetMode handles PUT /v1/mode (admin).
func (h *Handlers) HandleSetMode(w http.ResponseWriter, r *http.Request) {
	var req model.SetModeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !req.Mode.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "mode must be mock or fhe")
		return
	}
	if err := h.session.SetMode(r.Context(), req.Mode); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	claims := ClaimsFromContext(r.Context())
	h.logger.Info("mode changed", "mode", req.Mode, "client_id", claims.ClientID)
	writeJSON(w, r, http.StatusOK, h.session.Status(r.Context()))
}

// HandleEvents handles GET /v1/events (SSE stream of mode changes).
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event stream not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The server WriteTimeout would otherwise cut idle streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ctx := r.Context()
	if data, err := jsonString(h.session.Status(ctx)); err == nil {
		_, _ = w.Write(formatSSE("mode", data))
	}
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeServiceError maps a workflow error to a status code and the shared
// error envelope. Unclassified errors are logged and reported generically.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := model.ErrorCode(err)
	if code == model.ErrCodeInternalError {
		h.writeInternalError(w, r, "request failed", err)
		return
	}
	var spent *ratelimit.SpendError
	if errors.As(err, &spent) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(spent.RetryAfter.Seconds()))))
	}
	writeErrorDetails(w, r, statusForCode(code), code, model.Describe(err), map[string]string{"reason": err.Error()})
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func statusForCode(code string) int {
	switch code {
	case model.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeConflict:
		return http.StatusConflict
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case model.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeLedger, model.ErrCodeEncryption:
		return http.StatusBadGateway
	case model.ErrCodeUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// --- Shared helpers ---

// pathID parses a positive decimal id from the named path segment.
func pathID(r *http.Request, name string) (uint64, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 500

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := defaultVal
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	return min(max(limit, 1), maxQueryLimit)
}
