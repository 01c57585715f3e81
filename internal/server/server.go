package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/himitsu/internal/auth"
	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/ratelimit"
	"github.com/ashita-ai/himitsu/internal/service/dashboard"
	"github.com/ashita-ai/himitsu/internal/service/lifecycle"
)

// Server is the Himitsu HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Gateway, DB, Workflows, Idempotency, Limiter,
// Broker, MCPServer, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	JWTMgr    *auth.JWTManager
	Clients   *auth.Registry
	Lifecycle *lifecycle.Manager
	Dashboard *dashboard.Service
	Session   ModeController
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Gateway     HealthChecker
	DB          Pinger
	Workflows   WorkflowStore
	Idempotency IdempotencyStore
	Limiter     ratelimit.Limiter
	Broker      *Broker
	MCPServer   *mcpserver.MCPServer

	// Middlewares wrap the root handler, first registered outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		JWTMgr:              cfg.JWTMgr,
		Clients:             cfg.Clients,
		Lifecycle:           cfg.Lifecycle,
		Dashboard:           cfg.Dashboard,
		Session:             cfg.Session,
		Gateway:             cfg.Gateway,
		DB:                  cfg.DB,
		Workflows:           cfg.Workflows,
		Idempotency:         cfg.Idempotency,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	// Only paid submissions are throttled; reads hit the ledger node, not the wallet.
	paidRL := ratelimit.Middleware(cfg.Limiter, clientKeyFunc, reqIDFunc, cfg.Logger)

	reader := requireRole(model.RoleReader)
	buyer := requireRole(model.RoleBuyer)
	provider := requireRole(model.RoleProvider)
	admin := requireRole(model.RoleAdmin)

	mux := http.NewServeMux()

	// No auth.
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Mode selection.
	mux.Handle("GET /v1/mode", reader(http.HandlerFunc(h.HandleGetMode)))
	mux.Handle("PUT /v1/mode", admin(http.HandlerFunc(h.HandleSetMode)))
	mux.Handle("GET /v1/events", reader(http.HandlerFunc(h.HandleEvents)))

	// Datasets.
	mux.Handle("GET /v1/datasets", reader(http.HandlerFunc(h.HandleListDatasets)))
	mux.Handle("GET /v1/datasets/{id}", reader(http.HandlerFunc(h.HandleGetDataset)))
	mux.Handle("POST /v1/datasets", provider(paidRL(http.HandlerFunc(h.HandleUploadDataset))))
	mux.Handle("PATCH /v1/datasets/{id}", provider(http.HandlerFunc(h.HandleUpdateDataset)))

	// Queries.
	mux.Handle("POST /v1/queries", buyer(paidRL(http.HandlerFunc(h.HandleSubmitQuery))))
	mux.Handle("GET /v1/queries/{id}", reader(http.HandlerFunc(h.HandleGetQuery)))
	mux.Handle("POST /v1/queries/{id}/wait", buyer(http.HandlerFunc(h.HandleWaitQuery)))
	mux.Handle("GET /v1/transactions/{hash}/query", reader(http.HandlerFunc(h.HandleResolveTransaction)))
	mux.Handle("GET /v1/buyers/{addr}/queries", reader(http.HandlerFunc(h.HandleBuyerQueries)))

	// Settlement and reporting.
	mux.Handle("GET /v1/settlement/quote", reader(http.HandlerFunc(h.HandleQuote)))
	mux.Handle("GET /v1/providers/{owner}/summary", reader(http.HandlerFunc(h.HandleProviderSummary)))
	mux.Handle("GET /v1/stats", reader(http.HandlerFunc(h.HandleStats)))
	mux.Handle("GET /v1/workflows", reader(http.HandlerFunc(h.HandleListWorkflows)))
	mux.Handle("GET /v1/workflows/{id}", reader(http.HandlerFunc(h.HandleGetWorkflow)))

	// MCP StreamableHTTP transport. Tools read the caller from the request
	// context and check roles themselves.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", reader(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// clientKeyFunc keys rate limits on the authenticated client. Admins are exempt.
func clientKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return claims.ClientID
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
