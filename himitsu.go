// Package himitsu is the public API for embedding the Himitsu marketplace server.
//
// Callers construct and run the server without reaching into internal/:
//
//	app, err := himitsu.New(
//	    himitsu.WithVersion(version),
//	    himitsu.WithLogger(logger),
//	    himitsu.WithNetwork("sepolia"),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: himitsu (root) imports
// internal/*, but internal/* never imports himitsu (root).
package himitsu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/himitsu/internal/auth"
	"github.com/ashita-ai/himitsu/internal/bootstrap"
	"github.com/ashita-ai/himitsu/internal/config"
	"github.com/ashita-ai/himitsu/internal/mcp"
	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/prefs"
	"github.com/ashita-ai/himitsu/internal/ratelimit"
	"github.com/ashita-ai/himitsu/internal/server"
	"github.com/ashita-ai/himitsu/internal/storage"
	"github.com/ashita-ai/himitsu/internal/telemetry"
	"github.com/ashita-ai/himitsu/migrations"
)

// App is the Himitsu server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	stack        *bootstrap.Stack
	db           *storage.DB        // nil when DATABASE_URL is unset
	prefs        *prefs.SQLiteStore // nil when Postgres holds the preference
	srv          *server.Server
	broker       *server.Broker
	limiter      ratelimit.Limiter
	spend        *ratelimit.SpendBudget
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Himitsu server. It connects to the database when one
// is configured, runs migrations, wires all subsystems, and returns a
// ready-to-run App. It does NOT start any goroutines or accept HTTP
// connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := applyOverrides(&cfg, o); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("himitsu starting", "version", version, "port", cfg.Port, "network", cfg.Network.Name)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Network:     cfg.Network.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{cfg: cfg, otelShutdown: otelShutdown, logger: logger, version: version}
	fail := func(err error) (*App, error) {
		a.close()
		return nil, err
	}

	// Preference, journal and idempotency storage.
	deps := bootstrap.Deps{Logger: logger}
	if cfg.DatabaseURL != "" {
		a.db, err = storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return fail(fmt.Errorf("storage: %w", err))
		}
		if err := a.db.RunMigrations(ctx, migrations.FS); err != nil {
			return fail(fmt.Errorf("migrations: %w", err))
		}
		deps.Prefs, deps.Journal = a.db, a.db
		logger.Info("storage: postgres enabled", "notify", a.db.HasNotifyConn())
	} else {
		a.prefs, err = prefs.OpenSQLite(ctx, cfg.PrefsPath)
		if err != nil {
			return fail(fmt.Errorf("prefs: %w", err))
		}
		deps.Prefs = a.prefs
		logger.Info("storage: postgres disabled (no DATABASE_URL), journal and idempotency off",
			"prefs_path", cfg.PrefsPath)
	}

	if cfg.RateLimitEnabled {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		a.spend, err = ratelimit.NewSpendBudget(ratelimit.NewMemoryLimiter(cfg.SpendRate, cfg.SpendBurst), cfg.MinPrice, logger)
		if err != nil {
			return fail(err)
		}
		deps.Spend = a.spend
		logger.Info("rate limiting: memory (in-process token buckets)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst,
			"spend_rate", cfg.SpendRate, "spend_burst", cfg.SpendBurst)
	} else {
		a.limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	a.stack, err = bootstrap.Build(ctx, cfg, deps)
	if err != nil {
		return fail(err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}
	clients := auth.NewRegistry(cfg.Clients)
	if clients.Len() == 0 {
		logger.Warn("auth: no API clients configured (HIMITSU_CLIENTS), every /v1 route will reject")
	}

	// The broker listens for mode changes saved by other instances and
	// streams local ones to SSE subscribers.
	var feed server.ModeFeed
	if a.db != nil && a.db.HasNotifyConn() {
		feed = a.db
	}
	a.broker = server.NewBroker(feed, a.stack.Session, logger)
	sess := a.stack.Session
	sess.Subscribe(func(model.Mode) {
		a.broker.Publish(sess.Status(context.Background()))
	})

	mcpSrv := mcp.New(a.stack.Lifecycle, sess, logger, version)

	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	scfg := server.ServerConfig{
		JWTMgr:              jwtMgr,
		Clients:             clients,
		Lifecycle:           a.stack.Lifecycle,
		Dashboard:           a.stack.Dashboard,
		Session:             sess,
		Logger:              logger,
		Limiter:             a.limiter,
		Broker:              a.broker,
		MCPServer:           mcpSrv.MCPServer(),
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	// Interface fields stay nil rather than holding a typed nil pointer.
	if a.stack.Gateway != nil {
		scfg.Gateway = a.stack.Gateway
	}
	if a.db != nil {
		scfg.DB, scfg.Workflows, scfg.Idempotency = a.db, a.db, a.db
	}
	a.srv = server.New(scfg)

	if cfg.WriteTimeout < cfg.WaitBudget() {
		logger.Warn("HIMITSU_WRITE_TIMEOUT is shorter than the query wait budget, blocking waits may be cut off",
			"write_timeout", cfg.WriteTimeout, "wait_budget", cfg.WaitBudget())
	}
	return a, nil
}

// Run starts background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	go a.broker.Start(ctx)
	if a.db != nil {
		go a.idempotencyCleanupLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}
	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests, drains in-flight ones (including
// blocking query waits, bounded by HIMITSU_SHUTDOWN_TIMEOUT), then releases
// RPC connections, storage and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("himitsu shutting down")

	httpCtx, cancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	err := a.srv.Shutdown(httpCtx)
	cancel()
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.close()
	a.logger.Info("himitsu stopped")
	return err
}

// close releases everything New acquired. Safe on a partially built App.
func (a *App) close() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.spend != nil {
		_ = a.spend.Close()
	}
	if a.stack != nil {
		a.stack.Close()
	}
	if a.db != nil {
		a.db.Close(context.Background())
	}
	if a.prefs != nil {
		_ = a.prefs.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IdempotencyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.CleanupIdempotencyKeys(opCtx, a.cfg.IdempotencyCompletedTTL, a.cfg.IdempotencyAbandonedTTL)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
			}
		}
	}
}

// applyOverrides applies option overrides on top of the environment and
// re-validates.
func applyOverrides(cfg *config.Config, o resolvedOptions) error {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.network != "" {
		net, err := config.ResolveNetwork(o.network)
		if err != nil {
			return err
		}
		cfg.Network = net
		if cfg.DefaultMode == model.ModeFHE && !net.FHE {
			cfg.DefaultMode = model.ModeMock
		}
	}
	return cfg.Validate()
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
