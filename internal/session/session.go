// Package session owns the user's backend selection.
//
// A Session holds the current mode, the sticky auto-fallback flag, and one
// lazily built Binding per mode. Workflows call Resolve once at start and use
// the returned Binding for their whole lifetime, so a mode change never
// affects work already in flight.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/himitsu/internal/encryption"
	"github.com/ashita-ai/himitsu/internal/ledger"
	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/telemetry"
)

// Binding is the ledger client and encryption adapter for one mode.
// Fallback is true when the binding was chosen by auto-fallback.
type Binding struct {
	Mode       model.Mode
	Ledger     ledger.Client
	Encryption encryption.Adapter
	Fallback   bool
}

// Factory builds the binding for a mode. It is called at most once per mode
// until the binding is invalidated.
type Factory interface {
	Build(ctx context.Context, mode model.Mode) (*Binding, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, mode model.Mode) (*Binding, error)

// Build calls f.
func (f FactoryFunc) Build(ctx context.Context, mode model.Mode) (*Binding, error) { return f(ctx, mode) }

// PreferenceStore persists the explicit mode choice. ok is false when no
// preference has been saved.
type PreferenceStore interface {
	LoadMode(ctx context.Context) (mode model.Mode, ok bool, err error)
	SaveMode(ctx context.Context, mode model.Mode) error
}

// HealthChecker reports whether the decryption gateway is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Config configures a Session.
type Config struct {
	// DefaultMode applies when no preference is stored.
	DefaultMode model.Mode
	// FHESupported is false when the configured network has no encrypted contract.
	FHESupported bool
	Factory      Factory
	Prefs        PreferenceStore
	Gateway      HealthChecker
	Logger       *slog.Logger
}

// Session is safe for concurrent use.
type Session struct {
	factory      Factory
	prefs        PreferenceStore
	gateway      HealthChecker
	fheSupported bool
	logger       *slog.Logger
	fallbacks    metric.Int64Counter
	builds       singleflight.Group

	mu          sync.RWMutex
	mode        model.Mode
	fallback    bool
	bindings    map[model.Mode]*Binding
	generation  map[model.Mode]uint64 // bumped whenever bindings[mode] is dropped
	subscribers []func(model.Mode)
}

// New loads the stored preference (falling back to cfg.DefaultMode) and
// returns a Session. A stored FHE preference on a network without FHE
// starts in mock mode.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("session: factory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := cfg.DefaultMode
	if cfg.Prefs != nil {
		stored, ok, err := cfg.Prefs.LoadMode(ctx)
		if err != nil {
			return nil, fmt.Errorf("session: load preference: %w", err)
		}
		if ok {
			mode = stored
		}
	}
	if !mode.Valid() {
		mode = model.ModeMock
	}
	if mode == model.ModeFHE && !cfg.FHESupported {
		logger.Warn("session: fhe preferred but network has no encrypted contract, using mock")
		mode = model.ModeMock
	}

	fallbacks, _ := telemetry.Meter("himitsu/session").Int64Counter("himitsu.mode.fallbacks",
		metric.WithDescription("Automatic switches from fhe to mock"),
	)
	return &Session{
		factory:      cfg.Factory,
		prefs:        cfg.Prefs,
		gateway:      cfg.Gateway,
		fheSupported: cfg.FHESupported,
		logger:       logger,
		fallbacks:    fallbacks,
		mode:         mode,
		bindings:     make(map[model.Mode]*Binding),
		generation:   make(map[model.Mode]uint64),
	}, nil
}

// CurrentMode returns the active mode.
func (s *Session) CurrentMode() model.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// IsAutoFallback reports whether mock mode was forced by a gateway failure.
func (s *Session) IsAutoFallback() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fallback
}

// SetMode records an explicit choice. It persists the preference, clears the
// fallback flag and drops the cached binding for mode so the next workflow
// rebuilds it. Bindings already handed out are unaffected.
func (s *Session) SetMode(ctx context.Context, mode model.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("session: invalid mode %q", mode)
	}
	if mode == model.ModeFHE && !s.fheSupported {
		return fmt.Errorf("%w: network has no encrypted contract", model.ErrNetworkMismatch)
	}
	if s.prefs != nil {
		if err := s.prefs.SaveMode(ctx, mode); err != nil {
			return fmt.Errorf("session: save preference: %w", err)
		}
	}

	s.apply(mode)
	s.logger.Info("session: mode set", "mode", mode)
	return nil
}

// Adopt applies a mode that another instance saved, without persisting it
// again. Unknown modes and FHE on a network without it are ignored.
func (s *Session) Adopt(mode model.Mode) bool {
	if !mode.Valid() || (mode == model.ModeFHE && !s.fheSupported) {
		s.logger.Warn("session: ignoring remote mode change", "mode", mode)
		return false
	}
	s.mu.RLock()
	same := s.mode == mode && !s.fallback
	s.mu.RUnlock()
	if same {
		return false
	}
	s.apply(mode)
	s.logger.Info("session: adopted remote mode change", "mode", mode)
	return true
}

func (s *Session) apply(mode model.Mode) {
	s.mu.Lock()
	s.mode = mode
	s.fallback = false
	delete(s.bindings, mode)
	s.generation[mode]++
	subs := append([]func(model.Mode){}, s.subscribers...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(mode)
	}
}

// AutoFallback forces mock mode and sets the fallback flag. The stored
// preference is left alone. Calling it again while already in fallback is a no-op.
func (s *Session) AutoFallback(ctx context.Context, cause error) {
	s.mu.Lock()
	if s.mode == model.ModeMock && s.fallback {
		s.mu.Unlock()
		return
	}
	s.mode = model.ModeMock
	s.fallback = true
	subs := append([]func(model.Mode){}, s.subscribers...)
	s.mu.Unlock()

	s.logger.Warn("session: falling back to mock", "error", cause)
	if s.fallbacks != nil {
		s.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", fallbackReason(cause))))
	}
	for _, fn := range subs {
		fn(model.ModeMock)
	}
}

func fallbackReason(err error) string {
	if err == nil {
		return "unknown"
	}
	return model.ErrorCode(err)
}

// Resolve returns the binding a workflow should use. In FHE mode the gateway
// is probed first; an unreachable gateway triggers AutoFallback and the mock
// binding is returned.
func (s *Session) Resolve(ctx context.Context) (*Binding, error) {
	s.mu.RLock()
	mode, fallback := s.mode, s.fallback
	s.mu.RUnlock()

	if mode == model.ModeFHE && s.gateway != nil {
		if err := s.gateway.Healthy(ctx); err != nil {
			s.AutoFallback(ctx, err)
			mode, fallback = model.ModeMock, true
		}
	}

	b, err := s.binding(ctx, mode)
	if err != nil {
		return nil, err
	}
	out := *b
	out.Fallback = fallback
	return &out, nil
}

// binding returns the cached binding for mode, building it once. Builds are
// keyed by generation: a build that started before apply dropped the cache
// is not joined by later callers and is not stored.
func (s *Session) binding(ctx context.Context, mode model.Mode) (*Binding, error) {
	s.mu.RLock()
	b := s.bindings[mode]
	gen := s.generation[mode]
	s.mu.RUnlock()
	if b != nil {
		return b, nil
	}

	key := string(mode) + "@" + strconv.FormatUint(gen, 10)
	v, err, _ := s.builds.Do(key, func() (any, error) {
		built, err := s.factory.Build(ctx, mode)
		if err != nil {
			return nil, fmt.Errorf("session: build %s binding: %w", mode, err)
		}
		if built.Mode != mode {
			return nil, fmt.Errorf("session: factory returned %s binding for %s", built.Mode, mode)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.generation[mode] != gen {
			s.logger.Debug("session: discarding binding built before mode change", "mode", mode)
			return built, nil
		}
		if existing := s.bindings[mode]; existing != nil {
			return existing, nil
		}
		s.bindings[mode] = built
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Binding), nil
}

// Subscribe registers fn to be called after every mode change.
// fn runs synchronously and must not call back into SetMode.
func (s *Session) Subscribe(fn func(model.Mode)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Status reports the mode, the fallback flag and whether FHE is currently usable.
func (s *Session) Status(ctx context.Context) model.ModeStatus {
	s.mu.RLock()
	st := model.ModeStatus{Mode: s.mode, IsAutoFallback: s.fallback}
	s.mu.RUnlock()
	st.FHEAvailable = s.fheSupported
	if st.FHEAvailable && s.gateway != nil {
		st.FHEAvailable = s.gateway.Healthy(ctx) == nil
	}
	return st
}
