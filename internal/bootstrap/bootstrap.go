// Package bootstrap assembles the marketplace core from configuration:
// settlement rules, the mode session with its per-mode bindings, the
// lifecycle manager and the provider dashboard. The server and the CLI
// both start from here.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ashita-ai/himitsu/internal/config"
	"github.com/ashita-ai/himitsu/internal/encryption"
	"github.com/ashita-ai/himitsu/internal/gateway"
	"github.com/ashita-ai/himitsu/internal/ledger"
	"github.com/ashita-ai/himitsu/internal/ledger/memledger"
	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/poll"
	"github.com/ashita-ai/himitsu/internal/service/dashboard"
	"github.com/ashita-ai/himitsu/internal/service/lifecycle"
	"github.com/ashita-ai/himitsu/internal/session"
	"github.com/ashita-ai/himitsu/internal/settlement"
)

// Deps are the optional collaborators. Nil fields disable the feature.
type Deps struct {
	Prefs   session.PreferenceStore
	Journal lifecycle.Journal
	Spend   lifecycle.Spender
	Logger  *slog.Logger
}

// Stack is the assembled core. Close releases any dialed RPC connections.
type Stack struct {
	Config     config.Config
	Settlement *settlement.Calculator
	Session    *session.Session
	Lifecycle  *lifecycle.Manager
	Dashboard  *dashboard.Service
	// Gateway is nil when the network has no decryption gateway.
	Gateway *gateway.Client

	factory *factory
}

// Build wires the core for cfg. Nothing is dialed until the first
// workflow resolves a binding.
func Build(ctx context.Context, cfg config.Config, deps Deps) (*Stack, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	calc, err := settlement.New(settlement.Config{
		FeePercent:  cfg.PlatformFeePercent,
		MinPrice:    cfg.MinPrice,
		MaxDataSize: cfg.MaxDataSize,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: settlement: %w", err)
	}

	f := &factory{cfg: cfg, calc: calc, logger: logger, memory: make(map[model.Mode]*memledger.Ledger)}
	scfg := session.Config{
		DefaultMode:  cfg.DefaultMode,
		FHESupported: cfg.Network.FHE,
		Factory:      f,
		Prefs:        deps.Prefs,
		Logger:       logger,
	}
	var gw *gateway.Client
	if cfg.Network.GatewayURL != "" {
		gw = gateway.New(gateway.Config{URL: cfg.Network.GatewayURL, ProbeTimeout: cfg.GatewayTimeout})
		scfg.Gateway = gw
	}
	sess, err := session.New(ctx, scfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	mgr, err := lifecycle.New(lifecycle.Config{
		Resolver:   sess,
		Settlement: calc,
		Poll:       poll.Config{Interval: cfg.PollInterval, MaxAttempts: cfg.PollAttempts},
		Journal:    deps.Journal,
		Spend:      deps.Spend,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	logger.Info("bootstrap: core ready", "network", cfg.Network.Name, "mode", sess.CurrentMode(),
		"fhe_supported", cfg.Network.FHE, "gateway", gw != nil)
	return &Stack{
		Config:     cfg,
		Settlement: calc,
		Session:    sess,
		Lifecycle:  mgr,
		Dashboard:  dashboard.New(sess, calc, logger),
		Gateway:    gw,
		factory:    f,
	}, nil
}

// Dial opens a direct connection for mode, outside the session. The CLI
// uses it for balance and chain checks. The caller closes the Conn.
func (s *Stack) Dial(ctx context.Context, mode model.Mode) (*ledger.Conn, error) {
	if s.Config.Network.Name == config.MemoryNetwork {
		return nil, fmt.Errorf("%w: the memory network has no RPC endpoint", model.ErrUnsupported)
	}
	return ledger.Dial(ctx, s.factory.dialConfig(mode))
}

// Close releases RPC connections opened for bindings.
func (s *Stack) Close() {
	s.factory.close()
}

// factory builds session bindings. Memory ledgers live as long as the
// factory so rebuilding a binding keeps its state.
type factory struct {
	cfg    config.Config
	calc   *settlement.Calculator
	logger *slog.Logger

	mu     sync.Mutex
	memory map[model.Mode]*memledger.Ledger
	conns  []*ledger.Conn
}

func (f *factory) Build(ctx context.Context, mode model.Mode) (*session.Binding, error) {
	if f.cfg.Network.Name == config.MemoryNetwork {
		return f.memoryBinding(mode), nil
	}

	conn, err := ledger.Dial(ctx, f.dialConfig(mode))
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	b := &session.Binding{Mode: mode, Ledger: conn.Client, Encryption: encryption.NewPlaintext()}
	if mode == model.ModeFHE {
		b.Encryption = encryption.NewHomomorphic(f.relayer(conn), f.cfg.EncryptConcurrency)
	}
	return b, nil
}

func (f *factory) memoryBinding(mode model.Mode) *session.Binding {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.memory[mode]
	if !ok {
		opts := []memledger.Option{memledger.WithCalculator(f.calc)}
		if f.cfg.SignerAccount != (common.Address{}) {
			opts = append(opts, memledger.WithSender(f.cfg.SignerAccount))
		}
		l = memledger.New(mode, opts...)
		f.memory[mode] = l
	}
	b := &session.Binding{Mode: mode, Ledger: l, Encryption: encryption.NewPlaintext()}
	if mode == model.ModeFHE {
		b.Encryption = encryption.NewHomomorphic(func(context.Context) (encryption.Encryptor, error) {
			return memledger.Encryptor{}, nil
		}, f.cfg.EncryptConcurrency)
	}
	return b
}

// relayer binds ciphertexts to the encrypted contract and the signing account.
func (f *factory) relayer(conn *ledger.Conn) encryption.InstanceFactory {
	return func(ctx context.Context) (encryption.Encryptor, error) {
		user, err := conn.Signer.Address(ctx)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: signer address: %w", err)
		}
		return encryption.NewRelayerEncryptor(ctx, encryption.RelayerConfig{
			URL:      f.cfg.RelayerURL,
			ChainID:  f.cfg.Network.ChainID,
			Contract: conn.Client.Contract(),
			User:     user,
			Timeout:  f.cfg.RequestTimeout,
		})
	}
}

func (f *factory) dialConfig(mode model.Mode) ledger.DialConfig {
	contract := f.cfg.MockContract
	if mode == model.ModeFHE {
		contract = f.cfg.FHEContract
	}
	return ledger.DialConfig{
		Mode:          mode,
		Network:       f.cfg.Network,
		Contract:      contract,
		SignerKey:     f.cfg.SignerKey,
		SignerAccount: f.cfg.SignerAccount,
		Options: ledger.Options{
			RequestTimeout: f.cfg.RequestTimeout,
			Confirm:        poll.Config{Interval: f.cfg.ConfirmInterval, MaxAttempts: f.cfg.ConfirmAttempts},
			Logger:         f.logger,
		},
	}
}

func (f *factory) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}
