// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ashita-ai/himitsu/internal/ledger"
	"github.com/ashita-ai/himitsu/internal/model"
)

// Config holds all application configuration.
type Config struct {
	// Server settings. WriteTimeout must cover a blocking query wait.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	ShutdownTimeout     time.Duration // HTTP drain on shutdown; 0 waits for in-flight requests.

	// Database settings. Postgres is optional; without it the workflow
	// journal and idempotency keys are disabled and the mode preference
	// lives in the SQLite file at PrefsPath.
	DatabaseURL string
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.
	PrefsPath   string

	// Idempotency key retention. Completed keys replay their response until
	// IdempotencyCompletedTTL; in-progress keys older than
	// IdempotencyAbandonedTTL belong to a crashed request.
	IdempotencyCleanupInterval time.Duration
	IdempotencyCompletedTTL    time.Duration
	IdempotencyAbandonedTTL    time.Duration

	// Ledger settings.
	Network       ledger.Network
	MockContract  common.Address
	FHEContract   common.Address
	SignerKey     string // Hex private key; empty uses the node's unlocked account.
	SignerAccount common.Address
	RelayerURL    string // Encryption relayer sidecar for FHE inputs.
	DefaultMode   model.Mode

	// Settlement rules.
	PlatformFeePercent uint64
	MinPrice           *big.Int
	MaxDataSize        int

	// Wait budgets.
	PollInterval       time.Duration
	PollAttempts       int
	ConfirmInterval    time.Duration
	ConfirmAttempts    int
	RequestTimeout     time.Duration
	GatewayTimeout     time.Duration
	EncryptConcurrency int

	// Auth settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration
	Clients           []model.APIClient

	// Rate limiting of paid submissions, per client. SpendRate and
	// SpendBurst count in minimum-price units: a query on a dataset priced
	// at 3x the minimum costs 3.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int
	SpendRate        float64
	SpendBurst       int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// All malformed values are reported together.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		collect(err)
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		collect(err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := envBool(key, def)
		collect(err)
		return v
	}

	cfg := Config{
		Port:                intVar("HIMITSU_PORT", 8080),
		ReadTimeout:         durVar("HIMITSU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        durVar("HIMITSU_WRITE_TIMEOUT", 3*time.Minute),
		MaxRequestBodyBytes: int64(intVar("HIMITSU_MAX_REQUEST_BODY_BYTES", 256*1024)),
		ShutdownTimeout:     durVar("HIMITSU_SHUTDOWN_TIMEOUT", 30*time.Second),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		NotifyURL:           envStr("NOTIFY_URL", ""),
		PrefsPath:           envStr("HIMITSU_PREFS_PATH", defaultPrefsPath()),
		SignerKey:           strings.TrimPrefix(envStr("HIMITSU_SIGNER_KEY", ""), "0x"),
		RelayerURL:          envStr("HIMITSU_RELAYER_URL", "http://localhost:3100"),
		PlatformFeePercent:  uint64(max(intVar("HIMITSU_PLATFORM_FEE_PERCENT", 5), 0)), //nolint:gosec // clamped
		MaxDataSize:         intVar("HIMITSU_MAX_DATA_SIZE", 1000),
		PollInterval:        durVar("HIMITSU_POLL_INTERVAL", 2*time.Second),
		PollAttempts:        intVar("HIMITSU_POLL_ATTEMPTS", 60),
		ConfirmInterval:     durVar("HIMITSU_CONFIRM_INTERVAL", 2*time.Second),
		ConfirmAttempts:     intVar("HIMITSU_CONFIRM_ATTEMPTS", 60),
		RequestTimeout:      durVar("HIMITSU_REQUEST_TIMEOUT", 60*time.Second),
		GatewayTimeout:      durVar("HIMITSU_GATEWAY_TIMEOUT", 3*time.Second),
		EncryptConcurrency:  intVar("HIMITSU_ENCRYPT_CONCURRENCY", 4),
		JWTPrivateKeyPath:   envStr("HIMITSU_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("HIMITSU_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       durVar("HIMITSU_JWT_EXPIRATION", 24*time.Hour),
		RateLimitEnabled:    boolVar("HIMITSU_RATE_LIMIT_ENABLED", true),
		RateLimitBurst:      intVar("HIMITSU_RATE_LIMIT_BURST", 10),
		SpendBurst:          intVar("HIMITSU_SPEND_BURST", 100),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        boolVar("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "himitsu"),
		LogLevel:            envStr("HIMITSU_LOG_LEVEL", "info"),
	}

	cfg.IdempotencyCleanupInterval = durVar("HIMITSU_IDEMPOTENCY_CLEANUP_INTERVAL", time.Hour)
	cfg.IdempotencyCompletedTTL = durVar("HIMITSU_IDEMPOTENCY_COMPLETED_TTL", 7*24*time.Hour)
	cfg.IdempotencyAbandonedTTL = durVar("HIMITSU_IDEMPOTENCY_ABANDONED_TTL", 24*time.Hour)

	rps, err := envFloat("HIMITSU_RATE_LIMIT_RPS", 1)
	collect(err)
	cfg.RateLimitRPS = rps
	spend, err := envFloat("HIMITSU_SPEND_RATE", 0.1)
	collect(err)
	cfg.SpendRate = spend

	net, err := ResolveNetwork(envStr("HIMITSU_NETWORK", "memory"))
	collect(err)
	if v := envStr("HIMITSU_RPC_URL", ""); v != "" {
		net.RPCURL = v
	}
	if v := envStr("HIMITSU_GATEWAY_URL", ""); v != "" {
		net.GatewayURL = v
	}
	cfg.Network = net

	cfg.MockContract, err = envAddress("HIMITSU_MOCK_CONTRACT", DefaultMockContract)
	collect(err)
	cfg.FHEContract, err = envAddress("HIMITSU_FHE_CONTRACT", DefaultFHEContract)
	collect(err)
	cfg.SignerAccount, err = envAddress("HIMITSU_SIGNER_ACCOUNT", common.Address{})
	collect(err)

	defMode := model.ModeMock
	if net.FHE {
		defMode = model.ModeFHE
	}
	cfg.DefaultMode = defMode
	if v := envStr("HIMITSU_DEFAULT_MODE", ""); v != "" {
		mode, err := model.ParseMode(v)
		if err != nil {
			collect(fmt.Errorf("HIMITSU_DEFAULT_MODE=%q: %w", v, err))
		} else {
			cfg.DefaultMode = mode
		}
	}

	minPrice := envStr("HIMITSU_MIN_PRICE_WEI", "1000000000000000")
	if p, ok := new(big.Int).SetString(minPrice, 10); ok && p.Sign() > 0 {
		cfg.MinPrice = p
	} else {
		collect(fmt.Errorf("HIMITSU_MIN_PRICE_WEI=%q is not a positive integer", minPrice))
	}

	clients, err := ParseClients(envStr("HIMITSU_CLIENTS", ""))
	collect(err)
	cfg.Clients = clients

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("HIMITSU_PORT must be in 1..65535"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("HIMITSU_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.PlatformFeePercent > 100 {
		errs = append(errs, fmt.Errorf("HIMITSU_PLATFORM_FEE_PERCENT must be in 0..100"))
	}
	if c.MaxDataSize <= 0 {
		errs = append(errs, fmt.Errorf("HIMITSU_MAX_DATA_SIZE must be positive"))
	}
	if c.PollAttempts <= 0 || c.ConfirmAttempts <= 0 {
		errs = append(errs, fmt.Errorf("HIMITSU_POLL_ATTEMPTS and HIMITSU_CONFIRM_ATTEMPTS must be positive"))
	}
	if c.PollInterval <= 0 || c.ConfirmInterval <= 0 {
		errs = append(errs, fmt.Errorf("HIMITSU_POLL_INTERVAL and HIMITSU_CONFIRM_INTERVAL must be positive"))
	}
	if c.EncryptConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("HIMITSU_ENCRYPT_CONCURRENCY must be positive"))
	}
	if c.DefaultMode == model.ModeFHE && !c.Network.FHE {
		errs = append(errs, fmt.Errorf("HIMITSU_DEFAULT_MODE=fhe but network %s has no encrypted contract", c.Network.Name))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, fmt.Errorf("HIMITSU_RATE_LIMIT_RPS and HIMITSU_RATE_LIMIT_BURST must be positive"))
	}
	if c.RateLimitEnabled && (c.SpendRate <= 0 || c.SpendBurst <= 0) {
		errs = append(errs, fmt.Errorf("HIMITSU_SPEND_RATE and HIMITSU_SPEND_BURST must be positive"))
	}
	if c.IdempotencyCleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("HIMITSU_IDEMPOTENCY_CLEANUP_INTERVAL must be positive"))
	}
	if c.SignerKey != "" && len(c.SignerKey) != 64 {
		errs = append(errs, fmt.Errorf("HIMITSU_SIGNER_KEY must be 32 hex bytes"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// WaitBudget is the longest a blocking query wait can take.
func (c Config) WaitBudget() time.Duration {
	return c.PollInterval * time.Duration(c.PollAttempts)
}

// ParseClients parses "id:role:argon2hash" entries separated by commas.
func ParseClients(s string) ([]model.APIClient, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var (
		out  []model.APIClient
		seen = map[string]bool{}
	)
	for i, entry := range strings.Split(s, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 3)
		if len(parts) != 3 || parts[2] == "" {
			return nil, fmt.Errorf("HIMITSU_CLIENTS[%d]: want id:role:hash", i)
		}
		if err := model.ValidateClientID(parts[0]); err != nil {
			return nil, fmt.Errorf("HIMITSU_CLIENTS[%d]: %w", i, err)
		}
		role, err := model.ParseRole(parts[1])
		if err != nil {
			return nil, fmt.Errorf("HIMITSU_CLIENTS[%d]: %w", i, err)
		}
		if seen[parts[0]] {
			return nil, fmt.Errorf("HIMITSU_CLIENTS[%d]: duplicate client %q", i, parts[0])
		}
		seen[parts[0]] = true
		out = append(out, model.APIClient{ClientID: parts[0], Role: role, APIKeyHash: parts[2]})
	}
	return out, nil
}

func defaultPrefsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "himitsu-prefs.db"
	}
	return filepath.Join(dir, "himitsu", "prefs.db")
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

func envAddress(key string, defaultVal common.Address) (common.Address, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	if !common.IsHexAddress(v) {
		return defaultVal, fmt.Errorf("%s=%q is not a valid address", key, v)
	}
	return common.HexToAddress(v), nil
}
