package config

import (
	"testing"
	"time"

	"github.com/ashita-ai/himitsu/internal/model"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("HIMITSU_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid HIMITSU_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !contains(got, "HIMITSU_PORT") || !contains(got, "abc") {
		t.Fatalf("error should mention HIMITSU_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("HIMITSU_PORT", "abc")
	t.Setenv("HIMITSU_POLL_INTERVAL", "soon")
	t.Setenv("HIMITSU_FHE_CONTRACT", "0x123")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	for _, key := range []string{"HIMITSU_PORT", "HIMITSU_POLL_INTERVAL", "HIMITSU_FHE_CONTRACT"} {
		if !contains(got, key) {
			t.Fatalf("error should mention %s, got: %s", key, got)
		}
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.Network.Name != MemoryNetwork {
		t.Fatalf("expected memory network, got %s", cfg.Network.Name)
	}
	if cfg.PlatformFeePercent != 5 || cfg.MaxDataSize != 1000 {
		t.Fatalf("unexpected settlement defaults: fee=%d size=%d", cfg.PlatformFeePercent, cfg.MaxDataSize)
	}
	if cfg.MinPrice.String() != "1000000000000000" {
		t.Fatalf("expected 0.001 ETH minimum, got %s", cfg.MinPrice)
	}
	if cfg.WaitBudget() != 120*time.Second {
		t.Fatalf("expected 2s x 60 wait budget, got %s", cfg.WaitBudget())
	}
	if cfg.FHEContract != DefaultFHEContract {
		t.Fatalf("unexpected FHE contract %s", cfg.FHEContract.Hex())
	}
}

func TestLoadNetworkOverrides(t *testing.T) {
	t.Setenv("HIMITSU_NETWORK", "sepolia")
	t.Setenv("HIMITSU_RPC_URL", "http://node:8545")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Network.ChainID != 11155111 || !cfg.Network.FHE {
		t.Fatalf("unexpected network %+v", cfg.Network)
	}
	if cfg.Network.RPCURL != "http://node:8545" {
		t.Fatalf("RPC override not applied: %s", cfg.Network.RPCURL)
	}
	if cfg.Network.GatewayURL != "https://gateway.sepolia.zama.ai" {
		t.Fatalf("unexpected gateway %s", cfg.Network.GatewayURL)
	}
	if cfg.DefaultMode != model.ModeFHE {
		t.Fatalf("expected fhe default on an FHE network, got %s", cfg.DefaultMode)
	}
}

func TestLoadRejectsFHEDefaultWithoutSupport(t *testing.T) {
	t.Setenv("HIMITSU_NETWORK", "hardhat")
	t.Setenv("HIMITSU_DEFAULT_MODE", "fhe")
	if _, err := Load(); err == nil || !contains(err.Error(), "HIMITSU_DEFAULT_MODE") {
		t.Fatalf("expected default mode error, got %v", err)
	}
}

func TestLoadUnknownNetwork(t *testing.T) {
	t.Setenv("HIMITSU_NETWORK", "mainnet")
	if _, err := Load(); err == nil || !contains(err.Error(), "mainnet") {
		t.Fatalf("expected unknown network error, got %v", err)
	}
}

func TestResolveNetworkCaseInsensitive(t *testing.T) {
	n, err := ResolveNetwork("ZAMADEVNET")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ChainID != 8009 {
		t.Fatalf("expected chain 8009, got %d", n.ChainID)
	}
}

func TestParseClients(t *testing.T) {
	clients, err := ParseClients("alice:provider:$argon2id$a, bob:buyer:$argon2id$b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("expected 2 clients, got %d", len(clients))
	}
	if clients[1].ClientID != "bob" || clients[1].Role != model.RoleBuyer || clients[1].APIKeyHash != "$argon2id$b" {
		t.Fatalf("unexpected client %+v", clients[1])
	}

	bad := []string{"alice", "alice:owner:h", "alice:buyer:", "a:buyer:h,a:reader:h", "bad id:buyer:h"}
	for _, in := range bad {
		if _, err := ParseClients(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstring(s, substr)
}

func searchSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
