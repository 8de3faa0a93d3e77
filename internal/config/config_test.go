package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const seedFixture = `{
  "chains": [
    {
      "chain": {"id": 1, "name": "Ethereum", "nativeSymbol": "ETH", "nativeDecimals": 18},
      "tokens": [{"symbol": "USDC", "address": "0xusdc", "decimals": 6}],
      "vaults": [{"address": "0xv1", "label": "yvUSDC", "underlyingSymbol": "USDC", "yieldSymbol": "yvUSDC"}],
      "alchemists": [{"address": "0xal", "synthType": "alUSD"}],
      "synthTokens": {"alUSD": {"symbol": "alUSD", "address": "0xsal", "decimals": 18}}
    }
  ],
  "provider": {"baseUrl": "https://provider.example", "secret": "s", "timeoutMs": 5000},
  "rateFeed": {"baseUrl": "https://rates.example", "timeoutMs": 2000},
  "secrets": {"hmacSalt": "salt"},
  "pipeline": {"depositGraceSeconds": 20, "mintGraceSeconds": 5, "pollIntervalMs": 500},
  "timeouts": {"idempotencyWindowSeconds": 120}
}`

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("SEED_PATH", writeSeed(t, seedFixture))
	t.Setenv("API_HTTP_PORT", "8081")
	t.Setenv("HMAC_CLOCK_SKEW_SECONDS", "30")
	t.Setenv("CHAIN_RPC_URL", "http://localhost:8545")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Service.HTTPPort != 8081 {
		t.Errorf("http port = %d, want 8081", cfg.Service.HTTPPort)
	}
	if cfg.Service.HMACClockSkew != 30*time.Second {
		t.Errorf("clock skew = %v, want 30s", cfg.Service.HMACClockSkew)
	}
	if cfg.Service.IdempotencyWindow != 2*time.Minute {
		t.Errorf("idempotency window = %v, want 2m", cfg.Service.IdempotencyWindow)
	}
	if cfg.Chain.RPCURL != "http://localhost:8545" {
		t.Errorf("rpc url = %q", cfg.Chain.RPCURL)
	}
	if len(cfg.Seed.Chains) != 1 || cfg.Seed.Chains[0].Chain.ID != 1 {
		t.Fatalf("unexpected chains: %+v", cfg.Seed.Chains)
	}
	if cfg.Seed.Provider.BaseURL != "https://provider.example" {
		t.Errorf("provider baseUrl = %q", cfg.Seed.Provider.BaseURL)
	}

	deposit, mint, poll := cfg.PipelineDurations()
	if deposit != 20*time.Second || mint != 5*time.Second || poll != 500*time.Millisecond {
		t.Errorf("pipeline durations = %v %v %v", deposit, mint, poll)
	}
}

func TestPipelineDurationDefaults(t *testing.T) {
	cfg := &AppConfig{}
	deposit, mint, poll := cfg.PipelineDurations()
	if deposit != 15*time.Second || mint != 10*time.Second || poll != 2*time.Second {
		t.Errorf("defaults = %v %v %v", deposit, mint, poll)
	}
}

func TestLoadRejectsEmptyChains(t *testing.T) {
	t.Setenv("SEED_PATH", writeSeed(t, `{"chains": []}`))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for seed with no chains")
	}
}

func TestLoadMissingSeed(t *testing.T) {
	t.Setenv("SEED_PATH", filepath.Join(t.TempDir(), "missing.json"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing seed file")
	}
}
