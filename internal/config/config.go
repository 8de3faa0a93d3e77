package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"loantocard/internal/registry"
)

// SeedConfig models seed.json: the per-chain address tables plus provider
// and pipeline tuning. The chain tables are validated by registry.New, not
// here.
type SeedConfig struct {
	Chains   []registry.ChainConfig `json:"chains"`
	Provider struct {
		BaseURL   string `json:"baseUrl"`
		Secret    string `json:"secret"`
		TimeoutMs int    `json:"timeoutMs"`
	} `json:"provider"`
	RateFeed struct {
		BaseURL   string `json:"baseUrl"`
		TimeoutMs int    `json:"timeoutMs"`
	} `json:"rateFeed"`
	Secrets struct {
		HMACSalt string `json:"hmacSalt"`
	} `json:"secrets"`
	Pipeline struct {
		DepositGraceSecs int    `json:"depositGraceSeconds"`
		MintGraceSecs    int    `json:"mintGraceSeconds"`
		PollIntervalMs   int    `json:"pollIntervalMs"`
		GasReserve       string `json:"gasReserve"`
	} `json:"pipeline"`
	Timeouts struct {
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
	} `json:"timeouts"`
}

// AppConfig ties together seed values and derived service settings.
type AppConfig struct {
	Seed    SeedConfig
	Service ServiceConfig
	Chain   ChainConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	JournalDSN           string
}

type ChainConfig struct {
	RPCURL     string
	PrivateKey string
}

const defaultSeedPath = "./seed.json"

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	seedPath := envOr("SEED_PATH", defaultSeedPath)

	seedCfg, err := loadSeed(seedPath)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    time.Duration(seedCfg.Timeouts.IdempotencyWindowSecs) * time.Second,
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "loantocard-idem.json")),
		JournalDSN:           envOr("JOURNAL_POSTGRES_DSN", ""),
	}
	if serviceCfg.IdempotencyWindow <= 0 {
		serviceCfg.IdempotencyWindow = time.Minute
	}

	chainCfg := ChainConfig{
		RPCURL:     envOr("CHAIN_RPC_URL", ""),
		PrivateKey: envOr("CHAIN_PRIVATE_KEY", ""),
	}

	return &AppConfig{
		Seed:    *seedCfg,
		Service: serviceCfg,
		Chain:   chainCfg,
	}, nil
}

// PipelineDurations returns the settlement tuning with defaults applied.
func (c *AppConfig) PipelineDurations() (depositGrace, mintGrace, pollInterval time.Duration) {
	depositGrace = 15 * time.Second
	if c.Seed.Pipeline.DepositGraceSecs > 0 {
		depositGrace = time.Duration(c.Seed.Pipeline.DepositGraceSecs) * time.Second
	}
	mintGrace = 10 * time.Second
	if c.Seed.Pipeline.MintGraceSecs > 0 {
		mintGrace = time.Duration(c.Seed.Pipeline.MintGraceSecs) * time.Second
	}
	pollInterval = 2 * time.Second
	if c.Seed.Pipeline.PollIntervalMs > 0 {
		pollInterval = time.Duration(c.Seed.Pipeline.PollIntervalMs) * time.Millisecond
	}
	return depositGrace, mintGrace, pollInterval
}

func loadSeed(path string) (*SeedConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SeedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Chains) == 0 {
		return nil, fmt.Errorf("seed has no chains configured")
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
