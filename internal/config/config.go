// Package config loads the engine's single declarative JSON configuration
// file, self-bootstrapping a default file on first run the way the system
// this engine was distilled from does (serde + Config::load).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
)

// Config is the full declarative configuration, §6.
type Config struct {
	Polymarket Polymarket `json:"polymarket"`
	Strategy   Strategy   `json:"strategy"`
}

// Polymarket holds endpoints and credentials. Secrets (PrivateKey, API
// credentials) are expected to be supplied via .env and layered on top of
// whatever is in the JSON file; they are never written back to disk by Load.
type Polymarket struct {
	GammaAPIURL    string   `json:"gamma_api_url"`
	CLOBAPIURL     string   `json:"clob_api_url"`
	WSURL          string   `json:"ws_url"`
	OracleWSURL    string   `json:"oracle_ws_url"`
	OracleTopic    string   `json:"oracle_topic"`
	RPCURLs        []string `json:"rpc_urls"`
	PrivateKey     string   `json:"-"`
	SignerAddress  string   `json:"-"`
	FunderAddress  string   `json:"-"`
	CLOBAPIKey     string   `json:"-"`
	CLOBAPISecret  string   `json:"-"`
	CLOBPassphrase string   `json:"-"`
	SignatureType  int      `json:"signature_type"`
}

// Strategy holds the knobs named in spec.md §6's configuration table.
type Strategy struct {
	Symbols                    []string                   `json:"symbols"`
	WindowDurationSecs         int64                      `json:"window_duration_secs"`
	CaptureSecs                int64                      `json:"capture_secs"`
	MinConfidencePct           decimal.Decimal            `json:"min_confidence_pct"`
	MinConfidenceAbs           map[string]decimal.Decimal `json:"min_confidence_abs"`
	MaxPositionPerMarket       decimal.Decimal            `json:"max_position_per_market"`
	MaxTotalExposure           decimal.Decimal            `json:"max_total_exposure"`
	SweepTimeoutSecs           int64                      `json:"sweep_timeout_secs"`
	SweepTargetPrice           decimal.Decimal            `json:"sweep_target_price"`
	InterOrderDelayMs          int64                      `json:"inter_order_delay_ms"`
	RateLimitPerSec            int                        `json:"rate_limit_per_sec"`
	OracleFreshnessSecs        int64                      `json:"oracle_freshness_secs"`
	BookEventWaitSecs          int64                      `json:"book_event_wait_secs"`
	ResolutionPollTimeoutSecs  int                        `json:"resolution_poll_timeout_secs"`
	ResolutionPollIntervalSecs int                        `json:"resolution_poll_interval_secs"`
	TZ                         string                     `json:"tz"`
	SimulationMode             bool                       `json:"simulation_mode"`
	JournalPath                string                     `json:"journal_path"`
}

func defaultConfig() Config {
	return Config{
		Polymarket: Polymarket{
			GammaAPIURL: "https://gamma-api.polymarket.com",
			CLOBAPIURL:  "https://clob.polymarket.com",
			WSURL:       "wss://ws-subscriptions-clob.polymarket.com",
			OracleWSURL: "wss://ws-live-data.polymarket.com",
			OracleTopic: "crypto_prices_chainlink",
			RPCURLs: []string{
				"https://1rpc.io/matic",
				"https://poly.api.pocket.network",
			},
			SignatureType: 0,
		},
		Strategy: Strategy{
			Symbols:            []string{"btc", "eth", "sol", "xrp"},
			WindowDurationSecs: 300,
			CaptureSecs:        2,
			MinConfidencePct:   decimal.NewFromFloat(0.001),
			MinConfidenceAbs: map[string]decimal.Decimal{
				"btc": decimal.NewFromFloat(68),
				"eth": decimal.NewFromFloat(2),
				"sol": decimal.NewFromFloat(0.10),
				"xrp": decimal.NewFromFloat(0.005),
			},
			MaxPositionPerMarket:       decimal.NewFromFloat(500),
			MaxTotalExposure:           decimal.NewFromFloat(2000),
			SweepTimeoutSecs:           20,
			SweepTargetPrice:           decimal.NewFromFloat(0.99),
			InterOrderDelayMs:          100,
			RateLimitPerSec:            10,
			OracleFreshnessSecs:        10,
			BookEventWaitSecs:          3,
			ResolutionPollTimeoutSecs:  600,
			ResolutionPollIntervalSecs: 45,
			TZ:                         "America/New_York",
			SimulationMode:             false,
			JournalPath:                "data/journal.jsonl",
		},
	}
}

// Load reads path, or writes out a default config and returns it if path
// does not exist yet. Secrets are never part of the JSON file; callers
// layer them in separately from the environment (see cmd/sweepbot).
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := defaultConfig()
		if err := save(path, &cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func save(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ConfidenceFloor returns the per-symbol absolute confidence floor,
// defaulting to zero if unconfigured (never rejecting on the absolute
// check alone in that case).
func (c *Config) ConfidenceFloor(symbol string) decimal.Decimal {
	if v, ok := c.Strategy.MinConfidenceAbs[symbol]; ok {
		return v
	}
	return decimal.Zero
}
