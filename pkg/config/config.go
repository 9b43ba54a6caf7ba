// Package config loads environment-driven settings and the YAML
// exchange-connection file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"trading-engine/pkg/crypto"
)

// Config holds environment-driven settings for the engine.
type Config struct {
	Symbols     []string
	UseMockFeed bool
	Testnet     bool

	// Persistence
	DBPath string

	// Exchange connections
	ExchangesFile string
	MasterKeyHex  string // AES-256 key (hex) for credential decryption

	// Paper trading
	InitialBalance float64
	CommissionRate float64 // decimal, e.g. 0.001 = 10 bps
	SlippageRate   float64 // decimal applied against the taker

	// Risk
	Risk RiskConfig
}

// RiskConfig mirrors the risk manager parameters in file/env form.
type RiskConfig struct {
	MaxPositionSize      float64 `yaml:"max_position_size"`
	StopLossPct          float64 `yaml:"stop_loss_pct"`
	TakeProfitPct        float64 `yaml:"take_profit_pct"`
	TrailingStopPct      float64 `yaml:"trailing_stop_pct"`
	MaxDailyLoss         float64 `yaml:"max_daily_loss"`
	MaxDrawdown          float64 `yaml:"max_drawdown"`
	MaxOpenPositions     int     `yaml:"max_open_positions"`
	VolatilityAdjustment bool    `yaml:"volatility_adjustment"`
}

// ExchangeConfig is one entry of the exchanges file. Credential fields may be
// stored encrypted (ENC[v1]: prefix) and are decrypted on load.
type ExchangeConfig struct {
	Name       string  `yaml:"name"`
	APIKey     string  `yaml:"api_key"`
	APISecret  string  `yaml:"api_secret"`
	Passphrase string  `yaml:"passphrase"`
	Testnet    bool    `yaml:"testnet"`
	RateLimit  int     `yaml:"rate_limit"` // requests per minute
	Priority   int     `yaml:"priority"`   // lower = preferred
	Enabled    bool    `yaml:"enabled"`
	MaxRetries int     `yaml:"max_retries"`
	RetryDelay float64 `yaml:"retry_delay"` // seconds, base backoff
}

type exchangesFile struct {
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Risk      *RiskConfig      `yaml:"risk"`
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Symbols:        splitAndTrim(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		UseMockFeed:    getEnv("USE_MOCK_FEED", "true") == "true",
		Testnet:        getEnv("TESTNET", "false") == "true",
		DBPath:         getEnv("DB_PATH", "./data/engine.db"),
		ExchangesFile:  getEnv("EXCHANGES_FILE", ""),
		MasterKeyHex:   os.Getenv("CREDENTIAL_MASTER_KEY"),
		InitialBalance: getEnvFloat("PAPER_INITIAL_BALANCE", 10000.0),
		CommissionRate: getEnvFloat("PAPER_COMMISSION_RATE", 0.001),
		SlippageRate:   getEnvFloat("PAPER_SLIPPAGE_RATE", 0.0005),
		Risk: RiskConfig{
			MaxPositionSize:      getEnvFloat("RISK_MAX_POSITION_SIZE", 0.02),
			StopLossPct:          getEnvFloat("RISK_STOP_LOSS_PCT", 0.02),
			TakeProfitPct:        getEnvFloat("RISK_TAKE_PROFIT_PCT", 0.04),
			TrailingStopPct:      getEnvFloat("RISK_TRAILING_STOP_PCT", 0.015),
			MaxDailyLoss:         getEnvFloat("RISK_MAX_DAILY_LOSS", 0.05),
			MaxDrawdown:          getEnvFloat("RISK_MAX_DRAWDOWN", 0.2),
			MaxOpenPositions:     getEnvInt("RISK_MAX_OPEN_POSITIONS", 5),
			VolatilityAdjustment: getEnv("RISK_VOLATILITY_ADJUSTMENT", "true") == "true",
		},
	}, nil
}

// LoadExchanges parses the exchanges YAML file. When enc is non-nil,
// credential fields carrying the encrypted prefix are decrypted; an encrypted
// field without a key is an error rather than a silently unusable connection.
// A risk: block in the file overrides the env-derived risk settings.
func (c *Config) LoadExchanges(enc *crypto.Encryptor) ([]ExchangeConfig, error) {
	if c.ExchangesFile == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(c.ExchangesFile)
	if err != nil {
		return nil, fmt.Errorf("read exchanges file: %w", err)
	}

	var f exchangesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse exchanges file: %w", err)
	}

	for i := range f.Exchanges {
		e := &f.Exchanges[i]
		if e.APIKey, err = maybeDecrypt(enc, e.APIKey); err != nil {
			return nil, fmt.Errorf("exchange %q api_key: %w", e.Name, err)
		}
		if e.APISecret, err = maybeDecrypt(enc, e.APISecret); err != nil {
			return nil, fmt.Errorf("exchange %q api_secret: %w", e.Name, err)
		}
		if e.Passphrase, err = maybeDecrypt(enc, e.Passphrase); err != nil {
			return nil, fmt.Errorf("exchange %q passphrase: %w", e.Name, err)
		}
	}

	if f.Risk != nil {
		c.Risk = *f.Risk
	}
	return f.Exchanges, nil
}

func maybeDecrypt(enc *crypto.Encryptor, value string) (string, error) {
	if !crypto.IsEncrypted(value) {
		return value, nil
	}
	if enc == nil {
		return "", fmt.Errorf("value is encrypted but no master key is configured")
	}
	return enc.Decrypt(value)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
