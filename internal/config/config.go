// Package config loads service configuration from an optional TOML file,
// an optional .env file, and MATCHING_* environment variable overrides, in
// that order of precedence (environment wins).
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Trading  TradingConfig  `toml:"trading"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port string `toml:"port"`
}

// DatabaseConfig configures the PostgreSQL connection. An empty URL selects
// the in-memory store.
type DatabaseConfig struct {
	URL string `toml:"url"`
}

// RedisConfig configures the optional read-through cache.
type RedisConfig struct {
	URL        string `toml:"url"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

// TradingConfig configures order acceptance.
type TradingConfig struct {
	// MaxOpenOrders caps a user's open orders per instrument; 0 disables.
	MaxOpenOrders int `toml:"max_open_orders"`

	// FeePerSide is the flat per-side transaction fee in currency units.
	FeePerSide string `toml:"fee_per_side"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server:  ServerConfig{Port: "8080"},
		Redis:   RedisConfig{TTLSeconds: 30},
		Trading: TradingConfig{MaxOpenOrders: 100, FeePerSide: "1"},
	}
}

// Load reads the TOML file at path (skipped when path is empty or the file
// does not exist), overlays a .env file if present, and applies MATCHING_*
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Fee parses the configured per-side fee.
func (c *Config) Fee() decimal.Decimal {
	fee, err := decimal.NewFromString(c.Trading.FeePerSide)
	if err != nil {
		return decimal.NewFromInt(1)
	}
	return fee
}

func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("config: server port must not be empty")
	}
	if _, err := decimal.NewFromString(c.Trading.FeePerSide); err != nil {
		return fmt.Errorf("config: invalid fee_per_side %q: %w", c.Trading.FeePerSide, err)
	}
	if c.Trading.MaxOpenOrders < 0 {
		return fmt.Errorf("config: max_open_orders must not be negative")
	}
	return nil
}

// applyEnvOverrides reads well-known MATCHING_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Server.Port, "MATCHING_PORT")
	setStr(&cfg.Database.URL, "MATCHING_DATABASE_URL")
	setStr(&cfg.Database.URL, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Redis.URL, "MATCHING_REDIS_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL") // compatibility alias
	setInt(&cfg.Redis.TTLSeconds, "MATCHING_REDIS_TTL_SECONDS")
	setInt(&cfg.Trading.MaxOpenOrders, "MATCHING_MAX_OPEN_ORDERS")
	setStr(&cfg.Trading.FeePerSide, "MATCHING_FEE_PER_SIDE")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
