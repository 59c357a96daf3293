// Package config loads the checkout service configuration: a YAML file with
// sane defaults, overlaid by environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/bigkatzo/storefront-checkout/pkg/logger"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"SERVER_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"SERVER_ALLOWED_ORIGINS"`
}

// DatabaseConfig selects the order ledger backend. An empty DSN keeps the
// in-memory store, which is only suitable for development and tests.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"DATABASE_DSN"`
}

// RedisConfig selects the eligibility cache backend. An empty address falls
// back to the in-process cache.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// CheckoutConfig carries the merchant settlement parameters.
type CheckoutConfig struct {
	ReceiverWallet string `yaml:"receiver_wallet" env:"CHECKOUT_RECEIVER_WALLET"`
	Currency       string `yaml:"currency" env:"CHECKOUT_CURRENCY"`
}

// UpstreamConfig points at an external HTTP collaborator. An empty endpoint
// disables the integration.
type UpstreamConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// Config is the root configuration document.
type Config struct {
	Server      ServerConfig         `yaml:"server"`
	Database    DatabaseConfig       `yaml:"database"`
	Redis       RedisConfig          `yaml:"redis"`
	Checkout    CheckoutConfig       `yaml:"checkout"`
	Eligibility UpstreamConfig       `yaml:"eligibility"`
	Settlement  UpstreamConfig       `yaml:"settlement"`
	Card        UpstreamConfig       `yaml:"card"`
	Swap        UpstreamConfig       `yaml:"swap"`
	Bridge      UpstreamConfig       `yaml:"bridge"`
	Wallet      UpstreamConfig       `yaml:"wallet"`
	Logging     logger.LoggingConfig `yaml:"logging"`
}

// upstream env vars do not fit envdecode's struct tags cleanly because the
// same struct serves five integrations, so they are applied by hand.
var upstreamEnv = []struct {
	endpoint, key string
	pick          func(*Config) *UpstreamConfig
}{
	{"ELIGIBILITY_URL", "ELIGIBILITY_API_KEY", func(c *Config) *UpstreamConfig { return &c.Eligibility }},
	{"SETTLEMENT_URL", "SETTLEMENT_API_KEY", func(c *Config) *UpstreamConfig { return &c.Settlement }},
	{"CARD_PROCESSOR_URL", "CARD_PROCESSOR_API_KEY", func(c *Config) *UpstreamConfig { return &c.Card }},
	{"SWAP_AGGREGATOR_URL", "SWAP_AGGREGATOR_API_KEY", func(c *Config) *UpstreamConfig { return &c.Swap }},
	{"BRIDGE_URL", "BRIDGE_API_KEY", func(c *Config) *UpstreamConfig { return &c.Bridge }},
	{"WALLET_RELAY_URL", "WALLET_RELAY_API_KEY", func(c *Config) *UpstreamConfig { return &c.Wallet }},
}

// Default returns the development configuration: in-memory ledger, in-process
// cache, text logging on :8080.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Checkout: CheckoutConfig{Currency: "USDC"},
		Logging:  logger.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
	}
}

// Load reads the YAML file at path on top of defaults, then applies the
// environment overlay.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

// LoadOrDefault loads config/checkout.yaml if present, otherwise defaults
// plus the environment overlay.
func LoadOrDefault() (Config, error) {
	path := filepath.Join("config", "checkout.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	cfg := Default()
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) error {
	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return fmt.Errorf("decode environment: %w", err)
	}
	for _, u := range upstreamEnv {
		target := u.pick(cfg)
		if v := os.Getenv(u.endpoint); v != "" {
			target.Endpoint = v
		}
		if v := os.Getenv(u.key); v != "" {
			target.APIKey = v
		}
	}
	return nil
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr is required")
	}
	return nil
}
