// Package config loads bookwatch configuration from defaults, an optional
// TOML file and BOOKWATCH_-prefixed environment variables, in that priority
// order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	addresscodec "github.com/LeJamon/xrplbook/internal/codec/address-codec"
)

// Config is the complete bookwatch configuration.
type Config struct {
	Server ServerConfig `toml:"server" mapstructure:"server"`
	Book   BookConfig   `toml:"book" mapstructure:"book"`
	Log    LogConfig    `toml:"log" mapstructure:"log"`
}

// ServerConfig describes the rippled websocket endpoint.
type ServerConfig struct {
	URL            string        `toml:"url" mapstructure:"url"`
	ConnectTimeout time.Duration `toml:"connect_timeout" mapstructure:"connect_timeout"`
	RequestTimeout time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`
}

// BookConfig names the currency pair to watch. Issuers are required for
// issued currencies and must be empty for XRP. A non-empty LedgerIndex pins
// the book to a historical ledger.
type BookConfig struct {
	CurrencyGets string `toml:"currency_gets" mapstructure:"currency_gets"`
	IssuerGets   string `toml:"issuer_gets" mapstructure:"issuer_gets"`
	CurrencyPays string `toml:"currency_pays" mapstructure:"currency_pays"`
	IssuerPays   string `toml:"issuer_pays" mapstructure:"issuer_pays"`
	Account      string `toml:"account" mapstructure:"account"`
	LedgerIndex  string `toml:"ledger_index" mapstructure:"ledger_index"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `toml:"level" mapstructure:"level"`
	Pretty bool   `toml:"pretty" mapstructure:"pretty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "wss://s1.ripple.com")
	v.SetDefault("server.connect_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)

	v.SetDefault("book.currency_pays", "XRP")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads configuration. configPath may be empty, in which case only
// defaults and environment variables apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", configPath)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("BOOKWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency.
func Validate(cfg *Config) error {
	if cfg.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if !strings.HasPrefix(cfg.Server.URL, "ws://") && !strings.HasPrefix(cfg.Server.URL, "wss://") {
		return fmt.Errorf("server.url must be a ws:// or wss:// endpoint, got %q", cfg.Server.URL)
	}

	if err := validateSide("gets", cfg.Book.CurrencyGets, cfg.Book.IssuerGets); err != nil {
		return err
	}
	if err := validateSide("pays", cfg.Book.CurrencyPays, cfg.Book.IssuerPays); err != nil {
		return err
	}
	if cfg.Book.Account != "" && !addresscodec.IsValidClassicAddress(cfg.Book.Account) {
		return fmt.Errorf("book.account %q is not a valid address", cfg.Book.Account)
	}

	switch cfg.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of trace, debug, info, warn, error", cfg.Log.Level)
	}
	return nil
}

func validateSide(side, currency, issuer string) error {
	if currency == "" {
		return fmt.Errorf("book.currency_%s is required", side)
	}
	if strings.EqualFold(currency, "XRP") {
		if issuer != "" {
			return fmt.Errorf("book.issuer_%s must be empty for XRP", side)
		}
		return nil
	}
	if !addresscodec.IsValidClassicAddress(issuer) {
		return fmt.Errorf("book.issuer_%s %q is not a valid address", side, issuer)
	}
	return nil
}
