// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/layer-3/edupass/core"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stellar/go/network"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :9000).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// Env is the application environment; "production" requires explicit keys.
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// NetworkPassphrase scopes every transaction hash.
	NetworkPassphrase string `mapstructure:"NETWORK_PASSPHRASE"`
	// ServerSigningSeed is the S... seed of the account that signs challenges.
	ServerSigningSeed string `mapstructure:"SERVER_SIGNING_SEED"`
	// HomeDomain names the challenge entry ("<home domain> auth").
	HomeDomain string `mapstructure:"HOME_DOMAIN"`
	// WebAuthDomain is the authority domain marker and credential issuer.
	WebAuthDomain string        `mapstructure:"WEB_AUTH_DOMAIN"`
	ChallengeTTL  time.Duration `mapstructure:"CHALLENGE_TTL"`
	// JWTPrivateKey is the PEM-encoded ECDSA P-256 key for ES256 credentials.
	JWTPrivateKey string        `mapstructure:"JWT_PRIVATE_KEY"`
	SessionTTL    time.Duration `mapstructure:"SESSION_TTL"`

	// DatabaseURL is a postgres:// DSN or a sqlite path; empty keeps state in memory.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL enables the redis replay store and redis stream events.
	RedisURL string `mapstructure:"REDIS_URL"`
	// LedgerAccounts seeds the in-process ledger: "G...:amount,G...:amount".
	LedgerAccounts string `mapstructure:"LEDGER_ACCOUNTS"`

	BaseFee   uint32        `mapstructure:"BASE_FEE"`
	TxTimeout time.Duration `mapstructure:"TX_TIMEOUT"`

	SubmitMaxRetries    int           `mapstructure:"SUBMIT_MAX_RETRIES"`
	SubmitBackoff       time.Duration `mapstructure:"SUBMIT_BACKOFF"`
	ConfirmTimeout      time.Duration `mapstructure:"CONFIRM_TIMEOUT"`
	ConfirmPollInterval time.Duration `mapstructure:"CONFIRM_POLL_INTERVAL"`

	CacheTTL        time.Duration `mapstructure:"CACHE_TTL"`
	CacheCapacity   int           `mapstructure:"CACHE_CAPACITY"`
	CacheEvictBatch int           `mapstructure:"CACHE_EVICT_BATCH"`
}

// LedgerAccount is one seeded account of the in-process ledger.
type LedgerAccount struct {
	ID     string
	Native int64 // stroops
}

// New returns a Viper instance reading .env (if present) and the environment,
// with every default set. Callers may bind flags to it before Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":9000")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("NETWORK_PASSPHRASE", network.TestNetworkPassphrase)
	v.SetDefault("SERVER_SIGNING_SEED", "")
	v.SetDefault("HOME_DOMAIN", "localhost")
	v.SetDefault("WEB_AUTH_DOMAIN", "")
	v.SetDefault("CHALLENGE_TTL", "300s")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("SESSION_TTL", "1h")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("LEDGER_ACCOUNTS", "")
	v.SetDefault("BASE_FEE", 100)
	v.SetDefault("TX_TIMEOUT", "1h")
	v.SetDefault("SUBMIT_MAX_RETRIES", 3)
	v.SetDefault("SUBMIT_BACKOFF", "2000ms")
	v.SetDefault("CONFIRM_TIMEOUT", "30s")
	v.SetDefault("CONFIRM_POLL_INTERVAL", "1s")
	v.SetDefault("CACHE_TTL", "30s")
	v.SetDefault("CACHE_CAPACITY", 1000)
	v.SetDefault("CACHE_EVICT_BATCH", 100)

	return v
}

// Load builds and validates Config from v. A nil v uses New().
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = New()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.NetworkPassphrase == "" {
		return nil, errors.New("config: NETWORK_PASSPHRASE must be set")
	}
	if cfg.HomeDomain == "" {
		return nil, errors.New("config: HOME_DOMAIN must be set")
	}
	if cfg.WebAuthDomain == "" {
		cfg.WebAuthDomain = cfg.HomeDomain
	}
	if cfg.Production() && (cfg.ServerSigningSeed == "" || cfg.JWTPrivateKey == "") {
		return nil, errors.New("config: SERVER_SIGNING_SEED and JWT_PRIVATE_KEY must be set when APP_ENV=production")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("config: LOG_LEVEL %q is not one of debug, info, warn, error", cfg.LogLevel)
	}
	if cfg.SubmitMaxRetries < 1 {
		return nil, errors.New("config: SUBMIT_MAX_RETRIES must be at least 1")
	}
	if cfg.ConfirmPollInterval <= 0 || cfg.ConfirmTimeout < cfg.ConfirmPollInterval {
		return nil, errors.New("config: CONFIRM_TIMEOUT must be at least CONFIRM_POLL_INTERVAL")
	}
	if cfg.CacheEvictBatch < 1 || cfg.CacheEvictBatch > cfg.CacheCapacity {
		return nil, errors.New("config: CACHE_EVICT_BATCH must be between 1 and CACHE_CAPACITY")
	}
	if _, err := cfg.Accounts(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Production reports whether APP_ENV is production.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// Accounts parses LedgerAccounts. Amounts are decimal units of the native
// asset.
func (c *Config) Accounts() ([]LedgerAccount, error) {
	if c == nil || strings.TrimSpace(c.LedgerAccounts) == "" {
		return nil, nil
	}
	var out []LedgerAccount
	for _, entry := range strings.Split(c.LedgerAccounts, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, amount, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("config: LEDGER_ACCOUNTS entry %q is not ACCOUNT:AMOUNT", entry)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil || d.IsNegative() {
			return nil, fmt.Errorf("config: LEDGER_ACCOUNTS amount %q is invalid", amount)
		}
		stroops, err := core.ToStroops(d)
		if err != nil {
			return nil, fmt.Errorf("config: LEDGER_ACCOUNTS amount %q: %w", amount, err)
		}
		out = append(out, LedgerAccount{ID: strings.TrimSpace(id), Native: stroops})
	}
	return out, nil
}
