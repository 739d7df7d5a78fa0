// Package daemon holds the creditledger runtime configuration and assembles
// the long-running server from it.
package daemon

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/tutu-network/creditledger/internal/app/ledger"
	"github.com/tutu-network/creditledger/internal/app/payout"
	"github.com/tutu-network/creditledger/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. CREDITLEDGER_API_PORT.
const EnvPrefix = "CREDITLEDGER_"

// ConfigFile is the config file name inside the home directory.
const ConfigFile = "config.toml"

// Config is the full runtime configuration.
type Config struct {
	API      APIConfig      `toml:"api" envPrefix:"API_"`
	Ledger   LedgerConfig   `toml:"ledger" envPrefix:"LEDGER_"`
	FHE      FHEConfig      `toml:"fhe" envPrefix:"FHE_"`
	Payout   PayoutConfig   `toml:"payout" envPrefix:"PAYOUT_"`
	Snapshot SnapshotConfig `toml:"snapshot" envPrefix:"SNAPSHOT_"`
	Log      LogConfig      `toml:"log" envPrefix:"LOG_"`
}

// APIConfig controls the HTTP server.
type APIConfig struct {
	Host           string  `toml:"host" env:"HOST"`
	Port           int     `toml:"port" env:"PORT"`
	Metrics        bool    `toml:"metrics" env:"METRICS"`
	RateLimitRPS   float64 `toml:"rate_limit_rps" env:"RATE_LIMIT_RPS"` // 0 disables
	RateLimitBurst int     `toml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// LedgerConfig mirrors ledger.Config in file form.
type LedgerConfig struct {
	Owner           string `toml:"owner" env:"OWNER"`
	CreditPriceGwei uint64 `toml:"credit_price_gwei" env:"CREDIT_PRICE_GWEI"`
	DailyReward     uint64 `toml:"daily_reward" env:"DAILY_REWARD"`
	CooldownSeconds int64  `toml:"cooldown_seconds" env:"COOLDOWN_SECONDS"`
	MaxPurchase     uint64 `toml:"max_purchase" env:"MAX_PURCHASE"`
	BackendTimeout  string `toml:"backend_timeout" env:"BACKEND_TIMEOUT"`
}

// FHEConfig configures the local homomorphic backend.
type FHEConfig struct {
	MasterSeed string `toml:"master_seed" env:"MASTER_SEED"` // hex, >= 16 bytes
}

// PayoutConfig configures the outbox dispatcher.
type PayoutConfig struct {
	Rail          string `toml:"rail" env:"RAIL"` // "log" or "webhook"
	WebhookURL    string `toml:"webhook_url" env:"WEBHOOK_URL"`
	MaxConcurrent int    `toml:"max_concurrent" env:"MAX_CONCURRENT"`
	Timeout       string `toml:"timeout" env:"TIMEOUT"`
	MaxAttempts   int    `toml:"max_attempts" env:"MAX_ATTEMPTS"`
	Schedule      string `toml:"schedule" env:"SCHEDULE"` // cron spec
}

// SnapshotConfig configures periodic ledger snapshots.
type SnapshotConfig struct {
	Schedule string `toml:"schedule" env:"SCHEDULE"` // cron spec, "" disables
	Retain   string `toml:"retain" env:"RETAIN"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"` // "text" or "json"
}

// DefaultConfig returns the defaults written by `creditledger init`.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8547,
			Metrics:        true,
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Ledger: LedgerConfig{
			CreditPriceGwei: uint64(domain.DefaultCreditPrice),
			DailyReward:     domain.DefaultDailyReward,
			CooldownSeconds: domain.DefaultCooldownSeconds,
			MaxPurchase:     domain.DefaultMaxPurchase,
			BackendTimeout:  "10s",
		},
		Payout: PayoutConfig{
			Rail:          "log",
			MaxConcurrent: 4,
			Timeout:       "30s",
			MaxAttempts:   5,
			Schedule:      "@every 30s",
		},
		Snapshot: SnapshotConfig{
			Schedule: "@hourly",
			Retain:   "720h",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Home returns the creditledger home directory ($CREDITLEDGER_HOME or
// ~/.creditledger).
func Home() string {
	if env := os.Getenv("CREDITLEDGER_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".creditledger")
}

// Load reads home/config.toml over the defaults, then home/.env, then
// CREDITLEDGER_* environment variables. A missing file is not an error.
// The result is not validated.
func Load(home string) (Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(home, ConfigFile)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("stat %s: %w", path, err)
	}

	// .env never overrides variables already set in the process.
	dotenv := filepath.Join(home, ".env")
	if _, err := os.Stat(dotenv); err == nil {
		if err := godotenv.Load(dotenv); err != nil {
			return cfg, fmt.Errorf("load %s: %w", dotenv, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path as TOML with 0600 permissions.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// NewMasterSeed returns a fresh random hex seed.
func NewMasterSeed() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Validate checks every section.
func (c Config) Validate() error {
	var errs []error
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if c.API.RateLimitRPS < 0 {
		errs = append(errs, errors.New("api.rate_limit_rps must be >= 0"))
	}

	if _, err := c.LedgerParams(); err != nil {
		errs = append(errs, err)
	}

	if _, err := c.Seed(); err != nil {
		errs = append(errs, err)
	}

	switch c.Payout.Rail {
	case "log":
	case "webhook":
		if c.Payout.WebhookURL == "" {
			errs = append(errs, errors.New("payout.webhook_url required for webhook rail"))
		}
	default:
		errs = append(errs, fmt.Errorf("payout.rail %q: want log or webhook", c.Payout.Rail))
	}
	if _, err := c.PayoutParams(); err != nil {
		errs = append(errs, err)
	}
	if c.Snapshot.Schedule != "" {
		if _, err := time.ParseDuration(c.Snapshot.Retain); err != nil {
			errs = append(errs, fmt.Errorf("snapshot.retain: %w", err))
		}
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// LedgerParams converts the [ledger] section into ledger.Config.
func (c Config) LedgerParams() (ledger.Config, error) {
	lc := ledger.Config{
		Owner:           domain.NormalizeAddress(c.Ledger.Owner),
		CreditPrice:     domain.Gwei(c.Ledger.CreditPriceGwei),
		DailyReward:     c.Ledger.DailyReward,
		CooldownSeconds: c.Ledger.CooldownSeconds,
		MaxPurchase:     c.Ledger.MaxPurchase,
	}
	if c.Ledger.BackendTimeout != "" {
		d, err := time.ParseDuration(c.Ledger.BackendTimeout)
		if err != nil {
			return lc, fmt.Errorf("ledger.backend_timeout: %w", err)
		}
		lc.BackendTimeout = d
	}
	if err := lc.Validate(); err != nil {
		return lc, fmt.Errorf("ledger: %w", err)
	}
	return lc, nil
}

// PayoutParams converts the [payout] section into payout.Config.
func (c Config) PayoutParams() (payout.Config, error) {
	pc := payout.Config{
		MaxConcurrent: c.Payout.MaxConcurrent,
		MaxAttempts:   c.Payout.MaxAttempts,
	}
	if c.Payout.Timeout != "" {
		d, err := time.ParseDuration(c.Payout.Timeout)
		if err != nil {
			return pc, fmt.Errorf("payout.timeout: %w", err)
		}
		pc.DefaultTimeout = d
	}
	return pc, nil
}

// Seed decodes the FHE master seed.
func (c Config) Seed() ([]byte, error) {
	s := strings.TrimSpace(c.FHE.MasterSeed)
	if s == "" {
		return nil, errors.New("fhe.master_seed is empty (run `creditledger init`)")
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("fhe.master_seed: %w", err)
	}
	if len(b) < 16 {
		return nil, fmt.Errorf("fhe.master_seed: %d bytes, want >= 16", len(b))
	}
	return b, nil
}

// SnapshotRetention returns how long snapshots are kept.
func (c Config) SnapshotRetention() time.Duration {
	d, err := time.ParseDuration(c.Snapshot.Retain)
	if err != nil {
		return 0
	}
	return d
}

// Addr returns host:port for the API listener.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// SetupLogging applies the [log] section to the standard logrus logger.
func SetupLogging(lc LogConfig) error {
	lvl, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	switch lc.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
