// Package config resolves runtime settings from flags, COINLEDGER_* variables
// and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "COINLEDGER"

	FlagDatabaseURL        = "database-url"
	FlagStoreBackend       = "store-backend"
	FlagLogLevel           = "log-level"
	FlagRetryAttempts      = "retry-attempts"
	FlagRetryBaseDelay     = "retry-base-delay"
	FlagRetryMaxDelay      = "retry-max-delay"
	FlagHoldTTL            = "hold-ttl"
	FlagReconcileBatchSize = "reconcile-batch-size"
	FlagRedisAddr          = "redis-addr"
	FlagRedisPassword      = "redis-password"
	FlagRedisDB            = "redis-db"
	FlagCatalogCacheTTL    = "catalog-cache-ttl"
	FlagVerboseSQL         = "verbose-sql"

	BackendGorm = "gorm"
	BackendPgx  = "pgx"

	defaultDatabaseURL        = "sqlite:///tmp/coinledger.db"
	defaultLogLevel           = "info"
	defaultHoldTTL            = 15 * time.Minute
	defaultReconcileBatchSize = 500
	defaultCatalogCacheTTL    = time.Minute
)

// Config aggregates runtime settings for the coinledger tool.
type Config struct {
	DatabaseURL        string
	StoreBackend       string
	LogLevel           string
	RetryAttempts      int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	HoldTTL            time.Duration
	ReconcileBatchSize int
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	CatalogCacheTTL    time.Duration
	VerboseSQL         bool
}

// Validate fills defaults and rejects unusable values.
func (cfg *Config) Validate() error {
	defaults := ledger.DefaultRetryPolicy
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreBackend = strings.ToLower(defaultIfEmpty(cfg.StoreBackend, BackendGorm))
	cfg.LogLevel = strings.ToLower(defaultIfEmpty(cfg.LogLevel, defaultLogLevel))
	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = defaults.MaxAttempts
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = defaults.BaseDelay
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = defaults.MaxDelay
	}
	if cfg.HoldTTL == 0 {
		cfg.HoldTTL = defaultHoldTTL
	}
	if cfg.ReconcileBatchSize == 0 {
		cfg.ReconcileBatchSize = defaultReconcileBatchSize
	}
	if cfg.CatalogCacheTTL == 0 {
		cfg.CatalogCacheTTL = defaultCatalogCacheTTL
	}

	if cfg.StoreBackend != BackendGorm && cfg.StoreBackend != BackendPgx {
		return fmt.Errorf("store backend must be %q or %q, got %q", BackendGorm, BackendPgx, cfg.StoreBackend)
	}
	if cfg.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	if cfg.RetryBaseDelay < 0 || cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 <= base <= max")
	}
	if cfg.HoldTTL < 0 {
		return fmt.Errorf("hold ttl must not be negative")
	}
	if cfg.ReconcileBatchSize < 0 {
		return fmt.Errorf("reconcile batch size must not be negative")
	}
	if cfg.RedisDB < 0 {
		return fmt.Errorf("redis db must not be negative")
	}
	return nil
}

// RetryPolicy converts the retry settings for ledger.WithRetryPolicy.
func (cfg Config) RetryPolicy() ledger.RetryPolicy {
	return ledger.RetryPolicy{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}
}

// RegisterFlags declares every setting on flags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(FlagDatabaseURL, defaultDatabaseURL, "postgres:// URL, sqlite:// URL or sqlite file path")
	flags.String(FlagStoreBackend, BackendGorm, "store backend: gorm or pgx (postgres only)")
	flags.String(FlagLogLevel, defaultLogLevel, "log level: debug, info, warn, error")
	flags.Int(FlagRetryAttempts, 0, "attempts per operation on transient conflicts")
	flags.Duration(FlagRetryBaseDelay, 0, "initial retry backoff")
	flags.Duration(FlagRetryMaxDelay, 0, "maximum retry backoff")
	flags.Duration(FlagHoldTTL, defaultHoldTTL, "default spend authorization lifetime")
	flags.Int(FlagReconcileBatchSize, defaultReconcileBatchSize, "wallets fetched per reconciliation page")
	flags.String(FlagRedisAddr, "", "redis address for the catalog cache (disabled when empty)")
	flags.String(FlagRedisPassword, "", "redis password")
	flags.Int(FlagRedisDB, 0, "redis database number")
	flags.Duration(FlagCatalogCacheTTL, defaultCatalogCacheTTL, "catalog cache entry lifetime")
	flags.Bool(FlagVerboseSQL, false, "log every SQL statement")
}

// Load reads envFile when it exists, then resolves flags over COINLEDGER_*
// environment variables.
func Load(flags *pflag.FlagSet, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DatabaseURL:        strings.TrimSpace(v.GetString(FlagDatabaseURL)),
		StoreBackend:       strings.TrimSpace(v.GetString(FlagStoreBackend)),
		LogLevel:           strings.TrimSpace(v.GetString(FlagLogLevel)),
		RetryAttempts:      v.GetInt(FlagRetryAttempts),
		RetryBaseDelay:     v.GetDuration(FlagRetryBaseDelay),
		RetryMaxDelay:      v.GetDuration(FlagRetryMaxDelay),
		HoldTTL:            v.GetDuration(FlagHoldTTL),
		ReconcileBatchSize: v.GetInt(FlagReconcileBatchSize),
		RedisAddr:          v.GetString(FlagRedisAddr),
		RedisPassword:      v.GetString(FlagRedisPassword),
		RedisDB:            v.GetInt(FlagRedisDB),
		CatalogCacheTTL:    v.GetDuration(FlagCatalogCacheTTL),
		VerboseSQL:         v.GetBool(FlagVerboseSQL),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
