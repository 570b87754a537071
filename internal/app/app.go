// Package app wires configuration, storage, catalog and observability into
// the ledger services.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/catalog"
	"github.com/MarkoPoloResearchLab/coinledger/internal/config"
	"github.com/MarkoPoloResearchLab/coinledger/internal/database"
	"github.com/MarkoPoloResearchLab/coinledger/internal/observability"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPingTimeout = 2 * time.Second

// App holds the wired services and the resources they depend on.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Ledger     *ledger.Service
	Spend      *ledger.SpendService
	Reconciler *ledger.Reconciler

	connection *database.Connection
	catalog    *catalog.GormCatalog
	cache      *catalog.RedisCache
	closers    []func() error
}

// Open connects to the configured database and builds every service.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	connection, err := database.Open(ctx, cfg.DatabaseURL, cfg.VerboseSQL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	application := &App{
		Config:     cfg,
		Logger:     logger,
		Metrics:    observability.NewMetrics(),
		connection: connection,
		catalog:    catalog.NewGormCatalog(connection.DB),
		closers:    []func() error{connection.Close},
	}

	store, err := application.openStore(ctx)
	if err != nil {
		_ = application.Close()
		return nil, err
	}
	var source ledger.Catalog = application.catalog
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		application.closers = append(application.closers, client.Close)
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unavailable, catalog cache will fall through", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		cancel()
		application.cache, err = catalog.NewRedisCache(client, application.catalog, cfg.CatalogCacheTTL, logger)
		if err != nil {
			_ = application.Close()
			return nil, err
		}
		source = application.cache
	}

	operationLogger := observability.Tee{observability.NewZapOperationLogger(logger), application.Metrics}
	application.Ledger, err = ledger.NewService(store, time.Now,
		ledger.WithOperationLogger(operationLogger),
		ledger.WithRetryPolicy(cfg.RetryPolicy()),
	)
	if err != nil {
		_ = application.Close()
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	application.Spend, err = ledger.NewSpendService(application.Ledger, source, ledger.WithDefaultHoldTTL(cfg.HoldTTL))
	if err != nil {
		_ = application.Close()
		return nil, fmt.Errorf("spend service init: %w", err)
	}
	application.Reconciler, err = ledger.NewReconciler(application.Ledger, cfg.ReconcileBatchSize)
	if err != nil {
		_ = application.Close()
		return nil, fmt.Errorf("reconciler init: %w", err)
	}
	return application, nil
}

func (application *App) openStore(ctx context.Context) (ledger.Store, error) {
	if application.Config.StoreBackend == config.BackendGorm {
		return gormstore.New(application.connection.DB), nil
	}
	pool, err := database.OpenPool(ctx, application.Config.DatabaseURL)
	if err != nil {
		return nil, err
	}
	application.closers = append(application.closers, func() error {
		pool.Close()
		return nil
	})
	return pgstore.New(pool), nil
}

// Driver reports the database driver in use.
func (application *App) Driver() string {
	return application.connection.Driver
}

// PrepareSchema migrates the database schema.
func (application *App) PrepareSchema(ctx context.Context) error {
	return database.PrepareSchema(ctx, application.connection)
}

// PutCatalogItem writes a catalog item and drops any cached copy.
func (application *App) PutCatalogItem(ctx context.Context, item ledger.CatalogItem) error {
	if err := application.catalog.Put(ctx, item); err != nil {
		return err
	}
	if application.cache != nil {
		if err := application.cache.Invalidate(ctx, item.SKU); err != nil {
			application.Logger.Warn("catalog cache invalidate failed", zap.String("sku", item.SKU.String()), zap.Error(err))
		}
	}
	return nil
}

// Close releases every resource in reverse order of acquisition.
func (application *App) Close() error {
	var errs []error
	for index := len(application.closers) - 1; index >= 0; index-- {
		if err := application.closers[index](); err != nil {
			errs = append(errs, err)
		}
	}
	application.closers = nil
	return errors.Join(errs...)
}
