// Package app wires configuration into a ready sync service. The API server
// and the CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"erpsync/internal/config"
	"erpsync/internal/connector/odata"
	"erpsync/internal/connector/xmlexchange"
	"erpsync/internal/pkg/dedup"
	"erpsync/internal/pkg/metrics"
	"erpsync/internal/pkg/queue"
	"erpsync/internal/pkg/ratelimit"
	"erpsync/internal/pkg/retry"
	"erpsync/internal/progress"
	"erpsync/internal/store"
	"erpsync/internal/syncer"

	"github.com/redis/go-redis/v9"
)

// App holds the long-lived dependencies of a process.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   *store.Store
	Redis   *redis.Client // nil when REDIS_ADDR is empty
	Tracker *progress.Tracker
	Queue   *queue.Queue
	Service *syncer.Service
}

// New connects to MySQL (and Redis when configured) and builds the sync
// service. The worker queue is created but not started.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db, err := store.Open(cfg.MySQL.DSN)
	if err != nil {
		return nil, err
	}
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Store:   store.New(db, logger),
		Tracker: progress.New(cfg.App.TaskRetention),
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       0,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Redis = rdb
	} else {
		logger.Warn("redis not configured, run locks are local and xml fingerprints are disabled")
	}

	metrics.InitMetrics(cfg.App.Workers)
	a.Queue = queue.New(logger, cfg.App.Workers, cfg.App.QueueCapacity)
	a.Queue.SetErrorHandler(func(name string, err error) {
		logger.Error("sync job failed", slog.String("job", name), slog.String("error", err.Error()))
	})

	flows := a.flows()
	lock := syncer.NewRunLock(a.Redis, cfg.App.LockTTL, logger)
	a.Service = syncer.NewService(syncer.Options{
		BatchSize:    cfg.Sync.BatchSize,
		LoadAll:      cfg.Sync.LoadAll,
		Limit:        cfg.Sync.Limit,
		TrailingDays: cfg.Sync.TrailingDays,
	}, flows, a.Tracker, lock, a.Queue, logger)
	return a, nil
}

func (a *App) flows() syncer.Flows {
	cfg := a.Config
	policy := retry.Policy{
		MaxAttempts: cfg.ERP.RetryAttempts,
		BaseDelay:   cfg.ERP.RetryBackoff,
		MaxDelay:    time.Minute,
	}

	var limiter odata.Limiter
	if a.Redis != nil && cfg.ERP.RateLimit > 0 {
		limiter = ratelimit.New(a.Redis, ratelimit.Config{Rate: cfg.ERP.RateLimit, Burst: cfg.ERP.RateBurst}, a.Logger)
	}
	client := odata.NewClient(odata.Config{
		BaseURL:  cfg.ERP.ODataURL,
		User:     cfg.ERP.User,
		Password: cfg.ERP.Password,
		Timeout:  cfg.ERP.Timeout,
		PageSize: cfg.ERP.PageSize,
		Retry:    policy,
	}, limiter, a.Logger)
	feed := syncer.NewODataFeed(client)

	var (
		catalogFeed syncer.CatalogFeed = feed
		stockFeed   syncer.StockFeed   = feed
	)
	if cfg.Sync.CatalogSource == config.SourceXML {
		loader := xmlexchange.NewLoader(xmlexchange.Config{
			User:     cfg.ERP.User,
			Password: cfg.ERP.Password,
			Timeout:  cfg.ERP.Timeout,
			Retry:    policy,
		}, a.Logger)
		xmlFeed := syncer.NewXMLFeed(loader, dedup.New(a.Redis, 0), cfg.XML.CatalogURL, cfg.XML.OffersURL, cfg.XML.SkipUnchanged, a.Logger)
		catalogFeed = xmlFeed
		if cfg.XML.OffersURL != "" {
			stockFeed = xmlFeed
		}
	}

	return syncer.Flows{
		Catalog:   syncer.NewCatalogSync(catalogFeed, a.Store, a.Logger),
		Stock:     syncer.NewStockSync(stockFeed, a.Store, a.Logger),
		Sales:     syncer.NewSalesSync(feed, a.Store, cfg.Sync.TrailingDays, a.Logger),
		Customers: syncer.NewCustomerSync(feed, a.Store, a.Store, cfg.Sync.CustomerHistoryDays, cfg.ERP.PhoneRegion, a.Logger),
	}
}

// NightlyTypes parses the configured nightly types.
func (a *App) NightlyTypes() ([]syncer.Type, error) {
	var (
		types []syncer.Type
		errs  []error
	)
	for _, name := range a.Config.Nightly.Types {
		t, err := syncer.ParseType(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		types = append(types, t)
	}
	return types, errors.Join(errs...)
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Store != nil {
		if sqlDB, err := a.Store.DB().DB(); err != nil {
			errs = append(errs, err)
		} else {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
