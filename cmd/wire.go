package cmd

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/archive"
	"github.com/JakeFAU/catalog-sync/internal/archive/gcs"
	"github.com/JakeFAU/catalog-sync/internal/archive/local"
	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/checkpoint"
	"github.com/JakeFAU/catalog-sync/internal/config"
	collyfetcher "github.com/JakeFAU/catalog-sync/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-sync/internal/fetcher/headless"
	"github.com/JakeFAU/catalog-sync/internal/notify"
	memorypublisher "github.com/JakeFAU/catalog-sync/internal/notify/memory"
	natspublisher "github.com/JakeFAU/catalog-sync/internal/notify/nats"
	pubsubpublisher "github.com/JakeFAU/catalog-sync/internal/notify/pubsub"
	"github.com/JakeFAU/catalog-sync/internal/storage/postgres"
)

func noop() {}

func poolConfig(cfg config.DBConfig) postgres.PoolConfig {
	return postgres.PoolConfig{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
		ConnectAttempts: cfg.ConnectAttempts,
		TraceQueries:    cfg.TraceQueries,
	}
}

func buildCheckpointStore(ctx context.Context, cfg config.CheckpointConfig) (checkpoint.Store, func(), error) {
	switch cfg.Backend {
	case "redis":
		store, err := checkpoint.NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("init redis checkpoint store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		store, err := checkpoint.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("init file checkpoint store: %w", err)
		}
		return store, noop, nil
	}
}

func buildFetcher(cfg config.FetcherConfig) (catalog.Fetcher, func(), error) {
	if cfg.Kind == "headless" {
		f, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: cfg.Timeout,
			SettleDelay:       cfg.Headless.SettleDelay,
			MaxAuthFailures:   cfg.MaxAuthFailures,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		return f, f.Close, nil
	}
	return collyfetcher.New(collyfetcher.Config{
		UserAgent:       cfg.UserAgent,
		Timeout:         cfg.Timeout,
		RatePerSecond:   cfg.RatePerSecond,
		Burst:           cfg.Burst,
		MaxAuthFailures: cfg.MaxAuthFailures,
	}), noop, nil
}

func buildArchive(ctx context.Context, cfg config.ArchiveConfig, runID string) (*archive.PageArchiver, func(), error) {
	var (
		store   archive.Store
		closeFn = noop
	)
	switch cfg.Backend {
	case "local":
		s, err := local.New(cfg.Local)
		if err != nil {
			return nil, nil, fmt.Errorf("init local archive: %w", err)
		}
		store = s
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		s, err := gcs.New(client, cfg.GCS)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("init gcs archive: %w", err)
		}
		store = s
		closeFn = func() { _ = client.Close() }
	default:
		return nil, noop, nil
	}
	a, err := archive.NewPageArchiver(store, runID)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return a, closeFn, nil
}

func buildPublisher(ctx context.Context, cfg config.NotifyConfig, logger *zap.Logger) (notify.Publisher, error) {
	switch cfg.Backend {
	case "memory":
		return memorypublisher.New(), nil
	case "pubsub":
		p, err := pubsubpublisher.Dial(ctx, cfg.PubSub)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		return p, nil
	case "nats":
		p, err := natspublisher.Connect(cfg.NATS, logger)
		if err != nil {
			return nil, fmt.Errorf("init nats publisher: %w", err)
		}
		return p, nil
	default:
		return nil, nil
	}
}
