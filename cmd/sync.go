package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/api"
	"github.com/JakeFAU/catalog-sync/internal/clock/system"
	"github.com/JakeFAU/catalog-sync/internal/crawl"
	"github.com/JakeFAU/catalog-sync/internal/decision"
	"github.com/JakeFAU/catalog-sync/internal/id/uuid"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
	"github.com/JakeFAU/catalog-sync/internal/notify"
	"github.com/JakeFAU/catalog-sync/internal/parser/selector"
	"github.com/JakeFAU/catalog-sync/internal/run"
	"github.com/JakeFAU/catalog-sync/internal/storage/postgres"
	"github.com/JakeFAU/catalog-sync/internal/telemetry"
)

func newSyncCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Crawl the listing and reconcile the inventory table",
		Long: `Builds the snapshot of the configured category, crawls the listing from the
saved checkpoint (or page 1), retries failed pages once and writes the observed
changes in conditional batches. A run summary is printed as JSON on exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "create missing tables before syncing")
	return cmd
}

func runSync(cmd *cobra.Command, migrate bool) error {
	env, err := resolveEnvironment(cmd.Context())
	if err != nil {
		return err
	}
	cfg, logger := env.cfg, env.logger
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	clock := system.New()
	runID, err := uuid.New("run-").NewID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	logger = logger.With(zap.String("run_id", runID))
	metrics.Init()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.TracerConfig{
			ServiceName: cfg.Tracing.ServiceName,
			RunID:       runID,
			Category:    cfg.Category,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	opts, err := run.NewOptions(cfg, runID)
	if err != nil {
		return err
	}

	pool, err := postgres.Connect(ctx, poolConfig(cfg.DB), logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	if migrate {
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	inventory, err := postgres.NewInventoryStore(pool, cfg.DB.Table)
	if err != nil {
		return fmt.Errorf("init inventory store: %w", err)
	}
	discovery, err := postgres.NewDiscoveryStore(pool, cfg.DB.DiscoveryTable, clock.Now)
	if err != nil {
		return fmt.Errorf("init discovery store: %w", err)
	}

	fetcher, closeFetcher, err := buildFetcher(cfg.Fetcher)
	if err != nil {
		return err
	}
	defer closeFetcher()
	parser, err := selector.New(cfg.Parser)
	if err != nil {
		return fmt.Errorf("init parser: %w", err)
	}
	checkpoints, closeCheckpoints, err := buildCheckpointStore(ctx, cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer closeCheckpoints()
	pages, closeArchive, err := buildArchive(ctx, cfg.Archive, runID)
	if err != nil {
		return err
	}
	defer closeArchive()

	gate := decision.NewGate(
		decision.WithClock(clock),
		decision.WithLogger(logger.Named("decision")),
	)
	deps := run.Deps{
		Inventory:   inventory,
		Discovery:   discovery,
		Fetcher:     fetcher,
		Parser:      parser,
		Checkpoints: checkpoints,
		Gate:        gate,
		Clock:       clock,
		Logger:      logger,
	}
	if pages != nil {
		deps.Archive = pages
	}

	publisher, err := buildPublisher(ctx, cfg.Notify, logger)
	if err != nil {
		return err
	}
	if publisher != nil {
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("publisher close failed", zap.Error(err))
			}
		}()
		notifier, err := notify.NewChangeNotifier(publisher, runID, clock, logger.Named("notify"))
		if err != nil {
			return err
		}
		deps.Notifier = notifier
	}

	runner, err := run.New(opts, deps)
	if err != nil {
		return err
	}

	if cfg.Server.Enabled {
		server := api.NewServer(runner, gate, logger.Named("api"))
		go func() {
			if err := server.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
				logger.Error("ops server stopped", zap.Error(err))
			}
		}()
	}

	summary, runErr := runner.Run(ctx)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		logger.Warn("summary encode failed", zap.Error(err))
	}
	if runErr != nil {
		if summary.Reason == crawl.ReasonAborted {
			return fmt.Errorf("sync aborted by operator: %w", runErr)
		}
		return fmt.Errorf("sync failed: %w", runErr)
	}
	return nil
}
