// Package run wires one synchronization run: snapshot, crawl, retry pass and
// reconciliation, ending in a Summary.
package run

import (
	"fmt"

	"github.com/JakeFAU/catalog-sync/internal/config"
	"github.com/JakeFAU/catalog-sync/internal/crawl"
	"github.com/JakeFAU/catalog-sync/internal/reconcile"
	"github.com/JakeFAU/catalog-sync/internal/stopdetect"
)

// Options is the resolved, read-only configuration of one run. It is built once
// from config.Config and passed by value.
type Options struct {
	RunID     string
	Category  string
	PageURL   crawl.PageURLFunc
	Scheduler crawl.Config
	Retry     crawl.CoordinatorConfig
	Stop      stopdetect.Config
	Planner   reconcile.PlannerConfig
	// FlushSize is how many items the sink buffers before running a reconciliation pass.
	FlushSize int
	// DedupeSize bounds the cache of identical observations.
	DedupeSize int
}

// NewOptions resolves cfg for the run identified by runID.
func NewOptions(cfg config.Config, runID string) (Options, error) {
	if runID == "" {
		return Options{}, fmt.Errorf("run id is required")
	}
	mode, err := stopdetect.ParseMode(cfg.Stop.Mode)
	if err != nil {
		return Options{}, fmt.Errorf("resolve stop mode: %w", err)
	}
	return Options{
		RunID:    runID,
		Category: cfg.Category,
		PageURL:  cfg.PageURL,
		Scheduler: crawl.Config{
			Workers:              cfg.Crawl.Workers,
			PollInterval:         cfg.Crawl.PollInterval,
			DrainGrace:           cfg.Crawl.DrainGrace,
			RefreshEvery:         cfg.Crawl.RefreshEvery,
			RefreshCooloff:       cfg.Crawl.RefreshCooloff,
			CheckpointEvery:      cfg.Crawl.CheckpointEvery,
			StallTimeout:         cfg.Crawl.StallTimeout,
			StallDecisionTimeout: cfg.Crawl.StallDecisionTimeout,
			StallDefault:         cfg.Crawl.StallDefault,
			MaxPages:             cfg.Crawl.MaxPages,
		},
		Retry: crawl.CoordinatorConfig{
			Workers:      cfg.Crawl.RetryWorkers,
			Cooloff:      cfg.Crawl.RetryCooloff,
			PollInterval: cfg.Crawl.PollInterval,
		},
		Stop: stopdetect.Config{
			Threshold: cfg.Stop.Threshold,
			Mode:      mode,
		},
		Planner: reconcile.PlannerConfig{
			Category:       cfg.Category,
			BatchSize:      cfg.Reconcile.BatchSize,
			LockRetries:    cfg.Reconcile.LockRetries,
			LockRetryDelay: cfg.Reconcile.LockRetryDelay,
		},
		FlushSize:  cfg.Reconcile.FlushSize,
		DedupeSize: cfg.Reconcile.DedupeSize,
	}, nil
}
