package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

const minimalYAML = `
category: kitchen
listing:
  url_template: https://shop.test/kitchen?page={page}
parser:
  item: li.product
  id: .sku
db:
  dsn: postgres://localhost/catalog
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Checkpoint.Backend != "file" || cfg.Checkpoint.Path != ".catalogsync/checkpoint.json" {
		t.Fatalf("unexpected checkpoint defaults: %+v", cfg.Checkpoint)
	}
	if cfg.Reconcile.BatchSize != 300 || cfg.Reconcile.LockRetries != 5 {
		t.Fatalf("unexpected reconcile defaults: %+v", cfg.Reconcile)
	}
	if cfg.Crawl.DrainGrace != 30*time.Second || cfg.Crawl.PollInterval != 500*time.Millisecond {
		t.Fatalf("unexpected crawl timing defaults: %+v", cfg.Crawl)
	}
	if cfg.Crawl.StallDefault != "refresh" {
		t.Fatalf("expected stall default refresh, got %q", cfg.Crawl.StallDefault)
	}
	if cfg.Stop.Threshold != 30 {
		t.Fatalf("expected stop threshold 30, got %d", cfg.Stop.Threshold)
	}
	if got := cfg.PageURL(43); got != "https://shop.test/kitchen?page=43" {
		t.Fatalf("unexpected page url %q", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, minimalYAML+`
crawl:
  workers: 8
  refresh_every: 50
  refresh_cooloff: 2m
  stall_default: abort
stop:
  threshold: 12
  mode: backordered_or_made_to_order
fetcher:
  kind: headless
  headless:
    max_parallel: 3
parser:
  item: li.product
  id: .sku
  keywords:
    special order: made_to_order
checkpoint:
  backend: redis
  redis:
    addr: localhost:6379
    key: sync:kitchen
reconcile:
  batch_size: 500
notify:
  backend: nats
  nats:
    url: nats://localhost:4222
archive:
  backend: gcs
  gcs:
    bucket: raw-pages
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Crawl.Workers != 8 || cfg.Crawl.RefreshEvery != 50 || cfg.Crawl.RefreshCooloff != 2*time.Minute {
		t.Fatalf("expected crawl overrides to apply: %+v", cfg.Crawl)
	}
	if cfg.Stop.Mode != "backordered_or_made_to_order" || cfg.Stop.Threshold != 12 {
		t.Fatalf("expected stop overrides to apply: %+v", cfg.Stop)
	}
	if cfg.Fetcher.Kind != "headless" || cfg.Fetcher.Headless.MaxParallel != 3 {
		t.Fatalf("expected fetcher overrides to apply: %+v", cfg.Fetcher)
	}
	if cfg.Parser.Keywords["special order"] != catalog.AvailabilityMadeToOrder {
		t.Fatalf("expected keyword table to load: %+v", cfg.Parser.Keywords)
	}
	if cfg.Checkpoint.Redis.Key != "sync:kitchen" {
		t.Fatalf("expected redis key override, got %q", cfg.Checkpoint.Redis.Key)
	}
	if cfg.Notify.NATS.Subject != "catalog.changes" {
		t.Fatalf("expected default nats subject, got %q", cfg.Notify.NATS.Subject)
	}
	if cfg.Archive.GCS.Bucket != "raw-pages" || cfg.Archive.GCS.Prefix != "pages" {
		t.Fatalf("expected archive overrides to apply: %+v", cfg.Archive.GCS)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CATALOGSYNC_CRAWL_WORKERS", "16")
	t.Setenv("CATALOGSYNC_DB_DSN", "postgres://env/catalog")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawl.Workers != 16 {
		t.Fatalf("expected workers from env, got %d", cfg.Crawl.Workers)
	}
	if cfg.DB.DSN != "postgres://env/catalog" {
		t.Fatalf("expected dsn from env, got %q", cfg.DB.DSN)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "missing category", mutate: func(c *Config) { c.Category = " " }, want: "category"},
		{name: "template without page", mutate: func(c *Config) { c.Listing.URLTemplate = "https://shop.test" }, want: "listing.url_template"},
		{name: "no workers", mutate: func(c *Config) { c.Crawl.Workers = 0 }, want: "crawl.workers"},
		{name: "bad stall default", mutate: func(c *Config) { c.Crawl.StallDefault = "panic" }, want: "crawl.stall_default"},
		{name: "zero threshold", mutate: func(c *Config) { c.Stop.Threshold = 0 }, want: "stop.threshold"},
		{name: "bad stop mode", mutate: func(c *Config) { c.Stop.Mode = "sold_out" }, want: "stop.mode"},
		{name: "bad fetcher", mutate: func(c *Config) { c.Fetcher.Kind = "curl" }, want: "fetcher.kind"},
		{name: "headless without slots", mutate: func(c *Config) {
			c.Fetcher.Kind = "headless"
			c.Fetcher.Headless.MaxParallel = 0
		}, want: "fetcher.headless.max_parallel"},
		{name: "missing item selector", mutate: func(c *Config) { c.Parser.Item = "" }, want: "parser.item"},
		{name: "batch too small", mutate: func(c *Config) { c.Reconcile.BatchSize = 100 }, want: "reconcile.batch_size"},
		{name: "batch too large", mutate: func(c *Config) { c.Reconcile.BatchSize = 501 }, want: "reconcile.batch_size"},
		{name: "redis without addr", mutate: func(c *Config) { c.Checkpoint.Backend = "redis" }, want: "checkpoint.redis.addr"},
		{name: "missing dsn", mutate: func(c *Config) { c.DB.DSN = "" }, want: "db.dsn"},
		{name: "pubsub without topic", mutate: func(c *Config) { c.Notify.Backend = "pubsub" }, want: "notify.pubsub"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Archive.Backend = "gcs" }, want: "archive.gcs.bucket"},
		{name: "unknown archive", mutate: func(c *Config) { c.Archive.Backend = "s3" }, want: "archive.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
