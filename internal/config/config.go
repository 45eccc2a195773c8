// Package config loads and validates catalog-sync configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/catalog-sync/internal/archive/gcs"
	"github.com/JakeFAU/catalog-sync/internal/archive/local"
	"github.com/JakeFAU/catalog-sync/internal/checkpoint"
	natspub "github.com/JakeFAU/catalog-sync/internal/notify/nats"
	pubsubpub "github.com/JakeFAU/catalog-sync/internal/notify/pubsub"
	"github.com/JakeFAU/catalog-sync/internal/parser/selector"
	"github.com/JakeFAU/catalog-sync/internal/reconcile"
	"github.com/JakeFAU/catalog-sync/internal/stopdetect"
)

// PagePlaceholder is replaced by the page number in listing.url_template.
const PagePlaceholder = "{page}"

// Config captures every knob of a sync run.
type Config struct {
	Category   string           `mapstructure:"category"`
	Listing    ListingConfig    `mapstructure:"listing"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Stop       StopConfig       `mapstructure:"stop"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Parser     selector.Config  `mapstructure:"parser"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	DB         DBConfig         `mapstructure:"db"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ListingConfig locates the paginated listing.
type ListingConfig struct {
	URLTemplate string `mapstructure:"url_template"`
}

// CrawlConfig tunes the worker pool and the retry pass.
type CrawlConfig struct {
	Workers              int           `mapstructure:"workers"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	DrainGrace           time.Duration `mapstructure:"drain_grace"`
	RefreshEvery         int           `mapstructure:"refresh_every"`
	RefreshCooloff       time.Duration `mapstructure:"refresh_cooloff"`
	CheckpointEvery      int           `mapstructure:"checkpoint_every"`
	StallTimeout         time.Duration `mapstructure:"stall_timeout"`
	StallDecisionTimeout time.Duration `mapstructure:"stall_decision_timeout"`
	StallDefault         string        `mapstructure:"stall_default"`
	MaxPages             int           `mapstructure:"max_pages"`
	RetryWorkers         int           `mapstructure:"retry_workers"`
	RetryCooloff         time.Duration `mapstructure:"retry_cooloff"`
}

// StopConfig controls the end-of-catalog heuristic.
type StopConfig struct {
	Threshold int    `mapstructure:"threshold"`
	Mode      string `mapstructure:"mode"`
}

// FetcherConfig selects and tunes the page fetcher.
type FetcherConfig struct {
	// Kind is "http" or "headless".
	Kind            string         `mapstructure:"kind"`
	UserAgent       string         `mapstructure:"user_agent"`
	Timeout         time.Duration  `mapstructure:"timeout"`
	RatePerSecond   float64        `mapstructure:"rate_per_second"`
	Burst           int            `mapstructure:"burst"`
	MaxAuthFailures int            `mapstructure:"max_auth_failures"`
	Headless        HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the browser fetcher.
type HeadlessConfig struct {
	MaxParallel int           `mapstructure:"max_parallel"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	// Backend is "file" or "redis".
	Backend string                 `mapstructure:"backend"`
	Path    string                 `mapstructure:"path"`
	Redis   checkpoint.RedisConfig `mapstructure:"redis"`
}

// ReconcileConfig tunes batching and the record sink.
type ReconcileConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	LockRetries    int           `mapstructure:"lock_retries"`
	LockRetryDelay time.Duration `mapstructure:"lock_retry_delay"`
	// FlushSize is how many normalized items are buffered before a pass runs.
	FlushSize int `mapstructure:"flush_size"`
	// DedupeSize bounds the in-run cache of identical observations.
	DedupeSize int `mapstructure:"dedupe_size"`
}

// DBConfig controls access to the inventory database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	Table           string        `mapstructure:"table"`
	DiscoveryTable  string        `mapstructure:"discovery_table"`
	TraceQueries    bool          `mapstructure:"trace_queries"`
}

// NotifyConfig selects where change events are published.
type NotifyConfig struct {
	// Backend is "none", "memory", "pubsub" or "nats".
	Backend string           `mapstructure:"backend"`
	PubSub  pubsubpub.Config `mapstructure:"pubsub"`
	NATS    natspub.Config   `mapstructure:"nats"`
}

// ArchiveConfig selects where unparseable pages are kept.
type ArchiveConfig struct {
	// Backend is "none", "local" or "gcs".
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment. With an empty path a
// catalogsync.yaml is looked up in the working directory, $HOME/.catalogsync
// and /etc/catalogsync; none being present is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("catalogsync")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.catalogsync")
		v.AddConfigPath("/etc/catalogsync/")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("category", "")
	v.SetDefault("listing.url_template", "")
	v.SetDefault("crawl.workers", 4)
	v.SetDefault("crawl.poll_interval", 500*time.Millisecond)
	v.SetDefault("crawl.drain_grace", 30*time.Second)
	v.SetDefault("crawl.refresh_every", 200)
	v.SetDefault("crawl.refresh_cooloff", 30*time.Second)
	v.SetDefault("crawl.checkpoint_every", 10)
	v.SetDefault("crawl.stall_timeout", 5*time.Minute)
	v.SetDefault("crawl.stall_decision_timeout", 5*time.Minute)
	v.SetDefault("crawl.stall_default", "refresh")
	v.SetDefault("crawl.max_pages", 0)
	v.SetDefault("crawl.retry_workers", 2)
	v.SetDefault("crawl.retry_cooloff", time.Minute)
	v.SetDefault("stop.threshold", 30)
	v.SetDefault("stop.mode", string(stopdetect.ModeBackordered))
	v.SetDefault("fetcher.kind", "http")
	v.SetDefault("fetcher.user_agent", "catalogsync/0.1")
	v.SetDefault("fetcher.timeout", 30*time.Second)
	v.SetDefault("fetcher.rate_per_second", 2.0)
	v.SetDefault("fetcher.burst", 1)
	v.SetDefault("fetcher.max_auth_failures", 10)
	v.SetDefault("fetcher.headless.max_parallel", 2)
	v.SetDefault("fetcher.headless.settle_delay", time.Second)
	v.SetDefault("parser.item", "")
	v.SetDefault("parser.id", "")
	v.SetDefault("parser.brand", "")
	v.SetDefault("parser.quantity", "")
	v.SetDefault("parser.price", "")
	v.SetDefault("parser.was_price", "")
	v.SetDefault("parser.availability", "")
	v.SetDefault("parser.markdown", "")
	v.SetDefault("parser.no_results", "")
	v.SetDefault("checkpoint.backend", "file")
	v.SetDefault("checkpoint.path", ".catalogsync/checkpoint.json")
	v.SetDefault("checkpoint.redis.addr", "")
	v.SetDefault("checkpoint.redis.password", "")
	v.SetDefault("checkpoint.redis.db", 0)
	v.SetDefault("checkpoint.redis.key", "catalogsync:checkpoint")
	v.SetDefault("checkpoint.redis.ttl", 0)
	v.SetDefault("reconcile.batch_size", reconcile.DefaultBatchSize)
	v.SetDefault("reconcile.lock_retries", 5)
	v.SetDefault("reconcile.lock_retry_delay", 500*time.Millisecond)
	v.SetDefault("reconcile.flush_size", reconcile.DefaultBatchSize)
	v.SetDefault("reconcile.dedupe_size", 50000)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("db.connect_attempts", 5)
	v.SetDefault("db.table", "inventory_items")
	v.SetDefault("db.discovery_table", "catalog_discoveries")
	v.SetDefault("db.trace_queries", false)
	v.SetDefault("notify.backend", "none")
	v.SetDefault("notify.pubsub.project_id", "")
	v.SetDefault("notify.pubsub.topic_id", "")
	v.SetDefault("notify.nats.url", "")
	v.SetDefault("notify.nats.subject", "catalog.changes")
	v.SetDefault("notify.nats.username", "")
	v.SetDefault("notify.nats.password", "")
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.local.base_dir", ".catalogsync/pages")
	v.SetDefault("archive.gcs.bucket", "")
	v.SetDefault("archive.gcs.prefix", "pages")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "catalogsync")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Category) == "" {
		return fmt.Errorf("category is required")
	}
	if !strings.Contains(c.Listing.URLTemplate, PagePlaceholder) {
		return fmt.Errorf("listing.url_template must contain %s", PagePlaceholder)
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Crawl.RefreshEvery < 0 || c.Crawl.CheckpointEvery < 0 || c.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.refresh_every, crawl.checkpoint_every and crawl.max_pages must be >= 0")
	}
	if !slices.Contains([]string{"wait", "refresh", "abort"}, c.Crawl.StallDefault) {
		return fmt.Errorf("crawl.stall_default must be one of wait, refresh, abort")
	}
	if c.Stop.Threshold <= 0 {
		return fmt.Errorf("stop.threshold must be > 0")
	}
	if _, err := stopdetect.ParseMode(c.Stop.Mode); err != nil {
		return fmt.Errorf("stop.mode: %w", err)
	}
	switch c.Fetcher.Kind {
	case "http":
	case "headless":
		if c.Fetcher.Headless.MaxParallel <= 0 {
			return fmt.Errorf("fetcher.headless.max_parallel must be > 0 when the headless fetcher is used")
		}
	default:
		return fmt.Errorf("fetcher.kind must be http or headless, got %q", c.Fetcher.Kind)
	}
	if c.Fetcher.RatePerSecond < 0 {
		return fmt.Errorf("fetcher.rate_per_second must be >= 0")
	}
	if strings.TrimSpace(c.Parser.Item) == "" || strings.TrimSpace(c.Parser.ID) == "" {
		return fmt.Errorf("parser.item and parser.id are required")
	}
	switch c.Checkpoint.Backend {
	case "file":
		if strings.TrimSpace(c.Checkpoint.Path) == "" {
			return fmt.Errorf("checkpoint.path is required for the file backend")
		}
	case "redis":
		if strings.TrimSpace(c.Checkpoint.Redis.Addr) == "" {
			return fmt.Errorf("checkpoint.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend must be file or redis, got %q", c.Checkpoint.Backend)
	}
	if c.Reconcile.BatchSize < reconcile.MinBatchSize || c.Reconcile.BatchSize > reconcile.MaxBatchSize {
		return fmt.Errorf("reconcile.batch_size must be within [%d, %d]", reconcile.MinBatchSize, reconcile.MaxBatchSize)
	}
	if c.Reconcile.LockRetries <= 0 {
		return fmt.Errorf("reconcile.lock_retries must be > 0")
	}
	if c.Reconcile.FlushSize <= 0 || c.Reconcile.DedupeSize <= 0 {
		return fmt.Errorf("reconcile.flush_size and reconcile.dedupe_size must be > 0")
	}
	if strings.TrimSpace(c.DB.DSN) == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.DB.MaxConns <= 0 {
		return fmt.Errorf("db.max_conns must be > 0")
	}
	switch c.Notify.Backend {
	case "none", "memory":
	case "pubsub":
		if c.Notify.PubSub.ProjectID == "" || c.Notify.PubSub.TopicID == "" {
			return fmt.Errorf("notify.pubsub.project_id and notify.pubsub.topic_id are required")
		}
	case "nats":
		if c.Notify.NATS.URL == "" || c.Notify.NATS.Subject == "" {
			return fmt.Errorf("notify.nats.url and notify.nats.subject are required")
		}
	default:
		return fmt.Errorf("notify.backend must be none, memory, pubsub or nats, got %q", c.Notify.Backend)
	}
	switch c.Archive.Backend {
	case "none":
	case "local":
		if c.Archive.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir is required")
		}
	case "gcs":
		if c.Archive.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket is required")
		}
	default:
		return fmt.Errorf("archive.backend must be none, local or gcs, got %q", c.Archive.Backend)
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required when the server is enabled")
	}
	return nil
}

// PageURL renders the listing URL for page.
func (c Config) PageURL(page int) string {
	return strings.ReplaceAll(c.Listing.URLTemplate, PagePlaceholder, fmt.Sprint(page))
}
