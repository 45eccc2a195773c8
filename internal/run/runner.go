package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/checkpoint"
	"github.com/JakeFAU/catalog-sync/internal/crawl"
	"github.com/JakeFAU/catalog-sync/internal/reconcile"
	"github.com/JakeFAU/catalog-sync/internal/session"
	"github.com/JakeFAU/catalog-sync/internal/snapshot"
	"github.com/JakeFAU/catalog-sync/internal/stopdetect"
)

var tracer = otel.Tracer("github.com/JakeFAU/catalog-sync/internal/run")

const flushTimeout = 2 * time.Minute

// Run phases reported by Status.
const (
	PhaseIdle     = "idle"
	PhaseSnapshot = "snapshot"
	PhaseCrawling = "crawling"
	PhaseRetrying = "retrying"
	PhaseFlushing = "flushing"
	PhaseDone     = "done"
)

// Inventory is the authoritative store: it provides the snapshot and takes the writes.
type Inventory interface {
	snapshot.Loader
	reconcile.Writer
}

// Deps are the collaborators of a Runner. Discovery, Notifier, Archive and Gate are optional.
type Deps struct {
	Inventory   Inventory
	Discovery   reconcile.Discovery
	Notifier    reconcile.Notifier
	Fetcher     catalog.Fetcher
	Parser      catalog.Parser
	Checkpoints checkpoint.Store
	Archive     crawl.Archiver
	Gate        crawl.Decider
	Clock       catalog.Clock
	Logger      *zap.Logger
}

// Status is the live view served by the ops server.
type Status struct {
	RunID     string          `json:"run_id"`
	Category  string          `json:"category"`
	Phase     string          `json:"phase"`
	StartedAt time.Time       `json:"started_at,omitzero"`
	Crawl     *crawl.Progress `json:"crawl,omitempty"`
	Reconcile SinkStats       `json:"reconcile"`
}

// Runner executes one synchronization run.
type Runner struct {
	opts   Options
	deps   Deps
	logger *zap.Logger

	mu        sync.RWMutex
	phase     string
	startedAt time.Time
	scheduler *crawl.Scheduler
	sink      *Sink
}

// New validates deps and builds a Runner.
func New(opts Options, deps Deps) (*Runner, error) {
	switch {
	case opts.Category == "":
		return nil, errors.New("run category is required")
	case opts.PageURL == nil:
		return nil, errors.New("run requires a page URL builder")
	case deps.Inventory == nil:
		return nil, errors.New("run requires an inventory store")
	case deps.Fetcher == nil:
		return nil, errors.New("run requires a fetcher")
	case deps.Parser == nil:
		return nil, errors.New("run requires a parser")
	case deps.Checkpoints == nil:
		return nil, errors.New("run requires a checkpoint store")
	case deps.Clock == nil:
		return nil, errors.New("run requires a clock")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("run_id", opts.RunID), zap.String("category", opts.Category))
	return &Runner{opts: opts, deps: deps, logger: logger, phase: PhaseIdle}, nil
}

// Status reports the current phase and progress.
func (r *Runner) Status() Status {
	r.mu.RLock()
	st := Status{
		RunID:     r.opts.RunID,
		Category:  r.opts.Category,
		Phase:     r.phase,
		StartedAt: r.startedAt,
	}
	scheduler, sink := r.scheduler, r.sink
	r.mu.RUnlock()
	if scheduler != nil {
		progress := scheduler.Progress()
		st.Crawl = &progress
	}
	if sink != nil {
		st.Reconcile = sink.Stats()
	}
	return st
}

func (r *Runner) setPhase(phase string) {
	r.mu.Lock()
	r.phase = phase
	r.mu.Unlock()
	r.logger.Info("run phase", zap.String("phase", phase))
}

// Run builds the snapshot, crawls from the checkpoint (or page 1), retries
// failed pages once when the crawl ended legitimately and reconciles every
// accepted record. A Summary is returned even when err is non-nil.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	ctx, span := tracer.Start(ctx, "run.sync")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", r.opts.RunID), attribute.String("run.category", r.opts.Category))

	summary := Summary{RunID: r.opts.RunID, Category: r.opts.Category, StartedAt: r.deps.Clock.Now()}
	r.mu.Lock()
	r.startedAt = summary.StartedAt
	r.mu.Unlock()

	sink, err := r.prepare(ctx)
	if err != nil {
		return r.fail(span, summary, err)
	}

	jar := session.NewJar()
	start, failed := r.resumePoint(ctx, jar)
	summary.StartPage = start

	state := stopdetect.NewState()
	stopCfg := r.opts.Stop
	stopCfg.StartPage = start
	detector, err := stopdetect.New(stopCfg, state, r.logger)
	if err != nil {
		return r.fail(span, summary, fmt.Errorf("build stop detector: %w", err))
	}
	crawlDeps := crawl.Deps{
		Fetcher:     r.deps.Fetcher,
		Parser:      r.deps.Parser,
		Detector:    detector,
		Jar:         jar,
		PageURL:     r.opts.PageURL,
		Sink:        sink,
		Checkpoints: r.deps.Checkpoints,
		Archive:     r.deps.Archive,
		Gate:        r.deps.Gate,
		Clock:       r.deps.Clock,
		Logger:      r.logger,
	}
	scheduler, err := crawl.NewScheduler(r.opts.Scheduler, crawlDeps)
	if err != nil {
		return r.fail(span, summary, fmt.Errorf("build scheduler: %w", err))
	}
	r.mu.Lock()
	r.scheduler = scheduler
	r.mu.Unlock()

	r.setPhase(PhaseCrawling)
	outcome, crawlErr := scheduler.Run(ctx, start, failed)
	summary.Reason = outcome.Reason
	summary.LastPage = outcome.LastPage
	summary.StopPage = outcome.StopPage
	summary.PagesCrawled = outcome.PagesCrawled
	summary.ItemsFound = outcome.ItemsFound
	summary.Refreshes = outcome.Refreshes
	summary.StillFailed = outcome.FailedPages

	if crawlErr == nil && outcome.Reason.Legitimate() && len(outcome.FailedPages) > 0 {
		r.setPhase(PhaseRetrying)
		still, retryErr := r.retry(ctx, crawlDeps, outcome.FailedPages)
		summary.PagesRetried = len(outcome.FailedPages)
		summary.StillFailed = still
		crawlErr = retryErr
	}

	r.setPhase(PhaseFlushing)
	if err := r.flush(ctx, sink); err != nil && crawlErr == nil {
		crawlErr = err
	}

	summary.CheckpointKept = true
	if crawlErr == nil && outcome.Reason.Legitimate() {
		if err := r.deps.Checkpoints.Clear(ctx); err != nil {
			r.logger.Warn("checkpoint clear failed", zap.Error(err))
		} else {
			summary.CheckpointKept = false
		}
	}

	stats := sink.Stats()
	summary.Updated = stats.Updated
	summary.Unchanged = stats.Unchanged
	summary.New = stats.New
	summary.Rejected = stats.Rejected
	summary.Duplicates = stats.Duplicates
	summary.IntegrityGaps, summary.RowsFailed = sink.Unresolved()
	summary.FinishedAt = r.deps.Clock.Now()
	r.setPhase(PhaseDone)

	if crawlErr != nil {
		span.RecordError(crawlErr)
		span.SetStatus(codes.Error, crawlErr.Error())
		r.logger.Error("sync run failed", append(summary.Fields(), zap.Error(crawlErr))...)
		return summary, crawlErr
	}
	r.logger.Info("sync run complete", summary.Fields()...)
	return summary, nil
}

func (r *Runner) prepare(ctx context.Context) (*Sink, error) {
	r.setPhase(PhaseSnapshot)
	cache, err := snapshot.Build(ctx, r.deps.Inventory, r.opts.Category, r.logger)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	planner, err := reconcile.NewPlanner(r.opts.Planner, r.deps.Inventory, r.deps.Clock, r.logger)
	if err != nil {
		return nil, fmt.Errorf("build planner: %w", err)
	}
	opts := []reconcile.EngineOption{reconcile.WithLogger(r.logger)}
	if r.deps.Discovery != nil {
		opts = append(opts, reconcile.WithDiscovery(r.deps.Discovery))
	}
	if r.deps.Notifier != nil {
		opts = append(opts, reconcile.WithNotifier(r.deps.Notifier))
	}
	engine, err := reconcile.NewEngine(r.opts.Category, cache, planner, opts...)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	sink, err := NewSink(engine, r.opts.FlushSize, r.opts.DedupeSize, r.logger)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
	return sink, nil
}

// resumePoint loads the checkpoint. A missing or unreadable checkpoint starts
// a fresh crawl at page 1.
func (r *Runner) resumePoint(ctx context.Context, jar *session.Jar) (int, []int) {
	loaded, err := r.deps.Checkpoints.Load(ctx)
	if err != nil {
		r.logger.Warn("checkpoint load failed; starting from page 1", zap.Error(err))
		return 1, nil
	}
	cp, ok := loaded.Get()
	if !ok {
		return 1, nil
	}
	jar.Restore(cp.Cookies)
	r.logger.Info("resuming from checkpoint",
		zap.Int("last_page", cp.LastPage),
		zap.Time("checkpoint_time", cp.Timestamp),
		zap.Ints("failed_pages", cp.FailedPages),
		zap.Int("cookies", len(cp.Cookies)),
	)
	return cp.ResumePage(), cp.FailedPages
}

func (r *Runner) retry(ctx context.Context, deps crawl.Deps, failed []int) ([]int, error) {
	coordinator, err := crawl.NewCoordinator(r.opts.Retry, deps)
	if err != nil {
		return failed, fmt.Errorf("build retry coordinator: %w", err)
	}
	still, err := coordinator.Retry(ctx, failed)
	if err != nil {
		return still, fmt.Errorf("retry failed pages: %w", err)
	}
	return still, nil
}

// flush drains the sink. Pages already accepted are part of the checkpoint
// watermark, so their records are written even after cancellation.
func (r *Runner) flush(ctx context.Context, sink *Sink) error {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
	}
	if err := sink.Flush(ctx); err != nil {
		return fmt.Errorf("final reconciliation pass: %w", err)
	}
	return nil
}

func (r *Runner) fail(span trace.Span, summary Summary, err error) (Summary, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	summary.Reason = crawl.ReasonFatal
	summary.FinishedAt = r.deps.Clock.Now()
	r.setPhase(PhaseDone)
	r.logger.Error("sync run failed", append(summary.Fields(), zap.Error(err))...)
	return summary, err
}
