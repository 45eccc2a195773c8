package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
	"github.com/JakeFAU/catalog-sync/internal/retry"
)

// Batch size bounds.
const (
	MinBatchSize     = 250
	MaxBatchSize     = 500
	DefaultBatchSize = 300
)

// Writer issues the column updates and verification queries for one category.
type Writer interface {
	// UpdateColumn sets column for the assigned ids, leaves the other ids' values
	// as they are, stamps synced_at on every matched row and returns rows affected.
	UpdateColumn(ctx context.Context, category string, column catalog.Column,
		assignments []catalog.Assignment, ids []string, syncedAt time.Time) (int64, error)
	// Verify returns, for each id that exists, whether synced_at >= since.
	Verify(ctx context.Context, category string, ids []string, since time.Time) (map[string]bool, error)
}

// BatchState is the lifecycle state of one batch.
type BatchState string

// Batch states.
const (
	StatePending           BatchState = "PENDING"
	StateExecuted          BatchState = "EXECUTED"
	StateFullyApplied      BatchState = "FULLY_APPLIED"
	StatePartiallyApplied  BatchState = "PARTIALLY_APPLIED"
	StateRetrying          BatchState = "RETRYING"
	StateResolved          BatchState = "RESOLVED"
	StatePermanentlyFailed BatchState = "PERMANENTLY_FAILED"
)

// PlannerConfig controls batching and lock retries.
type PlannerConfig struct {
	Category       string
	BatchSize      int
	LockRetries    int
	LockRetryDelay time.Duration
}

// BatchReport describes how one batch ended.
type BatchReport struct {
	Index     int
	State     BatchState
	Submitted int
	Applied   []string
	Missing   []string
	Failed    []string
	Retries   int
}

// PlanResult aggregates every batch of one Apply call.
type PlanResult struct {
	Applied []string
	Missing []string
	Failed  []string
	Batches []BatchReport
}

// Planner splits changes into batches and writes them column by column.
type Planner struct {
	cfg    PlannerConfig
	writer Writer
	clock  catalog.Clock
	logger *zap.Logger

	mu   sync.Mutex
	last time.Time
}

// NewPlanner validates cfg and builds a Planner.
func NewPlanner(cfg PlannerConfig, writer Writer, clock catalog.Clock, logger *zap.Logger) (*Planner, error) {
	if writer == nil {
		return nil, fmt.Errorf("planner writer is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("planner clock is required")
	}
	if cfg.Category == "" {
		return nil, fmt.Errorf("planner category is required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize < MinBatchSize || cfg.BatchSize > MaxBatchSize {
		return nil, fmt.Errorf("batch size must be within [%d, %d], got %d", MinBatchSize, MaxBatchSize, cfg.BatchSize)
	}
	if cfg.LockRetries <= 0 {
		cfg.LockRetries = 5
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{cfg: cfg, writer: writer, clock: clock, logger: logger}, nil
}

// Apply writes changes in batches. Batches are independent; only context
// cancellation stops the remaining batches.
func (p *Planner) Apply(ctx context.Context, changes []Change) (PlanResult, error) {
	var result PlanResult
	for i, batch := range lo.Chunk(changes, p.cfg.BatchSize) {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("apply batch %d: %w", i, err)
		}
		report := p.runBatch(ctx, i, batch)
		result.Batches = append(result.Batches, report)
		result.Applied = append(result.Applied, report.Applied...)
		result.Missing = append(result.Missing, report.Missing...)
		result.Failed = append(result.Failed, report.Failed...)
	}
	return result, nil
}

type batchRun struct {
	report  BatchReport
	logger  *zap.Logger
	partial bool
	missing map[string]struct{}
	failed  map[string]struct{}
}

func (b *batchRun) transition(state BatchState) {
	b.logger.Debug("batch state", zap.String("from", string(b.report.State)), zap.String("to", string(state)))
	b.report.State = state
}

func (p *Planner) runBatch(ctx context.Context, index int, batch []Change) BatchReport {
	ctx, span := otel.Tracer("github.com/JakeFAU/catalog-sync/internal/reconcile").Start(ctx, "reconcile.batch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.index", index), attribute.Int("batch.size", len(batch)))

	// Statements and verification run on store keys; the report uses normalized ids.
	ids := lo.Map(batch, func(c Change, _ int) string { return c.StoreKey() })
	idByKey := lo.SliceToMap(batch, func(c Change) (string, string) { return c.StoreKey(), c.ID })
	toIDs := func(keys []string) []string {
		return lo.Map(keys, func(k string, _ int) string { return idByKey[k] })
	}
	run := &batchRun{
		report:  BatchReport{Index: index, State: StatePending, Submitted: len(ids)},
		logger:  p.logger.With(zap.Int("batch", index), zap.String("category", p.cfg.Category)),
		missing: make(map[string]struct{}),
		failed:  make(map[string]struct{}),
	}

	for _, column := range catalog.Columns {
		assignments := assignmentsFor(column, batch)
		if len(assignments) == 0 {
			continue
		}
		target := lo.Filter(ids, func(id string, _ int) bool {
			_, gone := run.missing[id]
			return !gone
		})
		if len(target) == 0 {
			break
		}
		assignments = lo.Filter(assignments, func(a catalog.Assignment, _ int) bool {
			_, gone := run.missing[a.ID]
			return !gone
		})
		p.writeColumn(ctx, run, column, assignments, target)
	}

	run.report.Missing = toIDs(lo.Keys(run.missing))
	run.report.Failed = toIDs(lo.Keys(run.failed))
	run.report.Applied = toIDs(lo.Filter(ids, func(id string, _ int) bool {
		_, gone := run.missing[id]
		_, bad := run.failed[id]
		return !gone && !bad
	}))

	switch {
	case len(run.failed) > 0:
		run.transition(StatePermanentlyFailed)
		run.logger.Error("batch rows permanently failed",
			zap.Int("failed", len(run.failed)),
			zap.Strings("ids", run.report.Failed),
		)
	case run.partial:
		run.transition(StateResolved)
	}
	metrics.ObserveBatch(string(run.report.State))
	span.SetAttributes(attribute.String("batch.state", string(run.report.State)))
	return run.report
}

func (p *Planner) writeColumn(ctx context.Context, run *batchRun, column catalog.Column,
	assignments []catalog.Assignment, ids []string,
) {
	at := p.nextTimestamp()
	affected, err := p.writer.UpdateColumn(ctx, p.cfg.Category, column, assignments, ids, at)
	run.transition(StateExecuted)
	if err != nil {
		run.logger.Error("column update failed",
			zap.String("column", string(column)),
			zap.Int("ids", len(ids)),
			zap.Error(err),
		)
		for _, id := range ids {
			run.failed[id] = struct{}{}
		}
		metrics.ObserveRowWrites(string(column), "error", len(ids))
		return
	}
	if affected >= int64(len(ids)) {
		if !run.partial {
			run.transition(StateFullyApplied)
		}
		metrics.ObserveRowWrites(string(column), "applied", len(ids))
		return
	}

	run.partial = true
	run.transition(StatePartiallyApplied)
	run.logger.Warn("column update affected fewer rows than submitted",
		zap.String("column", string(column)),
		zap.Int("submitted", len(ids)),
		zap.Int64("affected", affected),
	)
	p.resolve(ctx, run, column, assignments, ids, at)
}

// resolve sorts the ids of a partially applied statement into missing, applied
// and stale, then retries the stale ones until their synced_at catches up.
func (p *Planner) resolve(ctx context.Context, run *batchRun, column catalog.Column,
	assignments []catalog.Assignment, ids []string, at time.Time,
) {
	fresh, err := p.writer.Verify(ctx, p.cfg.Category, ids, at)
	if err != nil {
		run.logger.Error("verify partial update failed", zap.String("column", string(column)), zap.Error(err))
		for _, id := range ids {
			run.failed[id] = struct{}{}
		}
		return
	}

	var pending []string
	var missing []string
	for _, id := range ids {
		ok, exists := fresh[id]
		switch {
		case !exists:
			run.missing[id] = struct{}{}
			missing = append(missing, id)
		case !ok:
			pending = append(pending, id)
		}
	}
	if len(missing) > 0 {
		run.logger.Warn("data integrity mismatch: identifiers not found in store",
			zap.String("column", string(column)),
			zap.Strings("ids", missing),
		)
		metrics.ObserveRowWrites(string(column), "missing", len(missing))
	}
	metrics.ObserveRowWrites(string(column), "applied", len(ids)-len(missing)-len(pending))
	if len(pending) == 0 {
		return
	}

	run.transition(StateRetrying)
	byID := lo.SliceToMap(assignments, func(a catalog.Assignment) (string, catalog.Assignment) { return a.ID, a })
	policy := retry.Policy{MaxAttempts: p.cfg.LockRetries, Schedule: retry.Constant(p.cfg.LockRetryDelay)}
	_, err = retry.Until(ctx, policy, func(ctx context.Context, attempt int) (bool, error) {
		run.report.Retries++
		metrics.ObserveLockRetry(string(column))
		subset := lo.FilterMap(pending, func(id string, _ int) (catalog.Assignment, bool) {
			a, ok := byID[id]
			return a, ok
		})
		run.logger.Info("retrying contended rows",
			zap.String("column", string(column)),
			zap.Int("attempt", attempt),
			zap.Int("rows", len(pending)),
		)
		if _, err := p.writer.UpdateColumn(ctx, p.cfg.Category, column, subset, pending, p.nextTimestamp()); err != nil {
			run.logger.Warn("retry update failed", zap.Int("attempt", attempt), zap.Error(err))
			return false, nil
		}
		state, err := p.writer.Verify(ctx, p.cfg.Category, pending, at)
		if err != nil {
			run.logger.Warn("retry verify failed", zap.Int("attempt", attempt), zap.Error(err))
			return false, nil
		}
		before := len(pending)
		pending = lo.Filter(pending, func(id string, _ int) bool {
			ok, exists := state[id]
			if !exists {
				run.missing[id] = struct{}{}
				return false
			}
			return !ok
		})
		metrics.ObserveRowWrites(string(column), "applied", before-len(pending))
		return len(pending) == 0, nil
	})
	if err != nil && !errors.Is(err, retry.ErrExhausted) {
		run.logger.Warn("lock retry interrupted", zap.String("column", string(column)), zap.Error(err))
	}
	for _, id := range pending {
		run.failed[id] = struct{}{}
	}
	if len(pending) > 0 {
		metrics.ObserveRowWrites(string(column), "failed", len(pending))
	}
}

// nextTimestamp returns a strictly increasing microsecond-precision timestamp,
// so each statement's synced_at can be told apart from the previous one.
func (p *Planner) nextTimestamp() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now().UTC().Truncate(time.Microsecond)
	if !now.After(p.last) {
		now = p.last.Add(time.Microsecond)
	}
	p.last = now
	return now
}

func assignmentsFor(column catalog.Column, batch []Change) []catalog.Assignment {
	return lo.FilterMap(batch, func(c Change, _ int) (catalog.Assignment, bool) {
		switch column {
		case catalog.ColumnQuantity:
			return catalog.Assignment{ID: c.StoreKey(), Value: c.Quantity}, true
		case catalog.ColumnPrice:
			v, ok := c.Price.Get()
			return catalog.Assignment{ID: c.StoreKey(), Value: v}, ok
		case catalog.ColumnComparePrice:
			v, ok := c.ComparePrice.Get()
			return catalog.Assignment{ID: c.StoreKey(), Value: v}, ok
		default:
			return catalog.Assignment{}, false
		}
	})
}
