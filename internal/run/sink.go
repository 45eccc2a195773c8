package run

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/reconcile"
)

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	Reconcile(ctx context.Context, items []catalog.Item) (reconcile.PassResult, error)
}

// SinkStats are the running totals of the record sink.
type SinkStats struct {
	Observed   int `json:"observed"`
	Rejected   int `json:"rejected"`
	Duplicates int `json:"duplicates"`
	Fed        int `json:"fed"`
	Unchanged  int `json:"unchanged"`
	Changed    int `json:"changed"`
	New        int `json:"new"`
	Updated    int `json:"updated"`
	Missing    int `json:"missing"`
	Failed     int `json:"failed"`
	Passes     int `json:"passes"`
}

// Sink receives the records of every successful page. It drops identical
// observations already seen in this run, normalizes the rest and feeds them to
// the reconciler in buffered passes.
type Sink struct {
	reconciler Reconciler
	seen       *lru.Cache[string, struct{}]
	flushSize  int
	logger     *zap.Logger

	passMu sync.Mutex
	buffer []catalog.Item

	statsMu sync.RWMutex
	stats   SinkStats
	missing []string
	failed  []string
}

// NewSink builds a Sink.
func NewSink(reconciler Reconciler, flushSize, dedupeSize int, logger *zap.Logger) (*Sink, error) {
	if reconciler == nil {
		return nil, fmt.Errorf("sink requires a reconciler")
	}
	if flushSize <= 0 {
		flushSize = reconcile.DefaultBatchSize
	}
	if dedupeSize <= 0 {
		dedupeSize = 50000
	}
	seen, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{reconciler: reconciler, seen: seen, flushSize: flushSize, logger: logger}, nil
}

func observationKey(it catalog.Item) string {
	price := "-"
	if p, ok := it.Price.Get(); ok {
		price = p.String()
	}
	return fmt.Sprintf("%s|%d|%s", it.ID, it.Quantity, price)
}

// Accept normalizes the records of page and runs a pass once the buffer is full.
func (s *Sink) Accept(ctx context.Context, page int, records []catalog.ObservedRecord) error {
	items, rejected := reconcile.Normalize(records)
	for _, r := range rejected {
		s.logger.Warn("record rejected",
			zap.Int("page", page),
			zap.String("id", r.Record.ID),
			zap.String("reason", r.Reason),
		)
	}

	s.passMu.Lock()
	defer s.passMu.Unlock()

	dupes := 0
	for _, it := range items {
		if found, _ := s.seen.ContainsOrAdd(observationKey(it), struct{}{}); found {
			dupes++
			continue
		}
		s.buffer = append(s.buffer, it)
	}

	s.statsMu.Lock()
	s.stats.Observed += len(records)
	s.stats.Rejected += len(rejected)
	s.stats.Duplicates += dupes
	s.statsMu.Unlock()

	if len(s.buffer) < s.flushSize {
		return nil
	}
	return s.flushLocked(ctx)
}

// Flush runs a pass over whatever is buffered.
func (s *Sink) Flush(ctx context.Context) error {
	s.passMu.Lock()
	defer s.passMu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Sink) flushLocked(ctx context.Context) error {
	if len(s.buffer) == 0 {
		return nil
	}
	batch := s.buffer
	s.buffer = nil

	res, err := s.reconciler.Reconcile(ctx, batch)

	s.statsMu.Lock()
	s.stats.Passes++
	s.stats.Fed += res.Fed
	s.stats.Unchanged += res.Unchanged
	s.stats.Changed += res.Changed
	s.stats.New += res.New
	s.stats.Updated += len(res.Applied)
	s.stats.Missing += len(res.Missing)
	s.stats.Failed += len(res.Failed)
	s.missing = append(s.missing, res.Missing...)
	s.failed = append(s.failed, res.Failed...)
	s.statsMu.Unlock()

	if err != nil {
		return fmt.Errorf("reconcile %d items: %w", len(batch), err)
	}
	return nil
}

// Stats returns the running totals.
func (s *Sink) Stats() SinkStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

// Unresolved returns the identifiers whose rows were missing and those whose
// writes permanently failed.
func (s *Sink) Unresolved() (missing, failed []string) {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return append([]string(nil), s.missing...), append([]string(nil), s.failed...)
}
