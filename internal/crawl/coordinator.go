package crawl

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
	"github.com/JakeFAU/catalog-sync/internal/retry"
	"github.com/JakeFAU/catalog-sync/internal/session"
)

// CoordinatorConfig tunes the retry pass.
type CoordinatorConfig struct {
	Workers      int
	Cooloff      time.Duration
	PollInterval time.Duration
}

// Coordinator re-crawls failed pages once after the main crawl.
type Coordinator struct {
	cfg    CoordinatorConfig
	worker *pageWorker
	sink   RecordSink
	logger *zap.Logger
}

// NewCoordinator builds a Coordinator sharing the crawl's fetcher, parser and session.
func NewCoordinator(cfg CoordinatorConfig, deps Deps) (*Coordinator, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("coordinator requires a fetcher")
	case deps.Parser == nil:
		return nil, errors.New("coordinator requires a parser")
	case deps.PageURL == nil:
		return nil, errors.New("coordinator requires a page URL builder")
	case deps.Sink == nil:
		return nil, errors.New("coordinator requires a record sink")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	jar := deps.Jar
	if jar == nil {
		jar = session.NewJar()
	}
	return &Coordinator{
		cfg: cfg,
		worker: &pageWorker{
			fetcher: deps.Fetcher,
			parser:  deps.Parser,
			jar:     jar,
			pageURL: deps.PageURL,
			archive: deps.Archive,
			logger:  logger,
		},
		sink:   deps.Sink,
		logger: logger,
	}, nil
}

// Retry runs exactly the given pages through a fresh pool after the cool-off
// and returns the pages that failed again.
func (c *Coordinator) Retry(ctx context.Context, failed []int) ([]int, error) {
	pages := slices.Clone(failed)
	slices.Sort(pages)
	pages = slices.Compact(pages)
	if len(pages) == 0 {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "crawl.retry")
	span.SetAttributes(attribute.Int("crawl.retry_pages", len(pages)))
	defer span.End()

	c.logger.Info("retrying failed pages", zap.Ints("pages", pages), zap.Duration("cooloff", c.cfg.Cooloff))
	if err := retry.Sleep(ctx, c.cfg.Cooloff); err != nil {
		return pages, err
	}

	workers := min(c.cfg.Workers, len(pages))
	p := startPool(ctx, workers, c.cfg.PollInterval, c.worker.process)
	defer p.drain(0)

	queued := 0
	outstanding := map[int]struct{}{}
	dispatch := func() {
		if queued < len(pages) {
			outstanding[pages[queued]] = struct{}{}
			p.queue <- pages[queued]
			queued++
		}
	}
	for range workers {
		dispatch()
	}

	var still []int
	for len(outstanding) > 0 {
		select {
		case <-ctx.Done():
			return c.unresolved(still, outstanding, pages[queued:]), fmt.Errorf("retry pass canceled: %w", ctx.Err())
		case res := <-p.results:
			delete(outstanding, res.Page)
			switch {
			case res.Err != nil && errors.Is(res.Err, catalog.ErrFatal):
				return c.unresolved(append(still, res.Page), outstanding, pages[queued:]), fmt.Errorf("retry page %d: %w", res.Page, res.Err)
			case res.Err != nil:
				metrics.ObservePage("retry_failed")
				c.logger.Warn("page failed again", zap.Int("page", res.Page), zap.Error(res.Err))
				still = append(still, res.Page)
			default:
				metrics.ObservePage("retry_ok")
				if len(res.Records) > 0 {
					if err := c.sink.Accept(ctx, res.Page, res.Records); err != nil {
						return c.unresolved(still, outstanding, pages[queued:]), fmt.Errorf("accept records of page %d: %w", res.Page, err)
					}
				}
			}
			dispatch()
		}
	}

	slices.Sort(still)
	c.logger.Info("retry pass finished", zap.Int("recovered", len(pages)-len(still)), zap.Ints("still_failed", still))
	return still, nil
}

func (c *Coordinator) unresolved(still []int, outstanding map[int]struct{}, unqueued []int) []int {
	out := slices.Clone(still)
	for page := range outstanding {
		out = append(out, page)
	}
	out = append(out, unqueued...)
	slices.Sort(out)
	return out
}
