// Package crawl drives the paginated crawl: a fixed pool of page workers fed
// by a single control loop, plus the post-crawl retry pass.
package crawl

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
	"github.com/JakeFAU/catalog-sync/internal/session"
	"github.com/JakeFAU/catalog-sync/internal/stopdetect"
)

// PageURLFunc builds the listing URL for a page number.
type PageURLFunc func(page int) string

// RecordSink receives the records of every fetched page. It is only ever
// called from the control loop goroutine.
type RecordSink interface {
	Accept(ctx context.Context, page int, records []catalog.ObservedRecord) error
}

// Archiver keeps the markup of pages that could not be parsed.
type Archiver interface {
	ArchivePage(ctx context.Context, page int, markup []byte) error
}

type pageResult struct {
	Page    int
	Records []catalog.ObservedRecord
	// Continue is false once the page sits at or beyond the stop page or the listing ended.
	Continue bool
	Err      error
	// Ended is set when this page reported the end of the listing.
	Ended bool
	// Skipped pages were not fetched because they lie beyond a known stop page.
	Skipped bool

	unstarted bool
}

// pageWorker fetches and parses one page. Detector and state are nil for retry passes.
type pageWorker struct {
	fetcher  catalog.Fetcher
	parser   catalog.Parser
	jar      *session.Jar
	pageURL  PageURLFunc
	detector *stopdetect.Detector
	state    *stopdetect.State
	archive  Archiver
	logger   *zap.Logger
}

func (w *pageWorker) process(ctx context.Context, page int) pageResult {
	res := pageResult{Page: page, Continue: true}
	if w.state != nil && w.state.Beyond(page) {
		res.Skipped = true
		res.Continue = false
		return res
	}

	url := w.pageURL(page)
	resp, err := w.fetcher.Fetch(ctx, catalog.FetchRequest{URL: url, Page: page, Cookies: w.jar.Cookies()})
	if resp.Duration > 0 {
		metrics.ObserveFetch(resp.Duration.Seconds())
	}
	if len(resp.Cookies) > 0 {
		w.jar.Merge(resp.Cookies)
	}
	if err != nil {
		if errors.Is(err, catalog.ErrNoMoreResults) {
			w.logger.Info("listing ended", zap.Int("page", page), zap.String("url", url))
			w.end(page)
			res.Ended = true
			res.Continue = false
			return res
		}
		w.skip(page)
		res.Err = err
		return res
	}

	parsed, err := w.parser.Parse(resp.Body)
	if err != nil {
		if errors.Is(err, catalog.ErrAmbiguousPage) && w.archive != nil {
			if archiveErr := w.archive.ArchivePage(ctx, page, resp.Body); archiveErr != nil {
				w.logger.Warn("archive ambiguous page failed", zap.Int("page", page), zap.Error(archiveErr))
			}
		}
		w.skip(page)
		res.Err = fmt.Errorf("parse page %d: %w", page, err)
		return res
	}

	availabilities := make([]catalog.Availability, len(parsed.Records))
	for i := range parsed.Records {
		parsed.Records[i].Page = page
		parsed.Records[i].SourceURL = url
		availabilities[i] = parsed.Records[i].Availability
	}
	res.Records = parsed.Records
	if w.detector != nil {
		w.detector.Observe(page, availabilities)
	}
	if parsed.NoResults {
		w.logger.Info("end-of-listing marker found", zap.Int("page", page), zap.Int("records", len(parsed.Records)))
		w.end(page)
		res.Ended = true
		res.Continue = false
	}
	if w.state != nil {
		if stop, ok := w.state.CurrentStop().Get(); ok && page >= stop {
			res.Continue = false
		}
	}
	return res
}

func (w *pageWorker) skip(page int) {
	if w.detector != nil {
		w.detector.Skip(page)
	}
}

func (w *pageWorker) end(page int) {
	w.skip(page)
	if w.state != nil && w.state.TryRecordStop(page) {
		metrics.SetStopPage(page)
	}
}
