package crawl

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/checkpoint"
	"github.com/JakeFAU/catalog-sync/internal/decision"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
	"github.com/JakeFAU/catalog-sync/internal/retry"
	"github.com/JakeFAU/catalog-sync/internal/session"
	"github.com/JakeFAU/catalog-sync/internal/stopdetect"
)

var tracer = otel.Tracer("github.com/JakeFAU/catalog-sync/internal/crawl")

// ErrAborted is returned when an operator aborts a stalled crawl.
var ErrAborted = errors.New("crawl aborted by operator")

// Stall decision options.
const (
	StallWait    = "wait"
	StallRefresh = "refresh"
	StallAbort   = "abort"
)

// StallOptions are offered to the operator when the crawl stalls.
var StallOptions = []string{StallWait, StallRefresh, StallAbort}

// Reason explains why a crawl ended.
type Reason string

// Reason values.
const (
	ReasonStopped   Reason = "stopped"
	ReasonExhausted Reason = "exhausted"
	ReasonAborted   Reason = "aborted"
	ReasonFatal     Reason = "fatal"
	ReasonCanceled  Reason = "canceled"
)

// Legitimate reports whether the crawl ended on its own terms, which is the
// precondition for the retry pass.
func (r Reason) Legitimate() bool {
	return r == ReasonStopped || r == ReasonExhausted
}

// Decider asks an operator to choose between options.
type Decider interface {
	Ask(ctx context.Context, prompt string, options []string, def string, timeout time.Duration) (decision.Answer, error)
}

// Config tunes the Scheduler.
type Config struct {
	Workers      int
	PollInterval time.Duration
	DrainGrace   time.Duration
	// RefreshEvery triggers a session refresh after that many consecutive
	// successful pages. Zero disables refreshes.
	RefreshEvery   int
	RefreshCooloff time.Duration
	// CheckpointEvery saves progress after that many successful pages. Zero disables periodic saves.
	CheckpointEvery      int
	StallTimeout         time.Duration
	StallDecisionTimeout time.Duration
	StallDefault         string
	// MaxPages bounds how many pages past the start page are dispatched. Zero means unbounded.
	MaxPages int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 30 * time.Second
	}
	if c.StallDecisionTimeout <= 0 {
		c.StallDecisionTimeout = 5 * time.Minute
	}
	if c.StallDefault == "" {
		c.StallDefault = StallRefresh
	}
}

// Deps are the collaborators of a Scheduler. Checkpoints, Archive and Gate are optional.
type Deps struct {
	Fetcher     catalog.Fetcher
	Parser      catalog.Parser
	Detector    *stopdetect.Detector
	Jar         *session.Jar
	PageURL     PageURLFunc
	Sink        RecordSink
	Checkpoints checkpoint.Store
	Archive     Archiver
	Gate        Decider
	Clock       catalog.Clock
	Logger      *zap.Logger
}

// Outcome summarizes one crawl.
type Outcome struct {
	StartPage      int
	LastPage       int
	PagesCrawled   int
	PagesSucceeded int
	ItemsFound     int
	FailedPages    []int
	StopPage       *int
	Refreshes      int
	Reason         Reason
}

// Progress is a point-in-time view of a running crawl.
type Progress struct {
	Phase        string `json:"phase"`
	NextPage     int    `json:"next_page"`
	LastPage     int    `json:"last_page"`
	InFlight     int    `json:"in_flight"`
	PagesCrawled int    `json:"pages_crawled"`
	ItemsFound   int    `json:"items_found"`
	FailedPages  int    `json:"failed_pages"`
	StopPage     *int   `json:"stop_page,omitempty"`
	Refreshes    int    `json:"refreshes"`
}

// Scheduler runs the worker pool and its control loop.
type Scheduler struct {
	cfg         Config
	worker      *pageWorker
	detector    *stopdetect.Detector
	state       *stopdetect.State
	fetcher     catalog.Fetcher
	jar         *session.Jar
	sink        RecordSink
	checkpoints checkpoint.Store
	gate        Decider
	clock       catalog.Clock
	logger      *zap.Logger

	progressMu sync.RWMutex
	progress   Progress
}

// NewScheduler validates deps and builds a Scheduler.
func NewScheduler(cfg Config, deps Deps) (*Scheduler, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("scheduler requires a fetcher")
	case deps.Parser == nil:
		return nil, errors.New("scheduler requires a parser")
	case deps.Detector == nil:
		return nil, errors.New("scheduler requires a stop detector")
	case deps.PageURL == nil:
		return nil, errors.New("scheduler requires a page URL builder")
	case deps.Sink == nil:
		return nil, errors.New("scheduler requires a record sink")
	case deps.Clock == nil:
		return nil, errors.New("scheduler requires a clock")
	}
	cfg.applyDefaults()
	if !slices.Contains(StallOptions, cfg.StallDefault) {
		return nil, fmt.Errorf("unknown stall default %q", cfg.StallDefault)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	jar := deps.Jar
	if jar == nil {
		jar = session.NewJar()
	}
	state := deps.Detector.State()
	return &Scheduler{
		cfg: cfg,
		worker: &pageWorker{
			fetcher:  deps.Fetcher,
			parser:   deps.Parser,
			jar:      jar,
			pageURL:  deps.PageURL,
			detector: deps.Detector,
			state:    state,
			archive:  deps.Archive,
			logger:   logger,
		},
		detector:    deps.Detector,
		state:       state,
		fetcher:     deps.Fetcher,
		jar:         jar,
		sink:        deps.Sink,
		checkpoints: deps.Checkpoints,
		gate:        deps.Gate,
		clock:       deps.Clock,
		logger:      logger,
	}, nil
}

// Progress returns the latest progress snapshot.
func (s *Scheduler) Progress() Progress {
	s.progressMu.RLock()
	defer s.progressMu.RUnlock()
	return s.progress
}

type loopExit int

const (
	exitNone loopExit = iota
	exitStop
	exitExhausted
	exitRefresh
	exitAbort
	exitFatal
	exitCanceled
)

// crawlState is owned by the control loop.
type crawlState struct {
	next        int
	limit       int
	requeue     []int
	outstanding map[int]struct{}
	done        map[int]struct{}
	watermark   int
	failed      map[int]struct{}

	consecutiveOK   int
	sinceCheckpoint int
	out             Outcome
}

func newCrawlState(start int, failed []int, maxPages int) *crawlState {
	cs := &crawlState{
		next:        start,
		outstanding: make(map[int]struct{}),
		done:        make(map[int]struct{}),
		watermark:   start - 1,
		failed:      make(map[int]struct{}),
		out:         Outcome{StartPage: start, LastPage: start - 1},
	}
	if maxPages > 0 {
		cs.limit = start + maxPages - 1
	}
	for _, p := range failed {
		cs.failed[p] = struct{}{}
	}
	return cs
}

func (cs *crawlState) nextPage(stop *stopdetect.State) (int, bool) {
	if len(cs.requeue) > 0 {
		page := cs.requeue[0]
		cs.requeue = cs.requeue[1:]
		return page, true
	}
	if cs.limit > 0 && cs.next > cs.limit {
		return 0, false
	}
	if stop.Beyond(cs.next) {
		return 0, false
	}
	page := cs.next
	cs.next++
	return page, true
}

func (cs *crawlState) markDone(page int) {
	delete(cs.outstanding, page)
	if page <= cs.watermark {
		return
	}
	cs.done[page] = struct{}{}
	for {
		if _, ok := cs.done[cs.watermark+1]; !ok {
			break
		}
		delete(cs.done, cs.watermark+1)
		cs.watermark++
	}
	cs.out.LastPage = cs.watermark
}

func (cs *crawlState) failedPages() []int {
	pages := lo.Keys(cs.failed)
	slices.Sort(pages)
	return pages
}

// Run crawls from startPage until the stop page is found, the listing ends or
// the page limit is reached. failed seeds the failed set, typically from a checkpoint.
func (s *Scheduler) Run(ctx context.Context, startPage int, failed []int) (Outcome, error) {
	if startPage <= 0 {
		startPage = 1
	}
	ctx, span := tracer.Start(ctx, "crawl.run")
	span.SetAttributes(attribute.Int("crawl.start_page", startPage), attribute.Int("crawl.workers", s.cfg.Workers))
	defer span.End()

	s.detector.Resync(startPage)
	cs := newCrawlState(startPage, failed, s.cfg.MaxPages)
	s.logger.Info("crawl starting",
		zap.Int("start_page", startPage),
		zap.Int("workers", s.cfg.Workers),
		zap.Int("known_failed", len(cs.failed)),
	)

	for {
		s.setPhase(cs, "crawling")
		p := startPool(ctx, s.cfg.Workers, s.cfg.PollInterval, s.worker.process)
		s.dispatch(p, cs, s.cfg.Workers)

		exit, err := s.loop(ctx, p, cs)
		if exit == exitRefresh {
			exit, err = s.refresh(ctx, p, cs)
			if exit == exitNone {
				continue
			}
		}
		out, err := s.finish(ctx, p, cs, exit, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Int("crawl.pages", out.PagesCrawled),
			attribute.Int("crawl.failed_pages", len(out.FailedPages)),
			attribute.String("crawl.reason", string(out.Reason)),
		)
		return out, err
	}
}

func (s *Scheduler) dispatch(p *pool, cs *crawlState, n int) {
	for range n {
		page, ok := cs.nextPage(s.state)
		if !ok {
			return
		}
		cs.outstanding[page] = struct{}{}
		p.queue <- page
	}
}

func (s *Scheduler) loop(ctx context.Context, p *pool, cs *crawlState) (loopExit, error) {
	stall := newStallTimer(s.cfg.StallTimeout)
	defer stall.stop()

	for {
		if len(cs.outstanding) == 0 {
			return exitExhausted, nil
		}
		select {
		case <-ctx.Done():
			return exitCanceled, ctx.Err()
		case res := <-p.results:
			stall.reset()
			if res.unstarted {
				continue
			}
			if err := s.handle(ctx, cs, res); err != nil {
				if ctx.Err() != nil {
					return exitCanceled, err
				}
				return exitFatal, err
			}
			if !res.Continue || s.state.CurrentStop().IsPresent() {
				return exitStop, nil
			}
			s.maybeCheckpoint(ctx, cs)
			if s.cfg.RefreshEvery > 0 && cs.consecutiveOK >= s.cfg.RefreshEvery {
				return exitRefresh, nil
			}
			s.dispatch(p, cs, 1)
		case <-stall.C():
			exit, err := s.onStall(ctx, cs)
			if exit != exitNone {
				return exit, err
			}
			stall.reset()
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, cs *crawlState, res pageResult) error {
	defer s.publishProgress(cs)

	// Pages that did not complete stay out of the watermark so a resume revisits them.
	switch {
	case res.Err != nil && errors.Is(res.Err, catalog.ErrFatal):
		delete(cs.outstanding, res.Page)
		metrics.ObservePage("fatal")
		return fmt.Errorf("page %d: %w", res.Page, res.Err)
	case res.Err != nil && ctx.Err() != nil:
		delete(cs.outstanding, res.Page)
		return fmt.Errorf("page %d: %w", res.Page, ctx.Err())
	}

	cs.markDone(res.Page)
	switch {
	case res.Err != nil:
		cs.failed[res.Page] = struct{}{}
		cs.consecutiveOK = 0
		cs.out.PagesCrawled++
		metrics.ObservePage("failed")
		s.logger.Warn("page failed",
			zap.Int("page", res.Page),
			zap.String("kind", string(catalog.KindOf(res.Err))),
			zap.Error(res.Err),
		)
		return nil
	case res.Skipped:
		metrics.ObservePage("skipped")
		return nil
	}

	delete(cs.failed, res.Page)
	cs.out.PagesCrawled++
	cs.out.PagesSucceeded++
	cs.out.ItemsFound += len(res.Records)
	cs.consecutiveOK++
	cs.sinceCheckpoint++
	if res.Ended {
		metrics.ObservePage("end")
	} else {
		metrics.ObservePage("ok")
	}
	s.logger.Debug("page crawled", zap.Int("page", res.Page), zap.Int("records", len(res.Records)))
	if len(res.Records) == 0 {
		return nil
	}
	if err := s.sink.Accept(ctx, res.Page, res.Records); err != nil {
		return fmt.Errorf("accept records of page %d: %w", res.Page, err)
	}
	return nil
}

func (s *Scheduler) maybeCheckpoint(ctx context.Context, cs *crawlState) {
	if s.cfg.CheckpointEvery <= 0 || cs.sinceCheckpoint < s.cfg.CheckpointEvery {
		return
	}
	s.saveCheckpoint(ctx, cs)
}

// saveCheckpoint is best effort; failures are logged.
func (s *Scheduler) saveCheckpoint(ctx context.Context, cs *crawlState) {
	cs.sinceCheckpoint = 0
	if s.checkpoints == nil {
		return
	}
	cp := checkpoint.Checkpoint{
		LastPage:    cs.watermark,
		Timestamp:   s.clock.Now(),
		Cookies:     s.jar.Export(),
		FailedPages: cs.failedPages(),
	}
	if err := s.checkpoints.Save(ctx, cp); err != nil {
		s.logger.Warn("checkpoint save failed", zap.Int("last_page", cp.LastPage), zap.Error(err))
		return
	}
	s.logger.Debug("checkpoint saved", zap.Int("last_page", cp.LastPage), zap.Int("failed_pages", len(cp.FailedPages)))
}

func (s *Scheduler) onStall(ctx context.Context, cs *crawlState) (loopExit, error) {
	prompt := fmt.Sprintf("no page result for %s (next page %d, %d in flight)",
		s.cfg.StallTimeout, cs.next, len(cs.outstanding))
	s.logger.Warn("crawl stalled", zap.Duration("timeout", s.cfg.StallTimeout), zap.Int("in_flight", len(cs.outstanding)))

	choice := s.cfg.StallDefault
	if s.gate != nil {
		answer, err := s.gate.Ask(ctx, prompt, StallOptions, s.cfg.StallDefault, s.cfg.StallDecisionTimeout)
		if err != nil {
			return exitCanceled, err
		}
		choice = answer.Choice
	}
	switch choice {
	case StallRefresh:
		return exitRefresh, nil
	case StallAbort:
		return exitAbort, ErrAborted
	default:
		return exitNone, nil
	}
}

// refresh checkpoints, drains the pool, cools off and renews the session.
// It returns exitNone when crawling should resume with a fresh pool.
func (s *Scheduler) refresh(ctx context.Context, p *pool, cs *crawlState) (loopExit, error) {
	s.setPhase(cs, "refreshing")
	s.saveCheckpoint(ctx, cs)

	for _, res := range p.drain(s.cfg.DrainGrace) {
		if err := s.handle(ctx, cs, res); err != nil {
			return exitFatal, err
		}
	}
	if s.state.CurrentStop().IsPresent() {
		return exitStop, nil
	}
	// Whatever did not come back is dispatched again first.
	cs.requeue = append(cs.requeue, lo.Keys(cs.outstanding)...)
	slices.Sort(cs.requeue)
	clear(cs.outstanding)

	s.logger.Info("refreshing session",
		zap.Int("after_pages", cs.consecutiveOK),
		zap.Duration("cooloff", s.cfg.RefreshCooloff),
		zap.Ints("requeued", cs.requeue),
	)
	if err := retry.Sleep(ctx, s.cfg.RefreshCooloff); err != nil {
		return exitCanceled, err
	}
	if renewer, ok := s.fetcher.(catalog.SessionRenewer); ok {
		if err := renewer.Renew(ctx); err != nil {
			s.logger.Warn("session renew failed", zap.Error(err))
		}
	}
	s.jar.Reset()
	cs.consecutiveOK = 0
	cs.out.Refreshes++
	metrics.ObserveSessionRefresh()
	return exitNone, nil
}

func (s *Scheduler) finish(ctx context.Context, p *pool, cs *crawlState, exit loopExit, cause error) (Outcome, error) {
	s.setPhase(cs, "draining")
	grace := s.cfg.DrainGrace
	if exit != exitStop && exit != exitExhausted {
		grace = 0
	}
	results := p.drain(grace)
	if exit == exitStop || exit == exitExhausted {
		for _, res := range results {
			if err := s.handle(ctx, cs, res); err != nil {
				exit, cause = exitFatal, err
				break
			}
		}
	}

	switch exit {
	case exitStop, exitExhausted:
		cs.out.Reason = ReasonStopped
		if exit == exitExhausted {
			cs.out.Reason = ReasonExhausted
		}
		s.settleUnfinished(cs)
	case exitAbort:
		cs.out.Reason = ReasonAborted
	case exitCanceled:
		cs.out.Reason = ReasonCanceled
	default:
		cs.out.Reason = ReasonFatal
	}

	if stop, ok := s.state.CurrentStop().Get(); ok {
		cs.out.StopPage = &stop
		metrics.SetStopPage(stop)
		for page := range cs.failed {
			if page > stop {
				delete(cs.failed, page)
			}
		}
	}
	cs.out.FailedPages = cs.failedPages()

	if !cs.out.Reason.Legitimate() {
		// Keep the progress so the next run resumes instead of starting over.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		s.saveCheckpoint(saveCtx, cs)
		cancel()
	}
	s.setPhase(cs, "done")

	fields := []zap.Field{
		zap.String("reason", string(cs.out.Reason)),
		zap.Int("pages", cs.out.PagesCrawled),
		zap.Int("items", cs.out.ItemsFound),
		zap.Int("last_page", cs.out.LastPage),
		zap.Ints("failed_pages", cs.out.FailedPages),
	}
	if cs.out.StopPage != nil {
		fields = append(fields, zap.Int("stop_page", *cs.out.StopPage))
	}
	if cause != nil {
		s.logger.Error("crawl ended with error", append(fields, zap.Error(cause))...)
		return cs.out, cause
	}
	s.logger.Info("crawl finished", fields...)
	return cs.out, nil
}

// settleUnfinished moves pages that never produced a result into the failed
// set when they are needed, that is when they lie at or before the stop page.
func (s *Scheduler) settleUnfinished(cs *crawlState) {
	stop, hasStop := s.state.CurrentStop().Get()
	unfinished := append(lo.Keys(cs.outstanding), cs.requeue...)
	for _, page := range unfinished {
		if hasStop && page > stop {
			continue
		}
		cs.failed[page] = struct{}{}
		s.logger.Warn("page did not finish before shutdown", zap.Int("page", page))
	}
	clear(cs.outstanding)
	cs.requeue = nil
}

func (s *Scheduler) publishProgress(cs *crawlState) {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	s.progress.NextPage = cs.next
	s.progress.LastPage = cs.watermark
	s.progress.InFlight = len(cs.outstanding)
	s.progress.PagesCrawled = cs.out.PagesCrawled
	s.progress.ItemsFound = cs.out.ItemsFound
	s.progress.FailedPages = len(cs.failed)
	s.progress.Refreshes = cs.out.Refreshes
	if stop, ok := s.state.CurrentStop().Get(); ok {
		s.progress.StopPage = &stop
	}
}

func (s *Scheduler) setPhase(cs *crawlState, phase string) {
	s.publishProgress(cs)
	s.progressMu.Lock()
	s.progress.Phase = phase
	s.progressMu.Unlock()
}

type stallTimer struct {
	t *time.Timer
	d time.Duration
}

func newStallTimer(d time.Duration) *stallTimer {
	if d <= 0 {
		return &stallTimer{}
	}
	return &stallTimer{t: time.NewTimer(d), d: d}
}

func (s *stallTimer) C() <-chan time.Time {
	if s.t == nil {
		return nil
	}
	return s.t.C
}

func (s *stallTimer) reset() {
	if s.t != nil {
		s.t.Reset(s.d)
	}
}

func (s *stallTimer) stop() {
	if s.t != nil {
		s.t.Stop()
	}
}
