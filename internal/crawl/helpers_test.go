package crawl

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/checkpoint"
	"github.com/JakeFAU/catalog-sync/internal/decision"
	"github.com/JakeFAU/catalog-sync/internal/session"
	"github.com/JakeFAU/catalog-sync/internal/stopdetect"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func pageURL(page int) string {
	return fmt.Sprintf("https://shop.test/catalog?page=%d", page)
}

type fakeFetcher struct {
	mu       sync.Mutex
	requests []catalog.FetchRequest
	renewals int
	respond  func(ctx context.Context, req catalog.FetchRequest) (catalog.FetchResponse, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, req catalog.FetchRequest) (catalog.FetchResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(ctx, req)
	}
	return okPage(req), nil
}

func (f *fakeFetcher) pages() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r.Page)
	}
	return out
}

func (f *fakeFetcher) request(page int) catalog.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r.Page == page {
			return r
		}
	}
	return catalog.FetchRequest{}
}

type renewingFetcher struct {
	*fakeFetcher
}

func (f renewingFetcher) Renew(context.Context) error {
	f.mu.Lock()
	f.renewals++
	f.mu.Unlock()
	return nil
}

func okPage(req catalog.FetchRequest) catalog.FetchResponse {
	return catalog.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(strconv.Itoa(req.Page))}
}

// fakeParser decodes the page number the fake fetcher writes as the body.
type fakeParser struct {
	parse func(page int) (catalog.ParseResult, error)
}

func (p fakeParser) Parse(markup []byte) (catalog.ParseResult, error) {
	page, err := strconv.Atoi(string(markup))
	if err != nil {
		return catalog.ParseResult{}, err
	}
	if p.parse != nil {
		return p.parse(page)
	}
	return catalog.ParseResult{Records: records(page, 2, catalog.AvailabilityInStock)}, nil
}

// endsAt serves two in-stock records per page and an end marker on last.
func endsAt(last int) fakeParser {
	return fakeParser{parse: func(page int) (catalog.ParseResult, error) {
		if page >= last {
			return catalog.ParseResult{NoResults: true}, nil
		}
		return catalog.ParseResult{Records: records(page, 2, catalog.AvailabilityInStock)}, nil
	}}
}

func records(page, n int, availability catalog.Availability) []catalog.ObservedRecord {
	out := make([]catalog.ObservedRecord, n)
	for i := range out {
		out[i] = catalog.ObservedRecord{
			ID:           fmt.Sprintf("P%d-%d", page, i),
			Quantity:     "1",
			Availability: availability,
		}
	}
	return out
}

type recordingSink struct {
	mu    sync.Mutex
	pages map[int][]catalog.ObservedRecord
	err   error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{pages: map[int][]catalog.ObservedRecord{}}
}

func (s *recordingSink) Accept(_ context.Context, page int, recs []catalog.ObservedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.pages[page] = append(s.pages[page], recs...)
	return nil
}

func (s *recordingSink) acceptedPages() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.pages))
	for p := range s.pages {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

type memCheckpoints struct {
	mu    sync.Mutex
	saves []checkpoint.Checkpoint
}

func (m *memCheckpoints) Load(context.Context) (mo.Option[checkpoint.Checkpoint], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saves) == 0 {
		return mo.None[checkpoint.Checkpoint](), nil
	}
	return mo.Some(m.saves[len(m.saves)-1]), nil
}

func (m *memCheckpoints) Save(_ context.Context, cp checkpoint.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, cp)
	return nil
}

func (m *memCheckpoints) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = nil
	return nil
}

func (m *memCheckpoints) all() []checkpoint.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.saves)
}

type fakeGate struct {
	mu      sync.Mutex
	asked   [][]string
	answers []string
}

func (g *fakeGate) Ask(_ context.Context, _ string, options []string, def string, _ time.Duration) (decision.Answer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.asked = append(g.asked, append(slices.Clone(options), def))
	if len(g.answers) == 0 {
		return decision.Answer{Choice: def, Defaulted: true}, nil
	}
	choice := g.answers[0]
	g.answers = g.answers[1:]
	return decision.Answer{Choice: choice}, nil
}

type recordingArchive struct {
	mu    sync.Mutex
	pages []int
}

func (a *recordingArchive) ArchivePage(_ context.Context, page int, _ []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pages = append(a.pages, page)
	return nil
}

type harness struct {
	scheduler   *Scheduler
	sink        *recordingSink
	checkpoints *memCheckpoints
	state       *stopdetect.State
	jar         *session.Jar
}

func newHarness(t *testing.T, cfg Config, fetcher catalog.Fetcher, parser catalog.Parser, threshold int, opts ...func(*Deps)) harness {
	t.Helper()
	state := stopdetect.NewState()
	detector, err := stopdetect.New(stopdetect.Config{Threshold: threshold}, state, nil)
	require.NoError(t, err)
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.DrainGrace == 0 {
		cfg.DrainGrace = 5 * time.Second
	}
	h := harness{
		sink:        newRecordingSink(),
		checkpoints: &memCheckpoints{},
		state:       state,
		jar:         session.NewJar(),
	}
	deps := Deps{
		Fetcher:     fetcher,
		Parser:      parser,
		Detector:    detector,
		Jar:         h.jar,
		PageURL:     pageURL,
		Sink:        h.sink,
		Checkpoints: h.checkpoints,
		Clock:       fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.scheduler, err = NewScheduler(cfg, deps)
	require.NoError(t, err)
	return h
}
