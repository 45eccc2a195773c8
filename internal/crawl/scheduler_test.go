package crawl

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

func TestRunResumesAfterCheckpointPage(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	h := newHarness(t, Config{Workers: 1}, fetcher, endsAt(45), 30)

	out, err := h.scheduler.Run(context.Background(), 43, nil)
	require.NoError(t, err)

	assert.Equal(t, []int{43, 44, 45}, fetcher.pages())
	assert.Equal(t, ReasonStopped, out.Reason)
	require.NotNil(t, out.StopPage)
	assert.Equal(t, 45, *out.StopPage)
	assert.Equal(t, 45, out.LastPage)
	assert.Empty(t, out.FailedPages)
	assert.Equal(t, []int{43, 44}, h.sink.acceptedPages())
	assert.Equal(t, 4, out.ItemsFound)
}

func TestFailedPageQueuesNextPage(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{respond: func(_ context.Context, req catalog.FetchRequest) (catalog.FetchResponse, error) {
		if req.Page == 3 {
			return catalog.FetchResponse{}, &catalog.FetchError{Kind: catalog.KindStatus, Status: http.StatusBadGateway, Err: catalog.ErrTransient}
		}
		return okPage(req), nil
	}}
	h := newHarness(t, Config{Workers: 1}, fetcher, endsAt(6), 30)

	out, err := h.scheduler.Run(context.Background(), 1, nil)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, fetcher.pages(), "page 3 is not retried inline")
	assert.Equal(t, []int{3}, out.FailedPages)
	assert.Equal(t, 6, out.LastPage)
	assert.Equal(t, 6, out.PagesCrawled)
	assert.Equal(t, 5, out.PagesSucceeded)
}

func TestStopDrainKeepsInFlightItems(t *testing.T) {
	t.Parallel()

	started3 := make(chan struct{})
	var once sync.Once
	var h harness
	fetcher := &fakeFetcher{respond: func(ctx context.Context, req catalog.FetchRequest) (catalog.FetchResponse, error) {
		switch req.Page {
		case 1, 2:
			<-started3
		case 3:
			once.Do(func() { close(started3) })
			select {
			case <-h.state.Done():
			case <-ctx.Done():
				return catalog.FetchResponse{}, ctx.Err()
			}
		}
		return okPage(req), nil
	}}
	parser := fakeParser{parse: func(page int) (catalog.ParseResult, error) {
		if page == 2 {
			return catalog.ParseResult{Records: records(page, 2, catalog.AvailabilityBackordered)}, nil
		}
		return catalog.ParseResult{Records: records(page, 2, catalog.AvailabilityInStock)}, nil
	}}
	h = newHarness(t, Config{Workers: 3}, fetcher, parser, 2)

	out, err := h.scheduler.Run(context.Background(), 1, nil)
	require.NoError(t, err)

	require.NotNil(t, out.StopPage)
	assert.Equal(t, 2, *out.StopPage)
	assert.Equal(t, ReasonStopped, out.Reason)
	assert.Empty(t, out.FailedPages)
	assert.Subset(t, h.sink.acceptedPages(), []int{1, 2, 3}, "page 3 was in flight at stop and its items are kept")
}

func TestRefreshCycleRenewsSession(t *testing.T) {
	t.Parallel()

	base := &fakeFetcher{}
	base.respond = func(_ context.Context, req catalog.FetchRequest) (catalog.FetchResponse, error) {
		resp := okPage(req)
		resp.Cookies = []*http.Cookie{{Name: "sid", Value: "p" + string(resp.Body)}}
		return resp, nil
	}
	fetcher := renewingFetcher{base}
	h := newHarness(t, Config{Workers: 1, RefreshEvery: 3, RefreshCooloff: time.Millisecond}, fetcher, endsAt(8), 30)

	out, err := h.scheduler.Run(context.Background(), 1, nil)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, base.pages())
	assert.Equal(t, 2, base.renewals)
	assert.Equal(t, 2, out.Refreshes)

	saves := h.checkpoints.all()
	require.Len(t, saves, 2, "a checkpoint is taken before each refresh pause")
	assert.Equal(t, 3, saves[0].LastPage)
	assert.Equal(t, 6, saves[1].LastPage)
	require.Len(t, saves[0].Cookies, 1)
	assert.Equal(t, "p3", saves[0].Cookies[0].Value)

	assert.NotEmpty(t, base.request(3).Cookies)
	assert.Empty(t, base.request(4).Cookies, "session cookies are dropped on refresh")
	assert.NotEmpty(t, base.request(5).Cookies)
}

func TestPeriodicCheckpoints(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	h := newHarness(t, Config{Workers: 1, CheckpointEvery: 2}, fetcher, endsAt(5), 30)

	_, err := h.scheduler.Run(context.Background(), 1, nil)
	require.NoError(t, err)

	saves := h.checkpoints.all()
	require.Len(t, saves, 2)
	assert.Equal(t, 2, saves[0].LastPage)
	assert.Equal(t, 4, saves[1].LastPage)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), saves[0].Timestamp)
}

func TestFatalErrorAbortsRun(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{respond: func(_ context.Context, req catalog.FetchRequest) (catalog.FetchResponse, error) {
		if req.Page == 2 {
			return catalog.FetchResponse{}, &catalog.FetchError{Kind: catalog.KindForbidden, Status: http.StatusForbidden, Err: catalog.ErrFatal}
		}
		return okPage(req), nil
	}}
	h := newHarness(t, Config{Workers: 1}, fetcher, endsAt(10), 30)

	out, err := h.scheduler.Run(context.Background(), 1, nil)
	require.ErrorIs(t, err, catalog.ErrFatal)
	assert.Equal(t, ReasonFatal, out.Reason)
	assert.Equal(t, []int{1}, h.sink.acceptedPages())

	saves := h.checkpoints.all()
	require.NotEmpty(t, saves)
	assert.Equal(t, 1, saves[len(saves)-1].LastPage, "the fatal page is revisited on resume")
}

func TestSinkErrorAbortsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1}, &fakeFetcher{}, endsAt(10), 30)
	h.sink.err = errors.New("database gone")

	out, err := h.scheduler.Run(context.Background(), 1, nil)
	require.Error(t, err)
	assert.Equal(t, ReasonFatal, out.Reason)
}

func TestStallAbortDecision(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{respond: func(ctx context.Context, _ catalog.FetchRequest) (catalog.FetchResponse, error) {
		<-ctx.Done()
		return catalog.FetchResponse{}, ctx.Err()
	}}
	gate := &fakeGate{answers: []string{StallAbort}}
	h := newHarness(t, Config{Workers: 1, StallTimeout: 20 * time.Millisecond}, fetcher, endsAt(10), 30,
		func(d *Deps) { d.Gate = gate })

	out, err := h.scheduler.Run(context.Background(), 1, nil)
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, ReasonAborted, out.Reason)
	require.Len(t, gate.asked, 1)
	assert.Equal(t, []string{StallWait, StallRefresh, StallAbort, StallRefresh}, gate.asked[0])
}

func TestStallRefreshDecisionRequeuesPage(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	base := &fakeFetcher{}
	base.respond = func(ctx context.Context, req catalog.FetchRequest) (catalog.FetchResponse, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			<-ctx.Done()
			return catalog.FetchResponse{}, ctx.Err()
		}
		return okPage(req), nil
	}
	gate := &fakeGate{answers: []string{StallRefresh}}
	h := newHarness(t, Config{
		Workers:        1,
		StallTimeout:   20 * time.Millisecond,
		DrainGrace:     10 * time.Millisecond,
		RefreshCooloff: time.Millisecond,
	}, renewingFetcher{base}, endsAt(3), 30, func(d *Deps) { d.Gate = gate })

	out, err := h.scheduler.Run(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 3}, base.pages(), "the stuck page is dispatched again after the refresh")
	assert.Equal(t, 1, out.Refreshes)
	assert.Empty(t, out.FailedPages)
}

func TestMaxPagesExhaustsCrawl(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	h := newHarness(t, Config{Workers: 2, MaxPages: 3}, fetcher, fakeParser{}, 30)

	out, err := h.scheduler.Run(context.Background(), 1, nil)
	require.NoError(t, err)

	pages := fetcher.pages()
	slices.Sort(pages)
	assert.Equal(t, []int{1, 2, 3}, pages)
	assert.Equal(t, ReasonExhausted, out.Reason)
	assert.True(t, out.Reason.Legitimate())
	assert.Nil(t, out.StopPage)
}

func TestKnownFailedPagesAreCarried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1}, &fakeFetcher{}, endsAt(44), 30)
	out, err := h.scheduler.Run(context.Background(), 43, []int{10})
	require.NoError(t, err)
	assert.Equal(t, []int{10}, out.FailedPages)

	h = newHarness(t, Config{Workers: 1}, &fakeFetcher{}, endsAt(4), 30)
	out, err = h.scheduler.Run(context.Background(), 1, []int{2, 9})
	require.NoError(t, err)
	assert.Empty(t, out.FailedPages, "page 2 succeeded and page 9 lies beyond the stop page")
}

func TestAmbiguousPageIsArchivedAndFailed(t *testing.T) {
	t.Parallel()

	parser := fakeParser{parse: func(page int) (catalog.ParseResult, error) {
		switch {
		case page == 2:
			return catalog.ParseResult{}, catalog.ErrAmbiguousPage
		case page >= 4:
			return catalog.ParseResult{NoResults: true}, nil
		}
		return catalog.ParseResult{Records: records(page, 1, catalog.AvailabilityInStock)}, nil
	}}
	archive := &recordingArchive{}
	h := newHarness(t, Config{Workers: 1}, &fakeFetcher{}, parser, 30, func(d *Deps) { d.Archive = archive })

	out, err := h.scheduler.Run(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, out.FailedPages)
	assert.Equal(t, []int{2}, archive.pages)
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &fakeFetcher{respond: func(fctx context.Context, req catalog.FetchRequest) (catalog.FetchResponse, error) {
		if req.Page == 3 {
			cancel()
			<-fctx.Done()
			return catalog.FetchResponse{}, fctx.Err()
		}
		return okPage(req), nil
	}}
	h := newHarness(t, Config{Workers: 1}, fetcher, fakeParser{}, 30)

	out, err := h.scheduler.Run(ctx, 1, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ReasonCanceled, out.Reason)
	saves := h.checkpoints.all()
	require.NotEmpty(t, saves)
	assert.Equal(t, 2, saves[len(saves)-1].LastPage)
}

func TestProgressSnapshot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1}, &fakeFetcher{}, endsAt(3), 30)
	_, err := h.scheduler.Run(context.Background(), 1, nil)
	require.NoError(t, err)

	p := h.scheduler.Progress()
	assert.Equal(t, "done", p.Phase)
	assert.Equal(t, 3, p.PagesCrawled)
	assert.Equal(t, 3, p.LastPage)
	require.NotNil(t, p.StopPage)
	assert.Equal(t, 3, *p.StopPage)
}

func TestNewSchedulerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewScheduler(Config{}, Deps{})
	require.Error(t, err)

	h := newHarness(t, Config{}, &fakeFetcher{}, fakeParser{}, 1)
	assert.Equal(t, 4, h.scheduler.cfg.Workers)
	assert.Equal(t, StallRefresh, h.scheduler.cfg.StallDefault)
}
