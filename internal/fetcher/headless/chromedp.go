// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/fetcher"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is how long to wait after the body is ready for scripts to render listings.
	SettleDelay     time.Duration
	MaxAuthFailures int
}

// Fetcher implements catalog.Fetcher using chromedp and headless Chrome.
// The browser process is the session; Renew replaces it.
type Fetcher struct {
	cfg     Config
	limiter chan struct{}
	auth    *fetcher.AuthTracker

	mu          sync.RWMutex
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	f := &Fetcher{
		cfg:     cfg,
		limiter: limiter,
		auth:    fetcher.NewAuthTracker(cfg.MaxAuthFailures),
	}
	f.allocator, f.allocCancel = newAllocator()
	return f, nil
}

func newAllocator() (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	return chromedp.NewExecAllocator(context.Background(), opts...)
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocCancel()
}

// Renew closes the current browser and starts a new one with an empty profile.
func (f *Fetcher) Renew(_ context.Context) error {
	allocCtx, allocCancel := newAllocator()
	f.mu.Lock()
	old := f.allocCancel
	f.allocator, f.allocCancel = allocCtx, allocCancel
	f.mu.Unlock()
	old()
	f.auth.Reset()
	return nil
}

// Fetch navigates to the listing page and returns the rendered DOM along with
// the browser's cookies for that URL.
func (f *Fetcher) Fetch(ctx context.Context, request catalog.FetchRequest) (catalog.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return catalog.FetchResponse{}, err
	}
	defer f.release()

	f.mu.RLock()
	allocator := f.allocator
	f.mu.RUnlock()

	taskCtx, taskCancel := chromedp.NewContext(allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	page, err := f.runHeadless(taskCtx, request)
	if err != nil {
		if ctx.Err() != nil {
			return catalog.FetchResponse{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		return catalog.FetchResponse{}, fetcher.ClassifyTransport(request.URL, err)
	}

	status, responseURL := meta.snapshotWithFallbacks(request.URL, page.finalURL)
	result := catalog.FetchResponse{
		URL:        responseURL,
		StatusCode: status,
		Body:       []byte(page.html),
		Cookies:    page.cookies,
		Duration:   time.Since(start),
	}
	if err := fetcher.ClassifyStatus(request.URL, status, f.auth); err != nil {
		return result, err
	}
	return result, nil
}

type renderedPage struct {
	html     string
	finalURL string
	cookies  []*http.Cookie
}

func (f *Fetcher) runHeadless(ctx context.Context, request catalog.FetchRequest) (renderedPage, error) {
	var page renderedPage
	actions := []chromedp.Action{
		f.networkSetupAction(request),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if f.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(f.cfg.SettleDelay))
	}
	actions = append(actions,
		chromedp.Location(&page.finalURL),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			cookies, err := network.GetCookies().WithURLs([]string{request.URL}).Do(ctx)
			if err != nil {
				return fmt.Errorf("read cookies: %w", err)
			}
			page.cookies = fromNetworkCookies(cookies)
			return nil
		}),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	return page, nil
}

func (f *Fetcher) networkSetupAction(request catalog.FetchRequest) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		for _, c := range request.Cookies {
			if c == nil || c.Name == "" {
				continue
			}
			if err := toSetCookie(request.URL, c).Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

func toSetCookie(pageURL string, c *http.Cookie) *network.SetCookieParams {
	params := network.SetCookie(c.Name, c.Value).
		WithSecure(c.Secure).
		WithHTTPOnly(c.HttpOnly)
	if c.Domain != "" {
		params = params.WithDomain(c.Domain)
	} else {
		params = params.WithURL(pageURL)
	}
	if c.Path != "" {
		params = params.WithPath(c.Path)
	}
	return params
}

func fromNetworkCookies(cookies []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0).UTC()
		}
		out = append(out, hc)
	}
	return out
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

// responseMeta records the status of the main document response.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
