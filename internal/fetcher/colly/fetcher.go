// Package collyfetcher implements catalog.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/fetcher"
)

// Config controls collector behavior.
type Config struct {
	UserAgent       string
	Timeout         time.Duration
	RatePerSecond   float64
	Burst           int
	MaxAuthFailures int
	// Transport overrides the HTTP transport; nil uses a pooled default.
	Transport http.RoundTripper
}

// Fetcher implements catalog.Fetcher using the Colly collector. Every fetch
// runs on a clone of the base collector so the cookie jar is shared until
// Renew replaces it.
type Fetcher struct {
	cfg     Config
	limiter *rate.Limiter
	auth    *fetcher.AuthTracker

	mu   sync.RWMutex
	base *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	f := &Fetcher{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		auth:    fetcher.NewAuthTracker(cfg.MaxAuthFailures),
	}
	f.base = f.newCollector()
	return f
}

func (f *Fetcher) newCollector() *colly.Collector {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.ParseHTTPErrorResponse = true
	transport := f.cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(f.cfg.Timeout)
	return c
}

// Fetch executes a single HTTP GET for one listing page.
func (f *Fetcher) Fetch(ctx context.Context, request catalog.FetchRequest) (catalog.FetchResponse, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return catalog.FetchResponse{}, fmt.Errorf("rate limit wait: %w", err)
	}

	f.mu.RLock()
	collector := f.base.Clone()
	f.mu.RUnlock()
	collector.ParseHTTPErrorResponse = true

	if len(request.Cookies) > 0 {
		if err := collector.SetCookies(request.URL, request.Cookies); err != nil {
			return catalog.FetchResponse{}, fmt.Errorf("apply session cookies: %w", err)
		}
	}

	var (
		result   catalog.FetchResponse
		fetchErr error
	)
	configureHooks(collector, time.Now(), &result, &fetchErr)

	if err := runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return catalog.FetchResponse{}, fetcher.ClassifyTransport(request.URL, err)
	}
	result.Cookies = collector.Cookies(request.URL)

	if err := fetcher.ClassifyStatus(request.URL, result.StatusCode, f.auth); err != nil {
		return result, err
	}
	return result, nil
}

// Renew discards the collector and its cookie jar.
func (f *Fetcher) Renew(_ context.Context) error {
	fresh := f.newCollector()
	f.mu.Lock()
	f.base = fresh
	f.mu.Unlock()
	f.auth.Reset()
	return nil
}

func configureHooks(hooks collectorHooks, start time.Time, result *catalog.FetchResponse, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = catalog.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
