// Package scraper retrieves rendered pages from target sites.
package scraper

import (
	"context"
	"net/http"
	"time"

	"grantscraper/config"
)

type FetchStatus string

const (
	FetchSuccess FetchStatus = "success"
	FetchError   FetchStatus = "error"
)

// FetchResult is the typed outcome of one page fetch. Failures are carried
// in the result, never raised; the caller owns retry policy.
type FetchResult struct {
	URL    string
	HTML   string
	Title  string
	Status FetchStatus
	Err    error
}

func errorResult(url string, err error) FetchResult {
	return FetchResult{URL: url, Status: FetchError, Err: err}
}

// Fetcher drives a browser or HTTP client against one URL at a time.
type Fetcher interface {
	Fetch(ctx context.Context, url string) FetchResult
	Close()
}

// NewFetcher picks the fetch strategy from config.
func NewFetcher(cfg *config.FetcherConfig, concurrency int, httpClient *http.Client) Fetcher {
	switch cfg.Mode {
	case "http":
		return NewHTTPFetcher(cfg, concurrency, httpClient)
	default:
		return NewBrowserFetcher(cfg, concurrency)
	}
}

// slotLimiter enforces a minimum inter-request delay per concurrent fetch
// slot. Each token remembers when its slot last finished; an acquirer sleeps
// off the remainder before fetching.
type slotLimiter struct {
	slots    chan time.Time
	minDelay time.Duration
}

func newSlotLimiter(concurrency int, minDelay time.Duration) *slotLimiter {
	if concurrency < 1 {
		concurrency = 1
	}
	slots := make(chan time.Time, concurrency)
	for i := 0; i < concurrency; i++ {
		slots <- time.Time{}
	}
	return &slotLimiter{slots: slots, minDelay: minDelay}
}

// acquire blocks until a slot is free and its cooldown has elapsed. Returns
// false if ctx is cancelled while waiting.
func (l *slotLimiter) acquire(ctx context.Context) bool {
	var lastUsed time.Time
	select {
	case lastUsed = <-l.slots:
	case <-ctx.Done():
		return false
	}

	if wait := l.minDelay - time.Since(lastUsed); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			l.slots <- lastUsed
			return false
		}
	}
	return true
}

func (l *slotLimiter) release() {
	l.slots <- time.Now()
}
