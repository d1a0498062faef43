package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"grantscraper/config"
)

const maxBodyBytes = 10 * 1024 * 1024

// HTTPFetcher retrieves pages with a plain client. Used for sites that do
// not need JS rendering, and in tests.
type HTTPFetcher struct {
	client  *http.Client
	limiter *slotLimiter
	timeout time.Duration
}

func NewHTTPFetcher(cfg *config.FetcherConfig, concurrency int, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	}
	return &HTTPFetcher{
		client:  client,
		limiter: newSlotLimiter(concurrency, minDelay(cfg)),
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) FetchResult {
	if !f.limiter.acquire(ctx) {
		return errorResult(url, ctx.Err())
	}
	defer f.limiter.release()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return errorResult(url, fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return errorResult(url, fmt.Errorf("fetch: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorResult(url, fmt.Errorf("unexpected status: %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return errorResult(url, fmt.Errorf("read body: %w", err))
	}

	html := string(body)
	return FetchResult{URL: url, HTML: html, Title: extractTitle(html), Status: FetchSuccess}
}

func (f *HTTPFetcher) Close() {}

func extractTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
