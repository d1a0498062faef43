package scraper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"grantscraper/config"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// stealthScript masks the most common automation-detection signals before
// any page script runs.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3] });
`

// BrowserFetcher renders pages with headless Chromium. The browser instance
// is shared; every fetch gets its own isolated BrowserContext (separate
// cookies and storage) which is closed on all exit paths.
type BrowserFetcher struct {
	cfg     *config.FetcherConfig
	limiter *slotLimiter

	mu          sync.Mutex
	pw          *playwright.Playwright
	browser     playwright.Browser
	initialized bool
}

func NewBrowserFetcher(cfg *config.FetcherConfig, concurrency int) *BrowserFetcher {
	return &BrowserFetcher{
		cfg:     cfg,
		limiter: newSlotLimiter(concurrency, minDelay(cfg)),
	}
}

func (f *BrowserFetcher) ensureBrowser() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.initialized {
		return nil
	}

	var err error
	f.pw, err = playwright.Run()
	if err != nil {
		return fmt.Errorf("start playwright: %w", err)
	}

	f.browser, err = f.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(f.cfg.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		f.pw.Stop()
		f.pw = nil
		return fmt.Errorf("launch browser: %w", err)
	}

	f.initialized = true
	return nil
}

// Fetch navigates to url in a fresh context and returns the rendered HTML.
// Never panics; navigation errors, timeouts and browser crashes come back
// as error results.
func (f *BrowserFetcher) Fetch(ctx context.Context, url string) (result FetchResult) {
	defer func() {
		if r := recover(); r != nil {
			result = errorResult(url, fmt.Errorf("browser fetch panicked: %v", r))
		}
	}()

	if !f.limiter.acquire(ctx) {
		return errorResult(url, ctx.Err())
	}
	defer f.limiter.release()

	if err := ctx.Err(); err != nil {
		return errorResult(url, err)
	}

	if err := f.ensureBrowser(); err != nil {
		return errorResult(url, err)
	}

	bctx, err := f.browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(defaultUserAgent),
		Viewport:  &playwright.Size{Width: 1366, Height: 768},
	})
	if err != nil {
		return errorResult(url, fmt.Errorf("new context: %w", err))
	}
	defer bctx.Close()

	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(stealthScript)}); err != nil {
		return errorResult(url, fmt.Errorf("init script: %w", err))
	}

	page, err := bctx.NewPage()
	if err != nil {
		return errorResult(url, fmt.Errorf("new page: %w", err))
	}

	_, err = page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(f.cfg.TimeoutMS)),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return errorResult(url, fmt.Errorf("navigate: %w", err))
	}

	if err := ctx.Err(); err != nil {
		// Cancelled mid-navigation: discard whatever rendered.
		return errorResult(url, err)
	}

	html, err := page.Content()
	if err != nil {
		return errorResult(url, fmt.Errorf("page content: %w", err))
	}

	title, _ := page.Title()

	return FetchResult{URL: url, HTML: html, Title: title, Status: FetchSuccess}
}

func (f *BrowserFetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.browser != nil {
		f.browser.Close()
		f.browser = nil
	}
	if f.pw != nil {
		f.pw.Stop()
		f.pw = nil
	}
	f.initialized = false
}

func minDelay(cfg *config.FetcherConfig) time.Duration {
	return time.Duration(cfg.MinDelayMS) * time.Millisecond
}
