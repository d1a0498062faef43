package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grantscraper/config"
)

func testFetcherConfig() *config.FetcherConfig {
	return &config.FetcherConfig{Mode: "http", TimeoutMS: 5000, MinDelayMS: 0}
}

func TestHTTPFetcherSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><head><title>Grants portal</title></head><body>content</body></html>"))
	}))
	defer server.Close()

	f := NewHTTPFetcher(testFetcherConfig(), 1, server.Client())
	defer f.Close()

	result := f.Fetch(context.Background(), server.URL)
	require.Equal(t, FetchSuccess, result.Status)
	assert.Contains(t, result.HTML, "content")
	assert.Equal(t, "Grants portal", result.Title)
	assert.Equal(t, server.URL, result.URL)
}

func TestHTTPFetcherErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := NewHTTPFetcher(testFetcherConfig(), 1, server.Client())
	result := f.Fetch(context.Background(), server.URL)
	require.Equal(t, FetchError, result.Status)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "503")
}

func TestHTTPFetcherUnreachable(t *testing.T) {
	f := NewHTTPFetcher(testFetcherConfig(), 1, nil)
	result := f.Fetch(context.Background(), "http://127.0.0.1:1/nothing-here")
	assert.Equal(t, FetchError, result.Status)
	assert.Error(t, result.Err)
}

func TestHTTPFetcherCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewHTTPFetcher(testFetcherConfig(), 1, nil)
	result := f.Fetch(ctx, "http://example.org")
	assert.Equal(t, FetchError, result.Status)
}

func TestSlotLimiterEnforcesDelay(t *testing.T) {
	limiter := newSlotLimiter(1, 50*time.Millisecond)

	require.True(t, limiter.acquire(context.Background()))
	limiter.release()

	start := time.Now()
	require.True(t, limiter.acquire(context.Background()))
	limiter.release()

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSlotLimiterConcurrencyCap(t *testing.T) {
	limiter := newSlotLimiter(2, 0)

	var (
		mu      sync.Mutex
		current int
		peak    int
		wg      sync.WaitGroup
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.True(t, limiter.acquire(context.Background()))
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			limiter.release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 2)
	assert.Greater(t, peak, 0)
}

func TestSlotLimiterCancelledWait(t *testing.T) {
	limiter := newSlotLimiter(1, time.Minute)
	require.True(t, limiter.acquire(context.Background()))
	limiter.release()

	// The slot is cooling down for a minute; a cancelled waiter must bail.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, limiter.acquire(ctx))
}

func TestNewFetcherSelectsMode(t *testing.T) {
	f := NewFetcher(testFetcherConfig(), 1, nil)
	defer f.Close()
	_, ok := f.(*HTTPFetcher)
	assert.True(t, ok)
}
