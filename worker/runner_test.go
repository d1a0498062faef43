package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grantscraper/discovery"
	"grantscraper/models"
	"grantscraper/scraper"
	"grantscraper/services"
	"grantscraper/storage"
)

// memStore is an in-memory storage.Store for runner tests. Claim and status
// updates take the same terminal-state guards as the real backends.
type memStore struct {
	mu          sync.Mutex
	websites    map[uuid.UUID]*models.Website
	jobs        map[uuid.UUID]*models.ScrapeJob
	transitions map[uuid.UUID][]models.JobStatus
	opps        []models.Opportunity
	insertErr   error
}

func newMemStore() *memStore {
	return &memStore{
		websites:    make(map[uuid.UUID]*models.Website),
		jobs:        make(map[uuid.UUID]*models.ScrapeJob),
		transitions: make(map[uuid.UUID][]models.JobStatus),
	}
}

func (m *memStore) addWebsite(url string) *models.Website {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &models.Website{ID: uuid.New(), URL: url, Name: url, Active: true}
	m.websites[w.ID] = w
	return w
}

func (m *memStore) ClaimNextPendingJob(ctx context.Context) (*models.ScrapeJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*models.ScrapeJob
	for _, j := range m.jobs {
		if j.Status == models.JobStatusPending {
			pending = append(pending, j)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

	job := pending[0]
	now := time.Now().UTC()
	job.Status = models.JobStatusRunning
	job.StartedAt = &now
	m.transitions[job.ID] = append(m.transitions[job.ID], models.JobStatusRunning)

	cp := *job
	return &cp, nil
}

func (m *memStore) UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus, update storage.JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s already terminal", jobID)
	}

	job.Status = status
	if update.StartedAt != nil {
		job.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		job.CompletedAt = update.CompletedAt
	}
	if update.ErrorMessage != nil {
		job.ErrorMessage = update.ErrorMessage
	}
	if update.ResultSummary != nil {
		job.ResultSummary = update.ResultSummary
	}
	m.transitions[jobID] = append(m.transitions[jobID], status)
	return nil
}

func (m *memStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.ScrapeJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) GetWebsite(ctx context.Context, websiteID uuid.UUID) (*models.Website, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.websites[websiteID]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (m *memStore) EnqueueJob(ctx context.Context, websiteID uuid.UUID) (*models.ScrapeJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := &models.ScrapeJob{
		ID:        uuid.New(),
		WebsiteID: websiteID,
		Status:    models.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	m.jobs[job.ID] = job
	m.transitions[job.ID] = []models.JobStatus{models.JobStatusPending}
	cp := *job
	return &cp, nil
}

func (m *memStore) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	msg := models.ErrMsgCancelled
	return m.UpdateJobStatus(ctx, jobID, models.JobStatusFailed, storage.JobUpdate{ErrorMessage: &msg})
}

func (m *memStore) HasOpenJob(ctx context.Context, websiteID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.WebsiteID == websiteID && !j.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListActiveWebsites(ctx context.Context) ([]models.Website, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Website
	for _, w := range m.websites {
		if w.Active {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (m *memStore) ResetStaleRunningJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	return 0, nil
}

func (m *memStore) BulkInsertOpportunities(ctx context.Context, opps []models.Opportunity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.opps = append(m.opps, opps...)
	return nil
}

func (m *memStore) GetOpportunitiesByJob(ctx context.Context, jobID uuid.UUID) ([]models.Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Opportunity
	for _, o := range m.opps {
		if o.ScrapeJobID == jobID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) jobStatus(id uuid.UUID) models.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].Status
}

// stubFetcher serves canned results by URL; unknown URLs fail.
type stubFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	fetches map[string]int
}

func newStubFetcher(pages map[string]string) *stubFetcher {
	return &stubFetcher{pages: pages, fetches: make(map[string]int)}
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) scraper.FetchResult {
	f.mu.Lock()
	f.fetches[url]++
	f.mu.Unlock()

	html, ok := f.pages[url]
	if !ok {
		return scraper.FetchResult{URL: url, Status: scraper.FetchError, Err: fmt.Errorf("unexpected status: 500")}
	}
	return scraper.FetchResult{URL: url, HTML: html, Status: scraper.FetchSuccess}
}

func (f *stubFetcher) Close() {}

func (f *stubFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[url]
}

// stubExtractor skips the LLM entirely and returns one record per page,
// reported with the configured method so tests can exercise both paths.
type stubExtractor struct {
	method     models.ExtractionMethod
	confidence float64
}

func (s stubExtractor) Extract(ctx context.Context, html, pageURL string, websiteID, jobID uuid.UUID) models.Opportunity {
	method := s.method
	confidence := s.confidence
	if method == "" {
		method = models.ExtractionMethodLLM
		confidence = 0.9
	}
	return models.Opportunity{
		ID:          uuid.New(),
		Title:       "Opportunity at " + pageURL,
		Description: html,
		SourceURL:   pageURL,
		WebsiteID:   websiteID,
		ScrapeJobID: jobID,
		Method:      method,
		Confidence:  confidence,
		CreatedAt:   time.Now().UTC(),
	}
}

const testListing = `<html><body>
<a href="/grants/1">Grant One</a>
<a href="/grants/2">Grant Two</a>
<a href="/about">About</a>
</body></html>`

func newTestRunner(store *memStore, fetcher scraper.Fetcher, cfg Config) *Runner {
	logger := zerolog.Nop()
	return NewRunner(
		store,
		fetcher,
		discovery.New(nil, logger),
		stubExtractor{},
		services.NewOpportunityService(store, logger),
		cfg,
		logger,
	)
}

func TestProcessJobCompletes(t *testing.T) {
	store := newMemStore()
	website := store.addWebsite("https://example.gov.au/grants")
	job, err := store.EnqueueJob(context.Background(), website.ID)
	require.NoError(t, err)

	fetcher := newStubFetcher(map[string]string{
		"https://example.gov.au/grants":   testListing,
		"https://example.gov.au/grants/1": "<html><h1>Grant One</h1></html>",
		"https://example.gov.au/grants/2": "<html><h1>Grant Two</h1></html>",
	})
	runner := newTestRunner(store, fetcher, Config{RetryBackoff: time.Millisecond})

	claimed, err := store.ClaimNextPendingJob(context.Background())
	require.NoError(t, err)
	runner.ProcessJob(context.Background(), claimed)

	done, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.ResultSummary)
	assert.Equal(t, 2, done.ResultSummary.CandidatesFound)
	assert.Equal(t, 2, done.ResultSummary.CandidatesFetched)
	assert.Equal(t, 2, done.ResultSummary.OpportunitiesFound)
	assert.Empty(t, done.ResultSummary.PageErrors)

	opps, err := store.GetOpportunitiesByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, opps, 2)

	assert.Equal(t,
		[]models.JobStatus{models.JobStatusPending, models.JobStatusRunning, models.JobStatusCompleted},
		store.transitions[job.ID])
}

func TestProcessJobZeroCandidatesCompletes(t *testing.T) {
	store := newMemStore()
	website := store.addWebsite("https://example.gov.au/empty")
	job, _ := store.EnqueueJob(context.Background(), website.ID)

	fetcher := newStubFetcher(map[string]string{
		"https://example.gov.au/empty": "<html><body><a href='/about'>About</a></body></html>",
	})
	runner := newTestRunner(store, fetcher, Config{RetryBackoff: time.Millisecond})

	claimed, _ := store.ClaimNextPendingJob(context.Background())
	runner.ProcessJob(context.Background(), claimed)

	done, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, 0, done.ResultSummary.OpportunitiesFound)
}

func TestProcessJobMainPageFailureRetriesThenFails(t *testing.T) {
	store := newMemStore()
	website := store.addWebsite("https://example.gov.au/down")
	job, _ := store.EnqueueJob(context.Background(), website.ID)

	fetcher := newStubFetcher(nil)
	runner := newTestRunner(store, fetcher, Config{MainPageRetries: 3, RetryBackoff: time.Millisecond})

	claimed, _ := store.ClaimNextPendingJob(context.Background())
	runner.ProcessJob(context.Background(), claimed)

	done, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	require.NotNil(t, done.ErrorMessage)
	assert.Contains(t, *done.ErrorMessage, "main page fetch failed after 3 attempts")
	assert.Equal(t, 3, fetcher.count("https://example.gov.au/down"))
}

func TestProcessJobMissingWebsiteFails(t *testing.T) {
	store := newMemStore()
	orphan := &models.ScrapeJob{ID: uuid.New(), WebsiteID: uuid.New(), Status: models.JobStatusRunning}
	store.jobs[orphan.ID] = orphan

	runner := newTestRunner(store, newStubFetcher(nil), Config{RetryBackoff: time.Millisecond})
	runner.ProcessJob(context.Background(), orphan)

	assert.Equal(t, models.JobStatusFailed, store.jobStatus(orphan.ID))
}

func TestProcessJobPartialCandidateFailure(t *testing.T) {
	store := newMemStore()
	website := store.addWebsite("https://example.gov.au/grants")
	job, _ := store.EnqueueJob(context.Background(), website.ID)

	// Grant Two's page is never served; its failure must not fail the job.
	fetcher := newStubFetcher(map[string]string{
		"https://example.gov.au/grants":   testListing,
		"https://example.gov.au/grants/1": "<html><h1>Grant One</h1></html>",
	})
	runner := newTestRunner(store, fetcher, Config{CandidateRetries: 2, RetryBackoff: time.Millisecond})

	claimed, _ := store.ClaimNextPendingJob(context.Background())
	runner.ProcessJob(context.Background(), claimed)

	done, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	require.Len(t, done.ResultSummary.PageErrors, 1)
	assert.Equal(t, "https://example.gov.au/grants/2", done.ResultSummary.PageErrors[0].URL)
	assert.Equal(t, "fetch", done.ResultSummary.PageErrors[0].Stage)
	assert.Equal(t, 1, done.ResultSummary.CandidatesFetched)
	assert.Equal(t, 1, done.ResultSummary.OpportunitiesFound)
}

func TestProcessJobRecordsFallbackDegradation(t *testing.T) {
	store := newMemStore()
	website := store.addWebsite("https://example.gov.au/grants")
	job, _ := store.EnqueueJob(context.Background(), website.ID)

	fetcher := newStubFetcher(map[string]string{
		"https://example.gov.au/grants":   testListing,
		"https://example.gov.au/grants/1": "<html><h1>Grant One</h1></html>",
		"https://example.gov.au/grants/2": "<html><h1>Grant Two</h1></html>",
	})
	logger := zerolog.Nop()
	runner := NewRunner(
		store,
		fetcher,
		discovery.New(nil, logger),
		stubExtractor{method: models.ExtractionMethodFallback, confidence: models.FallbackConfidence},
		services.NewOpportunityService(store, logger),
		Config{RetryBackoff: time.Millisecond},
		logger,
	)

	claimed, _ := store.ClaimNextPendingJob(context.Background())
	runner.ProcessJob(context.Background(), claimed)

	done, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, 2, done.ResultSummary.OpportunitiesFound)
	assert.Equal(t, 2, done.ResultSummary.CandidatesFetched)

	// Degraded pages are still persisted but surfaced in the summary.
	require.Len(t, done.ResultSummary.PageErrors, 2)
	for _, pe := range done.ResultSummary.PageErrors {
		assert.Equal(t, "extract", pe.Stage)
	}
}

func TestProcessJobCancelledDiscardsResults(t *testing.T) {
	store := newMemStore()
	website := store.addWebsite("https://example.gov.au/grants")
	job, _ := store.EnqueueJob(context.Background(), website.ID)

	fetcher := newStubFetcher(map[string]string{
		"https://example.gov.au/grants": testListing,
	})
	runner := newTestRunner(store, fetcher, Config{RetryBackoff: time.Millisecond})

	claimed, _ := store.ClaimNextPendingJob(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner.ProcessJob(ctx, claimed)

	done, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	require.NotNil(t, done.ErrorMessage)
	assert.Equal(t, models.ErrMsgCancelled, *done.ErrorMessage)
	assert.Empty(t, store.opps)
}

func TestProcessJobRespectsMaxPages(t *testing.T) {
	store := newMemStore()
	website := store.addWebsite("https://example.gov.au/grants")
	job, _ := store.EnqueueJob(context.Background(), website.ID)

	pages := map[string]string{"https://example.gov.au/grants": `<html><body>
		<a href="/grants/1">Grant One</a>
		<a href="/grants/2">Grant Two</a>
		<a href="/grants/3">Grant Three</a>
	</body></html>`}
	for _, p := range []string{"1", "2", "3"} {
		pages["https://example.gov.au/grants/"+p] = "<html><h1>Grant</h1></html>"
	}

	runner := newTestRunner(store, newStubFetcher(pages), Config{MaxPagesPerJob: 2, RetryBackoff: time.Millisecond})

	claimed, _ := store.ClaimNextPendingJob(context.Background())
	runner.ProcessJob(context.Background(), claimed)

	done, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, 3, done.ResultSummary.CandidatesFound)
	assert.Equal(t, 2, done.ResultSummary.OpportunitiesFound)
}

func TestProcessJobPersistFailureFailsJob(t *testing.T) {
	store := newMemStore()
	store.insertErr = fmt.Errorf("connection reset")
	website := store.addWebsite("https://example.gov.au/grants")
	job, _ := store.EnqueueJob(context.Background(), website.ID)

	fetcher := newStubFetcher(map[string]string{
		"https://example.gov.au/grants":   testListing,
		"https://example.gov.au/grants/1": "<html><h1>Grant One</h1></html>",
		"https://example.gov.au/grants/2": "<html><h1>Grant Two</h1></html>",
	})
	runner := newTestRunner(store, fetcher, Config{RetryBackoff: time.Millisecond})

	claimed, _ := store.ClaimNextPendingJob(context.Background())
	runner.ProcessJob(context.Background(), claimed)

	done, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	require.NotNil(t, done.ErrorMessage)
	assert.Contains(t, *done.ErrorMessage, "persist opportunities")
}

func TestDrainOnceProcessesAllPending(t *testing.T) {
	store := newMemStore()
	fetcher := newStubFetcher(map[string]string{
		"https://a.example.gov.au": testListing,
		"https://b.example.gov.au": testListing,
	})

	for _, url := range []string{"https://a.example.gov.au", "https://b.example.gov.au"} {
		w := store.addWebsite(url)
		_, err := store.EnqueueJob(context.Background(), w.ID)
		require.NoError(t, err)
	}

	runner := newTestRunner(store, fetcher, Config{RetryBackoff: time.Millisecond})
	runner.DrainOnce(context.Background())

	for id := range store.jobs {
		assert.True(t, store.jobStatus(id).IsTerminal(), id)
	}
}

func TestTerminalJobRejectsFurtherTransitions(t *testing.T) {
	store := newMemStore()
	website := store.addWebsite("https://example.gov.au/grants")
	job, _ := store.EnqueueJob(context.Background(), website.ID)

	require.NoError(t, store.CancelJob(context.Background(), job.ID))
	assert.Equal(t, models.JobStatusFailed, store.jobStatus(job.ID))

	err := store.UpdateJobStatus(context.Background(), job.ID, models.JobStatusCompleted, storage.JobUpdate{})
	assert.Error(t, err)
	assert.Equal(t, models.JobStatusFailed, store.jobStatus(job.ID))
}
