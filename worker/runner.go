// Package worker drives claimed scrape jobs through the
// pending -> running -> completed/failed state machine.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"grantscraper/discovery"
	"grantscraper/models"
	"grantscraper/scraper"
	"grantscraper/services"
	"grantscraper/storage"
)

// Extractor is the strategy interface for turning a fetched page into an
// opportunity record. Swapping LLM backends never touches the runner.
type Extractor interface {
	Extract(ctx context.Context, html, pageURL string, websiteID, jobID uuid.UUID) models.Opportunity
}

type Config struct {
	PollInterval     time.Duration
	Concurrency      int
	MaxPagesPerJob   int
	MainPageRetries  int
	CandidateRetries int
	RetryBackoff     time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.MaxPagesPerJob <= 0 {
		c.MaxPagesPerJob = 50
	}
	if c.MainPageRetries <= 0 {
		c.MainPageRetries = 3
	}
	if c.CandidateRetries <= 0 {
		c.CandidateRetries = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
}

// Runner claims pending jobs one at a time and orchestrates
// fetch -> discover -> extract -> persist. All collaborators are injected;
// the runner owns none of their lifetimes.
type Runner struct {
	store      storage.JobStore
	fetcher    scraper.Fetcher
	discoverer *discovery.Discoverer
	extractor  Extractor
	opps       *services.OpportunityService
	cfg        Config
	logger     zerolog.Logger
}

func NewRunner(
	store storage.JobStore,
	fetcher scraper.Fetcher,
	discoverer *discovery.Discoverer,
	extractor Extractor,
	opps *services.OpportunityService,
	cfg Config,
	logger zerolog.Logger,
) *Runner {
	cfg.applyDefaults()
	return &Runner{
		store:      store,
		fetcher:    fetcher,
		discoverer: discoverer,
		extractor:  extractor,
		opps:       opps,
		cfg:        cfg,
		logger:     logger.With().Str("component", "worker").Logger(),
	}
}

// Run polls for pending jobs until ctx is cancelled. One job is active at a
// time; FIFO order comes from the store's claim query.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("worker stopping")
			return
		case <-ticker.C:
			r.drainQueue(ctx)
		}
	}
}

// DrainOnce processes every currently pending job and returns.
func (r *Runner) DrainOnce(ctx context.Context) {
	r.drainQueue(ctx)
}

func (r *Runner) drainQueue(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := r.store.ClaimNextPendingJob(ctx)
		if err != nil {
			r.logger.Error().Err(err).Msg("claim failed")
			return
		}
		if job == nil {
			return
		}

		r.ProcessJob(ctx, job)
	}
}

// ProcessJob runs one claimed job to a terminal state. Every exit path
// writes completed or failed; nothing escapes as a panic or unhandled error.
func (r *Runner) ProcessJob(ctx context.Context, job *models.ScrapeJob) {
	logger := r.logger.With().Str("job_id", job.ID.String()).Logger()
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("job panicked")
			r.failJob(ctx, job.ID, fmt.Sprintf("internal error: %v", rec), nil, start)
		}
	}()

	website, err := r.store.GetWebsite(ctx, job.WebsiteID)
	if err != nil {
		r.failJob(ctx, job.ID, fmt.Sprintf("load website %s: %v", job.WebsiteID, err), nil, start)
		return
	}
	if website == nil {
		r.failJob(ctx, job.ID, fmt.Sprintf("website %s not found", job.WebsiteID), nil, start)
		return
	}

	logger.Info().Str("url", website.URL).Msg("job started")

	mainPage, err := r.fetchWithRetry(ctx, website.URL, r.cfg.MainPageRetries)
	if err != nil {
		if ctx.Err() != nil {
			r.failJob(ctx, job.ID, models.ErrMsgCancelled, nil, start)
			return
		}
		r.failJob(ctx, job.ID, fmt.Sprintf("main page fetch failed after %d attempts: %v", r.cfg.MainPageRetries, err), nil, start)
		return
	}

	candidates, err := r.discoverer.Discover(mainPage.HTML, website.URL)
	if err != nil {
		r.failJob(ctx, job.ID, fmt.Sprintf("link discovery: %v", err), nil, start)
		return
	}
	candidates = r.discoverer.Refine(ctx, candidates)

	maxPages := r.cfg.MaxPagesPerJob
	if website.ScrapeCfg != nil && website.ScrapeCfg.MaxPages > 0 && website.ScrapeCfg.MaxPages < maxPages {
		maxPages = website.ScrapeCfg.MaxPages
	}
	summary := &models.ResultSummary{CandidatesFound: len(candidates)}
	if len(candidates) > maxPages {
		candidates = candidates[:maxPages]
	}

	logger.Info().Int("candidates", len(candidates)).Msg("discovery done")

	opps, pageErrors := r.processCandidates(ctx, job, website, candidates)
	summary.CandidatesFetched = len(candidates) - countStage(pageErrors, "fetch")
	summary.PageErrors = pageErrors

	if ctx.Err() != nil {
		// Cancelled mid-job: discard results, force the failed transition.
		r.failJob(ctx, job.ID, models.ErrMsgCancelled, summary, start)
		return
	}

	inserted, err := r.opps.Persist(ctx, opps)
	if err != nil {
		r.failJob(ctx, job.ID, fmt.Sprintf("persist opportunities: %v", err), summary, start)
		return
	}
	summary.OpportunitiesFound = inserted
	summary.DurationMS = time.Since(start).Milliseconds()

	now := time.Now().UTC()
	if err := r.store.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, storage.JobUpdate{
		CompletedAt:   &now,
		ResultSummary: summary,
	}); err != nil {
		logger.Error().Err(err).Msg("terminal transition write failed")
		return
	}

	logger.Info().
		Int("opportunities", summary.OpportunitiesFound).
		Int("page_errors", len(summary.PageErrors)).
		Dur("duration", time.Since(start)).
		Msg("job completed")
}

// processCandidates fetches and extracts candidate pages under the
// concurrency cap. A single candidate's failure is recorded, never fatal.
func (r *Runner) processCandidates(ctx context.Context, job *models.ScrapeJob, website *models.Website, candidates []discovery.Candidate) ([]models.Opportunity, []models.PageError) {
	var (
		mu         sync.Mutex
		opps       []models.Opportunity
		pageErrors []models.PageError
		wg         sync.WaitGroup
	)
	sem := make(chan struct{}, r.cfg.Concurrency)

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(c discovery.Candidate) {
			defer wg.Done()
			defer func() { <-sem }()

			page, err := r.fetchWithRetry(ctx, c.URL, r.cfg.CandidateRetries)
			if err != nil {
				mu.Lock()
				pageErrors = append(pageErrors, models.PageError{URL: c.URL, Stage: "fetch", Error: err.Error()})
				mu.Unlock()
				return
			}

			opp := r.extractor.Extract(ctx, page.HTML, c.URL, website.ID, job.ID)

			mu.Lock()
			if opp.Method == models.ExtractionMethodFallback {
				pageErrors = append(pageErrors, models.PageError{URL: c.URL, Stage: "extract", Error: "llm extraction unavailable, used fallback heuristics"})
			}
			opps = append(opps, opp)
			mu.Unlock()
		}(candidate)
	}

	wg.Wait()
	return opps, pageErrors
}

// fetchWithRetry runs a bounded retry loop with linear backoff. The retry
// budget differs per call site (main page vs candidate page).
func (r *Runner) fetchWithRetry(ctx context.Context, url string, attempts int) (scraper.FetchResult, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return scraper.FetchResult{}, err
		}

		result := r.fetcher.Fetch(ctx, url)
		if result.Status == scraper.FetchSuccess {
			return result, nil
		}
		lastErr = result.Err
		if lastErr == nil {
			lastErr = fmt.Errorf("fetch failed")
		}

		if attempt < attempts {
			select {
			case <-time.After(time.Duration(attempt) * r.cfg.RetryBackoff):
			case <-ctx.Done():
				return scraper.FetchResult{}, ctx.Err()
			}
		}
	}
	return scraper.FetchResult{}, lastErr
}

// failJob writes the terminal failed transition. Uses a detached context so
// the write still lands when the job was cancelled via ctx.
func (r *Runner) failJob(ctx context.Context, jobID uuid.UUID, errMsg string, summary *models.ResultSummary, start time.Time) {
	if summary != nil {
		summary.DurationMS = time.Since(start).Milliseconds()
	}

	writeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}

	now := time.Now().UTC()
	if err := r.store.UpdateJobStatus(writeCtx, jobID, models.JobStatusFailed, storage.JobUpdate{
		CompletedAt:   &now,
		ErrorMessage:  &errMsg,
		ResultSummary: summary,
	}); err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("failed transition write failed")
		return
	}
	r.logger.Warn().Str("job_id", jobID.String()).Str("error", errMsg).Msg("job failed")
}

func countStage(errs []models.PageError, stage string) int {
	var n int
	for _, e := range errs {
		if e.Stage == stage {
			n++
		}
	}
	return n
}
