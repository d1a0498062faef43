package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"grantscraper/config"
	"grantscraper/discovery"
	"grantscraper/extract"
	"grantscraper/httputil"
	"grantscraper/llm"
	"grantscraper/logging"
	"grantscraper/models"
	"grantscraper/scheduler"
	"grantscraper/scraper"
	"grantscraper/services"
	"grantscraper/storage"
	"grantscraper/worker"
)

var (
	runOnce = flag.Bool("once", false, "Drain the pending queue once and exit")
	jobID   = flag.String("job", "", "Process a single job by ID and exit")
	addSite = flag.String("add-site", "", "Register a website URL and enqueue a job for it")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logWriter, err := logging.Setup(cfg.LogLevel, cfg.LogPath)
	if err != nil {
		// Console logging still works without the file sink.
		logger.Warn().Err(err).Msg("could not set up file logging")
	}
	if logWriter != nil {
		defer logWriter.Close()
	}

	logger.Info().Msg("starting grantscraper")

	ctx := context.Background()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	if len(cfg.Sites) > 0 {
		seedWebsites(ctx, store, cfg, logger)
	}

	clients := httputil.NewClients(time.Duration(cfg.Fetcher.TimeoutMS)*time.Millisecond, cfg.LLM.Timeout)

	llmClient := llm.NewOllamaClient(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Temperature, clients.LLM)
	if llmClient.Available(ctx) {
		logger.Info().Str("model", cfg.LLM.Model).Str("url", cfg.LLM.BaseURL).Msg("LLM backend reachable")
	} else {
		logger.Warn().Str("url", cfg.LLM.BaseURL).Msg("LLM backend unreachable, extraction will use fallback")
	}

	fetcher := scraper.NewFetcher(&cfg.Fetcher, cfg.Worker.Concurrency, clients.Scraping)
	defer fetcher.Close()
	logger.Info().Str("mode", cfg.Fetcher.Mode).Msg("fetcher initialized")

	discoverer := discovery.New(llmClient, logger)
	engine := extract.NewEngine(llmClient, logger)
	oppService := services.NewOpportunityService(store, logger)

	runner := worker.NewRunner(store, fetcher, discoverer, engine, oppService, worker.Config{
		PollInterval:     cfg.Worker.PollInterval,
		Concurrency:      cfg.Worker.Concurrency,
		MaxPagesPerJob:   cfg.Worker.MaxPagesPerJob,
		MainPageRetries:  cfg.Worker.MainPageRetries,
		CandidateRetries: cfg.Worker.CandidateRetries,
	}, logger)

	// One-shot commands.
	if *addSite != "" {
		if err := registerSite(ctx, store, *addSite, logger); err != nil {
			logger.Fatal().Err(err).Msg("add-site failed")
		}
		return
	}

	if *jobID != "" {
		id, err := uuid.Parse(*jobID)
		if err != nil {
			logger.Fatal().Err(err).Str("job", *jobID).Msg("invalid job id")
		}
		if err := runSingleJob(ctx, store, runner, id, logger); err != nil {
			logger.Fatal().Err(err).Msg("job failed")
		}
		return
	}

	if *runOnce {
		runner.DrainOnce(ctx)
		logger.Info().Msg("queue drained")
		return
	}

	// Daemon mode.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched := scheduler.New(cfg, store, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start scheduler")
	}

	go runner.Run(ctx)
	logger.Info().Msg("worker started, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	sched.Stop()
	cancel()
	time.Sleep(500 * time.Millisecond)
	logger.Info().Msg("goodbye")
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.Store, error) {
	if cfg.Database.URL != "" {
		store, err := storage.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("dsn", maskConnectionString(cfg.Database.URL)).Msg("connected to Postgres")
		return store, nil
	}

	store, err := storage.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("path", cfg.Database.SQLitePath).Msg("opened SQLite database")
	return store, nil
}

// seedWebsites registers the scrape targets declared in config/sites/*.yaml.
// Idempotent; a failing site is logged and skipped.
func seedWebsites(ctx context.Context, store storage.Store, cfg *config.Config, logger zerolog.Logger) {
	now := time.Now().UTC()
	for id, site := range cfg.Sites {
		if site.URL == "" {
			logger.Warn().Str("site", id).Msg("site config has no url, skipping")
			continue
		}
		w := &models.Website{
			ID:     uuid.New(),
			URL:    site.URL,
			Name:   site.Name,
			Active: true,
			ScrapeCfg: &models.WebsiteConfig{
				Keywords: site.Keywords,
				MaxPages: site.MaxPages,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := store.UpsertWebsite(ctx, w); err != nil {
			logger.Error().Err(err).Str("site", id).Msg("failed to register site")
			continue
		}
		logger.Info().Str("site", id).Str("website_id", w.ID.String()).Msg("site registered")
	}
}

func registerSite(ctx context.Context, store storage.Store, url string, logger zerolog.Logger) error {
	now := time.Now().UTC()
	w := &models.Website{ID: uuid.New(), URL: url, Name: url, Active: true, CreatedAt: now, UpdatedAt: now}
	if err := store.UpsertWebsite(ctx, w); err != nil {
		return err
	}
	job, err := store.EnqueueJob(ctx, w.ID)
	if err != nil {
		return err
	}
	logger.Info().Str("website", w.ID.String()).Str("job", job.ID.String()).Msg("website registered and job enqueued")
	return nil
}

func runSingleJob(ctx context.Context, store storage.Store, runner *worker.Runner, id uuid.UUID, logger zerolog.Logger) error {
	job, err := store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("job %s is %s, expected pending", id, job.Status)
	}
	if err := store.UpdateJobStatus(ctx, id, models.JobStatusRunning, storage.JobUpdate{StartedAt: timePtr(time.Now().UTC())}); err != nil {
		return err
	}
	job.Status = models.JobStatusRunning
	runner.ProcessJob(ctx, job)

	done, err := store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	logger.Info().Str("job", id.String()).Str("status", string(done.Status)).Msg("job finished")
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }

// maskConnectionString masks the password in a DSN for logging.
func maskConnectionString(connStr string) string {
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
