// Package scheduler periodically enqueues scrape jobs for active websites
// and reaps jobs stuck in running.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"grantscraper/config"
	"grantscraper/storage"
)

type Scheduler struct {
	cfg        *config.Config
	store      storage.JobStore
	cron       *cron.Cron
	ticker     *time.Ticker
	stopCh     chan struct{}
	logger     zerolog.Logger
	staleAfter time.Duration
}

func New(cfg *config.Config, store storage.JobStore, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		cron:       cron.New(),
		stopCh:     make(chan struct{}),
		logger:     logger.With().Str("component", "scheduler").Logger(),
		staleAfter: cfg.Worker.StaleAfter,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	go s.reapStaleJobs(ctx)

	if s.cfg.Scheduler.Cron != "" {
		s.logger.Info().Str("cron", s.cfg.Scheduler.Cron).Msg("starting cron schedule")
		_, err := s.cron.AddFunc(s.cfg.Scheduler.Cron, func() {
			s.EnqueueAll(ctx)
		})
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
	} else if s.cfg.Scheduler.Interval > 0 {
		s.logger.Info().Dur("interval", s.cfg.Scheduler.Interval).Msg("starting interval schedule")
		s.ticker = time.NewTicker(s.cfg.Scheduler.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					s.EnqueueAll(ctx)
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		s.logger.Info().Msg("no schedule configured, jobs come from the API only")
	}

	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopCh)
}

// EnqueueAll creates one pending job per active website, skipping websites
// that already have a pending or running job.
func (s *Scheduler) EnqueueAll(ctx context.Context) {
	websites, err := s.store.ListActiveWebsites(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("list websites failed")
		return
	}

	enqueued := 0
	for _, w := range websites {
		open, err := s.store.HasOpenJob(ctx, w.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("website", w.Name).Msg("open-job check failed")
			continue
		}
		if open {
			continue
		}

		if _, err := s.store.EnqueueJob(ctx, w.ID); err != nil {
			s.logger.Error().Err(err).Str("website", w.Name).Msg("enqueue failed")
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		s.logger.Info().Int("jobs", enqueued).Msg("enqueued scheduled jobs")
	}
}

// reapStaleJobs fails jobs that never reached a terminal state, e.g. after
// a worker crash mid-run.
func (s *Scheduler) reapStaleJobs(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.store.ResetStaleRunningJobs(ctx, s.staleAfter)
			if err != nil {
				s.logger.Error().Err(err).Msg("stale-job reap failed")
				continue
			}
			if n > 0 {
				s.logger.Warn().Int("jobs", n).Msg("reaped orphaned running jobs")
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
