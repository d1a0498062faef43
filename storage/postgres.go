package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"grantscraper/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// Websites
// =============================================================================

func (s *PostgresStore) UpsertWebsite(ctx context.Context, w *models.Website) error {
	if err := models.ValidateWebsiteURL(w.URL); err != nil {
		return fmt.Errorf("validate url: %w", err)
	}

	var cfg []byte
	if w.ScrapeCfg != nil {
		var err error
		cfg, err = json.Marshal(w.ScrapeCfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
	}

	query := `
		INSERT INTO websites (id, url, name, active, scrape_config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (url) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			scrape_config = EXCLUDED.scrape_config,
			updated_at = EXCLUDED.updated_at
		RETURNING id`

	return s.pool.QueryRow(ctx, query,
		w.ID, w.URL, w.Name, w.Active, cfg, w.CreatedAt, w.UpdatedAt,
	).Scan(&w.ID)
}

func (s *PostgresStore) GetWebsite(ctx context.Context, websiteID uuid.UUID) (*models.Website, error) {
	query := `
		SELECT id, url, name, active, scrape_config, created_at, updated_at
		FROM websites WHERE id = $1`

	var w models.Website
	var cfg []byte
	err := s.pool.QueryRow(ctx, query, websiteID).Scan(
		&w.ID, &w.URL, &w.Name, &w.Active, &cfg, &w.CreatedAt, &w.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		w.ScrapeCfg = &models.WebsiteConfig{}
		if err := json.Unmarshal(cfg, w.ScrapeCfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	return &w, nil
}

func (s *PostgresStore) ListActiveWebsites(ctx context.Context) ([]models.Website, error) {
	query := `
		SELECT id, url, name, active, scrape_config, created_at, updated_at
		FROM websites WHERE active
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var websites []models.Website
	for rows.Next() {
		var w models.Website
		var cfg []byte
		if err := rows.Scan(&w.ID, &w.URL, &w.Name, &w.Active, &cfg, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		if len(cfg) > 0 {
			w.ScrapeCfg = &models.WebsiteConfig{}
			if err := json.Unmarshal(cfg, w.ScrapeCfg); err != nil {
				return nil, err
			}
		}
		websites = append(websites, w)
	}
	return websites, rows.Err()
}

// =============================================================================
// Jobs
// =============================================================================

const jobColumns = `id, website_id, status, created_at, started_at, completed_at, error_message, result_summary`

// ClaimNextPendingJob atomically flips the oldest pending job to running and
// stamps started_at. FOR UPDATE SKIP LOCKED keeps concurrent workers from
// claiming the same row. Returns nil, nil when the queue is empty.
func (s *PostgresStore) ClaimNextPendingJob(ctx context.Context) (*models.ScrapeJob, error) {
	query := `
		UPDATE scrape_jobs SET status = 'running', started_at = NOW()
		WHERE id = (
			SELECT id FROM scrape_jobs
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, query))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus, update JobUpdate) error {
	summary, err := marshalSummary(update.ResultSummary)
	if err != nil {
		return err
	}

	query := `
		UPDATE scrape_jobs SET
			status = $2,
			started_at = COALESCE($3, started_at),
			completed_at = COALESCE($4, completed_at),
			error_message = COALESCE($5, error_message),
			result_summary = COALESCE($6, result_summary)
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`

	tag, err := s.pool.Exec(ctx, query, jobID, status, update.StartedAt, update.CompletedAt, update.ErrorMessage, summary)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not found or already terminal", jobID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.ScrapeJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scrape_jobs WHERE id = $1`

	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *PostgresStore) EnqueueJob(ctx context.Context, websiteID uuid.UUID) (*models.ScrapeJob, error) {
	job := &models.ScrapeJob{
		ID:        uuid.New(),
		WebsiteID: websiteID,
		Status:    models.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO scrape_jobs (id, website_id, status, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	if err := s.pool.QueryRow(ctx, query, job.ID, job.WebsiteID, job.Status, job.CreatedAt).Scan(&job.ID); err != nil {
		return nil, err
	}
	return job, nil
}

// CancelJob forces a non-terminal job to failed with the cancellation marker.
// Terminal jobs are left untouched.
func (s *PostgresStore) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	query := `
		UPDATE scrape_jobs SET
			status = 'failed',
			started_at = COALESCE(started_at, NOW()),
			completed_at = NOW(),
			error_message = $2
		WHERE id = $1 AND status IN ('pending', 'running')`

	tag, err := s.pool.Exec(ctx, query, jobID, models.ErrMsgCancelled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not cancellable", jobID)
	}
	return nil
}

func (s *PostgresStore) HasOpenJob(ctx context.Context, websiteID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM scrape_jobs WHERE website_id = $1 AND status IN ('pending', 'running'))`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, websiteID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// ResetStaleRunningJobs fails jobs stuck in running past the threshold, for
// the external reaper cadence. Returns the number of jobs reset.
func (s *PostgresStore) ResetStaleRunningJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	query := `
		UPDATE scrape_jobs SET
			status = 'failed',
			completed_at = NOW(),
			error_message = 'orphaned: no terminal transition within staleness threshold'
		WHERE status = 'running' AND started_at < $1`

	tag, err := s.pool.Exec(ctx, query, time.Now().UTC().Add(-staleAfter))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (*models.ScrapeJob, error) {
	var j models.ScrapeJob
	var summary []byte
	err := row.Scan(&j.ID, &j.WebsiteID, &j.Status, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.ErrorMessage, &summary)
	if err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		j.ResultSummary = &models.ResultSummary{}
		if err := json.Unmarshal(summary, j.ResultSummary); err != nil {
			return nil, fmt.Errorf("unmarshal result_summary: %w", err)
		}
	}
	return &j, nil
}

func marshalSummary(summary *models.ResultSummary) ([]byte, error) {
	if summary == nil {
		return nil, nil
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("marshal result_summary: %w", err)
	}
	return data, nil
}

// =============================================================================
// Opportunities
// =============================================================================

func (s *PostgresStore) BulkInsertOpportunities(ctx context.Context, opps []models.Opportunity) error {
	if len(opps) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO opportunities (
			id, title, description, organization, deadline, funding_amount_raw,
			funding_amount, currency, eligibility, categories, location,
			application_url, source_url, website_id, scrape_job_id,
			extraction_method, confidence_score, fingerprint, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19
		)
		ON CONFLICT (fingerprint) DO NOTHING`

	for i := range opps {
		o := &opps[i]
		fingerprint := opportunityFingerprint(o)
		if _, err := tx.Exec(ctx, query,
			o.ID, o.Title, o.Description, o.Organization, o.Deadline, o.FundingAmountRaw,
			o.FundingAmount, o.Currency, o.Eligibility, o.Categories, o.Location,
			o.ApplicationURL, o.SourceURL, o.WebsiteID, o.ScrapeJobID,
			o.Method, o.Confidence, fingerprint, o.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert opportunity: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetOpportunitiesByJob(ctx context.Context, jobID uuid.UUID) ([]models.Opportunity, error) {
	query := `
		SELECT id, title, description, organization, deadline, funding_amount_raw,
			funding_amount, currency, eligibility, categories, location,
			application_url, source_url, website_id, scrape_job_id,
			extraction_method, confidence_score, created_at
		FROM opportunities WHERE scrape_job_id = $1
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var opps []models.Opportunity
	for rows.Next() {
		var o models.Opportunity
		if err := rows.Scan(
			&o.ID, &o.Title, &o.Description, &o.Organization, &o.Deadline, &o.FundingAmountRaw,
			&o.FundingAmount, &o.Currency, &o.Eligibility, &o.Categories, &o.Location,
			&o.ApplicationURL, &o.SourceURL, &o.WebsiteID, &o.ScrapeJobID,
			&o.Method, &o.Confidence, &o.CreatedAt,
		); err != nil {
			return nil, err
		}
		opps = append(opps, o)
	}
	return opps, rows.Err()
}
