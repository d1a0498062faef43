package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"grantscraper/models"
)

// SQLiteStore implements Store against a local file. Used for one-shot runs
// and development; the daemon normally runs against Postgres.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes job claims within the process
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS websites (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		name TEXT,
		active BOOLEAN DEFAULT TRUE,
		scrape_config TEXT,
		created_at DATETIME,
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS scrape_jobs (
		id TEXT PRIMARY KEY,
		website_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		error_message TEXT,
		result_summary TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON scrape_jobs(status, created_at);

	CREATE TABLE IF NOT EXISTS opportunities (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		organization TEXT,
		deadline DATETIME,
		funding_amount_raw TEXT,
		funding_amount REAL,
		currency TEXT,
		eligibility TEXT,
		categories TEXT,
		location TEXT,
		application_url TEXT,
		source_url TEXT NOT NULL,
		website_id TEXT NOT NULL,
		scrape_job_id TEXT NOT NULL,
		extraction_method TEXT NOT NULL,
		confidence_score REAL NOT NULL,
		fingerprint TEXT NOT NULL UNIQUE,
		created_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_opps_job ON opportunities(scrape_job_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Websites
// =============================================================================

func (s *SQLiteStore) UpsertWebsite(ctx context.Context, w *models.Website) error {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO websites (id, url, name, active, scrape_config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			name = excluded.name,
			active = excluded.active,
			scrape_config = excluded.scrape_config,
			updated_at = excluded.updated_at`,
		w.ID.String(), w.URL, w.Name, w.Active, nullBytes(cfg), w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return err
	}

	// The conflict path keeps the original row id.
	var id string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM websites WHERE url = ?`, w.URL).Scan(&id); err != nil {
		return err
	}
	w.ID, err = uuid.Parse(id)
	return err
}

func (s *SQLiteStore) GetWebsite(ctx context.Context, websiteID uuid.UUID) (*models.Website, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, name, active, scrape_config, created_at, updated_at
		FROM websites WHERE id = ?`, websiteID.String())
	return scanWebsiteRow(row)
}

func (s *SQLiteStore) ListActiveWebsites(ctx context.Context) ([]models.Website, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, name, active, scrape_config, created_at, updated_at
		FROM websites WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var websites []models.Website
	for rows.Next() {
		w, err := scanWebsiteRow(rows)
		if err != nil {
			return nil, err
		}
		websites = append(websites, *w)
	}
	return websites, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebsiteRow(row rowScanner) (*models.Website, error) {
	var w models.Website
	var id string
	var cfg sql.NullString
	err := row.Scan(&id, &w.URL, &w.Name, &w.Active, &cfg, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse website id: %w", err)
	}
	if cfg.Valid && cfg.String != "" {
		w.ScrapeCfg = &models.WebsiteConfig{}
		if err := json.Unmarshal([]byte(cfg.String), w.ScrapeCfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	return &w, nil
}

// =============================================================================
// Jobs
// =============================================================================

// ClaimNextPendingJob claims the oldest pending job with a compare-and-set
// update. The store mutex covers in-process racers; the conditional WHERE
// covers everything else.
func (s *SQLiteStore) ClaimNextPendingJob(ctx context.Context) (*models.ScrapeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM scrape_jobs WHERE status = 'pending' ORDER BY created_at LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE scrape_jobs SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'pending'`, now, id)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Lost the race to another claimer.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.GetJob(ctx, uuid.MustParse(id))
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus, update JobUpdate) error {
	summary, err := marshalSummary(update.ResultSummary)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE scrape_jobs SET
			status = ?,
			started_at = COALESCE(?, started_at),
			completed_at = COALESCE(?, completed_at),
			error_message = COALESCE(?, error_message),
			result_summary = COALESCE(?, result_summary)
		WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		status, update.StartedAt, update.CompletedAt, update.ErrorMessage, nullBytes(summary), jobID.String(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %s not found or already terminal", jobID)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.ScrapeJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, website_id, status, created_at, started_at, completed_at, error_message, result_summary
		FROM scrape_jobs WHERE id = ?`, jobID.String())

	var j models.ScrapeJob
	var id, websiteID string
	var errMsg, summary sql.NullString
	err := row.Scan(&id, &websiteID, &j.Status, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &errMsg, &summary)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if j.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if j.WebsiteID, err = uuid.Parse(websiteID); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	if summary.Valid && summary.String != "" {
		j.ResultSummary = &models.ResultSummary{}
		if err := json.Unmarshal([]byte(summary.String), j.ResultSummary); err != nil {
			return nil, fmt.Errorf("unmarshal result_summary: %w", err)
		}
	}
	return &j, nil
}

func (s *SQLiteStore) EnqueueJob(ctx context.Context, websiteID uuid.UUID) (*models.ScrapeJob, error) {
	job := &models.ScrapeJob{
		ID:        uuid.New(),
		WebsiteID: websiteID,
		Status:    models.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_jobs (id, website_id, status, created_at)
		VALUES (?, ?, ?, ?)`,
		job.ID.String(), job.WebsiteID.String(), job.Status, job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLiteStore) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE scrape_jobs SET
			status = 'failed',
			started_at = COALESCE(started_at, ?),
			completed_at = ?,
			error_message = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		now, now, models.ErrMsgCancelled, jobID.String(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %s is not cancellable", jobID)
	}
	return nil
}

func (s *SQLiteStore) HasOpenJob(ctx context.Context, websiteID uuid.UUID) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM scrape_jobs
		WHERE website_id = ? AND status IN ('pending', 'running')`, websiteID.String()).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLiteStore) ResetStaleRunningJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scrape_jobs SET
			status = 'failed',
			completed_at = ?,
			error_message = 'orphaned: no terminal transition within staleness threshold'
		WHERE status = 'running' AND started_at < ?`,
		time.Now().UTC(), time.Now().UTC().Add(-staleAfter),
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// =============================================================================
// Opportunities
// =============================================================================

func (s *SQLiteStore) BulkInsertOpportunities(ctx context.Context, opps []models.Opportunity) error {
	if len(opps) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO opportunities (
			id, title, description, organization, deadline, funding_amount_raw,
			funding_amount, currency, eligibility, categories, location,
			application_url, source_url, website_id, scrape_job_id,
			extraction_method, confidence_score, fingerprint, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range opps {
		o := &opps[i]
		categories, err := json.Marshal(o.Categories)
		if err != nil {
			return fmt.Errorf("marshal categories: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			o.ID.String(), o.Title, o.Description, o.Organization, o.Deadline, o.FundingAmountRaw,
			o.FundingAmount, o.Currency, o.Eligibility, string(categories), o.Location,
			o.ApplicationURL, o.SourceURL, o.WebsiteID.String(), o.ScrapeJobID.String(),
			o.Method, o.Confidence, opportunityFingerprint(o), o.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert opportunity: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetOpportunitiesByJob(ctx context.Context, jobID uuid.UUID) ([]models.Opportunity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, organization, deadline, funding_amount_raw,
			funding_amount, currency, eligibility, categories, location,
			application_url, source_url, website_id, scrape_job_id,
			extraction_method, confidence_score, created_at
		FROM opportunities WHERE scrape_job_id = ?
		ORDER BY created_at`, jobID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var opps []models.Opportunity
	for rows.Next() {
		var o models.Opportunity
		var id, websiteID, jobIDStr string
		var categories sql.NullString
		if err := rows.Scan(
			&id, &o.Title, &o.Description, &o.Organization, &o.Deadline, &o.FundingAmountRaw,
			&o.FundingAmount, &o.Currency, &o.Eligibility, &categories, &o.Location,
			&o.ApplicationURL, &o.SourceURL, &websiteID, &jobIDStr,
			&o.Method, &o.Confidence, &o.CreatedAt,
		); err != nil {
			return nil, err
		}
		if o.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if o.WebsiteID, err = uuid.Parse(websiteID); err != nil {
			return nil, err
		}
		if o.ScrapeJobID, err = uuid.Parse(jobIDStr); err != nil {
			return nil, err
		}
		if categories.Valid && categories.String != "" {
			if err := json.Unmarshal([]byte(categories.String), &o.Categories); err != nil {
				return nil, fmt.Errorf("unmarshal categories: %w", err)
			}
		}
		opps = append(opps, o)
	}
	return opps, rows.Err()
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
