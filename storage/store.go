package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"grantscraper/identity"
	"grantscraper/models"
)

// JobUpdate carries the nullable fields written alongside a status change.
type JobUpdate struct {
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ErrorMessage  *string
	ResultSummary *models.ResultSummary
}

// JobStore is the worker's view of job state. ClaimNextPendingJob must be
// atomic: given concurrent claims of the same pending job, exactly one wins.
type JobStore interface {
	ClaimNextPendingJob(ctx context.Context) (*models.ScrapeJob, error)
	UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus, update JobUpdate) error
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.ScrapeJob, error)
	GetWebsite(ctx context.Context, websiteID uuid.UUID) (*models.Website, error)
	EnqueueJob(ctx context.Context, websiteID uuid.UUID) (*models.ScrapeJob, error)
	CancelJob(ctx context.Context, jobID uuid.UUID) error
	HasOpenJob(ctx context.Context, websiteID uuid.UUID) (bool, error)
	ListActiveWebsites(ctx context.Context) ([]models.Website, error)
	ResetStaleRunningJobs(ctx context.Context, staleAfter time.Duration) (int, error)
}

// OpportunityStore persists extraction results. Append-only.
type OpportunityStore interface {
	BulkInsertOpportunities(ctx context.Context, opps []models.Opportunity) error
	GetOpportunitiesByJob(ctx context.Context, jobID uuid.UUID) ([]models.Opportunity, error)
}

// Store is the full persistence surface the worker and scheduler depend on.
// UpsertWebsite keys on url; re-registering an existing site updates its name
// and config and keeps the original id.
type Store interface {
	JobStore
	OpportunityStore
	UpsertWebsite(ctx context.Context, w *models.Website) error
	Close() error
}

// opportunityFingerprint is the dedup key for the unique index on
// opportunities.fingerprint.
func opportunityFingerprint(o *models.Opportunity) string {
	return identity.Fingerprint(o)
}
