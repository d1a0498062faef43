package models

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ErrMsgCancelled is the error_message marker for forced cancellation, so
// consumers can tell a cancelled job from one that errored.
const ErrMsgCancelled = "cancelled"

// ScrapeJob is one unit of scraping work. Created pending by the API layer;
// all further transitions belong to the worker. Terminal states are final.
type ScrapeJob struct {
	ID            uuid.UUID      `json:"id" db:"id"`
	WebsiteID     uuid.UUID      `json:"website_id" db:"website_id"`
	Status        JobStatus      `json:"status" db:"status"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	StartedAt     *time.Time     `json:"started_at" db:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at" db:"completed_at"`
	ErrorMessage  *string        `json:"error_message" db:"error_message"`
	ResultSummary *ResultSummary `json:"result_summary" db:"result_summary"`
}

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ResultSummary is written on every terminal transition. Zero opportunities
// is a valid completed outcome.
type ResultSummary struct {
	CandidatesFound    int         `json:"candidates_found"`
	CandidatesFetched  int         `json:"candidates_fetched"`
	OpportunitiesFound int         `json:"opportunities_found"`
	PageErrors         []PageError `json:"page_errors,omitempty"`
	DurationMS         int64       `json:"duration_ms"`
}

// PageError records a per-candidate failure or degradation that did not
// fail the job. Stage "fetch" means the page was lost; stage "extract"
// means the LLM path degraded to fallback heuristics.
type PageError struct {
	URL   string `json:"url"`
	Stage string `json:"stage"` // fetch, extract
	Error string `json:"error"`
}
