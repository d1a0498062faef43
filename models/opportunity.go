package models

import (
	"time"

	"github.com/google/uuid"
)

type ExtractionMethod string

const (
	ExtractionMethodLLM      ExtractionMethod = "llm"
	ExtractionMethodFallback ExtractionMethod = "fallback"
)

// FallbackConfidence is the score assigned to heuristic extractions.
const FallbackConfidence = 0.2

// Opportunity is a funding/tender record extracted from one page.
// Immutable after creation; owned by the job that produced it.
type Opportunity struct {
	ID               uuid.UUID        `json:"id" db:"id"`
	Title            string           `json:"title" db:"title"`
	Description      string           `json:"description" db:"description"`
	Organization     string           `json:"organization" db:"organization"`
	Deadline         *time.Time       `json:"deadline" db:"deadline"`
	FundingAmountRaw string           `json:"funding_amount_raw" db:"funding_amount_raw"`
	FundingAmount    *float64         `json:"funding_amount" db:"funding_amount"`
	Currency         string           `json:"currency" db:"currency"`
	Eligibility      string           `json:"eligibility" db:"eligibility"`
	Categories       []string         `json:"categories" db:"categories"`
	Location         string           `json:"location" db:"location"`
	ApplicationURL   string           `json:"application_url" db:"application_url"`
	SourceURL        string           `json:"source_url" db:"source_url"`
	WebsiteID        uuid.UUID        `json:"website_id" db:"website_id"`
	ScrapeJobID      uuid.UUID        `json:"scrape_job_id" db:"scrape_job_id"`
	Method           ExtractionMethod `json:"extraction_method" db:"extraction_method"`
	Confidence       float64          `json:"confidence_score" db:"confidence_score"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
}
