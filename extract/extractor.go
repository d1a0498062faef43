// Package extract turns raw page content into structured opportunity
// records: LLM-first against a schema, deterministic heuristics as the
// guaranteed fallback.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"grantscraper/llm"
	"grantscraper/models"
)

// llmConfidence is assigned to validated LLM extractions.
const llmConfidence = 0.9

// maxPromptContent bounds how much page text goes into a prompt.
const maxPromptContent = 8000

type Engine struct {
	client llm.Client // nil forces the fallback path
	logger zerolog.Logger
}

func NewEngine(client llm.Client, logger zerolog.Logger) *Engine {
	return &Engine{
		client: client,
		logger: logger.With().Str("component", "extractor").Logger(),
	}
}

// Extract produces an Opportunity from page content. Never returns an error
// and never panics: when the LLM path fails for any reason (unavailable,
// timeout, non-JSON output, schema violation) the heuristic fallback is the
// terminal behavior. extraction_method=llm is only ever set after the
// response validated against OpportunitySchema.
func (e *Engine) Extract(ctx context.Context, html, pageURL string, websiteID, jobID uuid.UUID) models.Opportunity {
	if e.client != nil {
		opp, err := e.extractLLM(ctx, html, pageURL)
		if err == nil {
			opp.ID = uuid.New()
			opp.SourceURL = pageURL
			opp.WebsiteID = websiteID
			opp.ScrapeJobID = jobID
			opp.CreatedAt = time.Now().UTC()
			return opp
		}
		e.logger.Debug().Err(err).Str("url", pageURL).Msg("llm extraction failed, using fallback")
	}

	opp := fallbackExtract(html, pageURL)
	opp.ID = uuid.New()
	opp.WebsiteID = websiteID
	opp.ScrapeJobID = jobID
	opp.CreatedAt = time.Now().UTC()
	return opp
}

func (e *Engine) extractLLM(ctx context.Context, html, pageURL string) (models.Opportunity, error) {
	content := htmlToText(html)
	if content == "" {
		return models.Opportunity{}, fmt.Errorf("no text content")
	}

	prompt := buildOpportunityPrompt(content, pageURL)
	response, err := e.client.Generate(ctx, prompt)
	if err != nil {
		return models.Opportunity{}, fmt.Errorf("generate: %w", err)
	}

	record, err := decodeRecord(response)
	if err != nil {
		return models.Opportunity{}, err
	}

	if err := models.OpportunitySchema.Validate(record); err != nil {
		return models.Opportunity{}, err
	}

	return recordToOpportunity(record), nil
}

func buildOpportunityPrompt(content, pageURL string) string {
	var b strings.Builder
	b.WriteString("Extract the grant or tender opportunity from this page as strict JSON, no prose, no markdown fences.\n")
	b.WriteString("Fields: title (string, required), description (string, required), organization (string, required), ")
	b.WriteString("deadline (string or null), funding_amount (string or null), eligibility (string or null), ")
	b.WriteString("categories (list of strings), location (string or null), application_url (string or null).\n")
	b.WriteString("Use null for unknown optional fields and [] for empty lists. Do not invent values.\n\n")
	fmt.Fprintf(&b, "Page URL: %s\n\nPage content:\n%s\n", pageURL, content)
	return b.String()
}

func recordToOpportunity(record map[string]any) models.Opportunity {
	opp := models.Opportunity{
		Title:        getString(record, "title"),
		Description:  getString(record, "description"),
		Organization: getString(record, "organization"),
		Eligibility:  getString(record, "eligibility"),
		Location:     getString(record, "location"),
		Method:       models.ExtractionMethodLLM,
		Confidence:   llmConfidence,
	}

	opp.Deadline = ParseDeadline(getString(record, "deadline"))

	raw := getString(record, "funding_amount")
	opp.FundingAmountRaw = raw
	opp.FundingAmount, opp.Currency = ParseAmount(raw)

	// Absent or empty categories must still marshal as [], not null.
	opp.Categories = []string{}
	if cats, ok := record["categories"].([]any); ok {
		for _, c := range cats {
			if s, ok := c.(string); ok && s != "" {
				opp.Categories = append(opp.Categories, s)
			}
		}
	}

	if u := getString(record, "application_url"); u != "" {
		opp.ApplicationURL = u
	}

	return opp
}

func getString(record map[string]any, key string) string {
	if v, ok := record[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
