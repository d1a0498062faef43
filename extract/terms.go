package extract

import (
	"context"
	"fmt"
	"strings"

	"grantscraper/models"
)

// AnalyzeTerms classifies a site's terms-of-use text. Same two-path contract
// as opportunity extraction; the fallback fails closed on the legal-risk
// questions (no commercial use, scraping forbidden).
func (e *Engine) AnalyzeTerms(ctx context.Context, text string) models.TermsAnalysis {
	if e.client == nil {
		return models.ConservativeTerms("llm unavailable")
	}

	prompt := buildTermsPrompt(truncate(collapse(text), maxPromptContent))
	response, err := e.client.Generate(ctx, prompt)
	if err != nil {
		e.logger.Debug().Err(err).Msg("terms analysis failed, using conservative defaults")
		return models.ConservativeTerms(fmt.Sprintf("llm error: %v", err))
	}

	record, err := decodeRecord(response)
	if err != nil {
		return models.ConservativeTerms(fmt.Sprintf("unparseable llm output: %v", err))
	}
	if err := models.TermsAnalysisSchema.Validate(record); err != nil {
		return models.ConservativeTerms(fmt.Sprintf("invalid llm output: %v", err))
	}

	return models.TermsAnalysis{
		AllowsCommercialUse: getBool(record, "allows_commercial_use"),
		ForbidsScraping:     getBool(record, "forbids_scraping"),
		RequiresAttribution: getBool(record, "requires_attribution"),
		HasRateLimits:       getBool(record, "has_rate_limits"),
		Notes:               getString(record, "notes"),
		Method:              models.ExtractionMethodLLM,
	}
}

func buildTermsPrompt(text string) string {
	var b strings.Builder
	b.WriteString("Analyze these website terms of use and answer as strict JSON only, no prose.\n")
	b.WriteString("Fields: allows_commercial_use (bool), forbids_scraping (bool), requires_attribution (bool), has_rate_limits (bool), notes (string).\n")
	b.WriteString("When the terms are silent on a question, answer conservatively: allows_commercial_use=false, forbids_scraping=true.\n\n")
	b.WriteString("Terms text:\n")
	b.WriteString(text)
	return b.String()
}

func getBool(record map[string]any, key string) bool {
	v, _ := record[key].(bool)
	return v
}
