package models

// TermsAnalysis is the boolean-heavy record produced from a site's terms page.
// Fallback defaults fail closed on the legal-risk answers.
type TermsAnalysis struct {
	AllowsCommercialUse bool             `json:"allows_commercial_use"`
	ForbidsScraping     bool             `json:"forbids_scraping"`
	RequiresAttribution bool             `json:"requires_attribution"`
	HasRateLimits       bool             `json:"has_rate_limits"`
	Notes               string           `json:"notes"`
	Method              ExtractionMethod `json:"extraction_method"`
}

// ConservativeTerms is the fallback result when the LLM is unavailable or
// returns something unusable: no commercial use, scraping forbidden.
func ConservativeTerms(notes string) TermsAnalysis {
	return TermsAnalysis{
		AllowsCommercialUse: false,
		ForbidsScraping:     true,
		RequiresAttribution: true,
		Notes:               notes,
		Method:              ExtractionMethodFallback,
	}
}
