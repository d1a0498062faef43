// Package discovery finds candidate opportunity links on a listing page.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"grantscraper/llm"
)

// Candidate is a detail-page link worth fetching.
type Candidate struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Keywords that mark a link as an opportunity. Matched case-insensitively
// against both href and anchor text.
var opportunityKeywords = []string{
	"tender",
	"grant",
	"funding",
	"opportunit",
	"procurement",
	"rft",
	"eoi",
	"rfq",
	"rfp",
	"expression-of-interest",
}

// ID patterns some agencies embed in URLs (AusTender ATM ids and the like).
var idPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ATM\d+`),
	regexp.MustCompile(`(?i)RFT[-_ ]?\d+`),
	regexp.MustCompile(`(?i)GO\d{4,}`),
}

var skipExtensions = []string{".pdf", ".doc", ".docx", ".xls", ".xlsx", ".zip", ".jpg", ".png"}

type Discoverer struct {
	llmClient llm.Client // nil disables the refinement pass
	logger    zerolog.Logger
}

func New(llmClient llm.Client, logger zerolog.Logger) *Discoverer {
	return &Discoverer{llmClient: llmClient, logger: logger.With().Str("component", "discovery").Logger()}
}

// Discover scans anchors in html and returns candidates in document order,
// deduplicated by normalized URL. Deterministic: identical inputs always
// give identical output.
func (d *Discoverer) Discover(html, baseURL string) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	seen := make(map[string]bool)
	var candidates []Candidate

	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}

		text := strings.TrimSpace(s.Text())
		if !matchesOpportunity(href, text) {
			return
		}

		abs := resolveURL(base, href)
		if abs == "" || seen[abs] {
			return
		}
		if hasSkippedExtension(abs) {
			return
		}

		seen[abs] = true
		candidates = append(candidates, Candidate{URL: abs, Title: text})
	})

	return candidates, nil
}

// Refine asks the LLM to drop non-opportunity candidates. Advisory only: any
// failure returns the raw pattern-matched set unfiltered, never an empty
// set by virtue of refinement failing.
func (d *Discoverer) Refine(ctx context.Context, candidates []Candidate) []Candidate {
	if d.llmClient == nil || len(candidates) == 0 {
		return candidates
	}

	prompt := buildRefinePrompt(candidates)
	response, err := d.llmClient.Generate(ctx, prompt)
	if err != nil {
		d.logger.Warn().Err(err).Msg("refinement failed, keeping raw candidate set")
		return candidates
	}

	keep, err := parseRefineResponse(response, len(candidates))
	if err != nil {
		d.logger.Warn().Err(err).Msg("unusable refinement response, keeping raw candidate set")
		return candidates
	}

	var refined []Candidate
	for i, c := range candidates {
		if keep[i] {
			refined = append(refined, c)
		}
	}
	if len(refined) == 0 {
		// The model voting everything out is indistinguishable from a bad
		// answer; keep the deterministic set.
		return candidates
	}
	return refined
}

func buildRefinePrompt(candidates []Candidate) string {
	var b strings.Builder
	b.WriteString("You classify links from a government website. For each numbered link, decide whether it points to a specific grant, tender, or funding opportunity detail page.\n")
	b.WriteString("Respond with strict JSON only: a list of objects like {\"index\": 0, \"is_opportunity\": true}.\n\nLinks:\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i, c.Title, c.URL)
	}
	return b.String()
}

func parseRefineResponse(response string, n int) ([]bool, error) {
	var verdicts []struct {
		Index         int  `json:"index"`
		IsOpportunity bool `json:"is_opportunity"`
	}
	if err := json.Unmarshal([]byte(extractJSONArray(response)), &verdicts); err != nil {
		return nil, fmt.Errorf("parse verdicts: %w", err)
	}

	keep := make([]bool, n)
	for _, v := range verdicts {
		if v.Index >= 0 && v.Index < n {
			keep[v.Index] = v.IsOpportunity
		}
	}
	return keep, nil
}

// extractJSONArray trims model chatter around the first JSON array.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

func matchesOpportunity(href, text string) bool {
	haystack := strings.ToLower(href + " " + text)
	for _, kw := range opportunityKeywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	combined := href + " " + text
	for _, p := range idPatterns {
		if p.MatchString(combined) {
			return true
		}
	}
	return false
}

func resolveURL(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

func hasSkippedExtension(u string) bool {
	lower := strings.ToLower(u)
	if idx := strings.IndexAny(lower, "?#"); idx >= 0 {
		lower = lower[:idx]
	}
	for _, ext := range skipExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
