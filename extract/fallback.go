package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"grantscraper/models"
)

// manualReviewNote is appended to fallback descriptions so downstream
// consumers can route the record for review.
const manualReviewNote = "[extracted via fallback heuristics - manual review required]"

const (
	fallbackParagraphs  = 3
	maxFallbackBodyLen  = 2000
	maxFallbackTitleLen = 300
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// fallbackExtract is the deterministic terminal path: first heading becomes
// the title, the first paragraphs become the description. Never fails on any
// input, including unparseable markup.
func fallbackExtract(html, pageURL string) models.Opportunity {
	opp := models.Opportunity{
		SourceURL:  pageURL,
		Method:     models.ExtractionMethodFallback,
		Confidence: models.FallbackConfidence,
		Categories: []string{},
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		opp.Title = pageURL
		opp.Description = manualReviewNote
		return opp
	}

	for _, sel := range []string{"h1", "h2", "h3", "title"} {
		if t := collapse(doc.Find(sel).First().Text()); t != "" {
			opp.Title = truncate(t, maxFallbackTitleLen)
			break
		}
	}
	if opp.Title == "" {
		opp.Title = pageURL
	}

	var paras []string
	doc.Find("p").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if t := collapse(s.Text()); t != "" {
			paras = append(paras, t)
		}
		return len(paras) < fallbackParagraphs
	})

	body := strings.Join(paras, " ")
	if body == "" {
		body = truncate(collapse(doc.Text()), maxFallbackBodyLen)
	}
	opp.Description = strings.TrimSpace(truncate(body, maxFallbackBodyLen) + " " + manualReviewNote)

	return opp
}

// htmlToText strips markup down to prompt-sized plain text.
func htmlToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return truncate(collapse(html), maxPromptContent)
	}
	doc.Find("script, style, noscript, nav, footer").Remove()
	return truncate(collapse(doc.Text()), maxPromptContent)
}

// decodeRecord parses an LLM response as a JSON object, tolerating prose or
// markdown fences around the object itself.
func decodeRecord(response string) (map[string]any, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(response[start:end+1]), &record); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return record, nil
}

func collapse(s string) string {
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(s, " "))
}

// truncate caps s at n bytes without splitting a multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
