package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"grantscraper/models"
)

var (
	multiSpaceRegex = regexp.MustCompile(`\s+`)
	nonAlnumRegex   = regexp.MustCompile(`[^a-z0-9\s]`)

	// Query parameters that never identify a distinct opportunity page.
	trackingParams = map[string]bool{
		"utm_source":   true,
		"utm_medium":   true,
		"utm_campaign": true,
		"utm_term":     true,
		"utm_content":  true,
		"fbclid":       true,
		"gclid":        true,
		"ref":          true,
	}
)

// Fingerprint identifies an opportunity across re-scrapes of the same site.
// Built from the owning website and the normalized source URL plus title, so
// a retitled page on the same URL still collapses to one record.
func Fingerprint(o *models.Opportunity) string {
	input := fmt.Sprintf("%s|%s|%s",
		o.WebsiteID,
		NormalizeURL(o.SourceURL),
		NormalizeTitle(o.Title),
	)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:16])
}

// NormalizeURL lowercases host, strips fragments, tracking parameters and
// trailing slashes so trivially different URLs compare equal.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimRight(strings.ToLower(raw), "/")
	}

	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	u.Scheme = strings.ToLower(u.Scheme)

	q := u.Query()
	for param := range q {
		if trackingParams[strings.ToLower(param)] {
			q.Del(param)
		}
	}
	u.RawQuery = q.Encode()

	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// NormalizeTitle collapses whitespace and punctuation for stable hashing.
func NormalizeTitle(title string) string {
	t := strings.ToLower(title)
	t = nonAlnumRegex.ReplaceAllString(t, " ")
	t = multiSpaceRegex.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}
