package identity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"grantscraper/models"
)

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://Example.ORG/Grants/", "https://example.org/Grants"},
		{"https://example.org/grants?utm_source=x&utm_medium=y", "https://example.org/grants"},
		{"https://example.org/grants?id=42&utm_campaign=z", "https://example.org/grants?id=42"},
		{"https://example.org/grants#section-2", "https://example.org/grants"},
		{"https://example.org/grants?fbclid=abc&gclid=def", "https://example.org/grants"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeURL(tc.in), tc.in)
	}
}

func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, "community grants round 3", NormalizeTitle("  Community  Grants — Round 3!  "))
	assert.Equal(t, "rft 2026 001", NormalizeTitle("RFT-2026/001"))
}

func TestFingerprintStableAcrossNoise(t *testing.T) {
	websiteID := uuid.New()
	a := &models.Opportunity{
		WebsiteID: websiteID,
		SourceURL: "https://example.org/grants/42?utm_source=newsletter",
		Title:     "Community Grants  Round 3",
	}
	b := &models.Opportunity{
		WebsiteID: websiteID,
		SourceURL: "https://EXAMPLE.org/grants/42",
		Title:     "community grants round 3!",
	}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.Len(t, Fingerprint(a), 32)
}

func TestFingerprintDistinguishes(t *testing.T) {
	websiteID := uuid.New()
	a := &models.Opportunity{WebsiteID: websiteID, SourceURL: "https://example.org/grants/42", Title: "Grant A"}
	b := &models.Opportunity{WebsiteID: websiteID, SourceURL: "https://example.org/grants/43", Title: "Grant A"}
	c := &models.Opportunity{WebsiteID: uuid.New(), SourceURL: "https://example.org/grants/42", Title: "Grant A"}

	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
}
