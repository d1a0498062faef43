package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeadline(t *testing.T) {
	cases := []struct {
		in   string
		year int
	}{
		{"2026-10-01", 2026},
		{"2026-10-01T17:00:00Z", 2026},
		{"1 October 2026", 2026},
		{"Oct 1, 2026", 2026},
		{"01/10/2026", 2026},
	}
	for _, tc := range cases {
		got := ParseDeadline(tc.in)
		require.NotNil(t, got, tc.in)
		assert.Equal(t, tc.year, got.Year(), tc.in)
	}
}

func TestParseDeadlineUnparseable(t *testing.T) {
	for _, in := range []string{"", "null", "ongoing", "Ongoing", "until funds are exhausted", "soon"} {
		assert.Nil(t, ParseDeadline(in), in)
	}
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in       string
		value    float64
		currency string
	}{
		{"$500,000", 500000, "AUD"},
		{"$1.5 million", 1500000, "AUD"},
		{"up to 250k AUD", 250000, "AUD"},
		{"USD 2,000,000", 2000000, "USD"},
		{"€50000 EUR", 50000, "EUR"},
		{"1000", 1000, ""},
	}
	for _, tc := range cases {
		value, currency := ParseAmount(tc.in)
		require.NotNil(t, value, tc.in)
		assert.Equal(t, tc.value, *value, tc.in)
		assert.Equal(t, tc.currency, currency, tc.in)
	}
}

func TestParseAmountUnparseable(t *testing.T) {
	for _, in := range []string{"", "null", "varies", "competitive"} {
		value, _ := ParseAmount(in)
		assert.Nil(t, value, in)
	}
}

func TestParseAmountKeepsCurrencyWithoutValue(t *testing.T) {
	value, currency := ParseAmount("AUD, amount negotiable")
	assert.Nil(t, value)
	assert.Equal(t, "AUD", currency)
}
