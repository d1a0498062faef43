package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var deadlineLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2 January 2006",
	"2 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"02/01/2006",
	"02-01-2006",
}

// ParseDeadline normalizes a date string to a time value where the text
// parses unambiguously; otherwise nil rather than a guess.
func ParseDeadline(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "ongoing") {
		return nil
	}

	for _, layout := range deadlineLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

var (
	amountRegex   = regexp.MustCompile(`(\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?)\s*(million|m\b|k\b)?`)
	currencyCodes = []string{"AUD", "USD", "EUR", "GBP", "NZD", "CAD"}
)

// ParseAmount pulls a numeric value and currency code out of a funding
// string like "$1.5 million (AUD)". Unparseable values return nil and the
// caller keeps the raw string.
func ParseAmount(raw string) (*float64, string) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.EqualFold(s, "null") {
		return nil, ""
	}

	currency := ""
	upper := strings.ToUpper(s)
	for _, code := range currencyCodes {
		if strings.Contains(upper, code) {
			currency = code
			break
		}
	}
	if currency == "" && strings.Contains(s, "$") {
		currency = "AUD"
	}

	m := amountRegex.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return nil, currency
	}

	value, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return nil, currency
	}

	switch m[2] {
	case "million", "m":
		value *= 1_000_000
	case "k":
		value *= 1_000
	}

	return &value, currency
}
