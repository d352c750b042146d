package extract

import (
	"strconv"
	"strings"
	"unicode"
)

// ParsePrice reads the first number out of display text such as "1 246 ₽",
// "$1,299.00" or "19,99 €". Spaces (including NBSP) are thousands separators.
// When both '.' and ',' appear the last one is the decimal separator; a lone
// ',' followed by exactly three digits is a thousands separator.
func ParsePrice(text string) (float64, bool) {
	var b strings.Builder
	started := false
scan:
	for _, r := range text {
		switch {
		case unicode.IsDigit(r):
			started = true
			b.WriteRune(r)
		case !started:
			continue
		case unicode.IsSpace(r):
			// thousands separator
		case r == '.' || r == ',':
			b.WriteRune(r)
		default:
			break scan
		}
	}
	raw := strings.TrimRight(b.String(), ".,")
	if raw == "" {
		return 0, false
	}

	lastDot := strings.LastIndex(raw, ".")
	lastComma := strings.LastIndex(raw, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			raw = strings.ReplaceAll(raw, ".", "")
			raw = strings.Replace(raw, ",", ".", 1)
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(raw, ",") == 1 && len(raw)-lastComma-1 != 3 {
			raw = strings.Replace(raw, ",", ".", 1)
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	case strings.Count(raw, ".") > 1:
		raw = strings.ReplaceAll(raw, ".", "")
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

var currencySymbols = []struct {
	token string
	code  string
}{
	{"₽", "RUB"},
	{"руб", "RUB"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"₹", "INR"},
	{"¥", "JPY"},
	{"US$", "USD"},
	{"C$", "CAD"},
	{"A$", "AUD"},
	{"$", "USD"},
}

// currencyFromText guesses an ISO code from a symbol in price text.
func currencyFromText(text string) string {
	lower := strings.ToLower(text)
	for _, s := range currencySymbols {
		if strings.Contains(lower, strings.ToLower(s.token)) {
			return s.code
		}
	}
	return ""
}
