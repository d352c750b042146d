// Package currency normalizes extracted prices into the currencies the
// wishlist displays natively.
package currency

import (
	"fmt"
	"math"
	"strings"
)

// DefaultRates maps an ISO code to its value in USD.
var DefaultRates = map[string]float64{
	"USD": 1.0,
	"EUR": 1.09,
	"RUB": 0.011,
	"GBP": 1.27,
	"JPY": 0.0067,
	"CNY": 0.14,
	"INR": 0.012,
	"CAD": 0.74,
	"AUD": 0.66,
	"CHF": 1.13,
	"MXN": 0.059,
	"BRL": 0.20,
}

// Converter is read-only after construction and safe for concurrent use.
type Converter struct {
	base   string
	native map[string]struct{}
	rates  map[string]float64
}

// NewConverter builds a converter. rates are expressed against USD; a nil map
// selects DefaultRates. The base currency is always treated as native.
func NewConverter(base string, native []string, rates map[string]float64) *Converter {
	if rates == nil {
		rates = DefaultRates
	}
	c := &Converter{
		base:   strings.ToUpper(base),
		native: make(map[string]struct{}, len(native)+1),
		rates:  make(map[string]float64, len(rates)),
	}
	for code, r := range rates {
		c.rates[strings.ToUpper(code)] = r
	}
	for _, code := range native {
		c.native[strings.ToUpper(strings.TrimSpace(code))] = struct{}{}
	}
	c.native[c.base] = struct{}{}
	return c
}

// Base returns the base currency code.
func (c *Converter) Base() string { return c.base }

// Normalize returns price in a natively supported currency. Native codes pass
// through untouched. Codes with a known rate convert to the base currency and
// round to 2 decimals. Unknown codes are assumed to be the base currency
// already, reported through warning rather than an error.
func (c *Converter) Normalize(price float64, code string) (float64, string, string) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if _, ok := c.native[code]; ok {
		return price, code, ""
	}

	from, okFrom := c.rates[code]
	to, okTo := c.rates[c.base]
	if !okFrom || !okTo || to == 0 {
		return price, c.base, fmt.Sprintf("Unknown currency %q, assuming %s", code, c.base)
	}
	return Round2(price * from / to), c.base, ""
}

// Round2 rounds half away from zero to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
