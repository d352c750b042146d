package extract

import (
	"context"
	"math"
	"net/url"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"wishlist-parser/internal/models"
)

// Dispatcher picks the extraction strategy for a URL. Site strategies are
// checked in registration order and the first match is used exclusively; the
// generic strategy only sees URLs no site strategy claims.
type Dispatcher struct {
	sites   []Strategy
	generic Strategy
	log     *zap.Logger
}

// NewDispatcher builds a dispatcher. generic may be nil, which makes every
// URL without a site strategy unsupported.
func NewDispatcher(log *zap.Logger, generic Strategy, sites ...Strategy) *Dispatcher {
	return &Dispatcher{sites: sites, generic: generic, log: log.Named("dispatcher")}
}

// Extract fetches and extracts rawURL, then sanitizes the result. A product
// without a title is an ExtractionFailedError.
func (d *Dispatcher) Extract(ctx context.Context, rawURL string) (models.ParsedProduct, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return models.ParsedProduct{}, unsupported(rawURL, "invalid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return models.ParsedProduct{}, unsupported(rawURL, "scheme "+u.Scheme)
	}

	strategy := d.pick(rawURL)
	if strategy == nil {
		return models.ParsedProduct{}, unsupported(rawURL, "no strategy")
	}

	d.log.Debug("strategy selected", zap.String("url", rawURL), zap.String("strategy", strategy.Name()))
	p, err := strategy.Extract(ctx, rawURL)
	if err != nil {
		return models.ParsedProduct{}, err
	}

	p = Sanitize(p)
	if p.SourceURL == "" {
		p.SourceURL = rawURL
	}
	if p.Title == "" {
		return models.ParsedProduct{}, &ExtractionFailedError{Reason: "no product title found (" + strategy.Name() + ")"}
	}
	return p, nil
}

func (d *Dispatcher) pick(rawURL string) Strategy {
	for _, s := range d.sites {
		if s.CanHandle(rawURL) {
			return s
		}
	}
	if d.generic != nil && d.generic.CanHandle(rawURL) {
		return d.generic
	}
	return nil
}

// Sanitize trims text fields, applies the length caps and drops values that
// cannot be valid (negative or non-finite prices, malformed currency codes).
func Sanitize(p models.ParsedProduct) models.ParsedProduct {
	p.Title = truncateRunes(collapseSpace(p.Title), models.MaxTitleLength)
	p.Description = truncateRunes(strings.TrimSpace(p.Description), models.MaxDescriptionLength)
	p.ImageURL = strings.TrimSpace(p.ImageURL)
	p.Category = strings.TrimSpace(p.Category)

	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if len(p.Currency) != 3 || strings.IndexFunc(p.Currency, func(r rune) bool { return r < 'A' || r > 'Z' }) >= 0 {
		p.Currency = ""
	}

	if p.Price != nil {
		v := *p.Price
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			p.Price = nil
		}
	}
	return p
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
