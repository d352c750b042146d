// Package extract turns product page URLs into structured product data.
//
// Site-specific strategies are tried first and are authoritative for the URLs
// they claim. Everything else goes through the generic strategy, which runs
// DOM heuristics and escalates to an AI pass only on low confidence.
package extract

import (
	"context"

	"wishlist-parser/internal/fetch"
	"wishlist-parser/internal/models"
)

// Strategy extracts a product from one site or class of sites.
type Strategy interface {
	Name() string
	CanHandle(rawURL string) bool
	Extract(ctx context.Context, rawURL string) (models.ParsedProduct, error)
}

// PageFetcher is the retrying fetch contract strategies depend on.
type PageFetcher interface {
	FetchWithRetry(ctx context.Context, url string, maxRetries int, opts fetch.Options) (fetch.Response, error)
}

// Candidate is an intermediate extraction with the signals used for scoring.
type Candidate struct {
	Title        string
	Description  string
	Price        *float64
	Currency     string
	ImageURL     string
	Brand        string
	Category     string
	Availability string
	Confidence   float64
}

// Product converts the candidate into the public product shape.
func (c Candidate) Product(sourceURL string) models.ParsedProduct {
	return models.ParsedProduct{
		Title:       c.Title,
		Description: c.Description,
		Price:       c.Price,
		Currency:    c.Currency,
		ImageURL:    c.ImageURL,
		Category:    c.Category,
		SourceURL:   sourceURL,
	}
}
