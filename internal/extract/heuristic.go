package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// Signal weights in tenths. Summing integers keeps 0.7 comparable to the
// configured threshold without float drift.
const (
	weightTitle       = 3
	weightPrice       = 3
	weightImage       = 2
	weightDescription = 1
	weightBrand       = 1
)

const readabilityExcerptRunes = 500

// Heuristic scores a page from metadata and common DOM conventions.
type Heuristic struct {
	DefaultCurrency string
}

// NewHeuristic builds a heuristic extractor. Pages without a currency signal
// get defaultCurrency.
func NewHeuristic(defaultCurrency string) *Heuristic {
	return &Heuristic{DefaultCurrency: defaultCurrency}
}

// Extract runs the selector cascade over html. It never fails; a page that
// cannot be parsed yields an empty candidate with zero confidence.
func (h *Heuristic) Extract(html, pageURL string) Candidate {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Candidate{Currency: h.DefaultCurrency}
	}

	var c Candidate
	score := 0

	c.Title = firstNonEmpty(
		metaContent(doc, `meta[property="og:title"]`),
		metaContent(doc, `meta[name="twitter:title"]`),
		strings.TrimSpace(doc.Find("h1").First().Text()),
		strings.TrimSpace(doc.Find("title").First().Text()),
	)
	if c.Title != "" {
		score += weightTitle
	}

	priceText := firstNonEmpty(
		metaContent(doc, `meta[property="og:price:amount"]`),
		metaContent(doc, `meta[property="product:price:amount"]`),
		attr(doc, `[itemprop="price"]`, "content"),
		strings.TrimSpace(doc.Find(`[itemprop="price"]`).First().Text()),
		strings.TrimSpace(doc.Find(".price").First().Text()),
		strings.TrimSpace(doc.Find(`[class*="price"]`).First().Text()),
	)
	if v, ok := ParsePrice(priceText); ok {
		c.Price = &v
		score += weightPrice
	}

	c.Currency = strings.ToUpper(firstNonEmpty(
		metaContent(doc, `meta[property="og:price:currency"]`),
		metaContent(doc, `meta[property="product:price:currency"]`),
		attr(doc, `[itemprop="priceCurrency"]`, "content"),
		currencyFromText(priceText),
		h.DefaultCurrency,
	))

	c.ImageURL = firstNonEmpty(
		metaContent(doc, `meta[property="og:image"]`),
		metaContent(doc, `meta[name="twitter:image"]`),
		attr(doc, `[itemprop="image"]`, "src"),
		attr(doc, `[itemprop="image"]`, "content"),
		attr(doc, "img", "src"),
	)
	if c.ImageURL != "" {
		c.ImageURL = absoluteURL(pageURL, c.ImageURL)
		score += weightImage
	}

	c.Description = firstNonEmpty(
		metaContent(doc, `meta[property="og:description"]`),
		metaContent(doc, `meta[name="description"]`),
		strings.TrimSpace(doc.Find(`[itemprop="description"]`).First().Text()),
	)
	if c.Description != "" {
		score += weightDescription
	} else {
		c.Description = readableExcerpt(html, pageURL)
	}

	c.Brand = firstNonEmpty(
		metaContent(doc, `meta[property="og:brand"]`),
		metaContent(doc, `meta[property="product:brand"]`),
		strings.TrimSpace(doc.Find(`[itemprop="brand"]`).First().Text()),
	)
	if c.Brand != "" {
		score += weightBrand
	}

	c.Category = firstNonEmpty(
		metaContent(doc, `meta[property="product:category"]`),
		strings.TrimSpace(doc.Find(`[itemprop="category"]`).First().Text()),
	)

	c.Confidence = float64(score) / 10
	return c
}

// readableExcerpt backfills a description from the main readable text. It
// does not count towards confidence.
func readableExcerpt(html, pageURL string) string {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		return ""
	}
	text := strings.Join(strings.Fields(article.TextContent), " ")
	return truncateRunes(text, readabilityExcerptRunes)
}

func metaContent(doc *goquery.Document, selector string) string {
	return attr(doc, selector, "content")
}

func attr(doc *goquery.Document, selector, name string) string {
	v, _ := doc.Find(selector).First().Attr(name)
	return strings.TrimSpace(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func absoluteURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
