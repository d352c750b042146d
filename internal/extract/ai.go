package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

const aiConfidence = 0.9

// Completer sends a single prompt to a language model and returns its text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// AnthropicCompleter implements Completer with the Anthropic Messages API.
type AnthropicCompleter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicCompleter builds a completer for the given API key and model.
func NewAnthropicCompleter(apiKey, model string) *AnthropicCompleter {
	return &AnthropicCompleter{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: 1024,
	}
}

func (a *AnthropicCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// AIExtractor asks a language model to read the page when heuristics are not
// confident enough.
type AIExtractor struct {
	completer Completer
	maxHTML   int
	log       *zap.Logger
}

// NewAIExtractor wraps completer. Page HTML beyond maxHTML bytes is truncated.
func NewAIExtractor(completer Completer, maxHTML int, log *zap.Logger) *AIExtractor {
	if maxHTML <= 0 {
		maxHTML = 50000
	}
	return &AIExtractor{completer: completer, maxHTML: maxHTML, log: log.Named("ai")}
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

type aiPayload struct {
	Title        string          `json:"title"`
	Price        json.RawMessage `json:"price"`
	Currency     string          `json:"currency"`
	ImageURL     string          `json:"imageUrl"`
	Description  string          `json:"description"`
	Brand        string          `json:"brand"`
	Category     string          `json:"category"`
	Availability string          `json:"availability"`
}

// Extract merges the model's answer over fallback field by field. Any error
// (transport, no JSON, bad JSON) returns fallback unchanged.
func (a *AIExtractor) Extract(ctx context.Context, html, pageURL string, fallback Candidate) Candidate {
	prompt := buildPrompt(pageURL, a.prepareHTML(html))

	text, err := a.completer.Complete(ctx, prompt)
	if err != nil {
		a.log.Warn("ai extraction failed, using heuristic result", zap.String("url", pageURL), zap.Error(err))
		return fallback
	}

	match := jsonObject.FindString(text)
	if match == "" {
		a.log.Warn("ai response carried no JSON object", zap.String("url", pageURL))
		return fallback
	}
	var p aiPayload
	if err := json.Unmarshal([]byte(match), &p); err != nil {
		a.log.Warn("ai response JSON invalid", zap.String("url", pageURL), zap.Error(err))
		return fallback
	}

	out := Candidate{
		Title:        firstNonEmpty(strings.TrimSpace(p.Title), fallback.Title),
		Currency:     strings.ToUpper(firstNonEmpty(strings.TrimSpace(p.Currency), fallback.Currency)),
		ImageURL:     firstNonEmpty(strings.TrimSpace(p.ImageURL), fallback.ImageURL),
		Description:  firstNonEmpty(strings.TrimSpace(p.Description), fallback.Description),
		Brand:        firstNonEmpty(strings.TrimSpace(p.Brand), fallback.Brand),
		Category:     firstNonEmpty(strings.TrimSpace(p.Category), fallback.Category),
		Availability: firstNonEmpty(p.Availability, "unknown"),
		Price:        fallback.Price,
		Confidence:   aiConfidence,
	}
	if v, ok := rawPrice(p.Price); ok {
		out.Price = &v
	}
	if out.ImageURL != "" {
		out.ImageURL = absoluteURL(pageURL, out.ImageURL)
	}
	return out
}

// prepareHTML drops non-content elements and caps the size sent to the model.
func (a *AIExtractor) prepareHTML(html string) string {
	cleaned := html
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		doc.Find("script, style, noscript, iframe").Remove()
		if out, err := doc.Html(); err == nil {
			cleaned = out
		}
	}
	if len(cleaned) > a.maxHTML {
		cleaned = truncateBytes(cleaned, a.maxHTML) + "\n... [truncated]"
	}
	return cleaned
}

// rawPrice accepts a JSON number or a display string. Null, zero and
// negative values count as absent.
func rawPrice(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, n > 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		v, ok := ParsePrice(s)
		return v, ok && v > 0
	}
	return 0, false
}

func buildPrompt(pageURL, html string) string {
	return `Extract product information from this HTML page.

URL: ` + pageURL + `

Return ONLY a valid JSON object with these fields:
{
  "title": "product title",
  "price": numeric price value (number, no currency symbols),
  "currency": "currency code like RUB, USD, EUR",
  "imageUrl": "main product image URL (full URL)",
  "description": "product description",
  "brand": "brand name",
  "category": "product category",
  "availability": "in_stock" | "out_of_stock" | "pre_order" | "unknown"
}

If you cannot find a field, use null. Be accurate and extract exactly what's on the page.

HTML:
` + html
}
