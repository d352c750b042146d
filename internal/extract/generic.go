package extract

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"wishlist-parser/internal/fetch"
	"wishlist-parser/internal/models"
	"wishlist-parser/internal/telemetry"
)

// Generic handles any http(s) page: heuristics first, AI only when the
// heuristic confidence does not exceed the threshold.
type Generic struct {
	fetcher    PageFetcher
	heuristic  *Heuristic
	ai         *AIExtractor
	threshold  float64
	maxRetries int
	log        *zap.Logger
}

// GenericConfig tunes the generic strategy.
type GenericConfig struct {
	ConfidenceThreshold float64
	MaxRetries          int
	DefaultCurrency     string
}

// NewGeneric builds the generic strategy. ai may be nil, in which case the
// heuristic result is always returned.
func NewGeneric(fetcher PageFetcher, ai *AIExtractor, cfg GenericConfig, log *zap.Logger) *Generic {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Generic{
		fetcher:    fetcher,
		heuristic:  NewHeuristic(cfg.DefaultCurrency),
		ai:         ai,
		threshold:  cfg.ConfidenceThreshold,
		maxRetries: cfg.MaxRetries,
		log:        log.Named("generic"),
	}
}

func (g *Generic) Name() string { return "generic" }

func (g *Generic) CanHandle(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (g *Generic) Extract(ctx context.Context, rawURL string) (models.ParsedProduct, error) {
	resp, err := g.fetcher.FetchWithRetry(ctx, rawURL, g.maxRetries, fetch.Options{
		ASP:    true,
		Format: "clean_html",
	})
	if err != nil {
		return models.ParsedProduct{}, err
	}

	cand := g.heuristic.Extract(resp.Content, rawURL)
	if cand.Confidence > g.threshold || g.ai == nil {
		g.log.Debug("heuristic extraction",
			zap.String("url", rawURL),
			zap.Float64("confidence", cand.Confidence))
		return cand.Product(rawURL), nil
	}

	g.log.Info("escalating to ai extraction",
		zap.String("url", rawURL),
		zap.Float64("confidence", cand.Confidence))
	telemetry.AIEscalations.Inc()
	return g.ai.Extract(ctx, resp.Content, rawURL, cand).Product(rawURL), nil
}
