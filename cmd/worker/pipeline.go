package main

import (
	"golang.org/x/time/rate"
	"go.uber.org/zap"

	"wishlist-parser/internal/config"
	"wishlist-parser/internal/extract"
	"wishlist-parser/internal/fetch"
)

// newFetchClient picks Scrapfly when an API key is configured and falls back
// to plain HTTP otherwise.
func newFetchClient(cfg config.Config, log *zap.Logger) *fetch.Client {
	var backend fetch.Backend
	if cfg.ScrapflyAPIKey != "" {
		backend = fetch.NewScrapfly(fetch.ScrapflyConfig{
			APIKey:   cfg.ScrapflyAPIKey,
			Endpoint: cfg.ScrapflyEndpoint,
			Country:  cfg.ScrapeCountry,
			Lang:     cfg.ScrapeLang,
			Timeout:  cfg.ScrapeTimeout,
		})
	} else {
		log.Warn("SCRAPFLY_API_KEY not set, fetching pages directly")
		backend = fetch.NewDirect(cfg.ScrapeTimeout, cfg.UserAgent)
	}

	var limiter *rate.Limiter
	if cfg.FetchRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.FetchRatePerSec), max(cfg.FetchBurst, 1))
	}
	return fetch.NewClient(backend, limiter, log)
}

// newExtractor registers site strategies ahead of the generic one. The AI
// pass is enabled only with an Anthropic key.
func newExtractor(cfg config.Config, fetcher extract.PageFetcher, log *zap.Logger) *extract.Dispatcher {
	var ai *extract.AIExtractor
	if cfg.AnthropicAPIKey != "" {
		ai = extract.NewAIExtractor(extract.NewAnthropicCompleter(cfg.AnthropicAPIKey, cfg.AIModel), cfg.AIMaxHTML, log)
	} else {
		log.Info("ANTHROPIC_API_KEY not set, AI extraction disabled")
	}

	generic := extract.NewGeneric(fetcher, ai, extract.GenericConfig{
		ConfidenceThreshold: cfg.AIConfidenceThreshold,
		MaxRetries:          cfg.FetchMaxRetries,
		DefaultCurrency:     cfg.DefaultCurrency,
	}, log)

	return extract.NewDispatcher(log, generic,
		extract.NewOzon(fetcher, cfg.FetchMaxRetries, log),
	)
}
