// Package fetch retrieves product pages through an anti-bot scraping backend,
// retrying transient failures with capped exponential backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"wishlist-parser/internal/telemetry"
)

// ErrFetch matches every *Error via errors.Is.
var ErrFetch = errors.New("fetch failed")

// Error reports a network, anti-bot or timeout failure for one fetch attempt.
type Error struct {
	URL        string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool { return target == ErrFetch }

// Options tune a single fetch. Zero values fall back to the backend defaults.
type Options struct {
	Country  string
	Lang     string
	ASP      bool
	RenderJS bool
	// Format asks the backend to convert the page ("clean_html", "markdown").
	// Empty returns the raw body, which JSON endpoints need.
	Format  string
	Headers map[string]string
	Timeout time.Duration
}

// Response is the raw page returned by a backend.
type Response struct {
	Content    string
	URL        string
	StatusCode int
	Duration   time.Duration
}

// Backend performs one fetch attempt.
type Backend interface {
	Fetch(ctx context.Context, url string, opts Options) (Response, error)
	Name() string
}

// Client wraps a Backend with pacing and retries.
type Client struct {
	backend   Backend
	limiter   *rate.Limiter
	log       *zap.Logger
	baseDelay time.Duration
	maxDelay  time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewClient builds a fetch client. A nil limiter disables pacing.
func NewClient(backend Backend, limiter *rate.Limiter, log *zap.Logger) *Client {
	return &Client{
		backend:   backend,
		limiter:   limiter,
		log:       log.Named("fetch"),
		baseDelay: time.Second,
		maxDelay:  10 * time.Second,
		sleep:     sleepCtx,
	}
}

// Fetch performs exactly one attempt.
func (c *Client) Fetch(ctx context.Context, url string, opts Options) (Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, &Error{URL: url, Cause: err}
		}
	}
	start := time.Now()
	resp, err := c.backend.Fetch(ctx, url, opts)
	if resp.Duration == 0 {
		resp.Duration = time.Since(start)
	}
	return resp, err
}

// FetchWithRetry attempts up to maxRetries times, sleeping min(base*2^(n-1), max)
// between attempts. The last error is returned as is so callers can still tell
// transport failures from other errors.
func (c *Client) FetchWithRetry(ctx context.Context, url string, maxRetries int, opts Options) (Response, error) {
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		start := time.Now()
		resp, err := c.Fetch(ctx, url, opts)
		latency := time.Since(start)
		if err == nil {
			telemetry.FetchAttempts.WithLabelValues(c.backend.Name(), "success").Inc()
			c.log.Info("fetch attempt succeeded",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxRetries),
				zap.Int("status", resp.StatusCode),
				zap.Duration("latency", latency))
			return resp, nil
		}

		lastErr = err
		telemetry.FetchAttempts.WithLabelValues(c.backend.Name(), "failure").Inc()
		c.log.Warn("fetch attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxRetries),
			zap.Duration("latency", latency),
			zap.Error(err))

		if attempt < maxRetries {
			delay := c.backoff(attempt)
			if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
				return Response{}, lastErr
			}
		}
	}
	return Response{}, lastErr
}

func (c *Client) backoff(attempt int) time.Duration {
	if attempt > 20 {
		return c.maxDelay
	}
	delay := c.baseDelay << uint(attempt-1)
	if delay > c.maxDelay || delay <= 0 {
		delay = c.maxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
