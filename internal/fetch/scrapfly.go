package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ScrapflyConfig configures the Scrapfly scrape API backend.
type ScrapflyConfig struct {
	APIKey   string
	Endpoint string
	Country  string
	Lang     string
	Timeout  time.Duration
	Tags     []string
}

// Scrapfly fetches pages through the Scrapfly scrape API, which handles
// anti-scraping protection, geolocated proxies and JS rendering.
type Scrapfly struct {
	cfg        ScrapflyConfig
	httpClient *http.Client
}

// NewScrapfly builds the backend. The HTTP client timeout leaves headroom over
// the per-scrape timeout sent to the API.
func NewScrapfly(cfg ScrapflyConfig) *Scrapfly {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.scrapfly.io/scrape"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 75 * time.Second
	}
	if len(cfg.Tags) == 0 {
		cfg.Tags = []string{"parser", "project:wishlist"}
	}
	return &Scrapfly{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout + 15*time.Second},
	}
}

func (s *Scrapfly) Name() string { return "scrapfly" }

type scrapflyResponse struct {
	Result struct {
		Content    string  `json:"content"`
		URL        string  `json:"url"`
		StatusCode int     `json:"status_code"`
		Duration   float64 `json:"duration"`
		Success    bool    `json:"success"`
		Reason     string  `json:"reason"`
	} `json:"result"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Fetch runs one scrape through the API.
func (s *Scrapfly) Fetch(ctx context.Context, target string, opts Options) (Response, error) {
	reqURL := s.cfg.Endpoint + "?" + s.query(target, opts).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Response{}, &Error{URL: target, Cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Response{}, &Error{URL: target, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &Error{URL: target, Cause: fmt.Errorf("read body: %w", err)}
	}

	var parsed scrapflyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Response{}, &Error{URL: target, StatusCode: resp.StatusCode, Cause: fmt.Errorf("decode scrape response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		msg := parsed.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Response{}, &Error{URL: target, StatusCode: resp.StatusCode, Cause: fmt.Errorf("scrape api: %s %s", parsed.Code, msg)}
	}
	if parsed.Result.StatusCode >= http.StatusBadRequest {
		reason := parsed.Result.Reason
		if reason == "" {
			reason = "upstream error"
		}
		return Response{}, &Error{URL: target, StatusCode: parsed.Result.StatusCode, Cause: errors.New(reason)}
	}

	finalURL := parsed.Result.URL
	if finalURL == "" {
		finalURL = target
	}
	return Response{
		Content:    parsed.Result.Content,
		URL:        finalURL,
		StatusCode: parsed.Result.StatusCode,
		Duration:   time.Duration(parsed.Result.Duration * float64(time.Second)),
	}, nil
}

func (s *Scrapfly) query(target string, opts Options) url.Values {
	country := opts.Country
	if country == "" {
		country = s.cfg.Country
	}
	lang := opts.Lang
	if lang == "" {
		lang = s.cfg.Lang
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = s.cfg.Timeout
	}

	q := url.Values{}
	q.Set("key", s.cfg.APIKey)
	q.Set("url", target)
	q.Set("retry", "false")
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	q.Set("asp", strconv.FormatBool(opts.ASP))
	for _, tag := range s.cfg.Tags {
		q.Add("tags", tag)
	}
	if country != "" {
		q.Set("country", country)
	}
	if lang != "" {
		q.Set("lang", lang)
	}
	if opts.Format != "" {
		q.Set("format", opts.Format)
	}
	if opts.RenderJS {
		q.Set("render_js", "true")
	}
	for k, v := range opts.Headers {
		q.Set(fmt.Sprintf("headers[%s]", k), v)
	}
	return q
}
