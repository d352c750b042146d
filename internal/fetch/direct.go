package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxBodyBytes bounds how much of a page the direct backend reads.
const maxBodyBytes = 8 * 1024 * 1024

// Direct fetches pages with a plain HTTP client and browser-like headers. It
// has no anti-bot handling and is meant for local development and tests.
type Direct struct {
	httpClient *http.Client
	userAgent  string
}

// NewDirect builds a direct backend.
func NewDirect(timeout time.Duration, userAgent string) *Direct {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &Direct{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		userAgent:  userAgent,
	}
}

func (d *Direct) Name() string { return "direct" }

// Fetch issues a GET for target.
func (d *Direct) Fetch(ctx context.Context, target string, opts Options) (Response, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Response{}, &Error{URL: target, Cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if opts.Lang != "" {
		req.Header.Set("Accept-Language", opts.Lang)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return Response{}, &Error{URL: target, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, &Error{URL: target, StatusCode: resp.StatusCode, Cause: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Response{}, &Error{URL: target, StatusCode: resp.StatusCode, Cause: errors.New("unexpected status")}
	}

	return Response{
		Content:    string(body),
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
	}, nil
}
