package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wishlist-parser/internal/config"
	"wishlist-parser/internal/gateway"
	"wishlist-parser/internal/models"
	"wishlist-parser/internal/queue"
	"wishlist-parser/internal/wishlist"
)

type fakeParser struct {
	submittedURL  string
	submittedUser string
	waitTimeout   time.Duration
	waitResult    models.JobResult
	waitErr       error
	statuses      map[string]models.JobStatus
}

func (f *fakeParser) SubmitParseJob(_ context.Context, rawURL, userID string) (string, error) {
	f.submittedURL, f.submittedUser = rawURL, userID
	return "job-1", nil
}

func (f *fakeParser) GetJobStatus(_ context.Context, id string) (models.JobStatus, error) {
	st, ok := f.statuses[id]
	if !ok {
		return models.JobStatus{}, queue.ErrJobNotFound
	}
	return st, nil
}

func (f *fakeParser) Cancel(_ context.Context, id string) (bool, error) {
	if _, ok := f.statuses[id]; !ok {
		return false, queue.ErrJobNotFound
	}
	return true, nil
}

func (f *fakeParser) Stats(context.Context) (models.QueueStats, error) {
	return models.QueueStats{Waiting: 3, Active: 1, Completed: 7, Failed: 2}, nil
}

func (f *fakeParser) WaitFor(_ context.Context, _, _ string, timeout time.Duration) (models.JobResult, error) {
	f.waitTimeout = timeout
	return f.waitResult, f.waitErr
}

type denyAll struct{}

func (denyAll) AllowUser(context.Context, string) (bool, error) { return false, nil }

type fakeItems struct{}

func (fakeItems) CreateFromURL(_ context.Context, in wishlist.CreateFromURLInput) (wishlist.CreateFromURLResult, error) {
	if !strings.HasPrefix(in.URL, "http") {
		return wishlist.CreateFromURLResult{}, wishlist.ErrInvalidURL
	}
	return wishlist.CreateFromURLResult{
		Item:    models.Item{MonitoredItem: models.MonitoredItem{ID: "item-1", OwnerID: in.OwnerID, Name: "shop.test"}},
		Message: "Failed to parse URL: boom. Please fill in item details manually.",
	}, nil
}

func newServer(p *fakeParser, limiter Limiter) http.Handler {
	cfg := config.Config{SyncTimeout: 30 * time.Second}
	return New(cfg, p, fakeItems{}, limiter, zap.NewNop()).Router()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitParse(t *testing.T) {
	p := &fakeParser{}
	rec := do(t, newServer(p, nil), http.MethodPost, "/parse", `{"url":"https://shop.test/p/1"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"jobId":"job-1"}`, rec.Body.String())
	assert.Equal(t, "https://shop.test/p/1", p.submittedURL)
	assert.Equal(t, "u1", p.submittedUser)
}

func TestSubmitParseValidation(t *testing.T) {
	h := newServer(&fakeParser{}, nil)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/parse", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/parse", `{"url":"not a url"}`).Code)
}

func TestSubmitParseRateLimited(t *testing.T) {
	rec := do(t, newServer(&fakeParser{}, denyAll{}), http.MethodPost, "/parse", `{"url":"https://shop.test/p/1"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestJobStatus(t *testing.T) {
	p := &fakeParser{statuses: map[string]models.JobStatus{
		"job-1": {JobID: "job-1", State: models.StateActive, Progress: 10},
	}}
	h := newServer(p, nil)

	rec := do(t, h, http.MethodGet, "/parse/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st models.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, models.StateActive, st.State)
	assert.Equal(t, 10, st.Progress)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/parse/missing", "").Code)
}

func TestCancelJob(t *testing.T) {
	p := &fakeParser{statuses: map[string]models.JobStatus{"job-1": {JobID: "job-1"}}}
	h := newServer(p, nil)

	rec := do(t, h, http.MethodPost, "/parse/job-1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cancelled":true}`, rec.Body.String())
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/parse/nope/cancel", "").Code)
}

func TestQueueStats(t *testing.T) {
	rec := do(t, newServer(&fakeParser{}, nil), http.MethodGet, "/parse/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"waiting":3,"active":1,"completed":7,"failed":2}`, rec.Body.String())
}

func TestSyncParse(t *testing.T) {
	p := &fakeParser{waitResult: models.JobResult{
		Success:  true,
		Data:     &models.ParsedProduct{Title: "Mug", SourceURL: "https://shop.test/mug"},
		Warnings: []string{"Price not found"},
	}}
	rec := do(t, newServer(p, nil), http.MethodPost, "/parse/sync", `{"url":"https://shop.test/mug","timeoutMs":1500}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1500*time.Millisecond, p.waitTimeout)
	var res models.JobResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "Mug", res.Data.Title)
	assert.Equal(t, []string{"Price not found"}, res.Warnings)
}

func TestSyncParseErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"timeout", &gateway.TimeoutError{JobID: "job-9"}, http.StatusGatewayTimeout},
		{"unsupported", &gateway.JobError{Kind: models.ErrorKindUnsupportedSite, Message: "unsupported site"}, http.StatusUnprocessableEntity},
		{"extraction", &gateway.JobError{Kind: models.ErrorKindExtractionFailed, Message: "no title"}, http.StatusUnprocessableEntity},
		{"fetch", &gateway.JobError{Kind: models.ErrorKindFetchFailed, Message: "blocked"}, http.StatusBadGateway},
		{"internal", &gateway.JobError{Kind: models.ErrorKindInternal, Message: "panic"}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &fakeParser{waitErr: tc.err}
			rec := do(t, newServer(p, nil), http.MethodPost, "/parse/sync", `{"url":"https://shop.test/x"}`)
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, 30*time.Second, p.waitTimeout)
		})
	}
}

func TestCreateItemFromURL(t *testing.T) {
	h := newServer(&fakeParser{}, nil)

	rec := do(t, h, http.MethodPost, "/items/from-url", `{"url":"https://shop.test/x"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["parseError"], "fill in item details manually")
	assert.Equal(t, "u1", body["item"].(map[string]any)["owner_id"])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/items/from-url", `{"url":"ftp://x"}`).Code)
}

func TestHealthz(t *testing.T) {
	rec := do(t, newServer(&fakeParser{}, nil), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
