package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"wishlist-parser/internal/config"
	"wishlist-parser/internal/extract"
	"wishlist-parser/internal/fetch"
	"wishlist-parser/internal/gateway"
	"wishlist-parser/internal/models"
	"wishlist-parser/internal/queue"
	"wishlist-parser/internal/telemetry"
	"wishlist-parser/internal/wishlist"
)

// maxSyncTimeout caps the timeout a caller may request on /parse/sync.
const maxSyncTimeout = 2 * time.Minute

// ParseService is the producer side of the parse queue. *gateway.Waiter satisfies it.
type ParseService interface {
	SubmitParseJob(ctx context.Context, rawURL, userID string) (string, error)
	GetJobStatus(ctx context.Context, jobID string) (models.JobStatus, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	Stats(ctx context.Context) (models.QueueStats, error)
	WaitFor(ctx context.Context, rawURL, userID string, timeout time.Duration) (models.JobResult, error)
}

type ItemCreator interface {
	CreateFromURL(ctx context.Context, in wishlist.CreateFromURLInput) (wishlist.CreateFromURLResult, error)
}

// Limiter budgets parse submissions per user. *ratelimit.TokenBucket satisfies it.
type Limiter interface {
	AllowUser(ctx context.Context, userID string) (bool, error)
}

// Server wires HTTP handlers for the parse API.
type Server struct {
	cfg     config.Config
	parser  ParseService
	items   ItemCreator
	limiter Limiter
	log     *zap.Logger
}

// New constructs the API server. items and limiter may be nil.
func New(cfg config.Config, parser ParseService, items ItemCreator, limiter Limiter, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		parser:  parser,
		items:   items,
		limiter: limiter,
		log:     log.Named("api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/parse", func(r chi.Router) {
		r.With(s.rateLimited).Post("/", s.handleSubmit)
		r.With(s.rateLimited).Post("/sync", s.handleSync)
		r.Get("/stats", s.handleStats)
		r.Get("/{id}", s.handleStatus)
		r.Post("/{id}/cancel", s.handleCancel)
	})
	if s.items != nil {
		r.With(s.rateLimited).Post("/items/from-url", s.handleCreateFromURL)
	}
	return r
}

type parseRequest struct {
	URL       string `json:"url"`
	TimeoutMs int64  `json:"timeoutMs"`
}

func (s *Server) decodeParseRequest(w http.ResponseWriter, r *http.Request) (parseRequest, bool) {
	var req parseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return req, false
	}
	u, err := url.Parse(req.URL)
	if req.URL == "" || err != nil || u.Host == "" {
		writeError(w, http.StatusBadRequest, "url is required and must be absolute")
		return req, false
	}
	return req, true
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeParseRequest(w, r)
	if !ok {
		return
	}
	id, err := s.parser.SubmitParseJob(r.Context(), req.URL, userFromRequest(r))
	if err != nil {
		s.log.Error("submit parse job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeParseRequest(w, r)
	if !ok {
		return
	}
	timeout := s.cfg.SyncTimeout
	if req.TimeoutMs > 0 {
		timeout = min(time.Duration(req.TimeoutMs)*time.Millisecond, maxSyncTimeout)
	}

	res, err := s.parser.WaitFor(r.Context(), req.URL, userFromRequest(r), timeout)
	if err != nil {
		s.writeParseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.parser.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error("job status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.parser.Cancel(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error("cancel job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.parser.Stats(r.Context())
	if err != nil {
		s.log.Error("queue stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type createFromURLRequest struct {
	URL      string `json:"url"`
	IsPublic *bool  `json:"isPublic"`
}

type createFromURLResponse struct {
	Item       models.Item `json:"item"`
	Warnings   []string    `json:"warnings,omitempty"`
	ParseError string      `json:"parseError,omitempty"`
}

func (s *Server) handleCreateFromURL(w http.ResponseWriter, r *http.Request) {
	var req createFromURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := s.items.CreateFromURL(r.Context(), wishlist.CreateFromURLInput{
		OwnerID:  userFromRequest(r),
		URL:      req.URL,
		IsPublic: req.IsPublic,
	})
	if errors.Is(err, wishlist.ErrInvalidURL) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Error("create item from url", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create item")
		return
	}
	writeJSON(w, http.StatusCreated, createFromURLResponse{
		Item:       res.Item,
		Warnings:   res.Warnings,
		ParseError: res.Message,
	})
}

func (s *Server) writeParseError(w http.ResponseWriter, err error) {
	var te *gateway.TimeoutError
	switch {
	case errors.As(err, &te):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "Parsing timeout exceeded", "jobId": te.JobID})
	case errors.Is(err, extract.ErrUnsupportedSite), errors.Is(err, extract.ErrExtractionFailed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, fetch.ErrFetch), errors.Is(err, gateway.ErrJobTimedOut):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, gateway.ErrJobCancelled):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("sync parse", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "parse failed")
	}
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			allowed, err := s.limiter.AllowUser(r.Context(), userFromRequest(r))
			if err != nil {
				s.log.Error("rate limiter", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "rate limit error")
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func userFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
