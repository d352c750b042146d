// Package gateway is the caller-facing side of the parse queue: submission,
// status lookups and a synchronous wait built on polling.
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wishlist-parser/internal/config"
	"wishlist-parser/internal/currency"
	"wishlist-parser/internal/models"
	"wishlist-parser/internal/telemetry"
)

// Queue is the producer side of the job queue.
type Queue interface {
	Submit(ctx context.Context, job models.ParseJob) (string, error)
	Status(ctx context.Context, jobID string) (models.JobStatus, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	Stats(ctx context.Context) (models.QueueStats, error)
}

type Options struct {
	PollInterval   time.Duration
	DefaultTimeout time.Duration
	JobTimeout     time.Duration
	Priority       int
	MaxAttempts    int
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		PollInterval:   cfg.SyncPollInterval,
		DefaultTimeout: cfg.SyncTimeout,
		JobTimeout:     cfg.JobTimeout,
		Priority:       cfg.JobPriority,
		MaxAttempts:    cfg.JobMaxAttempts,
	}
}

// Waiter submits parse jobs and optionally waits for them. It never occupies
// a worker slot.
type Waiter struct {
	queue     Queue
	converter *currency.Converter
	opts      Options
	log       *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewWaiter(q Queue, converter *currency.Converter, opts Options, log *zap.Logger) *Waiter {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Waiter{
		queue:     q,
		converter: converter,
		opts:      opts,
		log:       log.Named("gateway"),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// SubmitParseJob enqueues a parse of rawURL on behalf of userID and returns
// the job id without waiting.
func (w *Waiter) SubmitParseJob(ctx context.Context, rawURL, userID string) (string, error) {
	id, err := w.queue.Submit(ctx, models.ParseJob{
		URL:         rawURL,
		UserID:      userID,
		Priority:    w.opts.Priority,
		MaxAttempts: w.opts.MaxAttempts,
		Timeout:     w.opts.JobTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("submit parse job: %w", err)
	}
	telemetry.JobsSubmitted.Inc()
	w.log.Debug("parse job submitted", zap.String("job_id", id), zap.String("url", rawURL), zap.String("user_id", userID))
	return id, nil
}

// GetJobStatus returns the current snapshot of a job. Completed results are
// normalized the same way WaitFor normalizes them.
func (w *Waiter) GetJobStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	st, err := w.queue.Status(ctx, jobID)
	if err != nil {
		return models.JobStatus{}, err
	}
	if st.State == models.StateCompleted && st.Result != nil {
		res := w.present(*st.Result)
		st.Result = &res
	}
	return st, nil
}

func (w *Waiter) Cancel(ctx context.Context, jobID string) (bool, error) {
	return w.queue.Cancel(ctx, jobID)
}

func (w *Waiter) Stats(ctx context.Context) (models.QueueStats, error) {
	return w.queue.Stats(ctx)
}

// WaitFor submits a job and polls until it reaches a terminal state or timeout
// elapses. A timeout leaves the job running. A failed job is returned as
// *JobError.
func (w *Waiter) WaitFor(ctx context.Context, rawURL, userID string, timeout time.Duration) (models.JobResult, error) {
	if timeout <= 0 {
		timeout = w.opts.DefaultTimeout
	}
	start := w.now()
	deadline := start.Add(timeout)

	jobID, err := w.SubmitParseJob(ctx, rawURL, userID)
	if err != nil {
		return models.JobResult{}, err
	}

	for {
		st, err := w.queue.Status(ctx, jobID)
		if err != nil {
			return models.JobResult{}, fmt.Errorf("poll job %s: %w", jobID, err)
		}
		switch st.State {
		case models.StateCompleted:
			if st.Result == nil {
				return models.JobResult{}, fmt.Errorf("job %s completed without a result", jobID)
			}
			return w.present(*st.Result), nil
		case models.StateFailed, models.StateCancelled:
			return models.JobResult{}, jobError(st)
		}

		remaining := deadline.Sub(w.now())
		if remaining <= 0 {
			w.log.Info("sync parse timed out, job left running",
				zap.String("job_id", jobID), zap.Duration("timeout", timeout))
			return models.JobResult{}, &TimeoutError{JobID: jobID, After: timeout}
		}
		if err := w.sleep(ctx, min(w.opts.PollInterval, remaining)); err != nil {
			return models.JobResult{}, err
		}
	}
}

// present applies currency normalization and fills missing-field warnings.
func (w *Waiter) present(res models.JobResult) models.JobResult {
	if !res.Success || res.Data == nil {
		return res
	}
	data := *res.Data
	warnings := append([]string(nil), res.Warnings...)

	if data.Price != nil && w.converter != nil {
		if data.Currency == "" {
			data.Currency = w.converter.Base()
		}
		price, code, warning := w.converter.Normalize(*data.Price, data.Currency)
		if warning != "" {
			w.log.Warn("currency normalization", zap.String("currency", data.Currency), zap.String("url", data.SourceURL))
			warnings = append(warnings, warning)
		}
		data.Price = models.Float64(price)
		data.Currency = code
	}

	if data.Title == "" {
		warnings = append(warnings, "Title not found")
	}
	if data.Description == "" {
		warnings = append(warnings, "Description not found")
	}
	if !data.HasPrice() {
		warnings = append(warnings, "Price not found")
	}
	if data.ImageURL == "" {
		warnings = append(warnings, "Image not found")
	}

	res.Data = &data
	res.Warnings = warnings
	return res
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
