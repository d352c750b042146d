package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"wishlist-parser/internal/config"
	"wishlist-parser/internal/extract"
	"wishlist-parser/internal/fetch"
	"wishlist-parser/internal/models"
	"wishlist-parser/internal/queue"
	"wishlist-parser/internal/telemetry"
)

// JobQueue is the part of the queue the worker pool drives.
type JobQueue interface {
	Dequeue(ctx context.Context) (*models.ParseJob, error)
	UpdateProgress(ctx context.Context, jobID string, progress int) error
	Complete(ctx context.Context, jobID string, result models.JobResult) (bool, error)
	Fail(ctx context.Context, jobID string, result models.JobResult) (bool, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) (models.JobState, error)
	Retry(ctx context.Context, jobID string, runAt time.Time, lastErr string) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	VisibilityTimeout() time.Duration
}

// Extractor turns a URL into a product. *extract.Dispatcher satisfies it.
type Extractor interface {
	Extract(ctx context.Context, rawURL string) (models.ParsedProduct, error)
}

// Enricher runs after a successful extraction. Enricher errors are logged
// and never fail the job.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, p *models.ParsedProduct) error
}

// Hook observes a job that reached a terminal state.
type Hook func(job models.ParseJob, result models.JobResult)

// Options tune the worker pool.
type Options struct {
	Concurrency         int
	PollInterval        time.Duration
	JobTimeout          time.Duration
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
	ScheduledBatchSize  int
	MaintenanceInterval time.Duration
}

// OptionsFromConfig maps shared config onto worker options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Concurrency:        cfg.WorkerConcurrency,
		PollInterval:       cfg.WorkerPollInterval,
		JobTimeout:         cfg.JobTimeout,
		BackoffInitial:     cfg.BackoffInitial,
		BackoffMax:         cfg.BackoffMax,
		ScheduledBatchSize: cfg.ScheduledBatchSize,
	}
}

// Processor drives a bounded pool of workers over the parse queue.
type Processor struct {
	opts      Options
	queue     JobQueue
	extractor Extractor
	enrichers []Enricher
	log       *zap.Logger

	mu          sync.RWMutex
	onCompleted []Hook
	onFailed    []Hook
}

func NewProcessor(opts Options, q JobQueue, extractor Extractor, log *zap.Logger, enrichers ...Enricher) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = time.Minute
	}
	if opts.ScheduledBatchSize <= 0 {
		opts.ScheduledBatchSize = 100
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = 2 * time.Second
	}
	return &Processor{
		opts:      opts,
		queue:     q,
		extractor: extractor,
		enrichers: enrichers,
		log:       log.Named("worker"),
	}
}

// OnCompleted registers a hook called after a job completes.
func (p *Processor) OnCompleted(h Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCompleted = append(p.onCompleted, h)
}

// OnFailed registers a hook called after a job fails for good.
func (p *Processor) OnFailed(h Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFailed = append(p.onFailed, h)
}

// Run starts the workers and the maintenance loop and blocks until ctx is
// cancelled. Jobs interrupted by shutdown keep their lease and are reclaimed
// after it expires.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()

	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, slot)
		}(i)
	}

	p.log.Info("worker pool started", zap.Int("concurrency", p.opts.Concurrency))
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) loop(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Warn("dequeue failed", zap.Int("slot", slot), zap.Error(err))
			}
			sleepCtx(ctx, p.opts.PollInterval)
			continue
		}
		if job == nil {
			sleepCtx(ctx, p.opts.PollInterval)
			continue
		}
		p.process(ctx, *job)
	}
}

func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		if n, err := p.queue.PromoteScheduled(ctx, now, int64(p.opts.ScheduledBatchSize)); err != nil {
			p.log.Warn("promote scheduled failed", zap.Error(err))
		} else if n > 0 {
			p.log.Debug("promoted scheduled jobs", zap.Int("count", n))
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
			p.log.Warn("lease reclaim failed", zap.Error(err))
		} else if len(reclaimed) > 0 {
			p.log.Warn("reclaimed expired leases", zap.Strings("job_ids", reclaimed))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

// process runs one job to a terminal state (or a scheduled retry).
func (p *Processor) process(ctx context.Context, job models.ParseJob) {
	log := p.log.With(zap.String("job_id", job.ID), zap.String("url", job.URL), zap.Int("attempt", job.Attempts))
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	start := time.Now()
	if err := p.queue.UpdateProgress(ctx, job.ID, models.ProgressAccepted); err != nil {
		log.Warn("progress update failed", zap.Error(err))
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = p.opts.JobTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stopHeartbeat := p.heartbeat(jobCtx, cancel, job.ID, log)

	product, err := p.execute(jobCtx, job)
	stopHeartbeat()
	elapsed := time.Since(start)
	telemetry.JobDuration.Observe(elapsed.Seconds())

	if ctx.Err() != nil {
		log.Info("shutdown interrupted job, leaving it for lease reclaim")
		return
	}

	// Finalization must survive the job deadline.
	finCtx, finCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer finCancel()

	if err == nil {
		_ = p.queue.UpdateProgress(finCtx, job.ID, models.ProgressDone)
		result := models.JobResult{Success: true, Data: &product, DurationMs: elapsed.Milliseconds()}
		applied, ferr := p.queue.Complete(finCtx, job.ID, result)
		if ferr != nil {
			log.Error("complete job failed", zap.Error(ferr))
			return
		}
		if !applied {
			log.Info("job already finished, result discarded")
			return
		}
		telemetry.JobsCompleted.Inc()
		log.Info("job completed", zap.Duration("duration", elapsed), zap.String("title", product.Title))
		p.fire(p.completedHooks(), job, result)
		return
	}

	kind := classify(err, jobCtx)
	msg := err.Error()
	if kind == models.ErrorKindTimeout {
		msg = fmt.Sprintf("parse timed out after %s", timeout)
	}

	if retryable(kind) && job.Attempts < job.MaxAttempts {
		delay := backoffWithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, job.Attempts)
		rerr := p.queue.Retry(finCtx, job.ID, time.Now().Add(delay), msg)
		if rerr == nil {
			telemetry.JobsRetried.Inc()
			log.Warn("job attempt failed, retry scheduled", zap.Duration("delay", delay), zap.Error(err))
			return
		}
		log.Error("schedule retry failed", zap.Error(rerr))
	}

	result := models.JobResult{Success: false, Error: msg, ErrorKind: kind, DurationMs: elapsed.Milliseconds()}
	applied, ferr := p.queue.Fail(finCtx, job.ID, result)
	if ferr != nil {
		log.Error("fail job failed", zap.Error(ferr))
		return
	}
	if !applied {
		log.Info("job already finished, failure discarded", zap.Error(err))
		return
	}
	telemetry.JobsFailed.WithLabelValues(string(kind)).Inc()
	log.Warn("job failed", zap.String("kind", string(kind)), zap.Duration("duration", elapsed), zap.Error(err))
	p.fire(p.failedHooks(), job, result)
}

type outcome struct {
	product models.ParsedProduct
	err     error
}

// execute runs the extraction pipeline in its own goroutine so a stage that
// ignores ctx cannot hold the worker past the deadline. A late result is
// dropped.
func (p *Processor) execute(ctx context.Context, job models.ParseJob) (models.ParsedProduct, error) {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &panicError{value: r}}
			}
		}()
		product, err := p.extractor.Extract(ctx, job.URL)
		if err == nil {
			for _, e := range p.enrichers {
				if eerr := e.Enrich(ctx, &product); eerr != nil {
					p.log.Warn("enricher failed", zap.String("job_id", job.ID), zap.String("enricher", e.Name()), zap.Error(eerr))
				}
			}
		}
		done <- outcome{product: product, err: err}
	}()

	select {
	case o := <-done:
		return o.product, o.err
	case <-ctx.Done():
		return models.ParsedProduct{}, ctx.Err()
	}
}

// heartbeat keeps the lease alive while the job runs and cancels the job when
// it was cancelled or evicted from the queue.
func (p *Processor) heartbeat(ctx context.Context, cancel context.CancelFunc, jobID string, log *zap.Logger) func() {
	visibility := p.queue.VisibilityTimeout()
	interval := visibility / 3
	if interval <= 0 {
		return func() {}
	}

	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
			}
			state, err := p.queue.ExtendLease(ctx, jobID, visibility)
			if errors.Is(err, queue.ErrJobNotFound) || (err == nil && state != models.StateActive) {
				log.Info("job no longer active, aborting", zap.String("state", string(state)))
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn("extend lease failed", zap.Error(err))
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

func (p *Processor) completedHooks() []Hook {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Hook(nil), p.onCompleted...)
}

func (p *Processor) failedHooks() []Hook {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Hook(nil), p.onFailed...)
}

func (p *Processor) fire(hooks []Hook, job models.ParseJob, result models.JobResult) {
	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("job hook panicked", zap.String("job_id", job.ID), zap.Any("panic", r))
				}
			}()
			h(job, result)
		}()
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// classify maps a pipeline error to the kind persisted with the job.
func classify(err error, jobCtx context.Context) models.ErrorKind {
	var pe *panicError
	switch {
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		return models.ErrorKindTimeout
	case errors.Is(jobCtx.Err(), context.Canceled):
		return models.ErrorKindCancelled
	case errors.As(err, &pe):
		return models.ErrorKindInternal
	case errors.Is(err, extract.ErrUnsupportedSite):
		return models.ErrorKindUnsupportedSite
	case errors.Is(err, extract.ErrExtractionFailed):
		return models.ErrorKindExtractionFailed
	case errors.Is(err, fetch.ErrFetch):
		return models.ErrorKindFetchFailed
	default:
		return models.ErrorKindInternal
	}
}

// retryable reports whether a job-level retry can help. Parse failures on an
// unchanged page cannot.
func retryable(kind models.ErrorKind) bool {
	return kind == models.ErrorKindFetchFailed || kind == models.ErrorKindTimeout
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
