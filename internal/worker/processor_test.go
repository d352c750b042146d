package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wishlist-parser/internal/extract"
	"wishlist-parser/internal/fetch"
	"wishlist-parser/internal/models"
	"wishlist-parser/internal/queue"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}
}

type extractorFunc func(ctx context.Context, rawURL string) (models.ParsedProduct, error)

func (f extractorFunc) Extract(ctx context.Context, rawURL string) (models.ParsedProduct, error) {
	return f(ctx, rawURL)
}

func newQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedisQueue(client, queue.Options{VisibilityTimeout: 3 * time.Second})
}

func testOptions(concurrency int) Options {
	return Options{
		Concurrency:         concurrency,
		PollInterval:        10 * time.Millisecond,
		JobTimeout:          2 * time.Second,
		MaintenanceInterval: 50 * time.Millisecond,
	}
}

func startProcessor(t *testing.T, p *Processor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitTerminal(t *testing.T, q *queue.RedisQueue, id string) models.JobStatus {
	t.Helper()
	var st models.JobStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = q.Status(context.Background(), id)
		return err == nil && st.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return st
}

func TestProcessorBoundsConcurrency(t *testing.T) {
	q := newQueue(t)
	var active, peak atomic.Int32
	ext := extractorFunc(func(ctx context.Context, rawURL string) (models.ParsedProduct, error) {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		return models.ParsedProduct{Title: "item " + rawURL, SourceURL: rawURL}, nil
	})

	p := NewProcessor(testOptions(2), q, ext, zap.NewNop())
	var completed atomic.Int32
	p.OnCompleted(func(models.ParseJob, models.JobResult) { completed.Add(1) })

	ids := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		id, err := q.Submit(context.Background(), models.ParseJob{URL: fmt.Sprintf("https://shop.test/%d", i), MaxAttempts: 1})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	startProcessor(t, p)

	for _, id := range ids {
		st := waitTerminal(t, q, id)
		assert.Equal(t, models.StateCompleted, st.State)
		assert.Equal(t, models.ProgressDone, st.Progress)
		require.NotNil(t, st.Result)
		assert.True(t, st.Result.Success)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Eventually(t, func() bool { return completed.Load() == 10 }, time.Second, 10*time.Millisecond)
}

func TestProcessorClassifiesFailures(t *testing.T) {
	q := newQueue(t)
	ext := extractorFunc(func(ctx context.Context, rawURL string) (models.ParsedProduct, error) {
		switch rawURL {
		case "https://unsupported.test":
			return models.ParsedProduct{}, fmt.Errorf("%w: no strategy", extract.ErrUnsupportedSite)
		case "https://empty.test":
			return models.ParsedProduct{}, &extract.ExtractionFailedError{Reason: "no title"}
		case "https://blocked.test":
			return models.ParsedProduct{}, &fetch.Error{URL: rawURL, StatusCode: 403, Cause: errors.New("blocked")}
		default:
			panic("parser bug")
		}
	})
	p := NewProcessor(testOptions(2), q, ext, zap.NewNop())
	var failed sync.Map
	p.OnFailed(func(job models.ParseJob, res models.JobResult) { failed.Store(job.URL, res.ErrorKind) })

	want := map[string]models.ErrorKind{
		"https://unsupported.test": models.ErrorKindUnsupportedSite,
		"https://empty.test":       models.ErrorKindExtractionFailed,
		"https://blocked.test":     models.ErrorKindFetchFailed,
		"https://panic.test":       models.ErrorKindInternal,
	}
	ids := map[string]string{}
	for u := range want {
		id, err := q.Submit(context.Background(), models.ParseJob{URL: u, MaxAttempts: 1})
		require.NoError(t, err)
		ids[u] = id
	}

	startProcessor(t, p)

	for u, kind := range want {
		st := waitTerminal(t, q, ids[u])
		assert.Equal(t, models.StateFailed, st.State, u)
		require.NotNil(t, st.Result, u)
		assert.False(t, st.Result.Success)
		assert.Equal(t, kind, st.Result.ErrorKind, u)
		assert.NotEmpty(t, st.Error, u)
	}
	assert.Eventually(t, func() bool {
		n := 0
		failed.Range(func(_, _ any) bool { n++; return true })
		return n == len(want)
	}, time.Second, 10*time.Millisecond)
}

func TestProcessorEnforcesJobTimeout(t *testing.T) {
	q := newQueue(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	ext := extractorFunc(func(ctx context.Context, rawURL string) (models.ParsedProduct, error) {
		<-release // ignores ctx on purpose
		return models.ParsedProduct{Title: "late"}, nil
	})
	p := NewProcessor(testOptions(1), q, ext, zap.NewNop())

	id, err := q.Submit(context.Background(), models.ParseJob{URL: "https://slow.test", Timeout: 100 * time.Millisecond, MaxAttempts: 1})
	require.NoError(t, err)

	startProcessor(t, p)

	st := waitTerminal(t, q, id)
	assert.Equal(t, models.StateFailed, st.State)
	assert.Equal(t, models.ErrorKindTimeout, st.Result.ErrorKind)
	assert.Contains(t, st.Error, "timed out")
}

func TestProcessorRetriesFetchFailures(t *testing.T) {
	q := newQueue(t)
	var calls atomic.Int32
	ext := extractorFunc(func(ctx context.Context, rawURL string) (models.ParsedProduct, error) {
		if calls.Add(1) == 1 {
			return models.ParsedProduct{}, &fetch.Error{URL: rawURL, Cause: errors.New("reset")}
		}
		return models.ParsedProduct{Title: "ok"}, nil
	})
	opts := testOptions(1)
	opts.BackoffInitial = 20 * time.Millisecond
	opts.BackoffMax = 40 * time.Millisecond
	p := NewProcessor(opts, q, ext, zap.NewNop())

	id, err := q.Submit(context.Background(), models.ParseJob{URL: "https://flaky.test", MaxAttempts: 2})
	require.NoError(t, err)

	startProcessor(t, p)

	st := waitTerminal(t, q, id)
	assert.Equal(t, models.StateCompleted, st.State)
	assert.Equal(t, 2, st.Attempts)
	assert.EqualValues(t, 2, calls.Load())
}

type recordingEnricher struct {
	err error
}

func (r *recordingEnricher) Name() string { return "recording" }

func (r *recordingEnricher) Enrich(_ context.Context, p *models.ParsedProduct) error {
	if r.err != nil {
		return r.err
	}
	p.ThumbnailURL = "thumbs/" + p.Title
	return nil
}

func TestProcessorEnrichers(t *testing.T) {
	q := newQueue(t)
	ext := extractorFunc(func(ctx context.Context, rawURL string) (models.ParsedProduct, error) {
		return models.ParsedProduct{Title: "mug", ImageURL: "https://img.test/mug.png"}, nil
	})
	p := NewProcessor(testOptions(1), q, ext, zap.NewNop(), &recordingEnricher{err: errors.New("cdn down")}, &recordingEnricher{})

	id, err := q.Submit(context.Background(), models.ParseJob{URL: "https://shop.test/mug", MaxAttempts: 1})
	require.NoError(t, err)

	startProcessor(t, p)

	st := waitTerminal(t, q, id)
	require.Equal(t, models.StateCompleted, st.State)
	assert.Equal(t, "thumbs/mug", st.Result.Data.ThumbnailURL)
}
