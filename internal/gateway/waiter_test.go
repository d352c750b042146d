package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wishlist-parser/internal/currency"
	"wishlist-parser/internal/extract"
	"wishlist-parser/internal/models"
	"wishlist-parser/internal/queue"
)

func newTestQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedisQueue(client, queue.Options{})
}

func newTestWaiter(q Queue, poll time.Duration) *Waiter {
	conv := currency.NewConverter("USD", []string{"USD", "RUB"}, nil)
	return NewWaiter(q, conv, Options{PollInterval: poll, JobTimeout: time.Second}, zap.NewNop())
}

// finishNext plays the worker: it takes the next job and finalizes it with fn.
func finishNext(t *testing.T, q *queue.RedisQueue, fn func(job models.ParseJob)) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			job, err := q.Dequeue(context.Background())
			if err == nil && job != nil {
				fn(*job)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestWaitForTimesOutAndLeavesJobRunning(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWaiter(q, 500*time.Millisecond)

	start := time.Now()
	_, err := w.WaitFor(context.Background(), "https://slow.test/p", "u1", time.Second)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 1500*time.Millisecond)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	st, err := q.Status(context.Background(), te.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StateWaiting, st.State)
}

func TestWaitForNormalizesCompletedResult(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWaiter(q, 10*time.Millisecond)

	finishNext(t, q, func(job models.ParseJob) {
		_, _ = q.Complete(context.Background(), job.ID, models.JobResult{
			Success: true,
			Data: &models.ParsedProduct{
				Title:     "Kettle",
				Price:     models.Float64(100),
				Currency:  "EUR",
				SourceURL: job.URL,
			},
		})
	})

	res, err := w.WaitFor(context.Background(), "https://shop.test/kettle", "u1", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, res.Data)
	assert.InDelta(t, 109.0, *res.Data.Price, 0.0001)
	assert.Equal(t, "USD", res.Data.Currency)
	assert.Equal(t, []string{"Description not found", "Image not found"}, res.Warnings)
}

func TestWaitForUnknownCurrencyWarns(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWaiter(q, 10*time.Millisecond)

	finishNext(t, q, func(job models.ParseJob) {
		_, _ = q.Complete(context.Background(), job.ID, models.JobResult{
			Success: true,
			Data: &models.ParsedProduct{
				Title:       "Lamp",
				Description: "Desk lamp",
				ImageURL:    "https://img.test/lamp.jpg",
				Price:       models.Float64(42),
				Currency:    "XYZ",
			},
		})
	})

	res, err := w.WaitFor(context.Background(), "https://shop.test/lamp", "u1", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42.0, *res.Data.Price)
	assert.Equal(t, "USD", res.Data.Currency)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "XYZ")
}

func TestWaitForMissingPriceWarns(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWaiter(q, 10*time.Millisecond)

	finishNext(t, q, func(job models.ParseJob) {
		_, _ = q.Complete(context.Background(), job.ID, models.JobResult{
			Success: true,
			Data:    &models.ParsedProduct{Title: "Poster", ImageURL: "https://img.test/p.png"},
		})
	})

	res, err := w.WaitFor(context.Background(), "https://shop.test/poster", "u1", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"Description not found", "Price not found"}, res.Warnings)
}

func TestWaitForReraisesJobFailure(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWaiter(q, 10*time.Millisecond)

	finishNext(t, q, func(job models.ParseJob) {
		_, _ = q.Fail(context.Background(), job.ID, models.JobResult{
			Error:     "unsupported site: https://nowhere.test",
			ErrorKind: models.ErrorKindUnsupportedSite,
		})
	})

	_, err := w.WaitFor(context.Background(), "https://nowhere.test", "u1", 2*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, extract.ErrUnsupportedSite)
	assert.NotErrorIs(t, err, ErrTimeout)

	var je *JobError
	require.True(t, errors.As(err, &je))
	assert.Equal(t, models.ErrorKindUnsupportedSite, je.Kind)
	assert.Contains(t, je.Error(), "unsupported site")
}

func TestWaitForCallerCancellation(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWaiter(q, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err := w.WaitFor(ctx, "https://slow.test/p", "u1", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetJobStatusIsStable(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWaiter(q, 10*time.Millisecond)
	ctx := context.Background()

	id, err := w.SubmitParseJob(ctx, "https://shop.test/mug", "u2")
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	_, err = q.Complete(ctx, id, models.JobResult{Success: true, Data: &models.ParsedProduct{Title: "Mug", Price: models.Float64(5), Currency: "GBP"}})
	require.NoError(t, err)

	first, err := w.GetJobStatus(ctx, id)
	require.NoError(t, err)
	second, err := w.GetJobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "USD", first.Result.Data.Currency)
	assert.InDelta(t, 6.35, *first.Result.Data.Price, 0.0001)
}
