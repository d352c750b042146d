package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"wishlist-parser/internal/config"
	"wishlist-parser/internal/models"
)

// ErrJobNotFound is returned for unknown ids and for jobs evicted by retention.
var ErrJobNotFound = errors.New("job not found")

// priorityStride separates priority bands in the waiting set score so that
// score = priority*stride + seq orders by priority, then FIFO.
const priorityStride = 1e10

// Options tune queue keys, leases and retention.
type Options struct {
	Prefix            string
	VisibilityTimeout time.Duration
	KeepCompleted     int
	KeepFailed        int
}

// OptionsFromConfig maps shared config onto queue options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Prefix:            cfg.QueuePrefix,
		VisibilityTimeout: cfg.VisibilityTimeout,
		KeepCompleted:     cfg.KeepCompleted,
		KeepFailed:        cfg.KeepFailed,
	}
}

// RedisQueue stores parse jobs in Redis: a priority-ordered waiting set, an
// in-flight set scored by lease deadline, a delayed set for retries, one hash
// per job and two bounded retention lists for finished jobs.
type RedisQueue struct {
	client        *redis.Client
	waitingKey    string
	activeKey     string
	delayedKey    string
	completedKey  string
	failedKey     string
	seqKey        string
	jobPrefix     string
	visibilityTTL time.Duration
	keepCompleted int
	keepFailed    int
	now           func() time.Time
}

// NewRedisClient builds a go-redis client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue on top of client.
func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "parser"
	}
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	keepCompleted := opts.KeepCompleted
	if keepCompleted <= 0 {
		keepCompleted = 100
	}
	keepFailed := opts.KeepFailed
	if keepFailed <= 0 {
		keepFailed = 500
	}
	return &RedisQueue{
		client:        client,
		waitingKey:    prefix + ":waiting",
		activeKey:     prefix + ":active",
		delayedKey:    prefix + ":delayed",
		completedKey:  prefix + ":completed",
		failedKey:     prefix + ":failed",
		seqKey:        prefix + ":seq",
		jobPrefix:     prefix + ":job:",
		visibilityTTL: visibility,
		keepCompleted: keepCompleted,
		keepFailed:    keepFailed,
		now:           time.Now,
	}
}

func (q *RedisQueue) jobKey(jobID string) string {
	return q.jobPrefix + jobID
}

// VisibilityTimeout is the lease length granted on dequeue.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

// Submit stores a new job in the waiting state and returns its id. It never
// waits for execution.
func (q *RedisQueue) Submit(ctx context.Context, job models.ParseJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = q.now().UTC()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}

	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return "", fmt.Errorf("queue sequence: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]any{
		"url":          job.URL,
		"user_id":      job.UserID,
		"submitted_at": job.SubmittedAt.Format(time.RFC3339Nano),
		"priority":     job.Priority,
		"max_attempts": job.MaxAttempts,
		"attempts":     0,
		"timeout_ms":   job.Timeout.Milliseconds(),
		"state":        string(models.StateWaiting),
		"progress":     0,
	})
	pipe.ZAdd(ctx, q.waitingKey, redis.Z{Score: waitingScore(job.Priority, seq), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return job.ID, nil
}

func waitingScore(priority int, seq int64) float64 {
	return float64(priority)*priorityStride + float64(seq)
}

// Dequeue moves the most urgent waiting job to active under a lease and
// returns it. It returns (nil, nil) when nothing is waiting.
func (q *RedisQueue) Dequeue(ctx context.Context) (*models.ParseJob, error) {
	now := q.now()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.waitingKey, q.activeKey},
		now.Add(q.visibilityTTL).UnixMilli(), q.jobPrefix, now.UTC().Format(time.RFC3339Nano),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	jobID, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Status returns a snapshot of a job. Finished jobs always return the same
// stored result.
func (q *RedisQueue) Status(ctx context.Context, jobID string) (models.JobStatus, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return models.JobStatus{}, err
	}
	if len(fields) == 0 {
		return models.JobStatus{}, ErrJobNotFound
	}

	st := models.JobStatus{
		JobID:    jobID,
		State:    models.JobState(fields["state"]),
		Progress: atoi(fields["progress"]),
		Attempts: atoi(fields["attempts"]),
		Error:    fields["error"],
	}
	if raw := fields["result"]; raw != "" {
		var res models.JobResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return models.JobStatus{}, fmt.Errorf("decode job result: %w", err)
		}
		st.Result = &res
	}
	return st, nil
}

// loadJob reads the stored submission fields of a job.
func (q *RedisQueue) loadJob(ctx context.Context, jobID string) (models.ParseJob, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return models.ParseJob{}, err
	}
	if len(fields) == 0 {
		return models.ParseJob{}, ErrJobNotFound
	}
	return parseJob(jobID, fields), nil
}

// UpdateProgress records progress for an active job. It is a no-op once the
// job left the active state.
func (q *RedisQueue) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	return progressScript.Run(ctx, q.client, []string{q.jobKey(jobID)}, progress).Err()
}

// Complete finalizes a job as completed. It reports false when the job was
// already terminal (for example cancelled while running), in which case the
// result is discarded.
func (q *RedisQueue) Complete(ctx context.Context, jobID string, result models.JobResult) (bool, error) {
	return q.finalize(ctx, jobID, models.StateCompleted, result, q.completedKey, q.keepCompleted)
}

// Fail finalizes a job as failed.
func (q *RedisQueue) Fail(ctx context.Context, jobID string, result models.JobResult) (bool, error) {
	return q.finalize(ctx, jobID, models.StateFailed, result, q.failedKey, q.keepFailed)
}

// Cancel removes a waiting job outright and marks an active job cancelled so
// its eventual result is discarded. Cancelling a finished job is a no-op and
// reports false.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	ok, err := q.finalize(ctx, jobID, models.StateCancelled, models.JobResult{
		Success:   false,
		Error:     "job cancelled",
		ErrorKind: models.ErrorKindCancelled,
	}, q.failedKey, q.keepFailed)
	return ok, err
}

func (q *RedisQueue) finalize(ctx context.Context, jobID string, state models.JobState, result models.JobResult, retentionKey string, keep int) (bool, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("encode job result: %w", err)
	}
	progress := ""
	if state == models.StateCompleted {
		progress = strconv.Itoa(models.ProgressDone)
	}

	res, err := finalizeScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.waitingKey, q.activeKey, q.delayedKey, retentionKey},
		jobID, string(state), progress, string(payload), result.Error, string(result.ErrorKind),
		q.now().UTC().Format(time.RFC3339Nano), keep, q.jobPrefix,
	).Int64()
	if err != nil {
		return false, err
	}
	switch res {
	case -1:
		return false, ErrJobNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

// ExtendLease pushes the lease deadline of an active job forward and returns
// its current state. Callers stop work when the state is no longer active.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) (models.JobState, error) {
	res, err := extendScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.activeKey},
		jobID, q.now().Add(extension).UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", err
	}
	return models.JobState(res), nil
}

// Retry puts an active job back into the delayed set to run again at runAt.
func (q *RedisQueue) Retry(ctx context.Context, jobID string, runAt time.Time, lastErr string) error {
	return retryScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.activeKey, q.delayedKey},
		jobID, runAt.UnixMilli(), lastErr,
	).Err()
}

// PromoteScheduled moves due delayed jobs into the waiting set. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	res, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey, q.waitingKey, q.seqKey},
		now.UnixMilli(), limit, q.jobPrefix, priorityStride,
	).Int64()
	if err != nil {
		return 0, err
	}
	return int(res), nil
}

// RequeueExpired returns jobs whose lease expired to the waiting set. Jobs
// that already finished are only dropped from the active set.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := reclaimScript.Run(ctx, q.client,
		[]string{q.activeKey, q.waitingKey, q.seqKey},
		now.UnixMilli(), limit, q.jobPrefix, priorityStride,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

// Stats counts jobs per state. Delayed retries count as waiting and
// cancelled jobs count as failed.
func (q *RedisQueue) Stats(ctx context.Context) (models.QueueStats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.waitingKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	active := pipe.ZCard(ctx, q.activeKey)
	completed := pipe.LLen(ctx, q.completedKey)
	failed := pipe.LLen(ctx, q.failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueStats{}, err
	}
	return models.QueueStats{
		Waiting:   waiting.Val() + delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// ReadyDepth returns the number of jobs ready to run.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.waitingKey).Result()
}

func parseJob(jobID string, fields map[string]string) models.ParseJob {
	submitted, _ := time.Parse(time.RFC3339Nano, fields["submitted_at"])
	return models.ParseJob{
		ID:          jobID,
		URL:         fields["url"],
		UserID:      fields["user_id"],
		SubmittedAt: submitted,
		Priority:    atoi(fields["priority"]),
		MaxAttempts: atoi(fields["max_attempts"]),
		Attempts:    atoi(fields["attempts"]),
		Timeout:     time.Duration(atoi(fields["timeout_ms"])) * time.Millisecond,
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Job hashes are addressed through a key prefix passed in ARGV, so these
// scripts assume a single Redis node.

var dequeueScript = redis.NewScript(`
local waiting = KEYS[1]
local active = KEYS[2]
while true do
  local ids = redis.call('ZRANGE', waiting, 0, 0)
  if #ids == 0 then return false end
  local id = ids[1]
  redis.call('ZREM', waiting, id)
  local key = ARGV[2] .. id
  if redis.call('HGET', key, 'state') == 'waiting' then
    redis.call('ZADD', active, ARGV[1], id)
    redis.call('HSET', key, 'state', 'active', 'progress', '0', 'started_at', ARGV[3])
    redis.call('HINCRBY', key, 'attempts', 1)
    return id
  end
end
`)

var progressScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'active' then
  redis.call('HSET', KEYS[1], 'progress', ARGV[1])
  return 1
end
return 0
`)

var finalizeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return -1 end
if state == 'completed' or state == 'failed' or state == 'cancelled' then return 0 end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'result', ARGV[4], 'error', ARGV[5], 'error_kind', ARGV[6], 'finished_at', ARGV[7])
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'progress', ARGV[3])
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('LPUSH', KEYS[5], ARGV[1])
local keep = tonumber(ARGV[8])
while redis.call('LLEN', KEYS[5]) > keep do
  local old = redis.call('RPOP', KEYS[5])
  if old then redis.call('DEL', ARGV[9] .. old) end
end
return 1
`)

var extendScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return false end
if state == 'active' then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
end
return state
`)

var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'waiting', 'progress', '0', 'error', ARGV[3])
return 1
`)

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local priority = tonumber(redis.call('HGET', ARGV[3] .. id, 'priority') or '0') or 0
  local seq = redis.call('INCR', KEYS[3])
  redis.call('ZADD', KEYS[2], string.format('%.0f', priority * tonumber(ARGV[4]) + seq), id)
end
return #ids
`)

var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  if redis.call('HGET', key, 'state') == 'active' then
    local priority = tonumber(redis.call('HGET', key, 'priority') or '0') or 0
    local seq = redis.call('INCR', KEYS[3])
    redis.call('ZADD', KEYS[2], string.format('%.0f', priority * tonumber(ARGV[4]) + seq), id)
    redis.call('HSET', key, 'state', 'waiting', 'progress', '0')
    table.insert(out, id)
  end
end
return out
`)
