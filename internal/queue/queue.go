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
)

const (
	DefaultMaxAttempts = 3
	DefaultConcurrency = 5

	// A claimed job invisible past this deadline is considered stalled and
	// goes back to the ready list.
	visibilityTimeout = 60 * time.Second

	baseBackoff        = 2 * time.Second
	fetchTimeout       = time.Second
	fetchErrBackoff    = time.Second
	deadRetention      = 7 * 24 * time.Hour
	completedRetention = 24 * time.Hour
)

// Job is the unit of work carried through Redis. The payload stays opaque
// to the queue; handlers decode it by queue + logical name.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Queue is an at-least-once job queue on Redis. Per queue name it keeps a
// ready list, a delayed zset (score = run-at) for backoff scheduling, a
// processing list holding claimed jobs, a lease zset (score = visibility
// deadline) for stall recovery, and dead/completed zsets with time-based
// retention. Claims are a single BLMove from ready into processing, so a
// crashed worker can never lose a job: it is always in exactly one of
// ready, delayed, processing, or dead.
type Queue struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func New(rdb redis.UniversalClient) *Queue {
	return &Queue{rdb: rdb, now: time.Now}
}

func readyKey(queue string) string      { return "jobs:" + queue + ":ready" }
func delayedKey(queue string) string    { return "jobs:" + queue + ":delayed" }
func processingKey(queue string) string { return "jobs:" + queue + ":processing" }
func leaseKey(queue string) string      { return "jobs:" + queue + ":lease" }
func deadKey(queue string) string       { return "jobs:" + queue + ":dead" }
func completedKey(queue string) string  { return "jobs:" + queue + ":completed" }

// Enqueue pushes a job onto the named queue's ready list.
func (q *Queue) Enqueue(ctx context.Context, queue, name string, payload interface{}) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", queue, err)
	}
	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Name:        name,
		Payload:     raw,
		MaxAttempts: DefaultMaxAttempts,
		EnqueuedAt:  q.now().UTC(),
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, readyKey(queue), encoded).Err(); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return job, nil
}

// fetch claims the next ready job. The claim is a single BLMove into the
// processing list, so a crash at any point leaves the job either on the
// ready list or in processing where the janitor can find it; the visibility
// deadline is recorded in the lease zset immediately after. Returns
// (nil, "", nil) when the queue stayed empty for the blocking window.
func (q *Queue) fetch(ctx context.Context, queue string) (*Job, string, error) {
	raw, err := q.rdb.BLMove(ctx, readyKey(queue), processingKey(queue), "RIGHT", "LEFT", fetchTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}

	deadline := float64(q.now().Add(visibilityTimeout).UnixMilli())
	if err := q.rdb.ZAdd(ctx, leaseKey(queue), redis.Z{Score: deadline, Member: raw}).Err(); err != nil {
		// The job is safe in processing; hand it straight back to ready so
		// another worker can claim it without waiting for the orphan sweep.
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, processingKey(queue), 1, raw)
		pipe.LPush(ctx, readyKey(queue), raw)
		_, _ = pipe.Exec(ctx)
		return nil, "", err
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.release(ctx, queue, raw)
		return nil, "", fmt.Errorf("corrupt job on %s: %w", queue, err)
	}
	return &job, raw, nil
}

// release drops a claim from the processing list and lease zset.
func (q *Queue) release(ctx context.Context, queue, raw string) {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey(queue), 1, raw)
	pipe.ZRem(ctx, leaseKey(queue), raw)
	_, _ = pipe.Exec(ctx)
}

// ack completes a claimed job, recording it in the completed zset.
func (q *Queue) ack(ctx context.Context, queue, raw string) error {
	now := q.now()
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey(queue), 1, raw)
	pipe.ZRem(ctx, leaseKey(queue), raw)
	pipe.ZAdd(ctx, completedKey(queue), redis.Z{Score: float64(now.UnixMilli()), Member: raw})
	pipe.ZRemRangeByScore(ctx, completedKey(queue), "-inf",
		strconv.FormatInt(now.Add(-completedRetention).UnixMilli(), 10))
	_, err := pipe.Exec(ctx)
	return err
}

// nack records a failed attempt. Retryable failures with attempts left go to
// the delayed zset with exponential backoff; the rest go to the dead zset.
// Returns "retry" or "dead".
func (q *Queue) nack(ctx context.Context, queue, raw string, job *Job, cause error) (string, error) {
	job.Attempts++
	job.LastError = cause.Error()
	encoded, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	now := q.now()
	exhausted := job.Attempts >= job.MaxAttempts
	if IsNonRetryable(cause) || exhausted {
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, processingKey(queue), 1, raw)
		pipe.ZRem(ctx, leaseKey(queue), raw)
		pipe.ZAdd(ctx, deadKey(queue), redis.Z{Score: float64(now.UnixMilli()), Member: encoded})
		pipe.ZRemRangeByScore(ctx, deadKey(queue), "-inf",
			strconv.FormatInt(now.Add(-deadRetention).UnixMilli(), 10))
		if _, err := pipe.Exec(ctx); err != nil {
			return "", err
		}
		return "dead", nil
	}

	runAt := now.Add(backoff(job.Attempts))
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey(queue), 1, raw)
	pipe.ZRem(ctx, leaseKey(queue), raw)
	pipe.ZAdd(ctx, delayedKey(queue), redis.Z{Score: float64(runAt.UnixMilli()), Member: encoded})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return "retry", nil
}

// backoff is 2s doubling per completed attempt: 2s, 4s, 8s, ...
func backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return baseBackoff << (attempts - 1)
}

// promoteDelayed moves due delayed jobs onto the ready list.
func (q *Queue) promoteDelayed(ctx context.Context, queue string) (int, error) {
	return q.promote(ctx, delayedKey(queue), readyKey(queue))
}

// reapStalled requeues claimed jobs whose visibility deadline passed, plus
// orphans sitting in the processing list with no lease at all (a worker that
// crashed between the claim and the lease write). A job caught in the tiny
// claim-to-lease window may be requeued once; delivery is at least once.
func (q *Queue) reapStalled(ctx context.Context, queue string) (int, error) {
	max := strconv.FormatInt(q.now().UnixMilli(), 10)
	expired, err := q.rdb.ZRangeByScore(ctx, leaseKey(queue), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, raw := range expired {
		// ZRem arbitrates between competing reapers; only the winner moves.
		removed, err := q.rdb.ZRem(ctx, leaseKey(queue), raw).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, processingKey(queue), 1, raw)
		pipe.LPush(ctx, readyKey(queue), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, err
		}
		moved++
	}

	orphans, err := q.rdb.LRange(ctx, processingKey(queue), 0, -1).Result()
	if err != nil {
		return moved, err
	}
	for _, raw := range orphans {
		err := q.rdb.ZScore(ctx, leaseKey(queue), raw).Err()
		if err == nil {
			continue // leased, not an orphan
		}
		if !errors.Is(err, redis.Nil) {
			return moved, err
		}
		// LRem arbitrates ownership of the orphan the same way.
		removed, err := q.rdb.LRem(ctx, processingKey(queue), 1, raw).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, readyKey(queue), raw).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func (q *Queue) promote(ctx context.Context, from, to string) (int, error) {
	max := strconv.FormatInt(q.now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, from, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, m := range members {
		// ZRem arbitrates between competing movers; only the winner pushes.
		removed, err := q.rdb.ZRem(ctx, from, m).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, to, m).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// DeadJobs returns up to limit dead-lettered jobs, newest first.
func (q *Queue) DeadJobs(ctx context.Context, queue string, limit int64) ([]Job, error) {
	raws, err := q.rdb.ZRevRange(ctx, deadKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Depth reports the ready-list length for a queue.
func (q *Queue) Depth(ctx context.Context, queue string) (int64, error) {
	return q.rdb.LLen(ctx, readyKey(queue)).Result()
}
