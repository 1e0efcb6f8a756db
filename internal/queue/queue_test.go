package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), rdb
}

type testPayload struct {
	PullRequestID string `json:"pullRequestId"`
}

func TestEnqueueAndFetch(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	enq, err := q.Enqueue(ctx, "pr-summary", "generate", testPayload{PullRequestID: "pr-1"})
	require.NoError(t, err)
	require.NotEmpty(t, enq.ID)

	depth, err := q.Depth(ctx, "pr-summary")
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	job, raw, err := q.fetch(ctx, "pr-summary")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, enq.ID, job.ID)
	assert.Equal(t, "generate", job.Name)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)

	var p testPayload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	assert.Equal(t, "pr-1", p.PullRequestID)

	// Claimed jobs sit in the processing list with a lease, not on ready.
	n, err := rdb.LLen(ctx, processingKey("pr-summary")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	leases, err := rdb.ZCard(ctx, leaseKey("pr-summary")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, leases)
	assert.NotEmpty(t, raw)
}

func TestAck_RecordsCompleted(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "pr-summary", "generate", testPayload{PullRequestID: "pr-1"})
	require.NoError(t, err)
	_, raw, err := q.fetch(ctx, "pr-summary")
	require.NoError(t, err)

	require.NoError(t, q.ack(ctx, "pr-summary", raw))

	processing, _ := rdb.LLen(ctx, processingKey("pr-summary")).Result()
	leases, _ := rdb.ZCard(ctx, leaseKey("pr-summary")).Result()
	completed, _ := rdb.ZCard(ctx, completedKey("pr-summary")).Result()
	assert.EqualValues(t, 0, processing)
	assert.EqualValues(t, 0, leases)
	assert.EqualValues(t, 1, completed)
}

func TestNack_SchedulesExponentialBackoff(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	now := time.Now()
	q.now = func() time.Time { return now }

	_, err := q.Enqueue(ctx, "pr-summary", "generate", testPayload{PullRequestID: "pr-1"})
	require.NoError(t, err)

	// First failure: delayed by 2s.
	job, raw, err := q.fetch(ctx, "pr-summary")
	require.NoError(t, err)
	outcome, err := q.nack(ctx, "pr-summary", raw, job, errors.New("upstream 502"))
	require.NoError(t, err)
	assert.Equal(t, "retry", outcome)

	delayed, err := rdb.ZRangeByScoreWithScores(ctx, delayedKey("pr-summary"),
		&redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	require.NoError(t, err)
	require.Len(t, delayed, 1)
	assert.EqualValues(t, now.Add(2*time.Second).UnixMilli(), int64(delayed[0].Score))

	// Not due yet.
	moved, err := q.promoteDelayed(ctx, "pr-summary")
	require.NoError(t, err)
	assert.Zero(t, moved)

	// Due after the backoff elapses; second failure doubles the delay.
	now = now.Add(3 * time.Second)
	moved, err = q.promoteDelayed(ctx, "pr-summary")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	job, raw, err = q.fetch(ctx, "pr-summary")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "upstream 502", job.LastError)

	outcome, err = q.nack(ctx, "pr-summary", raw, job, errors.New("upstream 502"))
	require.NoError(t, err)
	assert.Equal(t, "retry", outcome)

	delayed, err = rdb.ZRangeByScoreWithScores(ctx, delayedKey("pr-summary"),
		&redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	require.NoError(t, err)
	require.Len(t, delayed, 1)
	assert.EqualValues(t, now.Add(4*time.Second).UnixMilli(), int64(delayed[0].Score))
}

func TestNack_NonRetryableDeadLettersImmediately(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "pr-summary", "generate", testPayload{PullRequestID: "gone"})
	require.NoError(t, err)
	job, raw, err := q.fetch(ctx, "pr-summary")
	require.NoError(t, err)

	outcome, err := q.nack(ctx, "pr-summary", raw, job, NonRetryable(errors.New("pull request not found")))
	require.NoError(t, err)
	assert.Equal(t, "dead", outcome)

	dead, err := q.DeadJobs(ctx, "pr-summary", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 1, dead[0].Attempts)
	assert.Equal(t, "pull request not found", dead[0].LastError)
}

func TestNack_DeadLettersAfterMaxAttempts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	now := time.Now()
	q.now = func() time.Time { return now }

	_, err := q.Enqueue(ctx, "pr-summary", "generate", testPayload{PullRequestID: "pr-1"})
	require.NoError(t, err)

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		job, raw, err := q.fetch(ctx, "pr-summary")
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)

		outcome, err := q.nack(ctx, "pr-summary", raw, job, errors.New("still broken"))
		require.NoError(t, err)
		if attempt < DefaultMaxAttempts {
			assert.Equal(t, "retry", outcome)
			now = now.Add(time.Minute)
			_, err = q.promoteDelayed(ctx, "pr-summary")
			require.NoError(t, err)
		} else {
			assert.Equal(t, "dead", outcome)
		}
	}

	dead, err := q.DeadJobs(ctx, "pr-summary", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, DefaultMaxAttempts, dead[0].Attempts)
}

func TestReapStalled_RequeuesPastDeadline(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	now := time.Now()
	q.now = func() time.Time { return now }

	enq, err := q.Enqueue(ctx, "pr-summary", "generate", testPayload{PullRequestID: "pr-1"})
	require.NoError(t, err)
	_, _, err = q.fetch(ctx, "pr-summary")
	require.NoError(t, err)

	// Within the visibility window nothing moves.
	moved, err := q.reapStalled(ctx, "pr-summary")
	require.NoError(t, err)
	assert.Zero(t, moved)

	// A crashed worker never acks; past the deadline the claim is reaped.
	now = now.Add(visibilityTimeout + time.Second)
	moved, err = q.reapStalled(ctx, "pr-summary")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	job, _, err := q.fetch(ctx, "pr-summary")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, enq.ID, job.ID)
}

func TestReapStalled_RecoversClaimWithoutLease(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	enq, err := q.Enqueue(ctx, "pr-summary", "generate", testPayload{PullRequestID: "pr-1"})
	require.NoError(t, err)

	// A worker that dies right after the claim leaves the job in the
	// processing list with no lease recorded.
	_, err = rdb.LMove(ctx, readyKey("pr-summary"), processingKey("pr-summary"), "RIGHT", "LEFT").Result()
	require.NoError(t, err)

	moved, err := q.reapStalled(ctx, "pr-summary")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	job, _, err := q.fetch(ctx, "pr-summary")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, enq.ID, job.ID)

	processing, _ := rdb.LLen(ctx, processingKey("pr-summary")).Result()
	assert.EqualValues(t, 1, processing)
}

func TestWorker_ProcessesJobsConcurrently(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, "pr-summary", "generate", testPayload{PullRequestID: "pr"})
		require.NoError(t, err)
	}

	seen := make(chan string, 3)
	w := NewWorker(q, "pr-summary", func(ctx context.Context, job *Job) error {
		seen <- job.ID
		return nil
	}, 2, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case id := <-seen:
			ids[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	assert.Len(t, ids, 3)

	cancel()
	wg.Wait()
}

func TestWorker_ShutsDownPromptlyWhileRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := New(rdb)

	// Every fetch now errors immediately; the loop must pause between
	// attempts but still honor cancellation during the pause.
	mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(q, "pr-summary", func(ctx context.Context, job *Job) error {
		return nil
	}, 1, nil)

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("worker did not stop while backing off on fetch errors")
	}
}
