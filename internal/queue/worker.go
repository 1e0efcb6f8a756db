package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prsentry/prsentry-backend/internal/pkg/metrics"
)

// HandlerFunc processes one job. Returning an error schedules a retry unless
// the error is wrapped with NonRetryable or attempts are exhausted.
type HandlerFunc func(ctx context.Context, job *Job) error

// Worker drains one named queue with bounded parallelism. A janitor loop
// promotes due delayed jobs and requeues stalled claims.
type Worker struct {
	queue       *Queue
	name        string
	handler     HandlerFunc
	concurrency int
	log         *slog.Logger
}

func NewWorker(q *Queue, name string, handler HandlerFunc, concurrency int, log *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		queue:       q,
		name:        name,
		handler:     handler,
		concurrency: concurrency,
		log:         log.With("queue", name),
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.janitorLoop(ctx)
	}()

	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.consumeLoop(ctx, n)
		}(i + 1)
	}

	wg.Wait()
	w.log.Info("worker stopped")
}

func (w *Worker) janitorLoop(ctx context.Context) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := w.queue.promoteDelayed(ctx, w.name); err != nil {
				w.log.Error("promote delayed jobs", "err", err)
			} else if n > 0 {
				w.log.Debug("promoted delayed jobs", "count", n)
			}
			if n, err := w.queue.reapStalled(ctx, w.name); err != nil {
				w.log.Error("requeue stalled jobs", "err", err)
			} else if n > 0 {
				w.log.Warn("requeued stalled jobs", "count", n)
			}
		}
	}
}

func (w *Worker) consumeLoop(ctx context.Context, workerNum int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, raw, err := w.queue.fetch(ctx, w.name)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.log.Error("fetch job", "worker_num", workerNum, "err", err)
			// A dead Redis fails the blocking fetch instantly; pause
			// instead of spinning.
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchErrBackoff):
			}
			continue
		}
		if job == nil {
			continue
		}
		w.process(ctx, workerNum, job, raw)
	}
}

func (w *Worker) process(ctx context.Context, workerNum int, job *Job, raw string) {
	start := time.Now()
	w.log.Info("job start",
		"worker_num", workerNum, "job_id", job.ID, "job_name", job.Name,
		"attempt", job.Attempts+1, "max_attempts", job.MaxAttempts)

	err := w.handler(ctx, job)
	elapsed := time.Since(start)
	metrics.JobDurationSeconds.WithLabelValues(w.name).Observe(elapsed.Seconds())

	if err == nil {
		if ackErr := w.queue.ack(ctx, w.name, raw); ackErr != nil {
			w.log.Error("ack job", "job_id", job.ID, "err", ackErr)
		}
		metrics.JobsProcessedTotal.WithLabelValues(w.name, "ok").Inc()
		w.log.Info("job done",
			"worker_num", workerNum, "job_id", job.ID, "job_name", job.Name,
			"duration_ms", elapsed.Milliseconds())
		return
	}

	outcome, nackErr := w.queue.nack(ctx, w.name, raw, job, err)
	if nackErr != nil {
		w.log.Error("nack job", "job_id", job.ID, "err", nackErr)
		return
	}
	metrics.JobsProcessedTotal.WithLabelValues(w.name, outcome).Inc()
	if outcome == "dead" {
		w.log.Error("job dead-lettered",
			"worker_num", workerNum, "job_id", job.ID, "job_name", job.Name,
			"attempts", job.Attempts, "err", err)
		return
	}
	w.log.Warn("job retry scheduled",
		"worker_num", workerNum, "job_id", job.ID, "job_name", job.Name,
		"attempt", job.Attempts, "max_attempts", job.MaxAttempts, "err", err)
}
