package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/conveyr/conveyr/internal/store"
)

const (
	// DefaultConcurrency is the number of jobs processed simultaneously.
	DefaultConcurrency = 5
	// DefaultRateLimit is the sustained claim rate in jobs per second.
	DefaultRateLimit = rate.Limit(10)
	// DefaultPollInterval is how long the claim loop sleeps when the
	// queue is empty.
	DefaultPollInterval = time.Second
	// DefaultMaxAttempts is the per-job attempt budget when the enqueuer
	// does not set one.
	DefaultMaxAttempts = 3

	defaultRetryBase = 2 * time.Second
	defaultRetryCap  = 5 * time.Minute
)

// Runner executes the payload of a claimed job. The worker does not care
// what running means; the engine adapter maps payloads onto executions.
type Runner interface {
	RunJob(ctx context.Context, payload store.JobPayload) error
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, payload store.JobPayload) error

func (f RunnerFunc) RunJob(ctx context.Context, payload store.JobPayload) error {
	return f(ctx, payload)
}

// Worker drains the durable job queue: it claims due jobs under a rate
// limit, dispatches them to a bounded pool, and requeues or dead-letters
// failures. Jobs survive process restarts because claiming and completion
// are store writes, not in-memory state.
type Worker struct {
	store        store.Store
	runner       Runner
	pool         *WorkerPool
	limiter      *rate.Limiter
	logger       *slog.Logger
	pollInterval time.Duration
	retryBase    time.Duration
	retryCap     time.Duration
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithConcurrency sets the max number of simultaneously running jobs.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) { w.pool = NewWorkerPool(n) }
}

// WithRateLimit sets the sustained job claim rate.
func WithRateLimit(limit rate.Limit, burst int) WorkerOption {
	return func(w *Worker) { w.limiter = rate.NewLimiter(limit, burst) }
}

// WithPollInterval sets the idle sleep between empty claim attempts.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollInterval = d }
}

// WithRetryDelays sets the base delay and cap for job requeue backoff.
func WithRetryDelays(base, cap time.Duration) WorkerOption {
	return func(w *Worker) {
		w.retryBase = base
		w.retryCap = cap
	}
}

// NewWorker creates a queue worker with default concurrency and rate limit.
func NewWorker(st store.Store, runner Runner, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		store:        st,
		runner:       runner,
		pool:         NewWorkerPool(DefaultConcurrency),
		limiter:      rate.NewLimiter(DefaultRateLimit, DefaultConcurrency),
		logger:       logger.With(slog.String("component", "queue")),
		pollInterval: DefaultPollInterval,
		retryBase:    defaultRetryBase,
		retryCap:     defaultRetryCap,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enqueue creates a durable job for the payload. A zero runAt means run
// immediately; maxAttempts <= 0 falls back to DefaultMaxAttempts.
func Enqueue(ctx context.Context, st store.Store, payload store.JobPayload, runAt time.Time, maxAttempts int) (*store.Job, error) {
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	job := &store.Job{
		ID:          uuid.NewString(),
		Payload:     payload,
		MaxAttempts: maxAttempts,
		RunAt:       runAt,
	}
	if err := st.EnqueueJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Run claims and processes jobs until the context is cancelled, then waits
// for in-flight jobs to finish before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("queue worker started",
		slog.Int("concurrency", cap(w.pool.sem)),
		slog.Float64("rate_limit", float64(w.limiter.Limit())))

	defer func() {
		if inflight := w.pool.InFlight(); len(inflight) > 0 {
			ids := make([]string, 0, len(inflight))
			for id := range inflight {
				ids = append(ids, id)
			}
			w.logger.Info("draining in-flight jobs",
				slog.Int("count", len(ids)),
				slog.Any("job_ids", ids))
		}
		w.pool.Shutdown()
	}()

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		job, err := w.store.ClaimJob(ctx, time.Now().UTC())
		if err != nil {
			w.logger.Error("claim failed", slog.String("error", err.Error()))
			if !w.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			if !w.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		j := job
		if err := w.pool.Submit(ctx, j.ID, func(ctx context.Context) error {
			return w.process(ctx, j)
		}); err != nil {
			// Could not dispatch; make the claim visible again so another
			// worker (or the next loop) picks it up.
			_ = w.store.RequeueJob(context.WithoutCancel(ctx), j.ID, time.Now().UTC(), "worker shutting down")
			return ctx.Err()
		}
	}
}

// Metrics returns the dispatch pool counters.
func (w *Worker) Metrics() PoolMetrics {
	return w.pool.Metrics()
}

// InFlight returns the currently running job IDs with their run durations.
func (w *Worker) InFlight() map[string]time.Duration {
	return w.pool.InFlight()
}

// process runs one claimed job to completion, requeue, or the dead-letter
// state. The job row already carries the bumped attempt counter.
func (w *Worker) process(ctx context.Context, job *store.Job) error {
	log := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.Payload.WorkflowID),
		slog.Int("attempt", job.Attempts))

	w.setProgress(ctx, job.ID, 10)

	err := w.runner.RunJob(ctx, job.Payload)
	if err == nil {
		completed := store.JobStatusCompleted
		progress := 100
		if uerr := w.store.UpdateJob(context.WithoutCancel(ctx), job.ID, store.JobUpdate{
			Status:   &completed,
			Progress: &progress,
		}); uerr != nil {
			log.Error("job completion write failed", slog.String("error", uerr.Error()))
			return uerr
		}
		log.Info("job completed")
		return nil
	}

	// Writes after a failed run must land even when the run failed due to
	// cancellation.
	bg := context.WithoutCancel(ctx)

	if job.Attempts >= job.MaxAttempts {
		if derr := w.store.DeadLetterJob(bg, job.ID, err.Error()); derr != nil {
			log.Error("dead-letter write failed", slog.String("error", derr.Error()))
		}
		log.Error("job dead-lettered",
			slog.Int("max_attempts", job.MaxAttempts),
			slog.String("error", err.Error()))
		return err
	}

	delay := w.retryDelay(job.Attempts)
	if rerr := w.store.RequeueJob(bg, job.ID, time.Now().UTC().Add(delay), err.Error()); rerr != nil {
		log.Error("requeue write failed", slog.String("error", rerr.Error()))
	}
	log.Warn("job requeued",
		slog.Duration("retry_in", delay),
		slog.String("error", err.Error()))
	return err
}

// retryDelay doubles per attempt starting from the base, capped.
func (w *Worker) retryDelay(attempts int) time.Duration {
	delay := w.retryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= w.retryCap {
			return w.retryCap
		}
	}
	if delay > w.retryCap {
		return w.retryCap
	}
	return delay
}

func (w *Worker) setProgress(ctx context.Context, jobID string, progress int) {
	if err := w.store.UpdateJob(ctx, jobID, store.JobUpdate{Progress: &progress}); err != nil {
		w.logger.Warn("progress write failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
	}
}

func (w *Worker) sleep(ctx context.Context) bool {
	t := time.NewTimer(w.pollInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
