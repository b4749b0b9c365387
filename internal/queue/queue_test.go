package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/conveyr/conveyr/internal/store"
	"github.com/conveyr/conveyr/pkg/schema"
)

func newWorkerForTest(t *testing.T, runner Runner, opts ...WorkerOption) (*Worker, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	base := []WorkerOption{
		WithPollInterval(5 * time.Millisecond),
		WithRetryDelays(time.Millisecond, 10*time.Millisecond),
		WithRateLimit(rate.Inf, 1),
	}
	return NewWorker(st, runner, nil, append(base, opts...)...), st
}

func enqueueTestJob(t *testing.T, st store.Store, maxAttempts int) *store.Job {
	t.Helper()
	job, err := Enqueue(context.Background(), st, store.JobPayload{
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		Source:         schema.TriggerTypeWebhook,
	}, time.Time{}, maxAttempts)
	require.NoError(t, err)
	return job
}

func TestEnqueue_Defaults(t *testing.T) {
	st := store.NewMemoryStore()
	job, err := Enqueue(context.Background(), st, store.JobPayload{WorkflowID: "wf-1"}, time.Time{}, 0)
	require.NoError(t, err)

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, store.JobStatusQueued, got.Status)
	assert.Equal(t, DefaultMaxAttempts, got.MaxAttempts)
	assert.False(t, got.RunAt.After(time.Now().UTC()))
}

func TestWorker_ProcessSuccess(t *testing.T) {
	var got atomic.Value
	runner := RunnerFunc(func(ctx context.Context, payload store.JobPayload) error {
		got.Store(payload.WorkflowID)
		return nil
	})
	w, st := newWorkerForTest(t, runner)
	job := enqueueTestJob(t, st, 3)

	claimed, err := st.ClaimJob(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, w.process(context.Background(), claimed))

	final, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, 1, final.Attempts)
	assert.Equal(t, "wf-1", got.Load())
}

func TestWorker_ProcessFailureRequeues(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, payload store.JobPayload) error {
		return errors.New("provider down")
	})
	w, st := newWorkerForTest(t, runner)
	job := enqueueTestJob(t, st, 3)

	claimed, err := st.ClaimJob(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.Error(t, w.process(context.Background(), claimed))

	final, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusQueued, final.Status)
	assert.Equal(t, "provider down", final.LastError)
	assert.True(t, final.RunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestWorker_ProcessExhaustionDeadLetters(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, payload store.JobPayload) error {
		return errors.New("still down")
	})
	w, st := newWorkerForTest(t, runner)
	job := enqueueTestJob(t, st, 1)

	claimed, err := st.ClaimJob(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, claimed.Attempts)
	require.Error(t, w.process(context.Background(), claimed))

	final, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusDead, final.Status)
	assert.Equal(t, "still down", final.LastError)
}

func TestWorker_RetryDelayBackoff(t *testing.T) {
	w := NewWorker(store.NewMemoryStore(), nil, nil,
		WithRetryDelays(2*time.Second, 5*time.Minute))

	assert.Equal(t, 2*time.Second, w.retryDelay(1))
	assert.Equal(t, 4*time.Second, w.retryDelay(2))
	assert.Equal(t, 8*time.Second, w.retryDelay(3))
	assert.Equal(t, 5*time.Minute, w.retryDelay(20))
}

func TestWorker_RunDrainsQueue(t *testing.T) {
	var processed atomic.Int64
	runner := RunnerFunc(func(ctx context.Context, payload store.JobPayload) error {
		processed.Add(1)
		return nil
	})
	w, st := newWorkerForTest(t, runner)
	for i := 0; i < 5; i++ {
		enqueueTestJob(t, st, 3)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return processed.Load() == 5
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	metrics := w.Metrics()
	assert.Equal(t, int64(5), metrics.Completed)
	assert.Equal(t, int64(0), metrics.Failed)
}

func TestWorker_RunRetriesUntilDeadLetter(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, payload store.JobPayload) error {
		return errors.New("boom")
	})
	w, st := newWorkerForTest(t, runner)
	job := enqueueTestJob(t, st, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := st.GetJob(context.Background(), job.ID)
		return err == nil && got.Status == store.JobStatusDead
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	final, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, final.Attempts)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	var active, peak atomic.Int64
	release := make(chan struct{})

	var mu sync.Mutex
	bump := func() {
		cur := active.Add(1)
		mu.Lock()
		if cur > peak.Load() {
			peak.Store(cur)
		}
		mu.Unlock()
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		id := "job-" + string(rune('a'+i))
		require.NoError(t, pool.Submit(ctx, id, func(ctx context.Context) error {
			bump()
			<-release
			active.Add(-1)
			return nil
		}))
	}

	// Pool is full; a third submit must block until a slot frees.
	blocked, blockedCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer blockedCancel()
	err := pool.Submit(blocked, "job-c", func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	metrics := pool.Metrics()
	assert.Equal(t, int64(2), metrics.Completed)
	assert.Equal(t, int64(0), metrics.Active)
}

func TestWorkerPool_ShutdownRejectsSubmit(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()
	err := pool.Submit(context.Background(), "job-1", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)

	// Idempotent.
	pool.Shutdown()
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool(1)
	require.NoError(t, pool.Submit(context.Background(), "job-1", func(ctx context.Context) error {
		panic("bad action")
	}))
	pool.Wait()

	metrics := pool.Metrics()
	assert.Equal(t, int64(1), metrics.Panics)
	assert.Equal(t, int64(1), metrics.Failed)
	assert.Empty(t, pool.InFlight())
}

func TestWorkerPool_TracksInFlightJobs(t *testing.T) {
	pool := NewWorkerPool(2)
	release := make(chan struct{})

	ctx := context.Background()
	for _, id := range []string{"job-a", "job-b"} {
		require.NoError(t, pool.Submit(ctx, id, func(ctx context.Context) error {
			<-release
			return nil
		}))
	}

	inflight := pool.InFlight()
	assert.Len(t, inflight, 2)
	assert.Contains(t, inflight, "job-a")
	assert.Contains(t, inflight, "job-b")
	assert.Equal(t, int64(2), pool.Metrics().Active)

	close(release)
	pool.Wait()

	assert.Empty(t, pool.InFlight())
	assert.Equal(t, int64(0), pool.Metrics().Active)
}
