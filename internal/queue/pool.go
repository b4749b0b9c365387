package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// PoolMetrics tracks execution slot counters for one worker process.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when a job is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds how many claimed jobs execute at once. The semaphore is
// the concurrency limit; Submit blocks when full so the claim loop stops
// pulling jobs it has no capacity for. Running jobs are tracked by ID so a
// draining worker can report what it is still waiting on.
type WorkerPool struct {
	sem chan struct{}
	wg  sync.WaitGroup

	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64

	mu       sync.Mutex
	inflight map[string]time.Time
	done     chan struct{}
	closed   bool
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:      make(chan struct{}, size),
		inflight: make(map[string]time.Time),
		done:     make(chan struct{}),
	}
}

// Submit hands a claimed job to the pool. Blocks while the pool is at
// capacity, respecting context cancellation. Returns ErrPoolShutdown after
// Shutdown; the caller still owns the job then and must requeue it.
func (p *WorkerPool) Submit(ctx context.Context, jobID string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Re-check closed after acquiring the slot, in case Shutdown raced.
	// wg.Add must happen inside the lock to not race Shutdown's wg.Wait.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.inflight[jobID] = time.Now().UTC()
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
			}
			p.mu.Lock()
			delete(p.inflight, jobID)
			p.mu.Unlock()
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}()

	return nil
}

// InFlight returns the running job IDs with how long each has been running.
func (p *WorkerPool) InFlight() map[string]time.Duration {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]time.Duration, len(p.inflight))
	for id, started := range p.inflight {
		out[id] = now.Sub(started)
	}
	return out
}

// Wait blocks until all submitted jobs complete.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown prevents new submissions and waits for running jobs to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	p.mu.Lock()
	active := int64(len(p.inflight))
	p.mu.Unlock()
	return PoolMetrics{
		Active:    active,
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
