package crawler

import (
	"context"
	"errors"
	"sync"
)

// Job is one unit of work run by the pool.
type Job func(ctx context.Context)

// WorkerPool runs jobs on a fixed number of goroutines fed by a bounded queue.
type WorkerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan Job
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewWorkerPool creates a pool with the given concurrency and queue size.
// Jobs receive a context derived from parent.
func NewWorkerPool(parent context.Context, concurrency, queueSize int) (*WorkerPool, error) {
	if concurrency <= 0 || queueSize <= 0 {
		return nil, errors.New("worker pool requires positive concurrency and queue size")
	}
	ctx, cancel := context.WithCancel(parent)
	pool := &WorkerPool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan Job, queueSize),
	}
	pool.start(concurrency)
	return pool, nil
}

func (p *WorkerPool) start(concurrency int) {
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			// Queued jobs still run after cancellation so their callers are
			// released; they see a done context and return quickly.
			for job := range p.jobs {
				job(p.ctx)
			}
		}()
	}
}

// Submit schedules a job, blocking while the queue is full.
func (p *WorkerPool) Submit(ctx context.Context, fn Job) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- fn:
		return nil
	}
}

// RunBatch submits jobs and waits for every submitted job to finish. It
// returns the submit error that stopped the batch early, if any.
func (p *WorkerPool) RunBatch(ctx context.Context, jobs []Job) error {
	var wg sync.WaitGroup
	var err error
	for _, job := range jobs {
		wg.Add(1)
		if err = p.Submit(ctx, func(c context.Context) {
			defer wg.Done()
			job(c)
		}); err != nil {
			wg.Done()
			break
		}
	}
	wg.Wait()
	return err
}

// Close lets queued jobs drain, stops the workers, and cancels the pool context.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
		p.cancel()
	})
}
