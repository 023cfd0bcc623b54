// ============================================================================
// Delivery Worker Pool
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Manages the lifecycle of Worker goroutines and delivery fan-out
//
// Design:
//   Fixed number of Worker goroutines share one delivery channel and one
//   result channel:
//
//   ┌─────────────┐
//   │  Transport  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool() - create channels
//   2. Start(n) - launch n Workers
//   3. Submit(d) - hand a delivery to the next free Worker
//   4. ReceiveResult() - read outcomes
//   5. Stop() - close stopCh and wait for Workers
//
// Shutdown:
//   taskCh and resultCh are never closed. Workers and callers select on
//   stopCh instead, so Submit racing Stop returns ErrPoolClosed rather than
//   sending on a closed channel.
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
)

var (
	// ErrPoolClosed means the pool has been stopped.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Start has not been called.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted means Start was called twice.
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool is a fixed set of Workers running one Handler.
type Pool struct {
	handler  Handler
	workers  []*Worker
	taskCh   chan Delivery
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool creates a pool whose channels buffer bufferSize items.
func NewPool(bufferSize int, handler Handler) *Pool {
	return &Pool{
		handler:  handler,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Delivery, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount Workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.handler, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	log.Debug("Worker pool started", "workers", workerCount)
	return nil
}

// Submit queues a delivery. It blocks while the buffer is full.
func (p *Pool) Submit(d Delivery) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- d:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult blocks for the next result.
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result := <-p.resultCh:
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Results exposes the result channel for select loops.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Done is closed when the pool stops.
func (p *Pool) Done() <-chan struct{} {
	return p.stopCh
}

// Stop signals every Worker and waits for them. A delivery that is being
// handled finishes first; its result may be dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

// GetWorkerCount returns the number of Workers started.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
