// ============================================================================
// Delivery Worker - Message Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs the handler for each delivery, one goroutine per Worker
//
// How it works:
//   Each Worker loops until the pool stops:
//   1. Receive a delivery from taskCh
//   2. Run the handler under a per-delivery timeout
//   3. Send the result to resultCh
//
// Error Handling:
//   - Timeout: ctx.Err() is DeadlineExceeded
//   - Handler panic: recovered and reported as a failed delivery
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

var log = slog.Default()

// Worker executes deliveries.
type Worker struct {
	id       int
	handler  Handler
	taskCh   <-chan Delivery
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

func newWorker(id int, handler Handler, taskCh <-chan Delivery, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		handler:  handler,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the worker's main loop.
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case d := <-w.taskCh:
			result := w.execute(d)
			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				return
			}
		}
	}
}

func (w *Worker) execute(d Delivery) Result {
	start := time.Now()

	ctx := context.Background()
	cancel := func() {}
	if d.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
	}
	err := w.call(ctx, d)
	cancel()

	if err != nil {
		log.Debug("Delivery failed",
			"worker", w.id,
			"message_id", d.ID,
			"dequeue_count", d.DequeueCount,
			"error", err)
	}

	return Result{
		ID:           d.ID,
		DequeueCount: d.DequeueCount,
		Success:      err == nil,
		Error:        err,
		Duration:     time.Since(start),
	}
}

// call runs the handler, turning a panic into an error. A handler that
// ignores ctx keeps running after the deadline; its result is discarded.
func (w *Worker) call(ctx context.Context, d Delivery) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- w.handler(ctx, d.Body, d.DequeueCount)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
