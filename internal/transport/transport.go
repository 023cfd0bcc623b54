// ============================================================================
// Change-Message Transport - At-Least-Once Delivery
// ============================================================================
//
// Package: internal/transport
// File: transport.go
// Function: Accepts raw change messages and delivers them to a handler
//           through the worker pool until acknowledged or dead-lettered
//
// Architecture:
//   - Store: pending / in_flight / completed / dead bookkeeping
//   - journal: optional write-ahead log used to recover after a crash
//   - dead-letter log: messages dropped after the final attempt
//   - worker.Pool: runs the handler
//
// Core loops (3 goroutines):
//   1. Dispatch Loop - lease pending messages and submit them to the pool
//   2. Result Loop - acknowledge, requeue or dead-letter on each result
//   3. Timeout Loop - treat deliveries past their visibility deadline as
//      failed attempts
//
// Delivery contract:
//   - The handler sees dequeueCount = 1, 2, ... for successive attempts
//   - A failed attempt below MaxAttempts is requeued at the back
//   - A failed attempt at MaxAttempts is acknowledged and appended to the
//     dead-letter log
//
// Recovery:
//   With a journal configured, New reloads every message that was not
//   acknowledged. Messages in flight at the time of a crash are delivered
//   again with their next dequeue count.
//
// ============================================================================

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tevoinea/onefuzz/internal/metrics"
	"github.com/tevoinea/onefuzz/internal/queue"
	"github.com/tevoinea/onefuzz/internal/worker"
)

var log = slog.Default()

const deadLetterQueue = "dead-letter"

var (
	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("transport stopped")
	// ErrEmptyMessage is returned for a zero-length body.
	ErrEmptyMessage = errors.New("empty message")
)

// Config controls delivery.
type Config struct {
	Workers           int           // handler goroutines
	BufferSize        int           // pool channel capacity
	MaxAttempts       int           // deliveries before dead-lettering
	VisibilityTimeout time.Duration // per-delivery deadline
	DispatchInterval  time.Duration // dispatch poll when idle
	JournalPath       string        // empty disables crash recovery
	DeadLetterPath    string        // empty logs dead messages only
	SyncOnAppend      bool          // fsync every journal/dead-letter append
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		BufferSize:        64,
		MaxAttempts:       5,
		VisibilityTimeout: 30 * time.Second,
		DispatchInterval:  100 * time.Millisecond,
	}
}

// DeadLetter is the record appended for a message dropped after its final
// attempt.
type DeadLetter struct {
	ID           string          `json:"id"`
	Body         json.RawMessage `json:"body"`
	DequeueCount int             `json:"dequeue_count"`
	Error        string          `json:"error"`
	DeadAt       int64           `json:"dead_at"`
}

// Transport delivers messages to a handler at least once.
type Transport struct {
	mu         sync.Mutex
	config     Config
	store      *Store
	pool       *worker.Pool
	journal    *journal
	deadLetter *queue.Log
	metrics    *metrics.Collector
	wakeCh     chan struct{}
	stopCh     chan struct{}
	started    bool
	stopped    bool
	startTime  time.Time
	loopWg     sync.WaitGroup
}

// New opens the journal and dead-letter log and recovers unacknowledged
// messages. Nothing is delivered until Start.
func New(config Config, handler worker.Handler, collector *metrics.Collector) (*Transport, error) {
	config = withDefaults(config)

	t := &Transport{
		config:  config,
		store:   NewStore(),
		pool:    worker.NewPool(config.BufferSize, handler),
		metrics: collector,
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}

	for _, path := range []string{config.JournalPath, config.DeadLetterPath} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}

	if config.JournalPath != "" {
		j, live, err := openJournal(config.JournalPath, config.SyncOnAppend)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		t.journal = j
		for _, msg := range live {
			if err := t.store.Enqueue(msg); err != nil {
				j.close()
				return nil, fmt.Errorf("failed to recover message %s: %w", msg.ID, err)
			}
		}
		if len(live) > 0 {
			log.Info("Recovered unacknowledged messages", "count", len(live))
		}
	}

	if config.DeadLetterPath != "" {
		dl, err := queue.OpenLog(config.DeadLetterPath, deadLetterQueue, config.SyncOnAppend)
		if err != nil {
			t.journal.close()
			return nil, fmt.Errorf("failed to open dead-letter log: %w", err)
		}
		t.deadLetter = dl
	}

	return t, nil
}

func withDefaults(config Config) Config {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if config.DispatchInterval <= 0 {
		config.DispatchInterval = defaults.DispatchInterval
	}
	return config
}

// Start launches the worker pool and the delivery loops.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return ErrStopped
	}
	if t.started {
		return nil
	}

	if err := t.pool.Start(t.config.Workers); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	t.startTime = time.Now()
	t.started = true

	t.loopWg.Add(3)
	go t.dispatchLoop()
	go t.resultLoop()
	go t.timeoutLoop()

	log.Info("Transport started",
		"workers", t.config.Workers,
		"max_attempts", t.config.MaxAttempts,
		"visibility_timeout", t.config.VisibilityTimeout)
	return nil
}

// Enqueue accepts body for delivery and returns its message id.
func (t *Transport) Enqueue(_ context.Context, body []byte) (string, error) {
	if len(body) == 0 {
		return "", ErrEmptyMessage
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return "", ErrStopped
	}
	t.mu.Unlock()

	msg := Message{
		ID:         uuid.NewString(),
		Body:       append([]byte(nil), body...),
		EnqueuedAt: time.Now(),
	}

	// write-ahead: a message is only accepted once journaled
	if err := t.journal.enqueue(msg); err != nil {
		return "", fmt.Errorf("failed to journal message: %w", err)
	}
	if err := t.store.Enqueue(msg); err != nil {
		return "", err
	}

	t.wake()
	return msg.ID, nil
}

func (t *Transport) wake() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

// ============================================================================
// Core loops
// ============================================================================

func (t *Transport) dispatchLoop() {
	defer t.loopWg.Done()
	ticker := time.NewTicker(t.config.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			log.Debug("Dispatch loop stopped")
			return
		case <-t.wakeCh:
		case <-ticker.C:
		}

		if !t.dispatchPending() {
			return
		}
	}
}

// dispatchPending submits every pending message. It returns false once the
// pool is closed.
func (t *Transport) dispatchPending() bool {
	for {
		select {
		case <-t.stopCh:
			return false
		default:
		}

		msg, ok := t.store.Lease(time.Now().Add(t.config.VisibilityTimeout))
		if !ok {
			return true
		}

		if err := t.journal.dispatch(msg.ID, msg.DequeueCount); err != nil {
			log.Error("Failed to journal dispatch", "message_id", msg.ID, "error", err)
		}

		err := t.pool.Submit(worker.Delivery{
			ID:           msg.ID,
			Body:         msg.Body,
			DequeueCount: msg.DequeueCount,
			Timeout:      t.config.VisibilityTimeout,
		})
		if err != nil {
			if !errors.Is(err, worker.ErrPoolClosed) {
				log.Error("Failed to submit delivery", "message_id", msg.ID, "error", err)
			}
			// the lease stays in flight; the journal redelivers it on restart
			return false
		}
	}
}

func (t *Transport) resultLoop() {
	defer t.loopWg.Done()
	for {
		select {
		case <-t.pool.Done():
			log.Debug("Result loop stopped")
			return
		case result := <-t.pool.Results():
			t.handleResult(result)
		}
	}
}

func (t *Transport) handleResult(result worker.Result) {
	if result.Success {
		if err := t.store.Complete(result.ID, result.DequeueCount); err != nil {
			t.logStale(result.ID, result.DequeueCount, err)
			return
		}
		if err := t.journal.done(result.ID); err != nil {
			log.Error("Failed to journal ack", "message_id", result.ID, "error", err)
		}
		log.Debug("Message acknowledged",
			"message_id", result.ID,
			"dequeue_count", result.DequeueCount,
			"duration", result.Duration)
		return
	}

	t.fail(result.ID, result.DequeueCount, result.Error)
}

func (t *Transport) timeoutLoop() {
	defer t.loopWg.Done()
	interval := t.config.VisibilityTimeout / 2
	if interval > time.Second {
		interval = time.Second
	}
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			log.Debug("Timeout loop stopped")
			return
		case now := <-ticker.C:
			for _, msg := range t.store.Expired(now) {
				t.fail(msg.ID, msg.DequeueCount, fmt.Errorf("visibility timeout after %s", t.config.VisibilityTimeout))
			}
		}
	}
}

// fail applies the retry policy to the dequeueCount-th delivery of id.
func (t *Transport) fail(id string, dequeueCount int, cause error) {
	if dequeueCount < t.config.MaxAttempts {
		if err := t.store.Requeue(id, dequeueCount); err != nil {
			t.logStale(id, dequeueCount, err)
			return
		}
		t.metrics.RecordRetried()
		log.Warn("Message delivery failed, requeued",
			"message_id", id,
			"dequeue_count", dequeueCount,
			"error", cause)
		t.wake()
		return
	}

	msg, found := t.store.Get(id)
	if err := t.store.MarkDead(id, dequeueCount); err != nil {
		t.logStale(id, dequeueCount, err)
		return
	}
	t.metrics.RecordDead()
	if err := t.journal.done(id); err != nil {
		log.Error("Failed to journal dead message", "message_id", id, "error", err)
	}
	if found {
		t.appendDeadLetter(msg, dequeueCount, cause)
	}
	log.Error("Message dead-lettered",
		"message_id", id,
		"dequeue_count", dequeueCount,
		"error", cause)
}

func (t *Transport) appendDeadLetter(msg Message, dequeueCount int, cause error) {
	if t.deadLetter == nil {
		return
	}

	body := json.RawMessage(msg.Body)
	if !json.Valid(msg.Body) {
		quoted, _ := json.Marshal(string(msg.Body))
		body = quoted
	}
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	record, err := json.Marshal(DeadLetter{
		ID:           msg.ID,
		Body:         body,
		DequeueCount: dequeueCount,
		Error:        errText,
		DeadAt:       time.Now().UnixMilli(),
	})
	if err != nil {
		log.Error("Failed to encode dead letter", "message_id", msg.ID, "error", err)
		return
	}
	if _, err := t.deadLetter.Append(record); err != nil {
		log.Error("Failed to append dead letter", "message_id", msg.ID, "error", err)
	}
}

func (t *Transport) logStale(id string, dequeueCount int, err error) {
	log.Debug("Ignoring outdated delivery outcome",
		"message_id", id,
		"dequeue_count", dequeueCount,
		"reason", err)
}

// ============================================================================
// Public queries
// ============================================================================

// Stats returns current per-state counts.
func (t *Transport) Stats() Stats {
	return t.store.Stats()
}

// Status summarizes the transport for the status command.
func (t *Transport) Status() map[string]interface{} {
	t.mu.Lock()
	uptime := time.Duration(0)
	if t.started {
		uptime = time.Since(t.startTime)
	}
	t.mu.Unlock()

	stats := t.store.Stats()
	return map[string]interface{}{
		"uptime":    uptime.String(),
		"workers":   t.config.Workers,
		"pending":   stats.Pending,
		"in_flight": stats.InFlight,
		"completed": stats.Completed,
		"dead":      stats.Dead,
	}
}

// WaitIdle blocks until nothing is pending or in flight.
func (t *Transport) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		stats := t.store.Stats()
		if stats.Pending == 0 && stats.InFlight == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop halts delivery and closes the logs. Unacknowledged messages stay in
// the journal.
//
// Order:
//  1. close(stopCh) - dispatch and timeout loops exit
//  2. pool.Stop()   - workers exit; result loop exits on pool.Done()
//  3. loopWg.Wait()
//  4. close journal and dead-letter log
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	started := t.started
	t.mu.Unlock()

	log.Info("Stopping transport...")

	close(t.stopCh)
	if started {
		t.pool.Stop()
		t.loopWg.Wait()
	}

	if err := t.journal.close(); err != nil {
		log.Error("Failed to close journal", "error", err)
	}
	if t.deadLetter != nil {
		if err := t.deadLetter.Close(); err != nil {
			log.Error("Failed to close dead-letter log", "error", err)
		}
	}

	log.Info("Transport stopped", "stats", t.store.Stats())
}
