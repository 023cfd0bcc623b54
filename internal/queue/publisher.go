// ============================================================================
// Durable Input Queue Publisher
// ============================================================================
//
// Package: internal/queue
// File: publisher.go
// Purpose: One append-only log per queue (task id) under a directory
//
// Layout:
//
//   <dir>/<queue>.log   JSON lines, one Record per publish
//
// Logs are opened lazily on first publish or read and kept open until
// Close.
//
// ============================================================================

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var log = slog.Default()

const logSuffix = ".log"

var queueNamePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Publisher writes payloads to per-queue logs.
type Publisher struct {
	dir          string
	syncOnAppend bool

	mu     sync.Mutex
	logs   map[string]*Log
	closed bool
}

// NewPublisher creates the directory if needed.
func NewPublisher(dir string, syncOnAppend bool) (*Publisher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	return &Publisher{
		dir:          dir,
		syncOnAppend: syncOnAppend,
		logs:         make(map[string]*Log),
	}, nil
}

// Publish appends payload to queue.
func (p *Publisher) Publish(ctx context.Context, queue string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l, err := p.open(queue)
	if err != nil {
		return err
	}

	seq, err := l.Append(payload)
	if err != nil {
		return err
	}

	log.Debug("Published to queue", "queue", queue, "seq", seq, "bytes", len(payload))
	return nil
}

// Read returns every payload published to queue, oldest first.
func (p *Publisher) Read(queue string) ([][]byte, error) {
	l, err := p.open(queue)
	if err != nil {
		return nil, err
	}

	var payloads [][]byte
	err = l.Replay(func(r Record) error {
		payloads = append(payloads, r.Payload)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read queue %s: %w", queue, err)
	}
	return payloads, nil
}

// Len returns the number of payloads in queue.
func (p *Publisher) Len(queue string) (int, error) {
	l, err := p.open(queue)
	if err != nil {
		return 0, err
	}
	return l.Len(), nil
}

// Queues lists the queues that have a log on disk.
func (p *Publisher) Queues() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), logSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), logSuffix))
	}
	sort.Strings(names)
	return names, nil
}

// Close closes every open log.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var firstErr error
	for name, l := range p.logs {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close queue %s: %w", name, err)
		}
	}
	p.logs = make(map[string]*Log)
	return firstErr
}

func (p *Publisher) open(queue string) (*Log, error) {
	if !queueNamePattern.MatchString(queue) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQueueName, queue)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPublisherClosed
	}
	if l, ok := p.logs[queue]; ok {
		return l, nil
	}

	l, err := OpenLog(filepath.Join(p.dir, queue+logSuffix), queue, p.syncOnAppend)
	if err != nil {
		return nil, err
	}
	p.logs[queue] = l
	return l, nil
}
