package queue

// ============================================================================
// Append-only record log
// Responsibilities:
// 1. Append opaque payloads as JSON lines, each with a CRC32 checksum
// 2. Replay records in order, verifying checksums
// 3. Resume the sequence number after a restart
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// File is the subset of *os.File the log writes to.
type File interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Record is one line of a log.
type Record struct {
	Seq       uint64 `json:"seq"`
	Queue     string `json:"queue"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"`
	Checksum  uint32 `json:"checksum"`
}

// RecordHandler is called for each record during Replay.
type RecordHandler func(record Record) error

// Log is an append-only file of records for one queue.
type Log struct {
	mu           sync.Mutex
	file         File
	encoder      *json.Encoder
	path         string
	queue        string
	seq          uint64
	count        int
	syncOnAppend bool
	closed       bool
}

// OpenLog creates or reopens the log at path.
func OpenLog(path, queue string, syncOnAppend bool) (*Log, error) {
	var (
		seq   uint64
		count int
	)
	err := replayFile(path, func(r Record) error {
		seq = r.Seq
		count++
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue log: %w", err)
	}

	return &Log{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		queue:        queue,
		seq:          seq,
		count:        count,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append writes payload as the next record and returns its sequence number.
func (l *Log) Append(payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}

	record := Record{
		Seq:       l.seq + 1,
		Queue:     l.queue,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	record.Checksum = CalculateChecksum(record)

	if err := l.encoder.Encode(record); err != nil {
		return 0, fmt.Errorf("failed to append to %s: %w", l.queue, err)
	}
	if l.syncOnAppend {
		if err := l.file.Sync(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}

	l.seq = record.Seq
	l.count++
	return record.Seq, nil
}

// Replay calls handler for every record in order.
func (l *Log) Replay(handler RecordHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return replayFile(l.path, handler)
}

// Len returns the number of records in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// LastSeq returns the sequence number of the newest record.
func (l *Log) LastSeq() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close syncs and closes the file. A closed log rejects appends.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return l.file.Close()
}

func replayFile(path string, handler RecordHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var record Record
		offset := decoder.InputOffset()
		if err := decoder.Decode(&record); err != nil {
			if err == io.EOF {
				return nil
			}
			return &CorruptionError{Offset: offset, Cause: err}
		}

		if expected := CalculateChecksum(record); expected != record.Checksum {
			return &ChecksumError{Seq: record.Seq, Expected: expected, Actual: record.Checksum}
		}

		if err := handler(record); err != nil {
			return err
		}
	}
}
