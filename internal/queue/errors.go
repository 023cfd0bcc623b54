package queue

// ============================================================================
// Queue error definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrLogClosed is returned when appending to a closed log.
	ErrLogClosed = errors.New("queue: log already closed")

	// ErrSyncFailed indicates fsync failed.
	ErrSyncFailed = errors.New("queue: sync to disk failed")

	// ErrInvalidQueueName is returned for names that are not safe file names.
	ErrInvalidQueueName = errors.New("queue: invalid queue name")

	// ErrPublisherClosed is returned after Close.
	ErrPublisherClosed = errors.New("queue: publisher closed")
)

// ChecksumError reports a record whose checksum does not match its content.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("queue: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

// CorruptionError reports a line that could not be decoded.
type CorruptionError struct {
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("queue: corrupted record at offset %d: %v", e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
