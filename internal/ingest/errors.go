package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrIgnoredEvent marks a message that is valid but not of interest
	// (wrong event type or an unmonitored storage account). Filter.Handle
	// reports it as success so the transport acknowledges the message.
	ErrIgnoredEvent = errors.New("ingest: event ignored")
)

// MalformedEventError is returned when a message cannot be parsed or is
// missing a required field. The transport retries it and dead-letters it
// after the final attempt.
type MalformedEventError struct {
	Field string // field that failed, empty when the whole message failed to parse
	Cause error
}

func (e *MalformedEventError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("ingest: malformed event: %v", e.Cause)
	}
	if e.Cause == nil {
		return fmt.Sprintf("ingest: malformed event: missing %q", e.Field)
	}
	return fmt.Sprintf("ingest: malformed event field %q: %v", e.Field, e.Cause)
}

func (e *MalformedEventError) Unwrap() error {
	return e.Cause
}
