package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tevoinea/onefuzz/internal/queue"
	"github.com/tevoinea/onefuzz/pkg/types"
)

const eventsQueue = "events"

// Envelope is one record of a FileSink log.
type Envelope struct {
	EventType types.EventType `json:"event_type"`
	Event     json.RawMessage `json:"event"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// FileSink appends events to a checksummed log for downstream consumers.
type FileSink struct {
	log *queue.Log
}

// NewFileSink opens, or creates, the log at path.
func NewFileSink(path string, syncOnAppend bool) (*FileSink, error) {
	l, err := queue.OpenLog(path, eventsQueue, syncOnAppend)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return &FileSink{log: l}, nil
}

func (s *FileSink) Emit(ctx context.Context, event types.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.EventType(), err)
	}
	record, err := json.Marshal(Envelope{
		EventType: event.EventType(),
		Event:     body,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if _, err := s.log.Append(record); err != nil {
		return fmt.Errorf("failed to append %s event: %w", event.EventType(), err)
	}
	return nil
}

func (s *FileSink) Close() error {
	return s.log.Close()
}
