// Package events holds the telemetry sinks that receive file-change events.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tevoinea/onefuzz/pkg/types"
)

// Sink accepts telemetry events.
type Sink interface {
	Emit(ctx context.Context, event types.Event) error
}

// LogSink writes each event as one structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink logs through logger, or slog.Default() when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Emit logs the event with its JSON body attached.
func (s *LogSink) Emit(ctx context.Context, event types.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.EventType(), err)
	}
	s.logger.InfoContext(ctx, "Event",
		"event_type", string(event.EventType()),
		"event", json.RawMessage(body))
	return nil
}

// MultiSink forwards every event to all sinks. Every sink is tried; the
// errors are joined.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event types.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
