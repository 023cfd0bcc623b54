// ============================================================================
// File-Change Ingestion Filter
// ============================================================================
//
// Package: internal/ingest
// File: filter.go
// Purpose: Validate and unwrap raw storage-change messages before routing
//
// Processing order:
//   1. Decode the message as a string-to-string JSON object
//   2. Drop anything that is not a blob-created event
//   3. Drop events from storage accounts that do not hold corpora
//   4. Decode the nested "data" object and extract "url"
//   5. Split the url into container and path
//   6. Route (container, path, dequeueCount == MaxAttempts)
//
// Dropped messages (steps 2 and 3) are reported as success so the
// transport acknowledges them. Malformed messages return an error and
// follow the transport's retry and dead-letter policy.
//
// ============================================================================

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/tevoinea/onefuzz/internal/metrics"
	"github.com/tevoinea/onefuzz/pkg/types"
)

var log = slog.Default()

const (
	// MaxAttempts is the number of deliveries after which a message is
	// considered poison.
	MaxAttempts = 5

	// BlobCreatedEventType is the only event type that is routed.
	BlobCreatedEventType = "Microsoft.Storage.BlobCreated"
)

// Router receives validated file-change events.
type Router interface {
	NewFiles(ctx context.Context, container types.Container, filename string, failTaskOnTransientError bool) error
}

// FileChange is a validated blob-created event.
type FileChange struct {
	Container types.Container
	Path      string
}

// Filter turns raw change messages into routed file-change events.
type Filter struct {
	router   Router
	accounts map[string]struct{}
	metrics  *metrics.Collector
}

// NewFilter creates a Filter that routes events from the given corpus
// storage accounts to router.
func NewFilter(router Router, corpusAccounts []string, collector *metrics.Collector) *Filter {
	accounts := make(map[string]struct{}, len(corpusAccounts))
	for _, a := range corpusAccounts {
		accounts[a] = struct{}{}
	}
	return &Filter{
		router:   router,
		accounts: accounts,
		metrics:  collector,
	}
}

// Handle processes one message delivered for the dequeueCount-th time.
func (f *Filter) Handle(ctx context.Context, msg []byte, dequeueCount int) error {
	f.metrics.RecordReceived()

	change, err := f.Parse(msg)
	if err != nil {
		if errors.Is(err, ErrIgnoredEvent) {
			f.metrics.RecordIgnored()
			log.Debug("Ignoring file-change message", "reason", err)
			return nil
		}
		f.metrics.RecordMalformed()
		return err
	}

	lastTry := dequeueCount == MaxAttempts
	log.Info("File added",
		"container", change.Container,
		"path", change.Path,
		"dequeue_count", dequeueCount)

	return f.router.NewFiles(ctx, change.Container, change.Path, lastTry)
}

// Parse validates msg. It returns ErrIgnoredEvent for messages that should
// be acknowledged without routing and a *MalformedEventError for messages
// that cannot be processed.
func (f *Filter) Parse(msg []byte) (FileChange, error) {
	var event map[string]string
	if err := json.Unmarshal(msg, &event); err != nil {
		return FileChange{}, &MalformedEventError{Cause: err}
	}

	// check type first before touching anything else
	if event["eventType"] != BlobCreatedEventType {
		return FileChange{}, ErrIgnoredEvent
	}

	topic, ok := event["topic"]
	if !ok {
		return FileChange{}, ErrIgnoredEvent
	}
	if _, ok := f.accounts[topic]; !ok {
		return FileChange{}, ErrIgnoredEvent
	}

	rawData, ok := event["data"]
	if !ok {
		return FileChange{}, &MalformedEventError{Field: "data"}
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(rawData), &data); err != nil {
		return FileChange{}, &MalformedEventError{Field: "data", Cause: err}
	}
	url, ok := data["url"]
	if !ok || url == "" {
		return FileChange{}, &MalformedEventError{Field: "url"}
	}

	return splitBlobURL(url)
}

// splitBlobURL splits scheme://host/container/path into its container and
// path. The first three "/"-separated segments are the host prefix.
func splitBlobURL(url string) (FileChange, error) {
	parts := strings.Split(url, "/")
	if len(parts) < 4 {
		return FileChange{}, &MalformedEventError{Field: "url", Cause: errors.New("no container in url")}
	}
	parts = parts[3:]

	container, err := types.NewContainer(parts[0])
	if err != nil {
		return FileChange{}, &MalformedEventError{Field: "url", Cause: err}
	}

	return FileChange{
		Container: container,
		Path:      strings.Join(parts[1:], "/"),
	}, nil
}
