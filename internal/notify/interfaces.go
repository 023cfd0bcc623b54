package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/tevoinea/onefuzz/pkg/types"
)

// ClassifyOptions tunes how hard the classifier looks for a report.
type ClassifyOptions struct {
	// ExpectReports is set when somebody subscribed to the container, so a
	// missing report record is worth looking for.
	ExpectReports bool
	// FailTaskOnTransientError is set on the final delivery attempt: a
	// transient failure should now be treated as fatal instead of retried.
	FailTaskOnTransientError bool
}

// ReportClassifier decides whether a new file is a plain file, a crash
// report or a regression report.
type ReportClassifier interface {
	GetReportOrRegression(ctx context.Context, container types.Container, filename string, opts ClassifyOptions) (types.FileClassification, error)
}

// SubscriptionStore lists the notifications registered for a container.
type SubscriptionStore interface {
	ListByContainer(ctx context.Context, container types.Container) ([]types.Notification, error)
}

// TaskDirectory is a read-only view of the task table.
type TaskDirectory interface {
	// ListAvailable returns the tasks in one of types.AvailableTaskStates.
	ListAvailable(ctx context.Context) ([]types.Task, error)
	// GetByTaskID returns nil, nil when the task does not exist.
	GetByTaskID(ctx context.Context, taskID uuid.UUID) (*types.Task, error)
	// InputContainers returns the containers whose new files feed the task's
	// input queue, or false when the task does not consume a queue.
	InputContainers(config types.TaskConfig) ([]string, bool)
}

// FileURLSigner issues a time-boxed URL granting read and delete access
// to one file.
type FileURLSigner interface {
	FileURL(ctx context.Context, container types.Container, filename string) (string, error)
}

// QueuePublisher pushes opaque payloads onto the queue named queue.
type QueuePublisher interface {
	Publish(ctx context.Context, queue string, payload []byte) error
}

// EventSink accepts telemetry events.
type EventSink interface {
	Emit(ctx context.Context, event types.Event) error
}

// TeamsNotifier posts to a chat webhook.
type TeamsNotifier interface {
	NotifyTeams(ctx context.Context, config types.TeamsTemplate, container types.Container, filename string, classification types.FileClassification) error
}

// AdoNotifier files a ticket for a crash or regression.
type AdoNotifier interface {
	NotifyAdo(ctx context.Context, config types.AdoTemplate, container types.Container, filename string, classification types.FileClassification) error
}

// GithubIssuesNotifier opens an issue for a crash or regression.
type GithubIssuesNotifier interface {
	NotifyGithubIssues(ctx context.Context, config types.GithubIssuesTemplate, container types.Container, filename string, classification types.FileClassification) error
}

// Notifiers groups the destination-specific notifiers. A nil field means
// that destination kind is not configured; templates for it are skipped
// with a warning.
type Notifiers struct {
	Teams        TeamsNotifier
	Ado          AdoNotifier
	GithubIssues GithubIssuesNotifier
}
