// ============================================================================
// File-Change Fan-Out Engine
// ============================================================================
//
// Package: internal/notify
// File: engine.go
// Purpose: Route one new file to subscribers, waiting tasks and telemetry
//
// Flow for NewFiles(container, filename, failTaskOnTransientError):
//
//   1. Load subscriptions for the container
//   2. Classify the file (plain / crash report / regression)
//   3. No subscriptions -> stop. Waiting tasks are not fed and no telemetry
//      is emitted for unwatched containers.
//   4. Dispatch each distinct template (structural dedup). Chat always
//      fires; ticket and issue destinations need a report. Failures are
//      logged and counted, never returned.
//   5. Push a signed file URL onto the input queue of every available task
//      that monitors the container.
//   6. Emit exactly one telemetry event, after all dispatches finished.
//
// Concurrency:
//   Steps 4 and 5 run on an errgroup bounded by Config.Concurrency.
//   Nothing is shared between calls, so NewFiles may run concurrently for
//   the same container.
//
// Errors:
//   Store, directory, classifier, signer, queue and sink errors are
//   returned so the transport redelivers the whole message.
//
// ============================================================================

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tevoinea/onefuzz/internal/metrics"
	"github.com/tevoinea/onefuzz/pkg/types"
)

var log = slog.Default()

// Config tunes the engine.
type Config struct {
	// Concurrency bounds parallel notifier dispatches and queue publishes.
	// Values below 1 mean sequential.
	Concurrency int
	// Timeout bounds one NewFiles call. Zero means no limit.
	Timeout time.Duration
}

// Deps are the engine's collaborators.
type Deps struct {
	Subscriptions SubscriptionStore
	Classifier    ReportClassifier
	Tasks         TaskDirectory
	Signer        FileURLSigner
	Queue         QueuePublisher
	Events        EventSink
	Notifiers     Notifiers
	Metrics       *metrics.Collector
}

// Engine fans a new file out to notifiers, task input queues and telemetry.
type Engine struct {
	deps   Deps
	config Config
}

// UnresolvedTaskError is logged when a regression report cannot be traced
// back to the task that produced it.
type UnresolvedTaskError struct {
	Report types.RegressionReport
}

func (e *UnresolvedTaskError) Error() string {
	data, _ := json.Marshal(e.Report)
	return fmt.Sprintf("unable to find crash_report or no repro entry for report: %s", data)
}

// NewEngine creates an Engine.
func NewEngine(deps Deps, config Config) *Engine {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &Engine{deps: deps, config: config}
}

// NewFiles routes a file added to container.
func (e *Engine) NewFiles(ctx context.Context, container types.Container, filename string, failTaskOnTransientError bool) error {
	start := time.Now()
	defer func() {
		e.deps.Metrics.ObserveRoute(time.Since(start).Seconds())
	}()

	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	notifications, err := e.deps.Subscriptions.ListByContainer(ctx, container)
	if err != nil {
		return fmt.Errorf("failed to list notifications for %s: %w", container, err)
	}
	hasNotifications := len(notifications) > 0

	classification, err := e.deps.Classifier.GetReportOrRegression(ctx, container, filename, ClassifyOptions{
		ExpectReports:            hasNotifications,
		FailTaskOnTransientError: failTaskOnTransientError,
	})
	if err != nil {
		return fmt.Errorf("failed to classify %s/%s: %w", container, filename, err)
	}

	if !hasNotifications {
		return nil
	}

	e.dispatchNotifications(ctx, notifications, container, filename, classification)

	if err := e.queueInputs(ctx, container, filename); err != nil {
		return err
	}

	return e.emitEvent(ctx, container, filename, classification)
}

// dispatchNotifications sends every distinct template once. Templates are
// deduplicated before any dispatch starts so duplicates never race.
func (e *Engine) dispatchNotifications(ctx context.Context, notifications []types.Notification, container types.Container, filename string, classification types.FileClassification) {
	seen := make(map[string]struct{}, len(notifications))
	var templates []types.Template

	for _, n := range notifications {
		key := n.Config.Key()
		if _, done := seen[key]; done {
			continue
		}
		seen[key] = struct{}{}
		templates = append(templates, n.Config.Templates()...)
	}

	g := new(errgroup.Group)
	g.SetLimit(e.config.Concurrency)
	for _, tmpl := range templates {
		g.Go(func() error {
			e.dispatch(ctx, tmpl, container, filename, classification)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) dispatch(ctx context.Context, tmpl types.Template, container types.Container, filename string, classification types.FileClassification) {
	kind := types.TemplateKind(tmpl)

	var err error
	switch t := tmpl.(type) {
	case types.TeamsTemplate:
		if e.deps.Notifiers.Teams == nil {
			log.Warn("No chat notifier configured", "container", container)
			return
		}
		err = e.deps.Notifiers.Teams.NotifyTeams(ctx, t, container, filename, classification)

	case types.AdoTemplate:
		if !classification.HasReport() {
			return
		}
		if e.deps.Notifiers.Ado == nil {
			log.Warn("No ticket notifier configured", "container", container)
			return
		}
		err = e.deps.Notifiers.Ado.NotifyAdo(ctx, t, container, filename, classification)

	case types.GithubIssuesTemplate:
		if !classification.HasReport() {
			return
		}
		if e.deps.Notifiers.GithubIssues == nil {
			log.Warn("No issue notifier configured", "container", container)
			return
		}
		err = e.deps.Notifiers.GithubIssues.NotifyGithubIssues(ctx, t, container, filename, classification)

	default:
		log.Error("Unknown notification template", "kind", kind)
		return
	}

	e.deps.Metrics.RecordNotification(kind, err == nil)
	if err != nil {
		log.Error("Notification dispatch failed",
			"kind", kind,
			"container", container,
			"filename", filename,
			"error", err)
	}
}

// queueInputs pushes a signed URL for the file onto the input queue of each
// available task monitoring container.
func (e *Engine) queueInputs(ctx context.Context, container types.Container, filename string) error {
	tasks, err := e.deps.Tasks.ListAvailable(ctx)
	if err != nil {
		return fmt.Errorf("failed to list available tasks: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)
	for _, task := range tasks {
		containers, ok := e.deps.Tasks.InputContainers(task.Config)
		if !ok || !contains(containers, container.String()) {
			continue
		}

		g.Go(func() error {
			log.Info("Queuing input",
				"container", container,
				"filename", filename,
				"task_id", task.TaskID)

			url, err := e.deps.Signer.FileURL(gctx, container, filename)
			if err != nil {
				return fmt.Errorf("failed to sign %s/%s: %w", container, filename, err)
			}
			if err := e.deps.Queue.Publish(gctx, task.TaskID.String(), []byte(url)); err != nil {
				return fmt.Errorf("failed to queue input for task %s: %w", task.TaskID, err)
			}
			e.deps.Metrics.RecordInputQueued()
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) emitEvent(ctx context.Context, container types.Container, filename string, classification types.FileClassification) error {
	var event types.Event

	switch classification.Kind() {
	case types.ClassifiedNone:
		event = types.EventFileAdded{Container: container, Filename: filename}

	case types.ClassifiedReport:
		report, _ := classification.Report()
		config, err := e.taskConfig(ctx, report.TaskID)
		if err != nil {
			return err
		}
		event = types.EventCrashReported{
			Report:     report,
			Container:  container,
			Filename:   filename,
			TaskConfig: config,
		}

	case types.ClassifiedRegression:
		regression, _ := classification.Regression()
		taskID, ok := regression.TaskID()
		if !ok {
			log.Error("Skipping regression telemetry",
				"container", container,
				"filename", filename,
				"error", &UnresolvedTaskError{Report: regression})
			return nil
		}
		config, err := e.taskConfig(ctx, taskID)
		if err != nil {
			return err
		}
		event = types.EventRegressionReported{
			RegressionReport: regression,
			Container:        container,
			Filename:         filename,
			TaskConfig:       config,
		}
	}

	if err := e.deps.Events.Emit(ctx, event); err != nil {
		return fmt.Errorf("failed to emit %s event: %w", event.EventType(), err)
	}
	e.deps.Metrics.RecordTelemetry(string(event.EventType()))
	return nil
}

// taskConfig looks up the owning task. A missing task yields a nil config.
func (e *Engine) taskConfig(ctx context.Context, taskID uuid.UUID) (*types.TaskConfig, error) {
	task, err := e.deps.Tasks.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	if task == nil {
		log.Warn("Report references unknown task", "task_id", taskID)
		return nil, nil
	}
	config := task.Config
	return &config, nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
