// ============================================================================
// Chat Webhook Notifier
// ============================================================================
//
// Package: internal/teams
// File: notifier.go
// Purpose: Post a MessageCard describing a new file or crash to a webhook
//
// Message layout:
//
//   {"@type":"MessageCard","@context":"https://schema.org/extensions",
//    "summary":<title>,
//    "sections":[{"activityTitle":<title>,"facts":"<json array>"},
//                {"text":<call stack>}]}
//
// The facts array is itself JSON-encoded into a string.
//
// ============================================================================

package teams

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tevoinea/onefuzz/pkg/types"
)

var log = slog.Default()

const (
	messageType    = "MessageCard"
	messageContext = "https://schema.org/extensions"
	newFileTitle   = "new file found"
)

// ErrUnknownTask is returned, and nothing is sent, when a report names a
// task that does not exist.
var ErrUnknownTask = errors.New("report references an unknown task")

// SecretResolver turns a secret reference into its value.
type SecretResolver interface {
	Resolve(ctx context.Context, ref types.SecretRef) (string, error)
}

// TaskLookup finds the task that produced a report.
type TaskLookup interface {
	// GetByJobIDAndTaskID returns nil, nil when no such task exists.
	GetByJobIDAndTaskID(ctx context.Context, jobID, taskID uuid.UUID) (*types.Task, error)
}

// WebhookError is returned when the webhook answers with a non-2xx status.
type WebhookError struct {
	StatusCode int
	Body       string
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook failed: %d %s", e.StatusCode, e.Body)
}

// Config for the notifier.
type Config struct {
	// InstanceURL is the base of the authenticated download endpoint.
	InstanceURL string
	Timeout     time.Duration
}

// Notifier posts chat messages.
type Notifier struct {
	secrets     SecretResolver
	tasks       TaskLookup
	instanceURL string
	client      *http.Client
}

// NewNotifier creates a Notifier. A zero Timeout defaults to 30s.
func NewNotifier(config Config, secrets SecretResolver, tasks TaskLookup) *Notifier {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Notifier{
		secrets:     secrets,
		tasks:       tasks,
		instanceURL: strings.TrimRight(config.InstanceURL, "/"),
		client:      &http.Client{Timeout: timeout},
	}
}

type fact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type message struct {
	Type     string           `json:"@type"`
	Context  string           `json:"@context"`
	Summary  string           `json:"summary"`
	Sections []map[string]any `json:"sections"`
}

// NotifyTeams posts a message about filename. Only a direct report produces
// a crash message; plain files and regressions are announced as new files.
func (n *Notifier) NotifyTeams(ctx context.Context, config types.TeamsTemplate, container types.Container, filename string, classification types.FileClassification) error {
	var (
		title string
		facts []fact
		text  *string
	)

	if report, ok := classification.Report(); ok {
		task, err := n.tasks.GetByJobIDAndTaskID(ctx, report.JobID, report.TaskID)
		if err != nil {
			return fmt.Errorf("failed to get task %s:%s: %w", report.JobID, report.TaskID, err)
		}
		if task == nil {
			log.Error("Report with invalid task",
				"job_id", report.JobID,
				"task_id", report.TaskID)
			return fmt.Errorf("%w: job %s task %s", ErrUnknownTask, report.JobID, report.TaskID)
		}

		title = fmt.Sprintf("new crash in %s: %s @ %s", report.Executable, report.CrashType, report.CrashSite)
		facts, text = n.crashFacts(task.Config, report, container, filename)
	} else {
		title = newFileTitle
		facts = []fact{{
			Name: "file",
			Value: fmt.Sprintf("[%s/%s](%s)",
				MarkdownEscape(container.String()),
				MarkdownEscape(filename),
				n.downloadURL(container, filename)),
		}}
	}

	return n.send(ctx, config, title, facts, text)
}

func (n *Notifier) crashFacts(config types.TaskConfig, report types.Report, container types.Container, filename string) ([]fact, *string) {
	links := []string{fmt.Sprintf("[report](%s)", n.downloadURL(container, filename))}

	if setup, ok := config.SetupContainer(); ok {
		links = append(links, fmt.Sprintf("[executable](%s)",
			n.downloadURL(setup, setupFileName(report.Executable))))
	}
	if report.InputBlob != nil {
		links = append(links, fmt.Sprintf("[input](%s)",
			n.downloadURL(report.InputBlob.Container, report.InputBlob.Name)))
	}

	facts := []fact{
		{Name: "Files", Value: strings.Join(links, " | ")},
		{Name: "Task", Value: MarkdownEscape(fmt.Sprintf("job_id: %s task_id: %s", report.JobID, report.TaskID))},
		{Name: "Repro", Value: CodeBlock(fmt.Sprintf("onefuzz repro create_and_connect %s %s", container, filename))},
	}

	frames := make([]string, len(report.CallStack))
	for i, frame := range report.CallStack {
		frames[i] = CodeBlock(frame)
	}
	text := "## Call Stack\n" + strings.Join(frames, "\n")
	return facts, &text
}

// downloadURL is the authenticated download link for a file.
func (n *Notifier) downloadURL(container types.Container, filename string) string {
	query := url.Values{}
	query.Set("container", container.String())
	query.Set("filename", filename)
	return n.instanceURL + "/api/download?" + query.Encode()
}

// buildMessage renders the webhook body.
func buildMessage(title string, facts []fact, text *string) ([]byte, error) {
	title = MarkdownEscape(title)

	encodedFacts, err := json.Marshal(facts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode facts: %w", err)
	}

	sections := []map[string]any{{
		"activityTitle": title,
		"facts":         string(encodedFacts),
	}}
	if text != nil {
		sections = append(sections, map[string]any{"text": *text})
	}

	return json.Marshal(message{
		Type:     messageType,
		Context:  messageContext,
		Summary:  title,
		Sections: sections,
	})
}

func (n *Notifier) send(ctx context.Context, config types.TeamsTemplate, title string, facts []fact, text *string) error {
	body, err := buildMessage(title, facts, text)
	if err != nil {
		return err
	}

	target, err := n.secrets.Resolve(ctx, config.URL)
	if err != nil {
		return fmt.Errorf("failed to resolve webhook url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Error("Webhook failed", "error", err)
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		content, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		werr := &WebhookError{StatusCode: resp.StatusCode, Body: string(content)}
		log.Error("Webhook failed", "status", resp.StatusCode, "body", werr.Body)
		return werr
	}
	return nil
}
