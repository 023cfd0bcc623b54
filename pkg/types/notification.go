package types

import (
	"encoding/json"

	"github.com/google/uuid"
)

// SecretRef names a secret. It is either a literal value or a reference
// such as env://NAME or aws://secret-id, resolved at send time.
type SecretRef string

// Template is one destination of a notification. Implementations are
// TeamsTemplate, AdoTemplate and GithubIssuesTemplate.
type Template interface {
	templateKind() string
}

// TeamsTemplate posts a message card to a chat webhook.
type TeamsTemplate struct {
	URL SecretRef `json:"url" yaml:"url"`
}

// AdoTemplate files a work item in a ticket system.
type AdoTemplate struct {
	BaseURL      string            `json:"base_url" yaml:"base_url"`
	AuthToken    SecretRef         `json:"auth_token" yaml:"auth_token"`
	Project      string            `json:"project" yaml:"project"`
	Type         string            `json:"type" yaml:"type"`
	UniqueFields []string          `json:"unique_fields,omitempty" yaml:"unique_fields"`
	Comment      string            `json:"comment,omitempty" yaml:"comment"`
	Fields       map[string]string `json:"ado_fields,omitempty" yaml:"ado_fields"`
}

// GithubIssuesTemplate opens or updates an issue in an issue tracker.
type GithubIssuesTemplate struct {
	Auth         SecretRef `json:"auth" yaml:"auth"`
	Organization string    `json:"organization" yaml:"organization"`
	Repository   string    `json:"repository" yaml:"repository"`
	Title        string    `json:"title" yaml:"title"`
	Body         string    `json:"body" yaml:"body"`
	UniqueSearch string    `json:"unique_search,omitempty" yaml:"unique_search"`
	Assignees    []string  `json:"assignees,omitempty" yaml:"assignees"`
	Labels       []string  `json:"labels,omitempty" yaml:"labels"`
}

func (TeamsTemplate) templateKind() string        { return "teams" }
func (AdoTemplate) templateKind() string          { return "ado" }
func (GithubIssuesTemplate) templateKind() string { return "github_issues" }

// TemplateKind returns the destination kind of t ("teams", "ado" or
// "github_issues").
func TemplateKind(t Template) string { return t.templateKind() }

// NotificationTemplate holds the destinations of one subscription. Each
// non-nil arm is handled independently.
type NotificationTemplate struct {
	Teams        *TeamsTemplate        `json:"teams_template,omitempty" yaml:"teams_template"`
	Ado          *AdoTemplate          `json:"ado_template,omitempty" yaml:"ado_template"`
	GithubIssues *GithubIssuesTemplate `json:"github_issues_template,omitempty" yaml:"github_issues_template"`
}

// Templates returns the non-nil arms in a fixed order.
func (t NotificationTemplate) Templates() []Template {
	out := make([]Template, 0, 3)
	if t.Teams != nil {
		out = append(out, *t.Teams)
	}
	if t.Ado != nil {
		out = append(out, *t.Ado)
	}
	if t.GithubIssues != nil {
		out = append(out, *t.GithubIssues)
	}
	return out
}

// Key returns a canonical encoding of the template. Two templates with
// field-for-field identical contents share a key.
func (t NotificationTemplate) Key() string {
	// Struct fields marshal in declaration order and map keys are sorted,
	// so the encoding is deterministic.
	data, err := json.Marshal(t)
	if err != nil {
		return ""
	}
	return string(data)
}

// Notification subscribes a container's file-change events to a template.
type Notification struct {
	Container      Container            `json:"container"`
	NotificationID uuid.UUID            `json:"notification_id"`
	Config         NotificationTemplate `json:"config"`
}
