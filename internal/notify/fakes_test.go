package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tevoinea/onefuzz/pkg/types"
)

// recorder keeps a single ordered log of side effects across all fakes so
// tests can assert on ordering.
type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, fmt.Sprintf(format, args...))
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

type fakeSubscriptions struct {
	byContainer map[types.Container][]types.Notification
	err         error
}

func (s *fakeSubscriptions) ListByContainer(_ context.Context, container types.Container) ([]types.Notification, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.byContainer[container], nil
}

type fakeClassifier struct {
	mu     sync.Mutex
	result types.FileClassification
	err    error
	calls  []ClassifyOptions
}

func (c *fakeClassifier) GetReportOrRegression(_ context.Context, _ types.Container, _ string, opts ClassifyOptions) (types.FileClassification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, opts)
	return c.result, c.err
}

type fakeTasks struct {
	tasks   []types.Task
	listErr error
}

func (d *fakeTasks) ListAvailable(context.Context) ([]types.Task, error) {
	if d.listErr != nil {
		return nil, d.listErr
	}
	var out []types.Task
	for _, t := range d.tasks {
		if t.State.Available() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (d *fakeTasks) GetByTaskID(_ context.Context, id uuid.UUID) (*types.Task, error) {
	for _, t := range d.tasks {
		if t.TaskID == id {
			task := t
			return &task, nil
		}
	}
	return nil, nil
}

func (d *fakeTasks) InputContainers(config types.TaskConfig) ([]string, bool) {
	return types.InputContainers(config)
}

type fakeSigner struct {
	err error
}

func (s *fakeSigner) FileURL(_ context.Context, container types.Container, filename string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("https://storage/%s/%s?sig=x", container, filename), nil
}

type published struct {
	queue   string
	payload string
}

type fakeQueue struct {
	rec *recorder
	mu  sync.Mutex
	msg []published
	err error
}

func (q *fakeQueue) Publish(_ context.Context, queue string, payload []byte) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	q.msg = append(q.msg, published{queue, string(payload)})
	q.mu.Unlock()
	q.rec.add("publish:%s", queue)
	return nil
}

func (q *fakeQueue) messages() []published {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]published(nil), q.msg...)
}

type fakeSink struct {
	rec    *recorder
	mu     sync.Mutex
	events []types.Event
}

func (s *fakeSink) Emit(_ context.Context, event types.Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	s.rec.add("event:%s", event.EventType())
	return nil
}

type notifyCall struct {
	kind      string
	container types.Container
	filename  string
}

type fakeNotifier struct {
	rec   *recorder
	mu    sync.Mutex
	calls []notifyCall
	fail  map[string]error
}

func (n *fakeNotifier) record(kind string, container types.Container, filename string) error {
	n.mu.Lock()
	n.calls = append(n.calls, notifyCall{kind, container, filename})
	n.mu.Unlock()
	n.rec.add("notify:%s", kind)
	return n.fail[kind]
}

func (n *fakeNotifier) NotifyTeams(_ context.Context, _ types.TeamsTemplate, container types.Container, filename string, _ types.FileClassification) error {
	return n.record("teams", container, filename)
}

func (n *fakeNotifier) NotifyAdo(_ context.Context, _ types.AdoTemplate, container types.Container, filename string, _ types.FileClassification) error {
	return n.record("ado", container, filename)
}

func (n *fakeNotifier) NotifyGithubIssues(_ context.Context, _ types.GithubIssuesTemplate, container types.Container, filename string, _ types.FileClassification) error {
	return n.record("github_issues", container, filename)
}

func (n *fakeNotifier) countKind(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, c := range n.calls {
		if c.kind == kind {
			count++
		}
	}
	return count
}

// harness wires an Engine to fresh fakes.
type harness struct {
	rec        *recorder
	subs       *fakeSubscriptions
	classifier *fakeClassifier
	tasks      *fakeTasks
	signer     *fakeSigner
	queue      *fakeQueue
	sink       *fakeSink
	notifier   *fakeNotifier
	engine     *Engine
}

func newHarness(concurrency int) *harness {
	rec := &recorder{}
	h := &harness{
		rec:        rec,
		subs:       &fakeSubscriptions{byContainer: map[types.Container][]types.Notification{}},
		classifier: &fakeClassifier{},
		tasks:      &fakeTasks{},
		signer:     &fakeSigner{},
		queue:      &fakeQueue{rec: rec},
		sink:       &fakeSink{rec: rec},
		notifier:   &fakeNotifier{rec: rec, fail: map[string]error{}},
	}
	h.engine = NewEngine(Deps{
		Subscriptions: h.subs,
		Classifier:    h.classifier,
		Tasks:         h.tasks,
		Signer:        h.signer,
		Queue:         h.queue,
		Events:        h.sink,
		Notifiers: Notifiers{
			Teams:        h.notifier,
			Ado:          h.notifier,
			GithubIssues: h.notifier,
		},
	}, Config{Concurrency: concurrency})
	return h
}

func (h *harness) subscribe(container types.Container, config types.NotificationTemplate) {
	h.subs.byContainer[container] = append(h.subs.byContainer[container], types.Notification{
		Container:      container,
		NotificationID: uuid.New(),
		Config:         config,
	})
}

func monitoringTask(container types.Container, state types.TaskState) types.Task {
	return types.Task{
		JobID:  uuid.New(),
		TaskID: uuid.New(),
		State:  state,
		Config: types.TaskConfig{
			Task: types.TaskDetails{Type: types.TaskLibfuzzerCrashReport},
			Containers: []types.TaskContainer{
				{Type: types.ContainerCrashes, Name: container},
			},
		},
	}
}
