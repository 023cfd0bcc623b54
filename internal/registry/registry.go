package registry

// ============================================================================
// Registry: notifications and tasks, persisted as one JSON state file
// ============================================================================
//
// Responsibilities:
// 1. Serve the subscription store and task directory views
// 2. Persist every change with an atomic write (temp file + rename)
// 3. Validate the schema version on load
//
// Reads take a snapshot under the read lock; callers get copies.
//
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/tevoinea/onefuzz/pkg/types"
)

var log = slog.Default()

const schemaVersion = 1

var (
	ErrCorruptedState       = errors.New("registry state file is corrupted")
	ErrIncompatibleVersion  = errors.New("registry schema version is incompatible")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrTaskNotFound         = errors.New("task not found")
)

// State is the on-disk document.
type State struct {
	SchemaVer     int                  `json:"schema_ver"`
	Notifications []types.Notification `json:"notifications"`
	Tasks         []types.Task         `json:"tasks"`
}

// Registry is a file-backed store of notifications and tasks.
type Registry struct {
	path  string
	mu    sync.RWMutex
	state State
}

// Open loads the registry at path. A missing file is an empty registry.
func Open(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the state file, replacing the in-memory view.
func (r *Registry) Reload() error {
	state, err := load(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()

	log.Info("Registry loaded",
		"path", r.path,
		"notifications", len(state.Notifications),
		"tasks", len(state.Tasks))
	return nil
}

// Path returns the state file location.
func (r *Registry) Path() string {
	return r.path
}

func load(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{SchemaVer: schemaVersion}, nil
		}
		return State{}, fmt.Errorf("failed to read registry: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCorruptedState, err)
	}
	if state.SchemaVer != schemaVersion {
		return State{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, state.SchemaVer, schemaVersion)
	}
	return state, nil
}

// persist writes state atomically. Caller holds the write lock.
func (r *Registry) persist(state State) error {
	state.SchemaVer = schemaVersion

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	tmpPath := r.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp registry: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename registry: %w", err)
	}

	r.state = state
	return nil
}

// ============================================================================
// Subscription store
// ============================================================================

// ListByContainer returns the notifications registered for container.
func (r *Registry) ListByContainer(_ context.Context, container types.Container) ([]types.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.Notification
	for _, n := range r.state.Notifications {
		if n.Container == container {
			out = append(out, n)
		}
	}
	return out, nil
}

// AddNotification registers n, assigning an ID when it has none.
func (r *Registry) AddNotification(n types.Notification) (types.Notification, error) {
	if _, err := types.NewContainer(n.Container.String()); err != nil {
		return types.Notification{}, err
	}
	if n.NotificationID == uuid.Nil {
		n.NotificationID = uuid.New()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.state
	next.Notifications = append(append([]types.Notification(nil), r.state.Notifications...), n)
	if err := r.persist(next); err != nil {
		return types.Notification{}, err
	}
	return n, nil
}

// RemoveNotification deletes a notification by ID.
func (r *Registry) RemoveNotification(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make([]types.Notification, 0, len(r.state.Notifications))
	for _, n := range r.state.Notifications {
		if n.NotificationID != id {
			kept = append(kept, n)
		}
	}
	if len(kept) == len(r.state.Notifications) {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}

	next := r.state
	next.Notifications = kept
	return r.persist(next)
}

// ============================================================================
// Task directory
// ============================================================================

// ListAvailable returns tasks in one of types.AvailableTaskStates.
func (r *Registry) ListAvailable(_ context.Context) ([]types.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.Task
	for _, t := range r.state.Tasks {
		if t.State.Available() {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetByTaskID returns nil, nil when the task is unknown.
func (r *Registry) GetByTaskID(_ context.Context, taskID uuid.UUID) (*types.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.state.Tasks {
		if t.TaskID == taskID {
			task := t
			return &task, nil
		}
	}
	return nil, nil
}

// GetByJobIDAndTaskID returns nil, nil unless a task matches both IDs.
func (r *Registry) GetByJobIDAndTaskID(ctx context.Context, jobID, taskID uuid.UUID) (*types.Task, error) {
	task, err := r.GetByTaskID(ctx, taskID)
	if err != nil || task == nil || task.JobID != jobID {
		return nil, err
	}
	return task, nil
}

// InputContainers resolves the containers feeding a task's input queue.
func (r *Registry) InputContainers(config types.TaskConfig) ([]string, bool) {
	return types.InputContainers(config)
}

// PutTask inserts or replaces a task by TaskID.
func (r *Registry) PutTask(task types.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks := append([]types.Task(nil), r.state.Tasks...)
	replaced := false
	for i := range tasks {
		if tasks[i].TaskID == task.TaskID {
			tasks[i] = task
			replaced = true
			break
		}
	}
	if !replaced {
		tasks = append(tasks, task)
	}

	next := r.state
	next.Tasks = tasks
	return r.persist(next)
}

// SetTaskState updates the state of an existing task.
func (r *Registry) SetTaskState(taskID uuid.UUID, state types.TaskState) error {
	task, _ := r.GetByTaskID(context.Background(), taskID)
	if task == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	task.State = state
	return r.PutTask(*task)
}

// Counts reports how many notifications and tasks are registered.
func (r *Registry) Counts() (notifications, tasks int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.state.Notifications), len(r.state.Tasks)
}
