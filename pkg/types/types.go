// Package types defines the domain model shared by the file-change
// notification pipeline: containers, tasks, crash reports and notification
// subscriptions.
package types

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// ============================================================================
// Containers
// ============================================================================

var containerNamePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// InvalidContainerError is returned when a container name contains
// anything other than letters, digits and dashes.
type InvalidContainerError struct {
	Name string
}

func (e *InvalidContainerError) Error() string {
	return fmt.Sprintf("invalid container name %q: only letters, digits and dashes are allowed", e.Name)
}

// Container names an object-storage bucket.
type Container string

// NewContainer validates name and returns it as a Container.
func NewContainer(name string) (Container, error) {
	if !containerNamePattern.MatchString(name) {
		return "", &InvalidContainerError{Name: name}
	}
	return Container(name), nil
}

// String returns the container name.
func (c Container) String() string { return string(c) }

// UnmarshalText rejects invalid names when decoding from JSON or YAML.
func (c *Container) UnmarshalText(text []byte) error {
	parsed, err := NewContainer(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// BlobRef points at a single object inside a storage account.
type BlobRef struct {
	Account   string    `json:"account"`
	Container Container `json:"container"`
	Name      string    `json:"name"`
}

// ============================================================================
// Tasks
// ============================================================================

// TaskState is the lifecycle state of a fuzzing task.
type TaskState string

const (
	TaskInit      TaskState = "init"
	TaskWaiting   TaskState = "waiting"
	TaskScheduled TaskState = "scheduled"
	TaskSettingUp TaskState = "setting_up"
	TaskRunning   TaskState = "running"
	TaskStopping  TaskState = "stopping"
	TaskStopped   TaskState = "stopped"
	TaskWaitJob   TaskState = "wait_job"
)

// AvailableTaskStates are the states in which a task may still consume new
// input.
var AvailableTaskStates = []TaskState{
	TaskWaiting,
	TaskScheduled,
	TaskSettingUp,
	TaskRunning,
	TaskWaitJob,
}

// Available reports whether s is one of AvailableTaskStates.
func (s TaskState) Available() bool {
	for _, available := range AvailableTaskStates {
		if s == available {
			return true
		}
	}
	return false
}

// ContainerType is the role a container plays for a task.
type ContainerType string

const (
	ContainerSetup          ContainerType = "setup"
	ContainerCrashes        ContainerType = "crashes"
	ContainerInputs         ContainerType = "inputs"
	ContainerReadonlyInputs ContainerType = "readonly_inputs"
	ContainerUniqueInputs   ContainerType = "unique_inputs"
	ContainerReports        ContainerType = "reports"
	ContainerUniqueReports  ContainerType = "unique_reports"
	ContainerNoRepro        ContainerType = "no_repro"
	ContainerCoverage       ContainerType = "coverage"
	ContainerAnalysis       ContainerType = "analysis"
)

// TaskType identifies what a task does.
type TaskType string

const (
	TaskLibfuzzerFuzz        TaskType = "libfuzzer_fuzz"
	TaskLibfuzzerCrashReport TaskType = "libfuzzer_crash_report"
	TaskLibfuzzerMerge       TaskType = "libfuzzer_merge"
	TaskLibfuzzerCoverage    TaskType = "libfuzzer_coverage"
	TaskLibfuzzerRegression  TaskType = "libfuzzer_regression"
	TaskGenericAnalysis      TaskType = "generic_analysis"
	TaskGenericSupervisor    TaskType = "generic_supervisor"
	TaskGenericMerge         TaskType = "generic_merge"
	TaskGenericGenerator     TaskType = "generic_generator"
	TaskGenericCrashReport   TaskType = "generic_crash_report"
	TaskGenericRegression    TaskType = "generic_regression"
)

// monitorQueue maps each task type to the container role whose new files
// are pushed onto the task's input queue. Types absent here do not monitor
// any container.
var monitorQueue = map[TaskType]ContainerType{
	TaskLibfuzzerCrashReport: ContainerCrashes,
	TaskLibfuzzerMerge:       ContainerUniqueInputs,
	TaskLibfuzzerCoverage:    ContainerReadonlyInputs,
	TaskGenericAnalysis:      ContainerCrashes,
	TaskGenericMerge:         ContainerUniqueInputs,
	TaskGenericCrashReport:   ContainerCrashes,
}

// TaskContainer binds a container to a role.
type TaskContainer struct {
	Type ContainerType `json:"type"`
	Name Container     `json:"name"`
}

// TaskDetails carries the task-type specific settings this service reads.
type TaskDetails struct {
	Type      TaskType `json:"type"`
	Duration  int      `json:"duration"`
	TargetExe string   `json:"target_exe,omitempty"`
}

// TaskConfig is the configuration a task was created with.
type TaskConfig struct {
	JobID      uuid.UUID         `json:"job_id"`
	Task       TaskDetails       `json:"task"`
	Containers []TaskContainer   `json:"containers,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// SetupContainer returns the container declared with the setup role, if any.
func (c TaskConfig) SetupContainer() (Container, bool) {
	for _, tc := range c.Containers {
		if tc.Type == ContainerSetup {
			return tc.Name, true
		}
	}
	return "", false
}

// InputContainers returns the names of the containers the task consumes new
// inputs from. The second result is false when the task type does not
// monitor any container.
func InputContainers(config TaskConfig) ([]string, bool) {
	role, ok := monitorQueue[config.Task.Type]
	if !ok {
		return nil, false
	}
	names := make([]string, 0, 1)
	for _, tc := range config.Containers {
		if tc.Type == role {
			names = append(names, tc.Name.String())
		}
	}
	return names, true
}

// TaskError is the failure recorded against a task.
type TaskError struct {
	Code   int      `json:"code"`
	Errors []string `json:"errors,omitempty"`
}

// Task is the read-only projection of a fuzzing task used by this service.
type Task struct {
	JobID  uuid.UUID  `json:"job_id"`
	TaskID uuid.UUID  `json:"task_id"`
	State  TaskState  `json:"state"`
	Config TaskConfig `json:"config"`
	Error  *TaskError `json:"error,omitempty"`
}
