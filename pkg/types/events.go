package types

// EventType names a telemetry event.
type EventType string

const (
	EventTypeFileAdded          EventType = "file_added"
	EventTypeCrashReported      EventType = "crash_reported"
	EventTypeRegressionReported EventType = "regression_reported"
)

// Event is a typed telemetry event for downstream consumers.
type Event interface {
	EventType() EventType
}

// EventFileAdded is emitted for a new file with no report attached.
type EventFileAdded struct {
	Container Container `json:"container"`
	Filename  string    `json:"filename"`
}

// EventCrashReported is emitted for a new crash report.
type EventCrashReported struct {
	Report     Report      `json:"report"`
	Container  Container   `json:"container"`
	Filename   string      `json:"filename"`
	TaskConfig *TaskConfig `json:"task_config,omitempty"`
}

// EventRegressionReported is emitted for a new regression report.
type EventRegressionReported struct {
	RegressionReport RegressionReport `json:"regression_report"`
	Container        Container        `json:"container"`
	Filename         string           `json:"filename"`
	TaskConfig       *TaskConfig      `json:"task_config,omitempty"`
}

func (EventFileAdded) EventType() EventType          { return EventTypeFileAdded }
func (EventCrashReported) EventType() EventType      { return EventTypeCrashReported }
func (EventRegressionReported) EventType() EventType { return EventTypeRegressionReported }
