package types

import (
	"github.com/google/uuid"
)

// Report describes a reproduced crash.
type Report struct {
	InputURL                          string    `json:"input_url,omitempty"`
	InputBlob                         *BlobRef  `json:"input_blob,omitempty"`
	Executable                        string    `json:"executable"`
	CrashType                         string    `json:"crash_type"`
	CrashSite                         string    `json:"crash_site"`
	CallStack                         []string  `json:"call_stack"`
	CallStackSHA256                   string    `json:"call_stack_sha256"`
	InputSHA256                       string    `json:"input_sha256"`
	AsanLog                           string    `json:"asan_log,omitempty"`
	TaskID                            uuid.UUID `json:"task_id"`
	JobID                             uuid.UUID `json:"job_id"`
	ScarinessScore                    *int      `json:"scariness_score,omitempty"`
	ScarinessDescription              string    `json:"scariness_description,omitempty"`
	MinimizedStack                    []string  `json:"minimized_stack,omitempty"`
	MinimizedStackSHA256              string    `json:"minimized_stack_sha256,omitempty"`
	MinimizedStackFunctionNames       []string  `json:"minimized_stack_function_names,omitempty"`
	MinimizedStackFunctionNamesSHA256 string    `json:"minimized_stack_function_names_sha256,omitempty"`
	MinimizedStackFunctionLines       []string  `json:"minimized_stack_function_lines,omitempty"`
	MinimizedStackFunctionLinesSHA256 string    `json:"minimized_stack_function_lines_sha256,omitempty"`
}

// NoReproReport records an input that was expected to crash but did not.
type NoReproReport struct {
	InputSHA256 string    `json:"input_sha256"`
	InputBlob   *BlobRef  `json:"input_blob,omitempty"`
	Executable  string    `json:"executable,omitempty"`
	TaskID      uuid.UUID `json:"task_id"`
	JobID       uuid.UUID `json:"job_id"`
	Tries       int       `json:"tries"`
	Error       string    `json:"error,omitempty"`
}

// CrashTestResult holds at most one of a crash report or a no-repro record.
type CrashTestResult struct {
	CrashReport   *Report        `json:"crash_report,omitempty"`
	NoReproReport *NoReproReport `json:"no_repro,omitempty"`
}

// TaskID returns the task that produced the result, preferring the crash
// report over the no-repro record.
func (r *CrashTestResult) TaskID() (uuid.UUID, bool) {
	switch {
	case r == nil:
		return uuid.Nil, false
	case r.CrashReport != nil:
		return r.CrashReport.TaskID, true
	case r.NoReproReport != nil:
		return r.NoReproReport.TaskID, true
	}
	return uuid.Nil, false
}

// RegressionReport compares a crash test against an optional baseline.
type RegressionReport struct {
	CrashTestResult         CrashTestResult  `json:"crash_test_result"`
	OriginalCrashTestResult *CrashTestResult `json:"original_crash_test_result,omitempty"`
}

// TaskID resolves the task that owns the regression, checking the current
// result before the baseline.
func (r *RegressionReport) TaskID() (uuid.UUID, bool) {
	if id, ok := r.CrashTestResult.TaskID(); ok {
		return id, true
	}
	return r.OriginalCrashTestResult.TaskID()
}

// ClassificationKind tags the active arm of a FileClassification.
type ClassificationKind int

const (
	ClassifiedNone ClassificationKind = iota
	ClassifiedReport
	ClassifiedRegression
)

func (k ClassificationKind) String() string {
	switch k {
	case ClassifiedReport:
		return "report"
	case ClassifiedRegression:
		return "regression"
	default:
		return "none"
	}
}

// FileClassification is what the report classifier decided a new file is.
// The zero value classifies nothing.
type FileClassification struct {
	kind       ClassificationKind
	report     *Report
	regression *RegressionReport
}

// NoClassification is a plain file.
func NoClassification() FileClassification {
	return FileClassification{}
}

// DirectReport classifies a file as a crash report.
func DirectReport(r Report) FileClassification {
	return FileClassification{kind: ClassifiedReport, report: &r}
}

// Regression classifies a file as a regression report.
func Regression(r RegressionReport) FileClassification {
	return FileClassification{kind: ClassifiedRegression, regression: &r}
}

// Kind returns the active arm.
func (c FileClassification) Kind() ClassificationKind { return c.kind }

// Report returns the crash report when Kind is ClassifiedReport.
func (c FileClassification) Report() (Report, bool) {
	if c.kind != ClassifiedReport {
		return Report{}, false
	}
	return *c.report, true
}

// Regression returns the regression report when Kind is ClassifiedRegression.
func (c FileClassification) Regression() (RegressionReport, bool) {
	if c.kind != ClassifiedRegression {
		return RegressionReport{}, false
	}
	return *c.regression, true
}

// HasReport reports whether the file carries a concrete report of any kind.
func (c FileClassification) HasReport() bool {
	return c.kind != ClassifiedNone
}
