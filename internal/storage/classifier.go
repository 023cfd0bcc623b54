package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tevoinea/onefuzz/internal/notify"
	"github.com/tevoinea/onefuzz/pkg/types"
)

var log = slog.Default()

// ErrNotReport is returned by Decode for JSON that is neither a crash report
// nor a regression report.
var ErrNotReport = errors.New("not a report")

// BlobReader downloads a file.
type BlobReader interface {
	ReadBlob(ctx context.Context, container types.Container, filename string) ([]byte, error)
}

// Classifier decides whether a new file is a crash report, a regression
// report or neither, by reading it.
type Classifier struct {
	blobs BlobReader
}

// NewClassifier creates a Classifier.
func NewClassifier(blobs BlobReader) *Classifier {
	return &Classifier{blobs: blobs}
}

// GetReportOrRegression classifies filename. Only .json files are read.
// opts.ExpectReports only controls whether misses are logged.
func (c *Classifier) GetReportOrRegression(ctx context.Context, container types.Container, filename string, opts notify.ClassifyOptions) (types.FileClassification, error) {
	if !strings.HasSuffix(filename, ".json") {
		if opts.ExpectReports {
			log.Error("Report has invalid extension", "container", container, "filename", filename)
		}
		return types.NoClassification(), nil
	}

	data, err := c.blobs.ReadBlob(ctx, container, filename)
	switch {
	case errors.Is(err, ErrBlobNotFound):
		if opts.ExpectReports {
			log.Error("Report blob not found", "container", container, "filename", filename)
		}
		return types.NoClassification(), nil
	case err != nil && opts.FailTaskOnTransientError:
		log.Error("Giving up reading report",
			"container", container,
			"filename", filename,
			"error", err)
		return types.NoClassification(), nil
	case err != nil:
		return types.FileClassification{}, fmt.Errorf("failed to read %s/%s: %w", container, filename, err)
	}

	classification, err := Decode(data)
	if err != nil {
		if opts.ExpectReports {
			log.Error("Unable to parse report",
				"container", container,
				"filename", filename,
				"error", err)
		}
		return types.NoClassification(), nil
	}
	return classification, nil
}

// Decode parses a report file. A document carrying crash_test_result is a
// regression report; one carrying call_stack, or executable and crash_type,
// is a crash report.
func Decode(data []byte) (types.FileClassification, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return types.FileClassification{}, fmt.Errorf("%w: %v", ErrNotReport, err)
	}

	if _, ok := fields["crash_test_result"]; ok {
		var regression types.RegressionReport
		if err := json.Unmarshal(data, &regression); err != nil {
			return types.FileClassification{}, fmt.Errorf("invalid regression report: %w", err)
		}
		return types.Regression(regression), nil
	}

	_, hasStack := fields["call_stack"]
	_, hasExe := fields["executable"]
	_, hasType := fields["crash_type"]
	if hasStack || (hasExe && hasType) {
		var report types.Report
		if err := json.Unmarshal(data, &report); err != nil {
			return types.FileClassification{}, fmt.Errorf("invalid crash report: %w", err)
		}
		return types.DirectReport(report), nil
	}

	return types.FileClassification{}, ErrNotReport
}
