// Package reports archives billing run reports so operators can audit what
// each run charged, expired and skipped.
package reports

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/freemium/pkg/billing"
	"github.com/platinummonkey/freemium/pkg/observability"
)

// ErrNotFound is returned when an archived report does not exist
var ErrNotFound = errors.New("report not found")

// Archiver stores a finished run report and returns where it went
type Archiver interface {
	Archive(ctx context.Context, report *billing.RunReport) (string, error)
}

// ObjectKey lays reports out by run date: prefix/YYYY/MM/DD/<run id>.json.
// Reports without a run id get a fresh one.
func ObjectKey(prefix string, report *billing.RunReport) string {
	if report.RunID == "" {
		report.RunID = uuid.NewString()
	}
	day := report.Date.Time()
	if report.Date.IsZero() {
		day = report.StartedAt
	}
	if day.IsZero() {
		day = time.Now().UTC()
	}
	return path.Join(prefix, day.Format("2006/01/02"), report.RunID+".json")
}

// Archive stores report with a and logs failures instead of returning them.
// A nil archiver is a no-op.
func Archive(ctx context.Context, a Archiver, report *billing.RunReport, logger *observability.Logger) string {
	if a == nil || report == nil {
		return ""
	}
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}

	key, err := a.Archive(ctx, report)
	if err != nil {
		logger.WithError(err).WithField("run_id", report.RunID).Error("failed to archive billing report")
		return ""
	}
	logger.WithFields(map[string]interface{}{
		"run_id":       report.RunID,
		"key":          key,
		"transactions": len(report.Transactions),
		"failures":     len(report.Failures),
	}).Info("archived billing report")
	return key
}

// Multi archives to every archiver and returns the first key
type Multi []Archiver

// Archive implements Archiver. All archivers are attempted.
func (m Multi) Archive(ctx context.Context, report *billing.RunReport) (string, error) {
	var (
		first string
		errs  []error
	)
	for _, a := range m {
		key, err := a.Archive(ctx, report)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if first == "" {
			first = key
		}
	}
	if len(errs) > 0 {
		return first, fmt.Errorf("archive failed: %w", errors.Join(errs...))
	}
	return first, nil
}
