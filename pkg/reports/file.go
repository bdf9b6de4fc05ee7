package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/platinummonkey/freemium/pkg/billing"
)

// FileArchiver writes reports under a local directory using the same key
// layout as S3
type FileArchiver struct {
	dir string
}

var _ Archiver = (*FileArchiver)(nil)

// NewFileArchiver creates dir if needed
func NewFileArchiver(dir string) (*FileArchiver, error) {
	if dir == "" {
		return nil, fmt.Errorf("report directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}
	return &FileArchiver{dir: dir}, nil
}

// Archive writes the report atomically and returns its key relative to dir
func (f *FileArchiver) Archive(ctx context.Context, report *billing.RunReport) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := ObjectKey("", report)
	target := filepath.Join(f.dir, filepath.FromSlash(key))

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".report-*")
	if err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return key, nil
}

// Get reads an archived report back
func (f *FileArchiver) Get(_ context.Context, key string) (*billing.RunReport, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("report %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var report billing.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", key, err)
	}
	return &report, nil
}
