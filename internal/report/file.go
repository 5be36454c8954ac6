package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
)

// FileSink keeps the durable local copy of every report
type FileSink struct {
	dir string
}

// NewFileSink creates a file sink writing into dir
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create report directory %s: %w", dir, err)
	}
	return &FileSink{dir: dir}, nil
}

// Dir returns the report directory
func (s *FileSink) Dir() string {
	return s.dir
}

// Submit writes the report atomically and syncs it to disk
func (s *FileSink) Submit(ctx context.Context, r Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	path := filepath.Join(s.dir, fileName(r))
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return nil
}

// List returns the stored reports ordered by file name (oldest first)
func (s *FileSink) List() ([]Report, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read report directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	reports := make([]Report, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read report %s: %w", name, err)
		}
		var r Report
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("failed to parse report %s: %w", name, err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func fileName(r Report) string {
	return fmt.Sprintf("%s_%s_%s.json",
		r.Timestamp.UTC().Format("20060102T150405.000000000Z"),
		strings.ToLower(string(r.Kind)),
		r.ID)
}
