package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"aegisflux/guardian/internal/violation"
)

// MarkerRecord is persisted when the destruction sequence starts and
// updated as it progresses
type MarkerRecord struct {
	EventID    string               `json:"event_id"`
	ProtocolID violation.ProtocolID `json:"protocol_id"`
	Tier       violation.Tier       `json:"tier"`
	Kind       violation.Kind       `json:"kind"`
	State      State                `json:"state"`
	MarkedAt   time.Time            `json:"marked_at"`
}

// FileMarker stores the destruction marker in a single file
type FileMarker struct {
	path string
}

// NewFileMarker creates a marker stored at path
func NewFileMarker(path string) *FileMarker {
	return &FileMarker{path: path}
}

// Mark writes rec atomically
func (m *FileMarker) Mark(rec MarkerRecord) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("failed to create marker directory: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal marker: %w", err)
	}
	if err := renameio.WriteFile(m.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write marker: %w", err)
	}
	return nil
}

// Load returns the stored record, or nil when no destruction has started
func (m *FileMarker) Load() (*MarkerRecord, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read marker: %w", err)
	}
	var rec MarkerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// an unreadable marker still means destruction had started
		return &MarkerRecord{State: StateDestructionSafeFail}, nil
	}
	return &rec, nil
}
