package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rand/asc/pkg/models"
)

// Storage persists whole playbook records keyed by agent name.
// Load returns (nil, nil) when no record exists yet.
type Storage interface {
	Load(ctx context.Context, agent string) (*models.PlaybookRecord, error)
	Save(ctx context.Context, rec *models.PlaybookRecord) error
}

// FileStorage keeps one JSON file per agent at <root>/playbooks/<agent>/playbook.json
type FileStorage struct {
	root string
}

// NewFileStorage creates file-backed storage under root
func NewFileStorage(root string) *FileStorage {
	return &FileStorage{root: root}
}

// Path returns the playbook file location for agent
func (f *FileStorage) Path(agent string) string {
	return filepath.Join(f.root, "playbooks", agent, "playbook.json")
}

func (f *FileStorage) Load(_ context.Context, agent string) (*models.PlaybookRecord, error) {
	data, err := os.ReadFile(f.Path(agent))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook: %w", err)
	}
	return decodeRecord(data)
}

// Save writes to a temp file and renames it over the old record so a crash
// never leaves a truncated playbook behind.
func (f *FileStorage) Save(_ context.Context, rec *models.PlaybookRecord) error {
	path := f.Path(rec.AgentName)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create playbook dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal playbook: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".playbook-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write playbook: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close playbook: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace playbook: %w", err)
	}
	return nil
}

func decodeRecord(data []byte) (*models.PlaybookRecord, error) {
	var rec models.PlaybookRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode playbook: %w", err)
	}
	return &rec, nil
}
