package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"yield-alerts/internal/monitor"
)

// FileStore keeps each resource as a JSON file in one directory. Writes go to
// a temp file that is renamed over the target.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("persistence.dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(r Resource) string {
	return filepath.Join(s.dir, string(r)+".json")
}

func (s *FileStore) LoadConditions(context.Context) ([]monitor.Condition, error) {
	out := make([]monitor.Condition, 0)
	if err := s.read(ResourceConditions, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *FileStore) SaveConditions(_ context.Context, conditions []monitor.Condition) error {
	return s.write(ResourceConditions, conditions)
}

func (s *FileStore) LoadAlerts(context.Context) ([]monitor.Alert, error) {
	out := make([]monitor.Alert, 0)
	if err := s.read(ResourceAlerts, &out); err != nil {
		return nil, err
	}
	return trimAlerts(out), nil
}

func (s *FileStore) SaveAlerts(_ context.Context, alerts []monitor.Alert) error {
	return s.write(ResourceAlerts, trimAlerts(alerts))
}

func (s *FileStore) LoadSnapshot(context.Context) (monitor.Snapshot, error) {
	var snap monitor.Snapshot
	if err := s.read(ResourceSnapshot, &snap); err != nil {
		return monitor.Snapshot{}, err
	}
	return snap, nil
}

func (s *FileStore) SaveSnapshot(_ context.Context, snap monitor.Snapshot) error {
	return s.write(ResourceSnapshot, snap)
}

func (s *FileStore) Close() {}

func (s *FileStore) read(r Resource, dst any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(r))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &PersistenceError{Resource: r, Op: "load", Err: err}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &PersistenceError{Resource: r, Op: "load", Err: err}
	}
	return nil
}

func (s *FileStore) write(r Resource, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &PersistenceError{Resource: r, Op: "save", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, string(r)+"-*.tmp")
	if err != nil {
		return &PersistenceError{Resource: r, Op: "save", Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &PersistenceError{Resource: r, Op: "save", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &PersistenceError{Resource: r, Op: "save", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &PersistenceError{Resource: r, Op: "save", Err: err}
	}
	if err := os.Rename(tmp.Name(), s.path(r)); err != nil {
		return &PersistenceError{Resource: r, Op: "save", Err: err}
	}
	return nil
}

var _ StateStore = (*FileStore)(nil)
