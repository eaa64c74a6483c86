package orders

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Snapshot is one fallback record: the whole order at the time it was captured.
type Snapshot struct {
	Order
	CapturedAt time.Time `json:"captured_at"`
}

// FileStore is the degraded-mode store: a JSON array of snapshots.
//
// Appends rewrite the full collection through a temp file and rename, so a
// crash never leaves a half-written array. The mutex only covers writers in
// this process; two processes sharing one file can lose appends.
type FileStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Append(o *Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	snapshots, err := f.read()
	if err != nil {
		return err
	}

	snapshots = append(snapshots, Snapshot{Order: *o, CapturedAt: f.now().UTC()})

	data, err := json.MarshalIndent(snapshots, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode fallback orders: %w", err)
	}
	return f.write(data)
}

// Contains reports whether any snapshot carries reference.
func (f *FileStore) Contains(reference string) (bool, error) {
	snapshots, err := f.ReadAll()
	if err != nil {
		return false, err
	}
	for i := range snapshots {
		if snapshots[i].Reference == reference {
			return true, nil
		}
	}
	return false, nil
}

// ReadAll returns every snapshot; a missing or empty file is an empty list.
func (f *FileStore) ReadAll() ([]Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *FileStore) read() ([]Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fallback orders: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return []Snapshot{}, nil
	}

	var snapshots []Snapshot
	if err := json.Unmarshal(data, &snapshots); err != nil {
		// refuse to rewrite a file we cannot parse
		return nil, fmt.Errorf("fallback orders file %s is corrupt: %w", f.path, err)
	}
	return snapshots, nil
}

func (f *FileStore) write(data []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create fallback dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".orders-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write fallback orders: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync fallback orders: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace fallback orders: %w", err)
	}
	return nil
}
