package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wavefix/wavefix/pkg/models"
)

// AtomicWriteJSON writes v as indented JSON to path via a sibling temp file
// and rename, so readers never observe a partial document.
func AtomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmpPath, err)
	}
	return nil
}

// Store writes run state to the three target files: the per-run state, the
// runs index and the legacy pointer.
type Store struct {
	runsDir    string
	legacyPath string
	writer     string
}

// NewStore creates a store rooted at runsDir. legacyPath is the legacy
// top-level state.json kept equal to the most recent run's state.
func NewStore(runsDir, legacyPath string) *Store {
	return &Store{runsDir: runsDir, legacyPath: legacyPath, writer: "engine"}
}

// RunDir returns the per-run directory, creating it if needed.
func (s *Store) RunDir(runID string) (string, error) {
	dir := filepath.Join(s.runsDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	return dir, nil
}

// RunStatePath returns the path of a run's state.json.
func (s *Store) RunStatePath(runID string) string {
	return filepath.Join(s.runsDir, runID, "state.json")
}

// IndexPath returns the path of the runs index.
func (s *Store) IndexPath() string {
	return filepath.Join(s.runsDir, "index.json")
}

// WriteRunState persists a BatchRun to runs/<run_id>/state.json under the
// file lock. The review path mutates the same file out of process.
func (s *Store) WriteRunState(run *models.BatchRun) error {
	if _, err := s.RunDir(run.RunID); err != nil {
		return err
	}
	path := s.RunStatePath(run.RunID)
	lock, err := AcquireLock(path, LockOptions{Writer: s.writer})
	if err != nil {
		return err
	}
	defer lock.Release()
	return AtomicWriteJSON(path, run)
}

// ReadRunState loads a persisted BatchRun.
func (s *Store) ReadRunState(runID string) (*models.BatchRun, error) {
	data, err := os.ReadFile(s.RunStatePath(runID))
	if err != nil {
		return nil, fmt.Errorf("read run state: %w", err)
	}
	var run models.BatchRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode run state: %w", err)
	}
	return &run, nil
}

// UpsertIndex inserts or replaces the run's summary row in runs/index.json
// under the file lock. The index is append-order: newest runs last.
func (s *Store) UpsertIndex(summary models.RunSummary) error {
	if err := os.MkdirAll(s.runsDir, 0o755); err != nil {
		return fmt.Errorf("create runs dir: %w", err)
	}
	path := s.IndexPath()
	lock, err := AcquireLock(path, LockOptions{Writer: s.writer})
	if err != nil {
		return err
	}
	defer lock.Release()

	entries, _ := s.readIndexUnlocked()
	replaced := false
	for i, e := range entries {
		if e.RunID == summary.RunID {
			entries[i] = summary
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, summary)
	}
	return AtomicWriteJSON(path, entries)
}

// ReadIndex returns all run summaries, newest last. A missing or corrupt
// index reads as empty.
func (s *Store) ReadIndex() ([]models.RunSummary, error) {
	return s.readIndexUnlocked()
}

func (s *Store) readIndexUnlocked() ([]models.RunSummary, error) {
	data, err := os.ReadFile(s.IndexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []models.RunSummary{}, nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}
	var entries []models.RunSummary
	if err := json.Unmarshal(data, &entries); err != nil {
		return []models.RunSummary{}, nil
	}
	return entries, nil
}

// WriteLegacy writes the legacy top-level state.json copy.
func (s *Store) WriteLegacy(run *models.BatchRun) error {
	return AtomicWriteJSON(s.legacyPath, run)
}
