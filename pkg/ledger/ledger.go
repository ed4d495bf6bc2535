// Package ledger makes session creation idempotent per (run, finding,
// attempt). The ledger is written only by the owning engine process, so it
// uses atomic rename without the file lock.
package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/wavefix/wavefix/pkg/state"
)

// Entry records one successful session creation.
type Entry struct {
	SessionID string `json:"session_id"`
	CreatedAt string `json:"created_at"`
}

// Ledger is a run-scoped, persisted map from idempotency key to created
// session. Corrupt or missing files load as empty; corruption never aborts
// a run.
type Ledger struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry
}

// Key builds the composite idempotency key. Attempt is part of the key so
// retries are never deduplicated against earlier attempts.
func Key(runID, findingID string, attempt int) string {
	return fmt.Sprintf("%s-%s-attempt-%d", runID, findingID, attempt)
}

// Open loads the ledger at path, treating unreadable content as empty.
func Open(path string) *Ledger {
	l := &Ledger{path: path, entries: make(map[string]Entry)}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Could not read idempotency ledger, starting fresh", "path", path, "error", err)
		}
		return l
	}
	if err := json.Unmarshal(data, &l.entries); err != nil {
		slog.Warn("Corrupt idempotency ledger, starting fresh", "path", path, "error", err)
		l.entries = make(map[string]Entry)
	}
	return l
}

// Lookup returns the recorded entry for key, if any.
func (l *Ledger) Lookup(key string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return e, ok
}

// Record upserts an entry and persists the ledger before returning.
func (l *Ledger) Record(key, sessionID, createdAt string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = Entry{SessionID: sessionID, CreatedAt: createdAt}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	if err := state.AtomicWriteJSON(l.path, l.entries); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	slog.Debug("Idempotency recorded", "key", key, "session_id", sessionID)
	return nil
}

// Len returns the number of recorded entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
