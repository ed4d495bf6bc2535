package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/wavefix/wavefix/pkg/state"
)

// Bootstrap lifecycle statuses for runs/<id>/bootstrap.json.
const (
	BootstrapStarting      = "starting"
	BootstrapStarted       = "started"
	BootstrapFailedToSpawn = "failed_to_spawn"
)

// Bootstrap is the spawn lifecycle marker the upload handler and the run
// supervisor share.
type Bootstrap struct {
	Status    string `json:"status"`
	StartedAt string `json:"started_at"`
	RunID     string `json:"run_id"`
	PID       int    `json:"pid,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BootstrapPath returns runs/<run_id>/bootstrap.json.
func BootstrapPath(runsDir, runID string) string {
	return filepath.Join(runsDir, runID, "bootstrap.json")
}

// WriteBootstrap persists the marker atomically, creating the run dir.
func WriteBootstrap(runsDir, runID, status string, pid int, errMsg string) error {
	dir := filepath.Join(runsDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	return state.AtomicWriteJSON(BootstrapPath(runsDir, runID), Bootstrap{
		Status:    status,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		RunID:     runID,
		PID:       pid,
		Error:     errMsg,
	})
}

// ReadBootstrap loads the marker if present.
func ReadBootstrap(runsDir, runID string) (*Bootstrap, error) {
	data, err := os.ReadFile(BootstrapPath(runsDir, runID))
	if err != nil {
		return nil, err
	}
	var b Bootstrap
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bootstrap: %w", err)
	}
	return &b, nil
}

// WritePIDFile records the spawned process id as text at runs/<id>/pid.
func WritePIDFile(runsDir, runID string, pid int) error {
	path := filepath.Join(runsDir, runID, "pid")
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}
