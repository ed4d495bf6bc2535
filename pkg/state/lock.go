// Package state persists run state to disk. All shared files are written
// under an advisory file lock plus atomic rename, a protocol shared with
// out-of-process writers (the review path and the upload handler), so the
// lock file layout and staleness rule are a binding contract.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// ErrLockTimeout is returned when the lock cannot be acquired before the
// deadline.
var ErrLockTimeout = errors.New("file lock timeout")

const (
	defaultLockTimeout  = 5 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	defaultStaleAfter   = 30 * time.Second
)

// lockMeta is the JSON payload written into the lock file. Field names and
// the epoch-seconds started_at encoding are part of the cross-process
// protocol.
type lockMeta struct {
	PID       int     `json:"pid"`
	Host      string  `json:"host"`
	StartedAt float64 `json:"started_at"`
	Writer    string  `json:"writer"`
}

// Lock is a held advisory lock on a target file.
type Lock struct {
	lockPath string
}

// LockOptions tune lock acquisition. Zero values use the protocol defaults.
type LockOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
	StaleAfter   time.Duration
	Writer       string
}

// AcquireLock takes the advisory lock for targetPath by exclusively creating
// the sibling <targetPath>.lock file. An existing lock is reclaimed when it
// is stale: older than StaleAfter, or (same host) its owner pid is dead.
// Otherwise acquisition polls until Timeout and fails with ErrLockTimeout.
func AcquireLock(targetPath string, opts LockOptions) (*Lock, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultLockTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.Writer == "" {
		opts.Writer = "wavefix"
	}

	lockPath := targetPath + ".lock"
	deadline := time.Now().Add(opts.Timeout)

	for {
		fd, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			host, _ := os.Hostname()
			meta := lockMeta{
				PID:       os.Getpid(),
				Host:      host,
				StartedAt: float64(time.Now().UnixNano()) / float64(time.Second),
				Writer:    opts.Writer,
			}
			if encErr := json.NewEncoder(fd).Encode(meta); encErr != nil {
				slog.Warn("Could not write lock metadata", "path", lockPath, "error", encErr)
			}
			_ = fd.Close()
			return &Lock{lockPath: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock %s: %w", lockPath, err)
		}

		if isStaleLock(lockPath, opts.StaleAfter) {
			if rmErr := os.Remove(lockPath); rmErr == nil || os.IsNotExist(rmErr) {
				continue // retry immediately after removing the stale lock
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: could not acquire lock on %s within %s",
				ErrLockTimeout, targetPath, opts.Timeout)
		}
		time.Sleep(opts.PollInterval)
	}
}

// Release removes the lock file. Safe to call once per acquired lock; a
// missing lock file is not an error.
func (l *Lock) Release() {
	if err := os.Remove(l.lockPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("Could not release lock", "path", l.lockPath, "error", err)
	}
}

// isStaleLock reports whether the lock at lockPath may be reclaimed.
func isStaleLock(lockPath string, staleAfter time.Duration) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}

	var meta lockMeta
	if err := json.Unmarshal(data, &meta); err != nil || meta.StartedAt == 0 {
		// Unreadable metadata: fall back to file age.
		info, statErr := os.Stat(lockPath)
		if statErr != nil {
			return false
		}
		return time.Since(info.ModTime()) > staleAfter
	}

	age := time.Since(time.Unix(0, int64(meta.StartedAt*float64(time.Second))))
	if age < staleAfter {
		return false
	}

	host, _ := os.Hostname()
	if meta.Host == host && meta.PID > 0 {
		// Signal 0 probes process existence without delivering a signal.
		err := syscall.Kill(meta.PID, 0)
		switch {
		case err == nil:
			return false // owner still alive
		case errors.Is(err, syscall.ESRCH):
			return true // owner dead and age exceeded
		default:
			return false // exists but not signalable
		}
	}

	// Different host or no pid recorded: age alone decides.
	return true
}
