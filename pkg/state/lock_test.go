package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock_WritesMetadata(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")

	lock, err := AcquireLock(target, LockOptions{Writer: "engine"})
	require.NoError(t, err)
	defer lock.Release()

	data, err := os.ReadFile(target + ".lock")
	require.NoError(t, err)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, float64(os.Getpid()), meta["pid"])
	assert.Equal(t, "engine", meta["writer"])
	assert.Greater(t, meta["started_at"], float64(0))
	assert.NotEmpty(t, meta["host"])
}

func TestAcquireLock_Contention(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")

	first, err := AcquireLock(target, LockOptions{})
	require.NoError(t, err)
	defer first.Release()

	_, err = AcquireLock(target, LockOptions{
		Timeout:      200 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestAcquireLock_ReleaseAllowsReacquire(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")

	lock, err := AcquireLock(target, LockOptions{})
	require.NoError(t, err)
	lock.Release()

	second, err := AcquireLock(target, LockOptions{Timeout: time.Second})
	require.NoError(t, err)
	second.Release()
}

func TestAcquireLock_ReclaimsStaleByAge(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")
	lockPath := target + ".lock"

	// A lock from a dead pid on this host, old enough to be stale.
	stale := map[string]any{
		"pid":        999999999,
		"host":       hostName(t),
		"started_at": float64(time.Now().Add(-time.Minute).UnixNano()) / float64(time.Second),
		"writer":     "engine",
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(lockPath, data, 0o644))

	lock, err := AcquireLock(target, LockOptions{
		Timeout:    time.Second,
		StaleAfter: 30 * time.Second,
	})
	require.NoError(t, err)
	lock.Release()
}

func TestAcquireLock_FreshLockNotReclaimed(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")
	lockPath := target + ".lock"

	fresh := map[string]any{
		"pid":        999999999,
		"host":       hostName(t),
		"started_at": float64(time.Now().UnixNano()) / float64(time.Second),
		"writer":     "engine",
	}
	data, err := json.Marshal(fresh)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(lockPath, data, 0o644))

	_, err = AcquireLock(target, LockOptions{
		Timeout:      200 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestAcquireLock_UnreadableMetadataFallsBackToFileAge(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")
	lockPath := target + ".lock"

	require.NoError(t, os.WriteFile(lockPath, []byte("not json"), 0o644))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	lock, err := AcquireLock(target, LockOptions{Timeout: time.Second})
	require.NoError(t, err)
	lock.Release()
}

func TestLock_ReleaseIdempotent(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")

	lock, err := AcquireLock(target, LockOptions{})
	require.NoError(t, err)
	lock.Release()
	lock.Release() // second release must not panic or error
}

func hostName(t *testing.T) string {
	t.Helper()
	host, err := os.Hostname()
	require.NoError(t, err)
	return host
}
