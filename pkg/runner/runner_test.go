package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavefix/wavefix/pkg/config"
	"github.com/wavefix/wavefix/pkg/models"
	"github.com/wavefix/wavefix/pkg/state"
)

func TestNewRunID(t *testing.T) {
	id := NewRunID()
	assert.Len(t, id, 8)
	assert.Regexp(t, "^[0-9a-f]{8}$", id)
	assert.NotEqual(t, id, NewRunID())
}

func TestBootstrap_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, WriteBootstrap(dir, "run-1", BootstrapStarting, 0, ""))
	b, err := ReadBootstrap(dir, "run-1")
	require.NoError(t, err)
	assert.Equal(t, BootstrapStarting, b.Status)
	assert.Equal(t, "run-1", b.RunID)
	assert.NotEmpty(t, b.StartedAt)

	require.NoError(t, WriteBootstrap(dir, "run-1", BootstrapStarted, 4242, ""))
	b, err = ReadBootstrap(dir, "run-1")
	require.NoError(t, err)
	assert.Equal(t, BootstrapStarted, b.Status)
	assert.Equal(t, 4242, b.PID)
}

func TestBootstrap_FailedToSpawnCarriesError(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, WriteBootstrap(dir, "run-1", BootstrapFailedToSpawn, 0, "preflight failed"))
	b, err := ReadBootstrap(dir, "run-1")
	require.NoError(t, err)
	assert.Equal(t, BootstrapFailedToSpawn, b.Status)
	assert.Equal(t, "preflight failed", b.Error)
}

func TestReadBootstrap_Missing(t *testing.T) {
	_, err := ReadBootstrap(t.TempDir(), "run-nope")
	assert.True(t, os.IsNotExist(err))
}

func TestWritePIDFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "run-1"), 0o755))

	require.NoError(t, WritePIDFile(dir, "run-1", 1234))
	data, err := os.ReadFile(filepath.Join(dir, "run-1", "pid"))
	require.NoError(t, err)
	assert.Equal(t, "1234", string(data))
}

func TestBuildBackends_MockOnly(t *testing.T) {
	cfg := config.Default()
	r := New(cfg)

	backends, primary, err := r.buildBackends(1)
	require.NoError(t, err)
	assert.Len(t, backends, 1)
	assert.Contains(t, backends, models.SourceMock)
	assert.Same(t, backends[models.SourceMock], primary)
}

func TestBuildBackends_LiveWithoutKey(t *testing.T) {
	cfg := config.Default()
	cfg.MockMode = false
	cfg.APIKey = ""

	_, _, err := New(cfg).buildBackends(0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WAVEFIX_API_KEY")
}

func TestBuildBackends_Hybrid(t *testing.T) {
	cfg := config.Default()
	cfg.MockMode = false
	cfg.HybridMode = true
	cfg.APIKey = "key-123"

	backends, primary, err := New(cfg).buildBackends(1)
	require.NoError(t, err)
	assert.Len(t, backends, 2)
	assert.Contains(t, backends, models.SourceLive)
	assert.Contains(t, backends, models.SourceMock)
	assert.Same(t, backends[models.SourceLive], primary)
	for _, be := range backends {
		_ = be.Close()
	}
}

func TestLoadRun(t *testing.T) {
	cfg := testConfig(t)
	store := state.NewStore(cfg.RunsDir, cfg.StateFilePath)

	for _, runID := range []string{"run-old", "run-new"} {
		run := &models.BatchRun{RunID: runID, StartedAt: time.Now().UTC(), Status: models.RunCompleted}
		require.NoError(t, store.WriteRunState(run))
		require.NoError(t, store.UpsertIndex(models.RunSummary{RunID: runID, Status: run.Status}))
	}

	run, err := LoadRun(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "run-new", run.RunID) // newest index entry wins

	run, err = LoadRun(cfg, "run-old")
	require.NoError(t, err)
	assert.Equal(t, "run-old", run.RunID)
}

func TestLoadRun_NoRuns(t *testing.T) {
	_, err := LoadRun(testConfig(t), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no runs found")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.RunsDir = filepath.Join(dir, "runs")
	cfg.StateFilePath = filepath.Join(dir, "state.json")
	cfg.MemoryDir = filepath.Join(dir, "memory")
	cfg.PlaybooksDir = filepath.Join(dir, "playbooks")
	cfg.ServiceWeightsFile = ""
	cfg.ServiceOverridesFile = ""
	cfg.PollInterval = time.Millisecond
	cfg.WaveSize = 2
	return cfg
}

const findingsCSV = `finding_id,scanner,category,severity,title,description,service_name,repo_url,file_path,line_number,cwe_id,language
FIND-001,semgrep,sql_injection,critical,SQLi in dao,Raw concatenation,payment-service,https://github.com/org/payment-service,src/Dao.java,42,CWE-89,java
FIND-002,semgrep,hardcoded_secret,high,Secret in config,API key committed,user-service,https://github.com/org/user-service,config.yaml,,CWE-798,yaml
FIND-003,trivy,sql_injection,medium,SQLi in search,String format query,user-service,https://github.com/org/user-service,src/Search.java,10,CWE-89,java
`

func TestExecute_MockEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	// A tiny session timeout forces every simulated session to a fast
	// deterministic TIMEOUT, which trips the success-rate gate on wave 1.
	cfg.SessionTimeout = time.Millisecond
	cfg.MaxSessionAttempts = 1
	require.NoError(t, os.MkdirAll(cfg.PlaybooksDir, 0o755))
	for _, file := range []string{"sql_injection.devin.md", "hardcoded_secrets.devin.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.PlaybooksDir, file), []byte("# playbook"), 0o644))
	}
	csvPath := filepath.Join(t.TempDir(), "findings.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(findingsCSV), 0o644))

	run, err := New(cfg).Execute(context.Background(), Options{
		CSVPath:     csvPath,
		CSVFilename: "findings.csv",
		RunID:       "run-e2e",
		MockSeed:    7,
	})
	require.NoError(t, err)

	assert.Equal(t, "run-e2e", run.RunID)
	assert.Equal(t, 3, run.TotalFindings)
	require.Len(t, run.Waves, 2)

	assert.Equal(t, models.RunPaused, run.Status)
	for _, sess := range run.Waves[0].Sessions {
		assert.Equal(t, models.StatusTimeout, sess.Status)
	}
	for _, sess := range run.Waves[1].Sessions {
		assert.Equal(t, models.StatusPending, sess.Status)
	}

	// Playbooks were assigned from the uploaded set.
	for _, wave := range run.Waves {
		for _, sess := range wave.Sessions {
			assert.NotEmpty(t, sess.PlaybookID)
		}
	}

	// Priority ordering: the critical finding leads wave 1.
	assert.Equal(t, "FIND-001", run.Waves[0].Sessions[0].Finding.FindingID)

	b, err := ReadBootstrap(cfg.RunsDir, "run-e2e")
	require.NoError(t, err)
	assert.Equal(t, BootstrapStarted, b.Status)

	store := state.NewStore(cfg.RunsDir, cfg.StateFilePath)
	persisted, err := store.ReadRunState("run-e2e")
	require.NoError(t, err)
	assert.Equal(t, run.Status, persisted.Status)
	entries, err := store.ReadIndex()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "findings.csv", entries[0].CSVFilename)

	// A paused run contributes nothing to the memory store.
	_, err = os.Stat(filepath.Join(cfg.MemoryDir, "graph.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestExecute_IngestFailureWritesBootstrap(t *testing.T) {
	cfg := testConfig(t)

	_, err := New(cfg).Execute(context.Background(), Options{
		CSVPath: filepath.Join(t.TempDir(), "missing.csv"),
		RunID:   "run-bad",
	})
	require.Error(t, err)

	b, err := ReadBootstrap(cfg.RunsDir, "run-bad")
	require.NoError(t, err)
	assert.Equal(t, BootstrapFailedToSpawn, b.Status)
	assert.NotEmpty(t, b.Error)
}
