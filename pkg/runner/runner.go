// Package runner is the top-level run supervisor: it ingests findings,
// builds the wave plan, wires every component, handles interrupts and
// extracts memory after a clean run.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wavefix/wavefix/pkg/backend"
	"github.com/wavefix/wavefix/pkg/config"
	"github.com/wavefix/wavefix/pkg/ingest"
	"github.com/wavefix/wavefix/pkg/ledger"
	"github.com/wavefix/wavefix/pkg/memory"
	"github.com/wavefix/wavefix/pkg/models"
	"github.com/wavefix/wavefix/pkg/playbook"
	"github.com/wavefix/wavefix/pkg/preflight"
	"github.com/wavefix/wavefix/pkg/scheduler"
	"github.com/wavefix/wavefix/pkg/session"
	"github.com/wavefix/wavefix/pkg/state"
	"github.com/wavefix/wavefix/pkg/tracker"
)

// NewRunID generates an 8-character run identifier.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Options tune one supervised run.
type Options struct {
	CSVPath     string
	CSVFilename string // original upload name for the index row; may be empty
	RunID       string // empty generates a fresh id
	Registry    prometheus.Registerer
	MockSeed    int64 // seed for the simulated backend; 0 means time-based
}

// Runner executes one complete remediation run.
type Runner struct {
	cfg *config.Config
}

// New creates a run supervisor.
func New(cfg *config.Config) *Runner {
	return &Runner{cfg: cfg}
}

// Execute runs the whole pipeline: ingest, preflight, playbooks, waves,
// memory extraction. It returns the final BatchRun along with any fatal
// setup error; scheduling errors are absorbed into session outcomes.
func (r *Runner) Execute(ctx context.Context, opts Options) (*models.BatchRun, error) {
	runID := opts.RunID
	if runID == "" {
		runID = NewRunID()
	}

	findings, err := ingest.Pipeline(opts.CSVPath, r.cfg.ServiceWeightsFile)
	if err != nil {
		_ = WriteBootstrap(r.cfg.RunsDir, runID, BootstrapFailedToSpawn, 0, err.Error())
		return nil, fmt.Errorf("ingest findings: %w", err)
	}

	backends, primary, err := r.buildBackends(opts.MockSeed)
	if err != nil {
		_ = WriteBootstrap(r.cfg.RunsDir, runID, BootstrapFailedToSpawn, 0, err.Error())
		return nil, err
	}
	defer func() {
		for _, be := range backends {
			_ = be.Close()
		}
	}()

	slog.Info("Starting remediation run",
		"run_id", runID,
		"mode", r.cfg.Mode(),
		"findings", len(findings),
		"wave_size", r.cfg.WaveSize)

	if errs := preflight.Check(ctx, primary, r.cfg, findings); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("Preflight check failed", "reason", e)
		}
		msg := strings.Join(errs, "; ")
		_ = WriteBootstrap(r.cfg.RunsDir, runID, BootstrapFailedToSpawn, 0, msg)
		return nil, fmt.Errorf("preflight failed: %s", msg)
	}

	playbookIDs, err := playbook.EnsureUploaded(ctx, primary, r.cfg.PlaybooksDir)
	if err != nil {
		_ = WriteBootstrap(r.cfg.RunsDir, runID, BootstrapFailedToSpawn, 0, err.Error())
		return nil, fmt.Errorf("upload playbooks: %w", err)
	}
	assigner := playbook.NewAssigner(r.cfg.PlaybooksDir, playbookIDs)

	waves := scheduler.BuildWaves(findings, r.cfg.WaveSize, assigner.IDFor)
	total := 0
	for _, wave := range waves {
		total += wave.TotalCount()
	}

	run := &models.BatchRun{
		RunID:         runID,
		StartedAt:     time.Now().UTC(),
		Waves:         waves,
		TotalFindings: total,
		Status:        models.RunPending,
		DataSource:    models.DataSource(r.cfg.Mode()),
		Events:        []models.TimelineEvent{},
	}

	store := state.NewStore(r.cfg.RunsDir, r.cfg.StateFilePath)
	var metrics *tracker.Metrics
	if opts.Registry != nil {
		metrics = tracker.NewMetrics(opts.Registry)
	}
	trk := tracker.New(run, store, metrics)
	trk.SetCSVFilename(opts.CSVFilename)
	trk.AddEvent(models.EventRunStarted,
		fmt.Sprintf("Remediation run %s started", runID), nil)
	trk.SaveState()

	if err := WriteBootstrap(r.cfg.RunsDir, runID, BootstrapStarted, os.Getpid(), ""); err != nil {
		slog.Warn("Could not write bootstrap marker", "error", err)
	}
	if err := WritePIDFile(r.cfg.RunsDir, runID, os.Getpid()); err != nil {
		slog.Warn("Could not write pid file", "error", err)
	}

	led := ledger.Open(filepath.Join(r.cfg.RunsDir, runID, "idempotency.json"))

	memStore, err := memory.NewStore(r.cfg.MemoryDir)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	retriever := memory.NewRetriever(memStore, 3)

	mgr := session.NewManager(r.cfg, runID, led, retriever, backends)
	sched := scheduler.New(r.cfg, mgr, trk)

	stop := r.installInterruptHandler(trk)
	defer stop()

	if err := sched.ExecuteRun(ctx); err != nil {
		slog.Error("Run execution error", "run_id", runID, "error", err)
	}

	// Only completed runs feed the memory store; a paused or interrupted
	// run still has sessions in flight whose outcomes are not settled.
	if run.Status == models.RunCompleted {
		if saved := memory.ExtractAndStore(run, memStore); saved > 0 {
			slog.Info("Extracted memory items", "count", saved, "run_id", runID)
		}
	}

	slog.Info("Run complete",
		"run_id", runID,
		"successful", run.Successful,
		"failed", run.Failed,
		"prs_created", run.PRsCreated,
		"status", run.Status)
	return run, nil
}

// buildBackends constructs the per-data-source backend set and the primary
// backend used for preflight, playbooks and drain. Hybrid mode carries both
// a hardened live client and a simulated one.
func (r *Runner) buildBackends(mockSeed int64) (map[models.DataSource]backend.Backend, backend.Backend, error) {
	backends := map[models.DataSource]backend.Backend{}

	needLive := !r.cfg.MockMode || r.cfg.HybridMode
	needMock := r.cfg.MockMode || r.cfg.HybridMode

	if needLive {
		if r.cfg.APIKey == "" && !r.cfg.HybridMode {
			return nil, nil, fmt.Errorf("live mode requires WAVEFIX_API_KEY")
		}
		hardened := backend.NewHardened(
			backend.NewRemote(r.cfg.APIKey, r.cfg.APIBaseURL),
			backend.HardenedConfig{
				MaxRetries:       r.cfg.MaxRetries,
				RetryJitterMax:   r.cfg.RetryJitterMax,
				BreakerThreshold: uint32(r.cfg.CircuitBreakerThreshold),
				BreakerCooldown:  r.cfg.CircuitBreakerCooldown,
			})
		backends[models.SourceLive] = hardened
	}
	if needMock {
		backends[models.SourceMock] = backend.NewSimulated(mockSeed)
	}

	primary := backends[models.SourceLive]
	if primary == nil {
		primary = backends[models.SourceMock]
	}
	return backends, primary, nil
}

// installInterruptHandler flips the run to interrupted on SIGINT/SIGTERM
// and persists immediately. The scheduler observes the flag between waves;
// in-flight polls finish but no new wave starts.
func (r *Runner) installInterruptHandler(trk *tracker.Tracker) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			slog.Warn("Interrupt received, saving state", "signal", sig.String())
			trk.WithRun(func(run *models.BatchRun) {
				run.Status = models.RunInterrupted
			})
			trk.AddEvent(models.EventRunInterrupted, "Run interrupted by user", nil)
			trk.SaveState()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// LoadRun reads a persisted BatchRun from disk, defaulting to the newest
// run in the index when runID is empty.
func LoadRun(cfg *config.Config, runID string) (*models.BatchRun, error) {
	store := state.NewStore(cfg.RunsDir, cfg.StateFilePath)
	if runID == "" {
		entries, err := store.ReadIndex()
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("no runs found")
		}
		runID = entries[len(entries)-1].RunID
	}
	return store.ReadRunState(runID)
}
