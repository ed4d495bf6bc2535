package tracker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavefix/wavefix/pkg/models"
	"github.com/wavefix/wavefix/pkg/state"
)

func newTestTracker(t *testing.T) (*Tracker, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	store := state.NewStore(filepath.Join(dir, "runs"), filepath.Join(dir, "state.json"))
	run := &models.BatchRun{
		RunID:         "run-test",
		StartedAt:     time.Now().UTC(),
		Status:        models.RunRunning,
		TotalFindings: 4,
		DataSource:    models.SourceMock,
		Waves: []*models.Wave{
			{WaveNumber: 1, Sessions: []*models.RemediationSession{
				{Finding: models.Finding{FindingID: "FIND-001"}, Status: models.StatusSuccess,
					PRURL: "https://github.com/org/repo/pull/1", WaveNumber: 1, Attempt: 1},
				{Finding: models.Finding{FindingID: "FIND-002"}, Status: models.StatusFailed, WaveNumber: 1, Attempt: 1},
			}},
			{WaveNumber: 2, Sessions: []*models.RemediationSession{
				{Finding: models.Finding{FindingID: "FIND-003"}, Status: models.StatusWorking, WaveNumber: 2, Attempt: 1},
				{Finding: models.Finding{FindingID: "FIND-004"}, Status: models.StatusPending, WaveNumber: 2, Attempt: 1},
			}},
		},
		Events: []models.TimelineEvent{},
	}
	return New(run, store, nil), store
}

func TestTracker_RecountFromGroundTruth(t *testing.T) {
	trk, _ := newTestTracker(t)

	trk.UpdateSession()
	run := trk.Run()

	assert.Equal(t, 2, run.Completed)
	assert.Equal(t, 1, run.Successful)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, 1, run.PRsCreated)
	assert.Equal(t, 1, run.Waves[0].SuccessCount)
	assert.Equal(t, 1, run.Waves[0].FailureCount)
	assert.Equal(t, 0, run.Waves[1].SuccessCount)
}

func TestTracker_RecountExcludesBlockedFromFailed(t *testing.T) {
	trk, _ := newTestTracker(t)

	trk.WithRun(func(run *models.BatchRun) {
		run.Waves[1].Sessions[0].Status = models.StatusBlocked
	})
	trk.UpdateSession()

	run := trk.Run()
	assert.Equal(t, 1, run.Failed) // blocked is not terminal, not failed
	assert.Equal(t, 2, run.Completed)
}

func TestTracker_TimeoutCountsFailed(t *testing.T) {
	trk, _ := newTestTracker(t)

	trk.WithRun(func(run *models.BatchRun) {
		run.Waves[1].Sessions[0].Status = models.StatusTimeout
	})
	trk.UpdateSession()

	run := trk.Run()
	assert.Equal(t, 2, run.Failed)
	assert.Equal(t, 3, run.Completed)
}

func TestTracker_AddEvent(t *testing.T) {
	trk, _ := newTestTracker(t)

	trk.AddEvent(models.EventWaveStarted, "Wave 1 started", map[string]any{"wave_number": 1})
	trk.AddEvent(models.EventWaveCompleted, "Wave 1 completed", nil)

	run := trk.Run()
	require.Len(t, run.Events, 2)
	assert.Equal(t, models.EventWaveStarted, run.Events[0].EventType)
	assert.Equal(t, models.EventWaveCompleted, run.Events[1].EventType)
	assert.NotNil(t, run.Events[1].Details) // nil details normalize to {}
	assert.False(t, run.Events[0].Timestamp.IsZero())
}

func TestTracker_SaveState_AllThreeTargets(t *testing.T) {
	trk, store := newTestTracker(t)
	trk.SetCSVFilename("upload.csv")

	trk.SaveState()

	loaded, err := store.ReadRunState("run-test")
	require.NoError(t, err)
	assert.Equal(t, "run-test", loaded.RunID)

	entries, err := store.ReadIndex()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-test", entries[0].RunID)
	assert.Equal(t, "upload.csv", entries[0].CSVFilename)
	assert.Equal(t, models.SourceMock, entries[0].DataSource)
}

func TestTracker_SaveState_RunWriteFailureInterrupts(t *testing.T) {
	dir := t.TempDir()
	// A plain file where the runs dir should be makes the per-run write fail.
	blocked := filepath.Join(dir, "runs")
	require.NoError(t, os.WriteFile(blocked, []byte("not a dir"), 0o644))
	store := state.NewStore(blocked, filepath.Join(dir, "state.json"))

	trk := New(&models.BatchRun{RunID: "run-x", Status: models.RunRunning}, store, nil)
	trk.SaveState()

	assert.Equal(t, models.RunInterrupted, trk.Run().Status)
}

func TestTracker_Summary(t *testing.T) {
	trk, _ := newTestTracker(t)
	trk.UpdateSession()

	summary := trk.Summary()
	assert.Equal(t, 4, summary.TotalFindings)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 0.5, summary.SuccessRate)
	assert.Equal(t, 1, summary.ActiveSessions) // the working one
	assert.Equal(t, 1, summary.PendingReviews)
	assert.Equal(t, 2, summary.CurrentWave) // wave 2 has a non-pending session
}

func TestTracker_Summary_ReviewedPRNotPending(t *testing.T) {
	trk, _ := newTestTracker(t)
	trk.WithRun(func(run *models.BatchRun) {
		run.Waves[0].Sessions[0].ReviewStatus = models.ReviewApproved
	})
	trk.UpdateSession()

	summary := trk.Summary()
	assert.Equal(t, 1, summary.PRsCreated)
	assert.Equal(t, 0, summary.PendingReviews)
}

func TestMetrics_ObserveRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	trk, _ := newTestTracker(t)
	trk.metrics = metrics
	trk.UpdateSession()
	trk.AddEvent(models.EventSessionStarted, "started", nil)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["wavefix_sessions"])
	assert.True(t, names["wavefix_prs_created"])
	assert.True(t, names["wavefix_timeline_events_total"])
}
