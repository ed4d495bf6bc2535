// Package tracker maintains the authoritative in-memory BatchRun, recounts
// aggregate counters from ground truth after every session mutation, appends
// timeline events, and drives persistence through the state store.
package tracker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/wavefix/wavefix/pkg/models"
	"github.com/wavefix/wavefix/pkg/state"
)

// Summary is the aggregate view served to dashboards.
type Summary struct {
	TotalFindings  int              `json:"total_findings"`
	Completed      int              `json:"completed"`
	Successful     int              `json:"successful"`
	Failed         int              `json:"failed"`
	PRsCreated     int              `json:"prs_created"`
	SuccessRate    float64          `json:"success_rate"`
	ActiveSessions int              `json:"active_sessions"`
	PendingReviews int              `json:"pending_reviews"`
	Status         models.RunStatus `json:"status"`
	CurrentWave    int              `json:"current_wave"`
}

// Tracker owns one run's BatchRun aggregate. All access goes through the
// tracker's mutex; the scheduler's session goroutines and the poll loop
// share it.
type Tracker struct {
	mu      sync.Mutex
	run     *models.BatchRun
	store   *state.Store
	csvName string
	metrics *Metrics
	now     func() time.Time
}

// New creates a tracker for run, persisting through store. metrics may be
// nil when instrumentation is not wanted (tests).
func New(run *models.BatchRun, store *state.Store, metrics *Metrics) *Tracker {
	return &Tracker{run: run, store: store, metrics: metrics, now: time.Now}
}

// SetCSVFilename records the originating upload name for the index row.
func (t *Tracker) SetCSVFilename(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.csvName = name
}

// Run returns the tracked BatchRun. Callers must not mutate it outside the
// tracker's WithRun helper.
func (t *Tracker) Run() *models.BatchRun {
	return t.run
}

// WithRun runs fn while holding the tracker's mutex.
func (t *Tracker) WithRun(fn func(run *models.BatchRun)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.run)
}

// UpdateSession recounts every aggregate counter from ground truth, walking
// all sessions across all waves. Counters are never incremented in place;
// recounting keeps them consistent with concurrent mutations.
func (t *Tracker) UpdateSession() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recountLocked()
}

func (t *Tracker) recountLocked() {
	completed, successful, failed, prs := 0, 0, 0, 0

	for _, wave := range t.run.Waves {
		waveSuccess, waveFailure := 0, 0
		for _, sess := range wave.Sessions {
			if sess.Status.IsTerminal() {
				completed++
			}
			switch sess.Status {
			case models.StatusSuccess:
				successful++
				waveSuccess++
			case models.StatusFailed, models.StatusTimeout:
				failed++
				waveFailure++
			}
			if sess.PRURL != "" {
				prs++
			}
		}
		wave.SuccessCount = waveSuccess
		wave.FailureCount = waveFailure
	}

	t.run.Completed = completed
	t.run.Successful = successful
	t.run.Failed = failed
	t.run.PRsCreated = prs

	if t.metrics != nil {
		t.metrics.ObserveRun(t.run)
	}
}

// AddEvent appends a timeline event. Events are insertion-ordered and never
// removed.
func (t *Tracker) AddEvent(eventType, message string, details map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if details == nil {
		details = map[string]any{}
	}
	t.run.Events = append(t.run.Events, models.TimelineEvent{
		Timestamp: t.now().UTC(),
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
	if t.metrics != nil {
		t.metrics.CountEvent(eventType)
	}
}

// SaveState persists the run to the three targets in order: per-run state,
// runs index, legacy pointer. Index and legacy failures are logged, never
// fatal; a failed per-run write marks the run interrupted so the scheduler
// stops at the next wave boundary.
func (t *Tracker) SaveState() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.store.WriteRunState(t.run); err != nil {
		slog.Error("Could not persist run state, interrupting run",
			"run_id", t.run.RunID, "error", err)
		// Without durable per-run state the run must not keep dispatching.
		t.run.Status = models.RunInterrupted
	}
	summary := models.RunSummary{
		RunID:         t.run.RunID,
		StartedAt:     t.run.StartedAt,
		Status:        t.run.Status,
		TotalFindings: t.run.TotalFindings,
		CSVFilename:   t.csvName,
		DataSource:    t.run.DataSource,
	}
	if err := t.store.UpsertIndex(summary); err != nil {
		slog.Error("Could not update runs index", "run_id", t.run.RunID, "error", err)
	}
	if err := t.store.WriteLegacy(t.run); err != nil {
		slog.Error("Could not write legacy state file", "error", err)
	}
}

// Summary computes the aggregate dashboard view.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	active, pendingReviews, currentWave := 0, 0, 0
	for _, wave := range t.run.Waves {
		hasNonPending := false
		for _, sess := range wave.Sessions {
			if sess.Status == models.StatusDispatched || sess.Status == models.StatusWorking {
				active++
			}
			// A PR already approved or rejected is no longer pending.
			if sess.PRURL != "" && sess.ReviewStatus == "" {
				pendingReviews++
			}
			if sess.Status != models.StatusPending {
				hasNonPending = true
			}
		}
		if hasNonPending && wave.WaveNumber > currentWave {
			currentWave = wave.WaveNumber
		}
	}

	successRate := 0.0
	if t.run.Completed > 0 {
		successRate = float64(t.run.Successful) / float64(t.run.Completed)
	}
	return Summary{
		TotalFindings:  t.run.TotalFindings,
		Completed:      t.run.Completed,
		Successful:     t.run.Successful,
		Failed:         t.run.Failed,
		PRsCreated:     t.run.PRsCreated,
		SuccessRate:    successRate,
		ActiveSessions: active,
		PendingReviews: pendingReviews,
		Status:         t.run.Status,
		CurrentWave:    currentWave,
	}
}
