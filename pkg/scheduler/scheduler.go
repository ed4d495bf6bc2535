// Package scheduler executes a run wave by wave: concurrent dispatch under
// a parallelism cap, polling to terminal, success-rate gating and in-wave
// retries.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wavefix/wavefix/pkg/backend"
	"github.com/wavefix/wavefix/pkg/config"
	"github.com/wavefix/wavefix/pkg/models"
	"github.com/wavefix/wavefix/pkg/session"
	"github.com/wavefix/wavefix/pkg/tracker"
)

// breakerResetter is implemented by the hardened client.
type breakerResetter interface {
	ResetBreaker()
}

// Scheduler drives one run's waves through the session manager.
type Scheduler struct {
	cfg     *config.Config
	manager *session.Manager
	tracker *tracker.Tracker
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a scheduler for one run.
func New(cfg *config.Config, mgr *session.Manager, trk *tracker.Tracker) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		manager: mgr,
		tracker: trk,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BuildWaves chunks findings, already sorted by priority descending, into
// waves of waveSize with numbers 1..N. Every session starts PENDING at
// attempt 1. playbookFor maps a finding to its playbook id; it may return
// empty for findings without one.
func BuildWaves(findings []models.Finding, waveSize int, playbookFor func(models.Finding) string) []*models.Wave {
	if waveSize < 1 {
		waveSize = 1
	}
	var waves []*models.Wave
	for start := 0; start < len(findings); start += waveSize {
		end := start + waveSize
		if end > len(findings) {
			end = len(findings)
		}
		wave := &models.Wave{
			WaveNumber: len(waves) + 1,
			Status:     models.WaveStatusPending,
		}
		for _, finding := range findings[start:end] {
			playbookID := ""
			if playbookFor != nil {
				playbookID = playbookFor(finding)
			}
			wave.Sessions = append(wave.Sessions, &models.RemediationSession{
				Finding:    finding,
				PlaybookID: playbookID,
				Status:     models.StatusPending,
				WaveNumber: wave.WaveNumber,
				Attempt:    1,
			})
		}
		waves = append(waves, wave)
	}
	return waves
}

// ExecuteRun runs every wave of the tracked run to completion, applying
// gating and retries. It honors interruption between waves: once the run
// status flips to interrupted, no new wave is dispatched.
func (s *Scheduler) ExecuteRun(ctx context.Context) error {
	run := s.tracker.Run()

	s.DrainStaleSessions(ctx)

	for _, wave := range run.Waves {
		if s.interrupted() {
			slog.Info("Run interrupted, stopping dispatch", "run_id", run.RunID)
			break
		}

		slog.Info("Wave started", "wave", wave.WaveNumber, "sessions", wave.TotalCount())
		s.tracker.AddEvent(models.EventWaveStarted,
			fmt.Sprintf("Wave %d started", wave.WaveNumber),
			map[string]any{"wave_number": wave.WaveNumber})
		s.tracker.WithRun(func(run *models.BatchRun) {
			wave.Status = models.WaveStatusRunning
			if run.Status != models.RunInterrupted {
				run.Status = models.RunRunning
			}
		})
		s.tracker.SaveState()

		s.dispatchWave(ctx, wave, wave.Sessions)
		s.pollWave(ctx, wave.Sessions)

		s.tracker.WithRun(func(*models.BatchRun) {
			wave.Status = models.WaveStatusCompleted
		})
		s.cleanupWave(ctx, wave)

		prs := 0
		for _, sess := range wave.Sessions {
			if sess.PRURL != "" {
				prs++
			}
		}
		slog.Info("Wave completed",
			"wave", wave.WaveNumber,
			"succeeded", wave.SuccessCount,
			"total", wave.TotalCount(),
			"prs", prs)
		s.tracker.AddEvent(models.EventWaveCompleted,
			fmt.Sprintf("Wave %d completed: %d/%d succeeded, %d PRs",
				wave.WaveNumber, wave.SuccessCount, wave.TotalCount(), prs),
			map[string]any{
				"wave_number": wave.WaveNumber,
				"success":     wave.SuccessCount,
				"total":       wave.TotalCount(),
				"prs":         prs,
			})
		s.tracker.SaveState()

		if !s.checkGate(wave) {
			rate := successRate(wave)
			slog.Warn("Wave gated, pausing run",
				"wave", wave.WaveNumber,
				"success_rate", rate,
				"threshold", s.cfg.MinSuccessRate)
			s.tracker.WithRun(func(run *models.BatchRun) {
				run.Status = models.RunPaused
			})
			s.tracker.AddEvent(models.EventWaveGated, "Wave gated",
				map[string]any{
					"wave_number":  wave.WaveNumber,
					"success_rate": rate,
					"threshold":    s.cfg.MinSuccessRate,
				})
			s.tracker.SaveState()
			break
		}

		s.retryFailed(ctx, wave)

		if s.interrupted() {
			break
		}
	}

	s.tracker.WithRun(func(run *models.BatchRun) {
		if run.Status != models.RunPaused && run.Status != models.RunInterrupted {
			run.Status = models.RunCompleted
		}
	})
	s.tracker.AddEvent(models.EventRunCompleted, "Run completed", nil)
	s.tracker.SaveState()
	return nil
}

// applyRun serializes session mutations against the tracker's recount and
// persistence readers. Dispatch goroutines must not write shared session
// fields outside it.
func (s *Scheduler) applyRun(fn func()) {
	s.tracker.WithRun(func(*models.BatchRun) { fn() })
}

func (s *Scheduler) interrupted() bool {
	interrupted := false
	s.tracker.WithRun(func(run *models.BatchRun) {
		interrupted = run.Status == models.RunInterrupted
	})
	return interrupted
}

// dispatchWave creates sessions for every pending session in the given
// slice concurrently, bounded by the parallelism cap.
func (s *Scheduler) dispatchWave(ctx context.Context, wave *models.Wave, sessions []*models.RemediationSession) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.MaxParallelSessions)

	for _, sess := range sessions {
		if sess.Status != models.StatusPending {
			continue
		}
		sess := sess
		group.Go(func() error {
			hit, err := s.manager.Create(groupCtx, sess, s.applyRun)
			if err != nil {
				s.tracker.AddEvent(models.EventSessionFailed,
					fmt.Sprintf("Session creation failed for %s", sess.Finding.FindingID),
					map[string]any{
						"finding_id": sess.Finding.FindingID,
						"error":      err.Error(),
					})
				s.tracker.UpdateSession()
				return nil // creation failures are session outcomes, not run errors
			}
			if hit {
				s.tracker.AddEvent(models.EventIdempotencyHit,
					fmt.Sprintf("Reused session for %s attempt %d", sess.Finding.FindingID, sess.Attempt),
					map[string]any{
						"finding_id": sess.Finding.FindingID,
						"session_id": sess.SessionID,
						"attempt":    sess.Attempt,
					})
			}
			s.tracker.AddEvent(models.EventSessionStarted,
				fmt.Sprintf("Session started for %s", sess.Finding.FindingID),
				map[string]any{
					"finding_id":  sess.Finding.FindingID,
					"session_id":  sess.SessionID,
					"data_source": string(sess.DataSource),
					"wave_number": wave.WaveNumber,
					"attempt":     sess.Attempt,
				})
			s.tracker.UpdateSession()
			return nil
		})
	}
	_ = group.Wait()
	s.tracker.SaveState()
}

// pollWave polls the given sessions until none is active. Each sweep is
// bounded by the parallelism cap; state is saved after every sweep.
func (s *Scheduler) pollWave(ctx context.Context, sessions []*models.RemediationSession) {
	for {
		var active []*models.RemediationSession
		for _, sess := range sessions {
			if sess.Status.IsActive() {
				active = append(active, sess)
			}
		}
		if len(active) == 0 {
			return
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(s.cfg.MaxParallelSessions)
		for _, sess := range active {
			sess := sess
			group.Go(func() error {
				s.pollSession(groupCtx, sess)
				return nil
			})
		}
		_ = group.Wait()
		s.tracker.SaveState()

		stillActive := false
		for _, sess := range sessions {
			if sess.Status.IsActive() {
				stillActive = true
				break
			}
		}
		if !stillActive {
			return
		}
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return
		}
	}
}

// pollSession performs one poll of one active session: timeout promotion,
// snapshot fetch, structured output merge and lifecycle transition.
func (s *Scheduler) pollSession(ctx context.Context, sess *models.RemediationSession) {
	now := s.now().UTC()

	if sess.CreatedAt != nil && now.Sub(*sess.CreatedAt) > s.cfg.SessionTimeout {
		s.timeoutSession(ctx, sess, now)
		return
	}
	if sess.SessionID == "" {
		return
	}

	be := s.manager.Backend(sess.DataSource)
	if be == nil {
		return
	}
	snap, err := be.GetSession(ctx, sess.SessionID)
	if err != nil {
		slog.Error("Failed to poll session",
			"session_id", sess.SessionID, "error", err)
		return
	}

	oldStatus := sess.Status
	oldStage := sess.StructuredOutput.Stage()

	var changed bool
	s.tracker.WithRun(func(*models.BatchRun) {
		changed = s.applySnapshot(sess, snap, s.now().UTC())
	})

	if newStage := sess.StructuredOutput.Stage(); newStage != "" && newStage != oldStage {
		s.tracker.AddEvent(models.EventSessionProgress,
			fmt.Sprintf("%s: %s", sess.Finding.FindingID, stageLabel(newStage)),
			map[string]any{
				"finding_id":   sess.Finding.FindingID,
				"session_id":   sess.SessionID,
				"stage":        newStage,
				"progress_pct": sess.StructuredOutput.ProgressPct(),
				"current_step": sess.StructuredOutput.CurrentStep(),
			})
	}

	if changed && sess.Status != oldStatus {
		s.tracker.UpdateSession()
		switch {
		case sess.Status == models.StatusSuccess:
			s.tracker.AddEvent(models.EventSessionCompleted,
				fmt.Sprintf("Session %s completed successfully", sess.Finding.FindingID),
				map[string]any{
					"finding_id": sess.Finding.FindingID,
					"session_id": sess.SessionID,
					"pr_url":     sess.PRURL,
				})
		case sess.Status.IsTerminal():
			s.tracker.AddEvent(models.EventSessionFailed,
				fmt.Sprintf("Session %s failed with status %s", sess.Finding.FindingID, sess.Status),
				map[string]any{
					"finding_id": sess.Finding.FindingID,
					"session_id": sess.SessionID,
					"error":      sess.ErrorMessage,
				})
		}
	}
}

// applySnapshot merges one backend snapshot into the session. Terminal
// states are never rolled back; when two terminal transitions collide the
// one with the later completed_at wins. The version counter increases on
// every applied mutation.
func (s *Scheduler) applySnapshot(sess *models.RemediationSession, snap *backend.SessionSnapshot, now time.Time) bool {
	if snap.StructuredOutput != nil {
		sess.StructuredOutput = snap.StructuredOutput
	}
	interp := session.InterpretStatus(snap)

	if interp.PRURL != "" && sess.PRURL == "" {
		sess.PRURL = interp.PRURL
	}

	if interp.Status.IsTerminal() {
		if sess.Status.IsTerminal() {
			// Collision: keep whichever completed later.
			sess.Version++
			if sess.CompletedAt != nil && !now.After(*sess.CompletedAt) {
				return false
			}
		}
		sess.Status = interp.Status
		sess.CompletedAt = &now
		if interp.ErrorMessage != "" {
			sess.ErrorMessage = interp.ErrorMessage
		}
		sess.Version++
		return true
	}

	if sess.Status.IsTerminal() {
		return false // never roll back a terminal state
	}
	if sess.Status != interp.Status {
		sess.Status = interp.Status
		sess.Version++
		return true
	}
	sess.Version++
	return false
}

// timeoutSession forces a terminal transition once the wall-clock budget is
// spent and issues a best-effort remote termination. A session stuck in
// BLOCKED becomes FAILED; anything else becomes TIMEOUT.
func (s *Scheduler) timeoutSession(ctx context.Context, sess *models.RemediationSession, now time.Time) {
	s.tracker.WithRun(func(*models.BatchRun) {
		if sess.Status.IsTerminal() {
			return
		}
		if sess.Status == models.StatusBlocked {
			sess.Status = models.StatusFailed
			if sess.ErrorMessage == "" {
				sess.ErrorMessage = "Session blocked until timeout"
			}
		} else {
			sess.Status = models.StatusTimeout
			sess.ErrorMessage = "Session timed out"
		}
		sess.CompletedAt = &now
		sess.Version++
	})
	s.tracker.UpdateSession()
	s.tracker.AddEvent(models.EventSessionFailed,
		fmt.Sprintf("Session %s timed out", sess.Finding.FindingID),
		map[string]any{
			"finding_id": sess.Finding.FindingID,
			"session_id": sess.SessionID,
			"reason":     "timeout",
		})

	if sess.SessionID != "" {
		if be := s.manager.Backend(sess.DataSource); be != nil {
			if err := be.TerminateSessionBestEffort(ctx, sess.SessionID); err != nil {
				slog.Warn("Could not terminate timed-out session",
					"session_id", sess.SessionID, "error", err)
			}
		}
	}
}

// checkGate returns false when the wave's success rate over completed
// sessions falls below the threshold.
func (s *Scheduler) checkGate(wave *models.Wave) bool {
	completed := wave.SuccessCount + wave.FailureCount
	if completed == 0 {
		return true
	}
	return successRate(wave) >= s.cfg.MinSuccessRate
}

func successRate(wave *models.Wave) float64 {
	completed := wave.SuccessCount + wave.FailureCount
	if completed == 0 {
		return 0
	}
	return float64(wave.SuccessCount) / float64(completed)
}

// retryFailed creates fresh session records at attempt+1 for retryable
// failures and runs them within the same wave's bookkeeping. The attempt
// number is part of the idempotency key, so retries are never deduplicated
// against earlier attempts.
func (s *Scheduler) retryFailed(ctx context.Context, wave *models.Wave) {
	var retries []*models.RemediationSession
	s.tracker.WithRun(func(*models.BatchRun) {
		for _, sess := range wave.Sessions {
			if sess.Status != models.StatusFailed && sess.Status != models.StatusTimeout {
				continue
			}
			if sess.Attempt >= s.cfg.MaxSessionAttempts {
				continue
			}
			retries = append(retries, &models.RemediationSession{
				Finding:    sess.Finding,
				PlaybookID: sess.PlaybookID,
				Status:     models.StatusPending,
				WaveNumber: wave.WaveNumber,
				Attempt:    sess.Attempt + 1,
			})
		}
		for _, retry := range retries {
			wave.Sessions = append(wave.Sessions, retry)
		}
	})
	if len(retries) == 0 {
		return
	}

	for _, retry := range retries {
		s.tracker.AddEvent(models.EventSessionRetry,
			fmt.Sprintf("Retrying %s (attempt %d)", retry.Finding.FindingID, retry.Attempt),
			map[string]any{
				"finding_id": retry.Finding.FindingID,
				"attempt":    retry.Attempt,
			})
	}

	s.dispatchWave(ctx, wave, retries)
	s.pollWave(ctx, retries)
	s.tracker.UpdateSession()
	s.tracker.SaveState()
}

// cleanupWave terminates the wave's terminal sessions on the backend to
// free concurrent slots. Best-effort only.
func (s *Scheduler) cleanupWave(ctx context.Context, wave *models.Wave) {
	for _, sess := range wave.Sessions {
		if sess.SessionID == "" || !sess.Status.IsTerminal() {
			continue
		}
		be := s.manager.Backend(sess.DataSource)
		if be == nil {
			continue
		}
		if err := be.TerminateSessionBestEffort(ctx, sess.SessionID); err != nil {
			slog.Warn("Could not terminate session",
				"session_id", sess.SessionID, "error", err)
			continue
		}
		slog.Info("Terminated session to free concurrent slot",
			"session_id", sess.SessionID, "finding_id", sess.Finding.FindingID)
	}
}

// DrainStaleSessions terminates leftover backend sessions from previous
// runs so they do not consume concurrency slots, then resets the circuit
// breaker so cleanup failures cannot block the run from starting.
func (s *Scheduler) DrainStaleSessions(ctx context.Context) {
	be := s.manager.Backend(models.SourceLive)
	if be == nil {
		return
	}
	defer func() {
		if resetter, ok := be.(breakerResetter); ok {
			resetter.ResetBreaker()
			slog.Info("Circuit breaker reset after drain")
		}
	}()

	result, err := be.ListSessions(ctx, nil, 20, 0)
	if err != nil {
		slog.Warn("Could not drain stale sessions", "error", err)
		return
	}
	if len(result.Sessions) == 0 {
		return
	}
	slog.Info("Terminating stale backend sessions to free slots", "count", len(result.Sessions))
	for _, snap := range result.Sessions {
		if snap.SessionID == "" {
			continue
		}
		if err := be.TerminateSessionBestEffort(ctx, snap.SessionID); err != nil {
			slog.Debug("Stale session terminate failed",
				"session_id", snap.SessionID, "error", err)
		}
	}
}

func stageLabel(stage string) string {
	switch stage {
	case "analyzing":
		return "Analyzing vulnerability"
	case "fixing":
		return "Applying fix"
	case "testing":
		return "Running tests"
	case "creating_pr":
		return "Creating pull request"
	case "completed":
		return "Completed"
	case "failed":
		return "Failed"
	default:
		return stage
	}
}
