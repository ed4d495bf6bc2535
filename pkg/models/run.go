package models

import "time"

// RunStatus is the top-level state of a batch run.
type RunStatus string

const (
	RunPending     RunStatus = "pending"
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunPaused      RunStatus = "paused"
	RunInterrupted RunStatus = "interrupted"
)

// IsValid checks if the run status is a known value.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunPending, RunRunning, RunCompleted, RunPaused, RunInterrupted:
		return true
	default:
		return false
	}
}

// Wave statuses. Membership is immutable after construction; only the
// counters and status change.
const (
	WaveStatusPending   = "pending"
	WaveStatusRunning   = "running"
	WaveStatusCompleted = "completed"
)

// Wave is an ordered group of sessions dispatched together under a shared
// parallelism cap and gating rule. Wave numbers are contiguous 1..N.
type Wave struct {
	WaveNumber   int                   `json:"wave_number"`
	Sessions     []*RemediationSession `json:"sessions"`
	Status       string                `json:"status"`
	SuccessCount int                   `json:"success_count"`
	FailureCount int                   `json:"failure_count"`
}

// TotalCount returns the number of sessions in the wave, retries included.
func (w *Wave) TotalCount() int { return len(w.Sessions) }

// Timeline event kinds emitted by the scheduler, tracker and review path.
const (
	EventRunStarted       = "run_started"
	EventRunInterrupted   = "run_interrupted"
	EventRunCompleted     = "run_completed"
	EventWaveStarted      = "wave_started"
	EventWaveCompleted    = "wave_completed"
	EventWaveGated        = "wave_gated"
	EventSessionStarted   = "session_started"
	EventSessionProgress  = "session_progress"
	EventSessionCompleted = "session_completed"
	EventSessionFailed    = "session_failed"
	EventSessionRetry     = "session_retry"
	EventIdempotencyHit   = "idempotency_hit"
	EventReviewApproved   = "review_approved"
	EventReviewRejected   = "review_rejected"
)

// TimelineEvent is an append-only record on the run's event log, ordered by
// insertion.
type TimelineEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
}

// BatchRun is the root aggregate for one remediation run.
type BatchRun struct {
	RunID         string          `json:"run_id"`
	StartedAt     time.Time       `json:"started_at"`
	Waves         []*Wave         `json:"waves"`
	TotalFindings int             `json:"total_findings"`
	Completed     int             `json:"completed"`
	Successful    int             `json:"successful"`
	Failed        int             `json:"failed"`
	PRsCreated    int             `json:"prs_created"`
	Status        RunStatus       `json:"status"`
	DataSource    DataSource      `json:"data_source"`
	Events        []TimelineEvent `json:"events"`
}

// FindSession locates a session by backend session id or finding id.
// Returns nil when no session matches.
func (r *BatchRun) FindSession(id string) *RemediationSession {
	for _, wave := range r.Waves {
		for _, sess := range wave.Sessions {
			if sess.SessionID == id || sess.Finding.FindingID == id {
				return sess
			}
		}
	}
	return nil
}

// RunSummary is one row of the runs index (runs/index.json, newest last).
type RunSummary struct {
	RunID         string     `json:"run_id"`
	StartedAt     time.Time  `json:"started_at"`
	Status        RunStatus  `json:"status"`
	TotalFindings int        `json:"total_findings"`
	CSVFilename   string     `json:"csv_filename,omitempty"`
	DataSource    DataSource `json:"data_source"`
}
