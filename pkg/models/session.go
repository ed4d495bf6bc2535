package models

import "time"

// SessionStatus is the internal lifecycle state of a remediation session.
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusDispatched SessionStatus = "dispatched"
	StatusWorking    SessionStatus = "working"
	StatusBlocked    SessionStatus = "blocked"
	StatusSuccess    SessionStatus = "success"
	StatusFailed     SessionStatus = "failed"
	StatusTimeout    SessionStatus = "timeout"
)

// IsValid checks if the status is a known value.
func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusDispatched, StatusWorking, StatusBlocked,
		StatusSuccess, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the session can no longer change state.
// BLOCKED is observable but transient: the scheduler promotes it to FAILED
// once the session timeout elapses.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// IsActive reports whether the session still needs polling.
func (s SessionStatus) IsActive() bool {
	switch s {
	case StatusDispatched, StatusWorking, StatusBlocked:
		return true
	default:
		return false
	}
}

// DataSource identifies which backend served a session or run.
type DataSource string

const (
	SourceLive   DataSource = "live"
	SourceMock   DataSource = "mock"
	SourceHybrid DataSource = "hybrid"
)

// Review status values for the human-in-the-loop review path.
const (
	ReviewPending  = "pending"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
)

// StructuredOutput is the rolling status document a session emits. Playbooks
// shape it freely, so it stays an opaque map; only the documented keys are
// interpreted, via the typed accessors below.
type StructuredOutput map[string]any

func (o StructuredOutput) str(key string) string {
	if o == nil {
		return ""
	}
	if v, ok := o[key].(string); ok {
		return v
	}
	return ""
}

// Stage returns the reported remediation stage (analyzing, fixing, testing,
// creating_pr, completed, failed).
func (o StructuredOutput) Stage() string { return o.str("status") }

// CurrentStep returns the human-readable step description.
func (o StructuredOutput) CurrentStep() string { return o.str("current_step") }

// FixApproach returns the reported fix approach, if any.
func (o StructuredOutput) FixApproach() string { return o.str("fix_approach") }

// ErrorMessage returns the reported error, if any.
func (o StructuredOutput) ErrorMessage() string { return o.str("error_message") }

// Confidence returns the reported confidence (high, medium, low).
func (o StructuredOutput) Confidence() string { return o.str("confidence") }

// PRURL returns the reported pull request URL, if any.
func (o StructuredOutput) PRURL() string { return o.str("pr_url") }

// ProgressPct returns the reported progress percentage.
func (o StructuredOutput) ProgressPct() int {
	if o == nil {
		return 0
	}
	switch v := o["progress_pct"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// FilesModified returns the reported list of modified files.
func (o StructuredOutput) FilesModified() []string {
	if o == nil {
		return nil
	}
	raw, ok := o["files_modified"].([]any)
	if !ok {
		return nil
	}
	files := make([]string, 0, len(raw))
	for _, f := range raw {
		if s, ok := f.(string); ok {
			files = append(files, s)
		}
	}
	return files
}

// TestsPassed returns the reported test outcome, or nil when not reported.
func (o StructuredOutput) TestsPassed() *bool {
	if o == nil {
		return nil
	}
	if v, ok := o["tests_passed"].(bool); ok {
		return &v
	}
	return nil
}

// TestsAdded returns the reported number of added tests.
func (o StructuredOutput) TestsAdded() int {
	if o == nil {
		return 0
	}
	switch v := o["tests_added"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// RemediationSession is the mutable state for one (finding, attempt).
// The scheduler owns status and id transitions; the review path owns the
// review fields. Version increases on every mutation.
type RemediationSession struct {
	SessionID        string           `json:"session_id,omitempty"`
	Finding          Finding          `json:"finding"`
	PlaybookID       string           `json:"playbook_id"`
	Status           SessionStatus    `json:"status"`
	BackendURL       string           `json:"backend_url,omitempty"`
	PRURL            string           `json:"pr_url,omitempty"`
	StructuredOutput StructuredOutput `json:"structured_output,omitempty"`
	WaveNumber       int              `json:"wave_number"`
	Attempt          int              `json:"attempt"`
	CreatedAt        *time.Time       `json:"created_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	DataSource       DataSource       `json:"data_source"`
	Version          int              `json:"version"`

	ReviewStatus string     `json:"review_status,omitempty"`
	ReviewedBy   string     `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
	ReviewReason string     `json:"review_reason,omitempty"`
}
