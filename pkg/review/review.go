// Package review is the out-of-process mutation path for human approval
// and rejection of session results. It writes a persisted BatchRun under
// the same file lock the engine uses, so both writers stay consistent.
package review

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/wavefix/wavefix/pkg/models"
	"github.com/wavefix/wavefix/pkg/state"
)

// Validation and lookup failures, distinguishable at the HTTP boundary.
var (
	ErrInvalidRunID   = fmt.Errorf("run id contains invalid characters")
	ErrInvalidAction  = fmt.Errorf("action must be approved or rejected")
	ErrRunNotFound    = fmt.Errorf("run not found")
	ErrSessionUnknown = fmt.Errorf("session not found in run")
)

// runIDPattern forbids path traversal through the run id.
var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Request is one review mutation. Reviewer comes from the request's auth
// context, never from the body.
type Request struct {
	RunID     string
	SessionID string // matched against session_id or finding_id
	Action    string // approved | rejected
	Reason    string
	Reviewer  string
}

// Reviewer applies review mutations against persisted run state.
type Reviewer struct {
	store *state.Store
	now   func() time.Time
}

// New creates a reviewer over the runs directory.
func New(store *state.Store) *Reviewer {
	return &Reviewer{store: store, now: time.Now}
}

// Apply validates the request, then performs the locked read-modify-write:
// acquire the state file lock, load the run, mutate the session's review
// fields, bump its version, append the timeline event, rename atomically,
// release. Validation failures never touch disk.
func (r *Reviewer) Apply(req Request) (*models.RemediationSession, error) {
	if !runIDPattern.MatchString(req.RunID) {
		return nil, ErrInvalidRunID
	}
	if req.Action != models.ReviewApproved && req.Action != models.ReviewRejected {
		return nil, ErrInvalidAction
	}

	path := r.store.RunStatePath(req.RunID)
	lock, err := state.AcquireLock(path, state.LockOptions{Writer: "review"})
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("read run state: %w", err)
	}
	var run models.BatchRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode run state: %w", err)
	}

	sess := run.FindSession(req.SessionID)
	if sess == nil {
		return nil, ErrSessionUnknown
	}

	now := r.now().UTC()
	sess.ReviewStatus = req.Action
	sess.ReviewedBy = req.Reviewer
	sess.ReviewedAt = &now
	sess.ReviewReason = req.Reason
	sess.Version++

	eventType := models.EventReviewApproved
	if req.Action == models.ReviewRejected {
		eventType = models.EventReviewRejected
	}
	run.Events = append(run.Events, models.TimelineEvent{
		Timestamp: now,
		EventType: eventType,
		Message: fmt.Sprintf("Session %s %s by %s",
			sess.Finding.FindingID, req.Action, req.Reviewer),
		Details: map[string]any{
			"finding_id": sess.Finding.FindingID,
			"session_id": sess.SessionID,
			"reviewer":   req.Reviewer,
			"reason":     req.Reason,
		},
	})

	if err := state.AtomicWriteJSON(path, &run); err != nil {
		return nil, fmt.Errorf("persist review: %w", err)
	}

	slog.Info("Review applied",
		"run_id", req.RunID,
		"session_id", req.SessionID,
		"action", req.Action,
		"reviewer", req.Reviewer)
	out := *sess
	return &out, nil
}
