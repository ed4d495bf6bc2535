// Package backend abstracts the remote agent platform. The engine talks to
// one polymorphic contract with two implementations: a remote HTTP client
// and a deterministic simulated backend, exposing identical semantics.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wavefix/wavefix/pkg/models"
)

// Backend session status values accepted on the wire.
const (
	StatusEnumWorking          = "working"
	StatusEnumBlocked          = "blocked"
	StatusEnumExpired          = "expired"
	StatusEnumFinished         = "finished"
	StatusEnumSuspendRequested = "suspend_requested"
	StatusEnumResumeRequested  = "resume_requested"
	StatusEnumResumed          = "resumed"
)

// ErrCircuitOpen is returned while the circuit breaker rejects requests
// without any network I/O.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// APIError is a non-2xx response from the agent platform.
type APIError struct {
	Status     int
	Body       string
	RetryAfter time.Duration // from the Retry-After header, 0 when absent
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent API error %d: %s", e.Status, e.Body)
}

// CreateSessionRequest carries the parameters of a session creation.
type CreateSessionRequest struct {
	Prompt                 string
	PlaybookID             string
	Tags                   []string
	StructuredOutputSchema map[string]any
	MaxACULimit            int
	Idempotent             bool
}

// CreateSessionResult is the creation response.
type CreateSessionResult struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	IsNew     bool   `json:"is_new_session"`
}

// PullRequest is the PR reference a finished session exposes.
type PullRequest struct {
	URL string `json:"url"`
}

// SessionSnapshot is the observable state of a backend session.
type SessionSnapshot struct {
	SessionID        string                  `json:"session_id"`
	StatusEnum       string                  `json:"status_enum"`
	URL              string                  `json:"url"`
	Title            string                  `json:"title,omitempty"`
	StructuredOutput models.StructuredOutput `json:"structured_output,omitempty"`
	PullRequest      *PullRequest            `json:"pull_request,omitempty"`
}

// ListSessionsResult is a page of sessions.
type ListSessionsResult struct {
	Sessions []SessionSnapshot `json:"sessions"`
	Total    int               `json:"total"`
}

// Playbook is a per-category instruction document stored on the platform.
type Playbook struct {
	PlaybookID string `json:"playbook_id"`
	Title      string `json:"title"`
}

// Backend is the fixed operation set of the agent platform.
type Backend interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResult, error)
	GetSession(ctx context.Context, sessionID string) (*SessionSnapshot, error)
	ListSessions(ctx context.Context, tags []string, limit, offset int) (*ListSessionsResult, error)
	SendMessage(ctx context.Context, sessionID, message string) error
	TerminateSession(ctx context.Context, sessionID string) error
	// TerminateSessionBestEffort is cleanup-grade termination: a 404 for an
	// already-gone session is not an error and must not count as a failure.
	TerminateSessionBestEffort(ctx context.Context, sessionID string) error
	CreatePlaybook(ctx context.Context, title, body string) (*Playbook, error)
	ListPlaybooks(ctx context.Context) ([]Playbook, error)
	Close() error
}
