// Package session builds per-finding prompts, routes each session to the
// live or simulated backend, memoizes creation through the idempotency
// ledger, and interprets backend status into the internal lifecycle.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wavefix/wavefix/pkg/backend"
	"github.com/wavefix/wavefix/pkg/config"
	"github.com/wavefix/wavefix/pkg/ledger"
	"github.com/wavefix/wavefix/pkg/models"
)

// MemoryRetriever supplies prior-remediation context for a finding. An
// empty string means no relevant memory exists.
type MemoryRetriever interface {
	ContextFor(finding models.Finding) string
}

// Manager creates remediation sessions for one run.
type Manager struct {
	cfg       *config.Config
	runID     string
	ledger    *ledger.Ledger
	memory    MemoryRetriever
	overrides ServiceOverrides
	backends  map[models.DataSource]backend.Backend
	now       func() time.Time
}

// NewManager wires the run-scoped session manager. In hybrid mode both a
// live and a mock backend must be supplied; otherwise one suffices.
func NewManager(cfg *config.Config, runID string, led *ledger.Ledger,
	mem MemoryRetriever, backends map[models.DataSource]backend.Backend) *Manager {
	return &Manager{
		cfg:       cfg,
		runID:     runID,
		ledger:    led,
		memory:    mem,
		overrides: LoadServiceOverrides(cfg.ServiceOverridesFile),
		backends:  backends,
		now:       time.Now,
	}
}

// DataSourceFor chooses live or mock for one finding. In hybrid mode a
// finding routes live iff its service name matches a connected repo by
// substring in either direction.
func DataSourceFor(finding models.Finding, cfg *config.Config) models.DataSource {
	if cfg.MockMode {
		return models.SourceMock
	}
	if !cfg.HybridMode {
		return models.SourceLive
	}
	for _, repo := range cfg.ConnectedRepos {
		if strings.Contains(repo, finding.ServiceName) || strings.Contains(finding.ServiceName, repo) {
			slog.Info("Hybrid routing to live backend",
				"finding_id", finding.FindingID, "repo", repo)
			return models.SourceLive
		}
	}
	slog.Info("Hybrid routing to mock backend", "finding_id", finding.FindingID)
	return models.SourceMock
}

// Create dispatches one session: ledger check, optional backend create,
// ledger record. Writes to the shared session record go through apply so
// the caller can serialize them against concurrent readers; a nil apply
// runs mutations directly. The returned flag reports an idempotency hit
// (no backend call was made). On failure the session is marked FAILED with
// the error recorded; the error is also returned for the scheduler's
// bookkeeping.
func (m *Manager) Create(ctx context.Context, sess *models.RemediationSession, apply func(func())) (bool, error) {
	if apply == nil {
		apply = func(fn func()) { fn() }
	}
	source := DataSourceFor(sess.Finding, m.cfg)
	be, ok := m.backends[source]
	if !ok {
		err := fmt.Errorf("no %s backend configured", source)
		m.markFailed(sess, err, apply)
		return false, err
	}

	key := ledger.Key(m.runID, sess.Finding.FindingID, sess.Attempt)
	if entry, hit := m.ledger.Lookup(key); hit {
		slog.Info("Idempotency hit, reusing session",
			"key", key, "session_id", entry.SessionID)
		// Restore the original creation time so the resumed session stays
		// subject to the wall-clock timeout.
		created, err := time.Parse(time.RFC3339, entry.CreatedAt)
		if err != nil {
			created = m.now().UTC()
		}
		apply(func() {
			sess.SessionID = entry.SessionID
			sess.Status = models.StatusDispatched
			sess.DataSource = source
			sess.CreatedAt = &created
			sess.Version++
		})
		return true, nil
	}

	var memoryContext string
	if m.memory != nil {
		memoryContext = m.memory.ContextFor(sess.Finding)
	}
	prompt := BuildPrompt(sess.Finding, m.runID, memoryContext, m.overrides)
	tags := []string{
		fmt.Sprintf("wave-%d", sess.WaveNumber),
		string(sess.Finding.Category),
		sess.Finding.ServiceName,
	}

	result, err := be.CreateSession(ctx, backend.CreateSessionRequest{
		Prompt:                 prompt,
		PlaybookID:             sess.PlaybookID,
		Tags:                   tags,
		StructuredOutputSchema: OutputSchema(),
		MaxACULimit:            m.cfg.MaxACUPerSession,
		Idempotent:             true,
	})
	if err != nil {
		m.markFailed(sess, err, apply)
		return false, err
	}

	created := m.now().UTC()
	apply(func() {
		sess.SessionID = result.SessionID
		sess.BackendURL = result.URL
		sess.Status = models.StatusDispatched
		sess.DataSource = source
		sess.CreatedAt = &created
		sess.Version++
	})

	if err := m.ledger.Record(key, result.SessionID, created.Format(time.RFC3339)); err != nil {
		slog.Warn("Could not persist idempotency ledger", "key", key, "error", err)
	}

	slog.Info("Created remediation session",
		"session_id", result.SessionID,
		"finding_id", sess.Finding.FindingID,
		"wave", sess.WaveNumber,
		"attempt", sess.Attempt,
		"source", source)
	return false, nil
}

// Backend returns the backend serving the given data source.
func (m *Manager) Backend(source models.DataSource) backend.Backend {
	return m.backends[source]
}

func (m *Manager) markFailed(sess *models.RemediationSession, err error, apply func(func())) {
	now := m.now().UTC()
	apply(func() {
		sess.Status = models.StatusFailed
		sess.ErrorMessage = err.Error()
		sess.CompletedAt = &now
		sess.Version++
	})
	slog.Error("Failed to create session",
		"finding_id", sess.Finding.FindingID, "error", err)
}

// Interpretation is the lifecycle reading of one backend snapshot.
type Interpretation struct {
	Status       models.SessionStatus
	PRURL        string
	ErrorMessage string
}

var statusMap = map[string]models.SessionStatus{
	backend.StatusEnumWorking:  models.StatusWorking,
	backend.StatusEnumFinished: models.StatusSuccess,
	backend.StatusEnumBlocked:  models.StatusBlocked,
	backend.StatusEnumExpired:  models.StatusTimeout,
	// Transitional platform states: keep polling.
	backend.StatusEnumSuspendRequested: models.StatusWorking,
	backend.StatusEnumResumeRequested:  models.StatusWorking,
	backend.StatusEnumResumed:          models.StatusWorking,
}

// InterpretStatus maps a backend snapshot onto the internal lifecycle.
// A blocked session that already carries a PR is waiting for human approval
// and counts as SUCCESS. Unknown status values are treated as WORKING so
// polling continues rather than failing the session.
func InterpretStatus(snap *backend.SessionSnapshot) Interpretation {
	interp := Interpretation{Status: models.StatusWorking}
	if snap == nil {
		return interp
	}
	if snap.PullRequest != nil {
		interp.PRURL = snap.PullRequest.URL
	}
	if interp.PRURL == "" {
		interp.PRURL = snap.StructuredOutput.PRURL()
	}
	interp.ErrorMessage = snap.StructuredOutput.ErrorMessage()

	if snap.StatusEnum == backend.StatusEnumBlocked && interp.PRURL != "" {
		slog.Info("Session blocked with PR present, treating as success",
			"session_id", snap.SessionID)
		interp.Status = models.StatusSuccess
		return interp
	}

	if status, ok := statusMap[snap.StatusEnum]; ok {
		interp.Status = status
	} else if snap.StatusEnum != "" {
		slog.Warn("Unknown backend session status, keeping session in working state",
			"status_enum", snap.StatusEnum, "session_id", snap.SessionID)
	}
	return interp
}
