package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavefix/wavefix/pkg/backend"
	"github.com/wavefix/wavefix/pkg/config"
	"github.com/wavefix/wavefix/pkg/ledger"
	"github.com/wavefix/wavefix/pkg/models"
)

func TestDataSourceFor(t *testing.T) {
	finding := models.Finding{FindingID: "FIND-001", ServiceName: "payment-service"}

	mock := config.Default()
	assert.Equal(t, models.SourceMock, DataSourceFor(finding, mock))

	live := config.Default()
	live.MockMode = false
	assert.Equal(t, models.SourceLive, DataSourceFor(finding, live))
}

func TestDataSourceFor_HybridSubstringBothWays(t *testing.T) {
	cfg := config.Default()
	cfg.MockMode = false
	cfg.HybridMode = true
	cfg.ConnectedRepos = []string{"org/payment-service", "user"}

	// Service name contained in repo name.
	assert.Equal(t, models.SourceLive,
		DataSourceFor(models.Finding{ServiceName: "payment-service"}, cfg))
	// Repo name contained in service name.
	assert.Equal(t, models.SourceLive,
		DataSourceFor(models.Finding{ServiceName: "user-service"}, cfg))
	// No overlap routes to mock.
	assert.Equal(t, models.SourceMock,
		DataSourceFor(models.Finding{ServiceName: "inventory-service"}, cfg))
}

func newTestManager(t *testing.T) (*Manager, *ledger.Ledger) {
	t.Helper()
	cfg := config.Default()
	cfg.ServiceOverridesFile = ""
	led := ledger.Open(filepath.Join(t.TempDir(), "idempotency.json"))
	backends := map[models.DataSource]backend.Backend{
		models.SourceMock: backend.NewSimulated(42),
	}
	return NewManager(cfg, "run-abc", led, nil, backends), led
}

func pendingSession() *models.RemediationSession {
	return &models.RemediationSession{
		Finding: models.Finding{
			FindingID:   "FIND-001",
			Category:    models.CategorySQLInjection,
			Severity:    models.SeverityHigh,
			ServiceName: "payment-service",
			RepoURL:     "https://github.com/org/payment-service",
			FilePath:    "src/dao/PaymentDao.java",
		},
		Status:     models.StatusPending,
		WaveNumber: 1,
		Attempt:    1,
	}
}

func TestManager_Create(t *testing.T) {
	mgr, led := newTestManager(t)
	sess := pendingSession()

	hit, err := mgr.Create(context.Background(), sess, nil)
	require.NoError(t, err)
	assert.False(t, hit)

	assert.NotEmpty(t, sess.SessionID)
	assert.Equal(t, models.StatusDispatched, sess.Status)
	assert.Equal(t, models.SourceMock, sess.DataSource)
	assert.NotNil(t, sess.CreatedAt)
	assert.Equal(t, 1, sess.Version)

	entry, ok := led.Lookup(ledger.Key("run-abc", "FIND-001", 1))
	require.True(t, ok)
	assert.Equal(t, sess.SessionID, entry.SessionID)
}

func TestManager_Create_IdempotencyHit(t *testing.T) {
	mgr, led := newTestManager(t)
	require.NoError(t, led.Record(ledger.Key("run-abc", "FIND-001", 1), "sess-prior", "2026-08-25T09:00:00Z"))

	sess := pendingSession()
	hit, err := mgr.Create(context.Background(), sess, nil)
	require.NoError(t, err)

	assert.True(t, hit)
	assert.Equal(t, "sess-prior", sess.SessionID)
	assert.Equal(t, models.StatusDispatched, sess.Status)
	assert.Equal(t, 1, sess.Version)
	assert.Equal(t, 1, led.Len()) // no second record

	// The original creation time comes back from the ledger, keeping the
	// resumed session subject to the wall-clock timeout.
	require.NotNil(t, sess.CreatedAt)
	assert.Equal(t, time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC), *sess.CreatedAt)
}

func TestManager_Create_IdempotencyHitBadTimestamp(t *testing.T) {
	mgr, led := newTestManager(t)
	require.NoError(t, led.Record(ledger.Key("run-abc", "FIND-001", 1), "sess-prior", "not-a-timestamp"))

	sess := pendingSession()
	hit, err := mgr.Create(context.Background(), sess, nil)
	require.NoError(t, err)
	assert.True(t, hit)

	// Unparseable ledger timestamps fall back to now rather than leaving
	// the session without a creation time.
	require.NotNil(t, sess.CreatedAt)
	assert.WithinDuration(t, time.Now().UTC(), *sess.CreatedAt, time.Minute)
}

func TestManager_Create_RetryAttemptGetsFreshKey(t *testing.T) {
	mgr, led := newTestManager(t)

	first := pendingSession()
	_, err := mgr.Create(context.Background(), first, nil)
	require.NoError(t, err)

	retry := pendingSession()
	retry.Attempt = 2
	hit, err := mgr.Create(context.Background(), retry, nil)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, led.Len())
}

func TestManager_Create_NoBackendMarksFailed(t *testing.T) {
	cfg := config.Default()
	cfg.MockMode = false // routes live, but only a mock backend is wired
	led := ledger.Open(filepath.Join(t.TempDir(), "idempotency.json"))
	mgr := NewManager(cfg, "run-abc", led, nil, map[models.DataSource]backend.Backend{
		models.SourceMock: backend.NewSimulated(42),
	})

	sess := pendingSession()
	_, err := mgr.Create(context.Background(), sess, nil)
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, sess.Status)
	assert.NotNil(t, sess.CompletedAt)
	assert.NotEmpty(t, sess.ErrorMessage)
}

func TestInterpretStatus(t *testing.T) {
	tests := []struct {
		name   string
		snap   *backend.SessionSnapshot
		expect models.SessionStatus
	}{
		{"working", &backend.SessionSnapshot{StatusEnum: backend.StatusEnumWorking}, models.StatusWorking},
		{"finished", &backend.SessionSnapshot{StatusEnum: backend.StatusEnumFinished}, models.StatusSuccess},
		{"blocked without pr", &backend.SessionSnapshot{StatusEnum: backend.StatusEnumBlocked}, models.StatusBlocked},
		{"expired", &backend.SessionSnapshot{StatusEnum: backend.StatusEnumExpired}, models.StatusTimeout},
		{"suspend requested", &backend.SessionSnapshot{StatusEnum: backend.StatusEnumSuspendRequested}, models.StatusWorking},
		{"resumed", &backend.SessionSnapshot{StatusEnum: backend.StatusEnumResumed}, models.StatusWorking},
		{"unknown keeps working", &backend.SessionSnapshot{StatusEnum: "rebooting"}, models.StatusWorking},
		{"nil snapshot", nil, models.StatusWorking},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, InterpretStatus(tt.snap).Status)
		})
	}
}

func TestInterpretStatus_BlockedWithPRIsSuccess(t *testing.T) {
	snap := &backend.SessionSnapshot{
		StatusEnum:  backend.StatusEnumBlocked,
		PullRequest: &backend.PullRequest{URL: "https://github.com/org/repo/pull/9"},
	}
	interp := InterpretStatus(snap)
	assert.Equal(t, models.StatusSuccess, interp.Status)
	assert.Equal(t, "https://github.com/org/repo/pull/9", interp.PRURL)
}

func TestInterpretStatus_PRFromStructuredOutput(t *testing.T) {
	snap := &backend.SessionSnapshot{
		StatusEnum: backend.StatusEnumBlocked,
		StructuredOutput: models.StructuredOutput{
			"pr_url":        "https://github.com/org/repo/pull/11",
			"error_message": "awaiting approval",
		},
	}
	interp := InterpretStatus(snap)
	assert.Equal(t, models.StatusSuccess, interp.Status)
	assert.Equal(t, "https://github.com/org/repo/pull/11", interp.PRURL)
	assert.Equal(t, "awaiting approval", interp.ErrorMessage)
}
