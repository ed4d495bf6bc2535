package backend

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable clock for driving the simulated stage progression.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const simPrompt = `## Security Remediation Task

**Finding ID**: FIND-042
**Service**: payment-service
**Category**: sql_injection
`

func newSimSession(t *testing.T, sim *Simulated, prompt string) string {
	t.Helper()
	result, err := sim.CreateSession(context.Background(), CreateSessionRequest{
		Prompt: prompt,
		Tags:   []string{"wave-1", "sql_injection", "payment-service"},
	})
	require.NoError(t, err)
	require.True(t, result.IsNew)
	return result.SessionID
}

func TestSimulated_CreateSession(t *testing.T) {
	sim := NewSimulated(42)

	result, err := sim.CreateSession(context.Background(), CreateSessionRequest{Prompt: simPrompt})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result.SessionID, "mock-"))
	assert.Contains(t, result.URL, result.SessionID)
	assert.True(t, result.IsNew)
}

func TestSimulated_IdempotentCreateReturnsExisting(t *testing.T) {
	sim := NewSimulated(42)
	ctx := context.Background()

	first, err := sim.CreateSession(ctx, CreateSessionRequest{Prompt: simPrompt, Idempotent: true})
	require.NoError(t, err)
	second, err := sim.CreateSession(ctx, CreateSessionRequest{Prompt: simPrompt, Idempotent: true})
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.False(t, second.IsNew)

	// A different prompt is a different session.
	third, err := sim.CreateSession(ctx, CreateSessionRequest{Prompt: simPrompt + "extra", Idempotent: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, third.SessionID)
}

func TestSimulated_GetSession_Unknown(t *testing.T) {
	sim := NewSimulated(42)
	_, err := sim.GetSession(context.Background(), "mock-missing")
	require.Error(t, err)
	apiErr, ok := asAPIError(err)
	require.True(t, ok)
	assert.Equal(t, 404, apiErr.Status)
}

func TestSimulated_StageProgression(t *testing.T) {
	sim := NewSimulated(42)
	clock := newFakeClock()
	sim.SetClock(clock.Now)
	ctx := context.Background()

	id := newSimSession(t, sim, simPrompt)

	snap, err := sim.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "analyzing", snap.StructuredOutput.Stage())
	assert.Equal(t, StatusEnumWorking, snap.StatusEnum)
	assert.Equal(t, "FIND-042", snap.StructuredOutput["finding_id"])

	// Worst-case total stage duration is 10+20+15+8 = 53 s.
	clock.Advance(60 * time.Second)

	snap, err = sim.GetSession(ctx, id)
	require.NoError(t, err)
	stage := snap.StructuredOutput.Stage()
	switch stage {
	case "completed":
		assert.Equal(t, StatusEnumFinished, snap.StatusEnum)
		require.NotNil(t, snap.PullRequest)
		assert.Contains(t, snap.PullRequest.URL, "payment-service/pull/")
		assert.Equal(t, 100, snap.StructuredOutput.ProgressPct())
		if passed := snap.StructuredOutput.TestsPassed(); assert.NotNil(t, passed) {
			assert.True(t, *passed)
		}
	case "failed":
		assert.Equal(t, StatusEnumBlocked, snap.StatusEnum)
		assert.Contains(t, snap.StructuredOutput.ErrorMessage(), "Tests failed")
		assert.Nil(t, snap.PullRequest)
	default:
		t.Fatalf("expected terminal stage after 60s, got %q", stage)
	}
}

func TestSimulated_SeededFailureRate(t *testing.T) {
	sim := NewSimulated(7)
	clock := newFakeClock()
	sim.SetClock(clock.Now)
	ctx := context.Background()

	ids := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		result, err := sim.CreateSession(ctx, CreateSessionRequest{
			Prompt: simPrompt + strings.Repeat("x", i+1),
		})
		require.NoError(t, err)
		ids = append(ids, result.SessionID)
	}
	clock.Advance(60 * time.Second)

	failed := 0
	for _, id := range ids {
		snap, err := sim.GetSession(ctx, id)
		require.NoError(t, err)
		if snap.StructuredOutput.Stage() == "failed" {
			failed++
		}
	}
	// Designation probability is 15%; a seeded run lands near it.
	assert.Greater(t, failed, 3)
	assert.Less(t, failed, 35)
}

func TestSimulated_Determinism(t *testing.T) {
	run := func() []string {
		sim := NewSimulated(1234)
		clock := newFakeClock()
		sim.SetClock(clock.Now)
		ctx := context.Background()

		var stages []string
		var ids []string
		for i := 0; i < 20; i++ {
			result, err := sim.CreateSession(ctx, CreateSessionRequest{
				Prompt: simPrompt + strings.Repeat("y", i+1),
			})
			require.NoError(t, err)
			ids = append(ids, result.SessionID)
		}
		clock.Advance(60 * time.Second)
		for _, id := range ids {
			snap, err := sim.GetSession(ctx, id)
			require.NoError(t, err)
			stages = append(stages, snap.StructuredOutput.Stage())
		}
		return stages
	}

	assert.Equal(t, run(), run())
}

func TestSimulated_Terminate(t *testing.T) {
	sim := NewSimulated(42)
	clock := newFakeClock()
	sim.SetClock(clock.Now)
	ctx := context.Background()

	id := newSimSession(t, sim, simPrompt)
	require.NoError(t, sim.TerminateSession(ctx, id))

	snap, err := sim.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusEnumBlocked, snap.StatusEnum)
	assert.Contains(t, snap.StructuredOutput.ErrorMessage(), "terminated")

	// Unknown ids are fine for best-effort cleanup.
	assert.NoError(t, sim.TerminateSessionBestEffort(ctx, "mock-gone"))
}

func TestSimulated_ListSessions_TagFilter(t *testing.T) {
	sim := NewSimulated(42)
	ctx := context.Background()

	_, err := sim.CreateSession(ctx, CreateSessionRequest{
		Prompt: "p1", Tags: []string{"wave-1", "xss"},
	})
	require.NoError(t, err)
	_, err = sim.CreateSession(ctx, CreateSessionRequest{
		Prompt: "p2", Tags: []string{"wave-2", "xss"},
	})
	require.NoError(t, err)

	all, err := sim.ListSessions(ctx, nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, all.Total)

	wave1, err := sim.ListSessions(ctx, []string{"wave-1"}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, wave1.Total)

	none, err := sim.ListSessions(ctx, []string{"wave-3"}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, none.Total)
}

func TestSimulated_Playbooks(t *testing.T) {
	sim := NewSimulated(42)
	ctx := context.Background()

	pb, err := sim.CreatePlaybook(ctx, "sql_injection", "# Playbook body")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pb.PlaybookID, "pb-mock-"))
	assert.Equal(t, "sql_injection", pb.Title)

	list, err := sim.ListPlaybooks(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, pb.PlaybookID, list[0].PlaybookID)
}

func TestExtractHelpers(t *testing.T) {
	assert.Equal(t, "FIND-042", extractFindingID("fix FIND-042 now"))
	assert.Equal(t, "FIND-UNKNOWN", extractFindingID("nothing here"))

	assert.Equal(t, "sql_injection", extractCategory("prompt", []string{"wave-1", "sql_injection"}))
	assert.Equal(t, "xss", extractCategory("an XSS issue", nil))
	assert.Equal(t, "other", extractCategory("mystery", nil))

	assert.Equal(t, "payment-service", extractService("in payment-service repo", nil))
	assert.Equal(t, "user-service", extractService("none", []string{"user-service"}))
	assert.Equal(t, "unknown-service", extractService("none", nil))
}
