package backend

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wavefix/wavefix/pkg/models"
)

// simStage describes one step of the deterministic stage progression.
type simStage struct {
	name          string
	minSec        float64
	maxSec        float64
	pStart        int
	pEnd          int
}

var simStages = []simStage{
	{"analyzing", 5, 10, 0, 25},
	{"fixing", 10, 20, 25, 60},
	{"testing", 8, 15, 60, 85},
	{"creating_pr", 3, 8, 85, 95},
}

const simFailureRate = 0.15

var simFixApproaches = map[string]string{
	"sql_injection":            "Replace string concatenation in SQL query with parameterized query using PreparedStatement",
	"dependency_vulnerability": "Upgrade vulnerable dependency to the patched version specified in the advisory",
	"hardcoded_secret":         "Move hardcoded credential to environment variable and load via application config",
	"pii_logging":              "Redact PII fields (email, phone, SSN) from log output using a sanitization filter",
	"missing_encryption":       "Add AES-256 encryption for sensitive data at rest using a managed key store",
	"access_logging":           "Add structured audit logging middleware to capture access events for compliance",
	"xss":                      "Apply context-aware output encoding using the framework's built-in HTML escaping utilities",
	"path_traversal":           "Validate and canonicalize file paths against a whitelist of allowed directories",
}

var (
	findingIDPattern = regexp.MustCompile(`FIND-\d+`)
	servicePattern   = regexp.MustCompile(`([\w-]+-service)`)
)

// simSession holds the fixed creation-time parameters of one simulated
// session; everything observable is computed from elapsed wall time.
type simSession struct {
	id         string
	createdAt  time.Time
	willFail   bool
	stageDurs  []float64 // seconds per stage, pre-rolled
	prompt     string
	playbookID string
	tags       []string
	findingID  string
	category   string
	service    string
	terminated bool
	prNumber   int
	confidence string
	testsAdded int
}

// Simulated is a deterministic in-memory backend. Given a seed, the same
// sequence of creations yields the same outcomes: roughly 15% of sessions
// are designated failures at creation time and stall at the testing stage
// with a blocked status; the rest finish with a synthetic PR URL.
type Simulated struct {
	mu        sync.Mutex
	rng       *rand.Rand
	now       func() time.Time
	sessions  map[string]*simSession
	order     []string
	playbooks map[string]Playbook
}

// NewSimulated creates a simulated backend. A non-zero seed makes outcomes
// reproducible.
func NewSimulated(seed int64) *Simulated {
	src := rand.NewSource(seed)
	if seed == 0 {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Simulated{
		rng:       rand.New(src),
		now:       time.Now,
		sessions:  make(map[string]*simSession),
		playbooks: make(map[string]Playbook),
	}
}

// SetClock overrides the wall clock, letting tests advance simulated time.
func (s *Simulated) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateSession implements Backend. With Idempotent set, a repeated prompt
// returns the existing session.
func (s *Simulated) CreateSession(_ context.Context, req CreateSessionRequest) (*CreateSessionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Idempotent {
		for _, id := range s.order {
			if s.sessions[id].prompt == req.Prompt {
				return &CreateSessionResult{
					SessionID: id,
					URL:       simURL(id),
					IsNew:     false,
				}, nil
			}
		}
	}

	id := "mock-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	sess := &simSession{
		id:         id,
		createdAt:  s.now(),
		willFail:   s.rng.Float64() < simFailureRate,
		prompt:     req.Prompt,
		playbookID: req.PlaybookID,
		tags:       req.Tags,
		findingID:  extractFindingID(req.Prompt),
		category:   extractCategory(req.Prompt, req.Tags),
		service:    extractService(req.Prompt, req.Tags),
		prNumber:   10 + s.rng.Intn(990),
		testsAdded: 1 + s.rng.Intn(5),
	}
	for _, st := range simStages {
		sess.stageDurs = append(sess.stageDurs, st.minSec+s.rng.Float64()*(st.maxSec-st.minSec))
	}
	if sess.category == "other" {
		sess.confidence = "low"
	} else if s.rng.Intn(2) == 0 {
		sess.confidence = "high"
	} else {
		sess.confidence = "medium"
	}

	s.sessions[id] = sess
	s.order = append(s.order, id)

	return &CreateSessionResult{SessionID: id, URL: simURL(id), IsNew: true}, nil
}

// GetSession implements Backend; the snapshot is computed from elapsed time
// since creation.
func (s *Simulated) GetSession(_ context.Context, sessionID string) (*SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, &APIError{Status: 404, Body: fmt.Sprintf("session %s not found", sessionID)}
	}
	return s.snapshot(sess), nil
}

func (s *Simulated) snapshot(sess *simSession) *SessionSnapshot {
	if sess.terminated {
		return s.buildSnapshot(sess, "failed", 0, StatusEnumBlocked, "Session terminated by user")
	}

	elapsed := s.now().Sub(sess.createdAt).Seconds()
	cumulative := 0.0
	for i, st := range simStages {
		dur := sess.stageDurs[i]
		if elapsed < cumulative+dur {
			if sess.willFail && st.name == "testing" {
				return s.buildSnapshot(sess, "failed", st.pStart, StatusEnumBlocked,
					"Tests failed: existing tests broke after applying fix")
			}
			frac := (elapsed - cumulative) / dur
			progress := st.pStart + int(frac*float64(st.pEnd-st.pStart))
			return s.buildSnapshot(sess, st.name, progress, StatusEnumWorking, "")
		}
		cumulative += dur
	}

	// Past the last stage.
	if sess.willFail {
		return s.buildSnapshot(sess, "failed", 60, StatusEnumBlocked,
			"Tests failed: existing tests broke after applying fix")
	}
	return s.buildSnapshot(sess, "completed", 100, StatusEnumFinished, "")
}

func (s *Simulated) buildSnapshot(sess *simSession, stage string, progress int, statusEnum, errMsg string) *SessionSnapshot {
	stageIdx := map[string]int{
		"analyzing": 0, "fixing": 1, "testing": 2, "creating_pr": 3, "completed": 4, "failed": 5,
	}[stage]

	var fixApproach, confidence string
	var filesModified []any
	var testsPassed any
	testsAdded := 0
	var prURL string

	if stageIdx >= 1 || stage == "failed" {
		fixApproach = simFixApproaches[sess.category]
		if fixApproach == "" {
			fixApproach = "Apply security best practices to remediate the identified vulnerability"
		}
		confidence = sess.confidence
	}
	if stageIdx >= 2 || stage == "failed" {
		short := strings.TrimSuffix(sess.service, "-service")
		filesModified = []any{
			fmt.Sprintf("src/%s/dao/%s.java", short, strings.ReplaceAll(sess.findingID, "-", "")),
			fmt.Sprintf("src/%s/dao/%sTest.java", short, strings.ReplaceAll(sess.findingID, "-", "")),
		}
	}
	if stageIdx >= 3 && stage != "failed" {
		testsPassed = true
		testsAdded = sess.testsAdded
	}
	if stage == "failed" {
		testsPassed = false
	}
	if stage == "creating_pr" || stage == "completed" {
		prURL = fmt.Sprintf("https://github.com/wavefix-demo/%s/pull/%d", sess.service, sess.prNumber)
	}

	stepMessages := map[string]string{
		"analyzing":   fmt.Sprintf("Analyzing finding %s in %s", sess.findingID, sess.service),
		"fixing":      fmt.Sprintf("Applying fix for %s", sess.findingID),
		"testing":     fmt.Sprintf("Running test suite for %s", sess.findingID),
		"creating_pr": fmt.Sprintf("Creating pull request with fix for %s", sess.findingID),
		"completed":   "Pull request created successfully",
		"failed":      "Tests failed after applying fix",
	}

	output := models.StructuredOutput{
		"finding_id":   sess.findingID,
		"status":       stage,
		"progress_pct": progress,
		"current_step": stepMessages[stage],
		"tests_added":  testsAdded,
	}
	if fixApproach != "" {
		output["fix_approach"] = fixApproach
	}
	if confidence != "" {
		output["confidence"] = confidence
	}
	if filesModified != nil {
		output["files_modified"] = filesModified
	}
	if testsPassed != nil {
		output["tests_passed"] = testsPassed
	}
	if prURL != "" {
		output["pr_url"] = prURL
	}
	if errMsg != "" {
		output["error_message"] = errMsg
	}

	snap := &SessionSnapshot{
		SessionID:        sess.id,
		StatusEnum:       statusEnum,
		URL:              simURL(sess.id),
		Title:            fmt.Sprintf("Remediate %s", sess.findingID),
		StructuredOutput: output,
	}
	if stage == "completed" && prURL != "" {
		snap.PullRequest = &PullRequest{URL: prURL}
	}
	return snap
}

// ListSessions implements Backend with tag-subset filtering.
func (s *Simulated) ListSessions(ctx context.Context, tags []string, limit, offset int) (*ListSessionsResult, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.order))
	for _, id := range s.order {
		if tagsSubset(tags, s.sessions[id].tags) {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	total := len(ids)
	if offset > len(ids) {
		offset = len(ids)
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	result := &ListSessionsResult{Total: total}
	for _, id := range ids {
		snap, err := s.GetSession(ctx, id)
		if err != nil {
			continue
		}
		result.Sessions = append(result.Sessions, *snap)
	}
	return result, nil
}

// SendMessage implements Backend as a no-op.
func (s *Simulated) SendMessage(_ context.Context, sessionID, message string) error {
	return nil
}

// TerminateSession marks the session terminated; subsequent snapshots
// report a blocked failure.
func (s *Simulated) TerminateSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.terminated = true
	}
	return nil
}

// TerminateSessionBestEffort implements Backend.
func (s *Simulated) TerminateSessionBestEffort(ctx context.Context, sessionID string) error {
	return s.TerminateSession(ctx, sessionID)
}

// CreatePlaybook implements Backend.
func (s *Simulated) CreatePlaybook(_ context.Context, title, _ string) (*Playbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pb := Playbook{
		PlaybookID: "pb-mock-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		Title:      title,
	}
	s.playbooks[pb.PlaybookID] = pb
	return &pb, nil
}

// ListPlaybooks implements Backend.
func (s *Simulated) ListPlaybooks(_ context.Context) ([]Playbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Playbook, 0, len(s.playbooks))
	for _, pb := range s.playbooks {
		out = append(out, pb)
	}
	return out, nil
}

// Close implements Backend.
func (s *Simulated) Close() error { return nil }

func simURL(id string) string {
	return "https://app.devin.ai/sessions/" + id
}

func tagsSubset(want, have []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

func extractFindingID(prompt string) string {
	if m := findingIDPattern.FindString(prompt); m != "" {
		return m
	}
	return "FIND-UNKNOWN"
}

func extractCategory(prompt string, tags []string) string {
	for _, tag := range tags {
		if _, ok := simFixApproaches[tag]; ok {
			return tag
		}
	}
	lowered := strings.ReplaceAll(strings.ToLower(prompt), " ", "_")
	for cat := range simFixApproaches {
		if strings.Contains(lowered, cat) {
			return cat
		}
	}
	return "other"
}

func extractService(prompt string, tags []string) string {
	if m := servicePattern.FindString(prompt); m != "" {
		return m
	}
	for _, tag := range tags {
		if strings.HasSuffix(tag, "-service") {
			return tag
		}
	}
	return "unknown-service"
}
