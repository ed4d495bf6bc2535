package backend

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

const maxRetryAfter = 60 * time.Second

var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
}

// HardenedConfig tunes the resilience wrapper.
type HardenedConfig struct {
	MaxRetries       int
	RetryJitterMax   time.Duration
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

// Hardened wraps a backend with retry, jittered exponential backoff with
// Retry-After override, and a circuit breaker. The breaker counts terminal
// request failures (after retries exhaust); while open every call fails
// immediately with ErrCircuitOpen and no network I/O.
type Hardened struct {
	inner Backend
	cfg   HardenedConfig

	mu sync.Mutex
	cb *gobreaker.CircuitBreaker
}

// NewHardened wraps inner with the configured resilience properties.
func NewHardened(inner Backend, cfg HardenedConfig) *Hardened {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	h := &Hardened{inner: inner, cfg: cfg}
	h.cb = h.newBreaker()
	return h
}

func (h *Hardened) newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "agent-backend",
		MaxRequests: 1, // one probe while half-open
		Timeout:     h.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= h.cfg.BreakerThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
}

// ResetBreaker returns the breaker to closed with a zero failure count.
// Used after cleanup passes whose failures should not block a real run.
func (h *Hardened) ResetBreaker() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cb = h.newBreaker()
	slog.Info("Circuit breaker reset")
}

func (h *Hardened) breaker() *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cb
}

// execute runs fn through the breaker and the retry schedule.
func (h *Hardened) execute(ctx context.Context, fn func() error) error {
	_, err := h.breaker().Execute(func() (any, error) {
		return nil, h.retry(ctx, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// retry runs fn with up to MaxRetries retries on 429/500/502/503 and on
// transport errors. The delay before retry k is base·2^(k-1) plus uniform
// jitter; any Retry-After hint overrides it verbatim, capped at 60 s.
// Cancellation during backoff is observed immediately via the context-aware
// ticker.
func (h *Hardened) retry(ctx context.Context, fn func() error) error {
	sched := &retrySchedule{
		maxRetries: h.cfg.MaxRetries,
		jitterMax:  h.cfg.RetryJitterMax,
	}
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if retryableStatuses[apiErr.Status] {
				sched.retryAfter = apiErr.RetryAfter
				slog.Warn("Retryable agent API error",
					"status", apiErr.Status, "retry_after", apiErr.RetryAfter)
				return err
			}
			return backoff.Permanent(err)
		}
		// Transport-level failure: retryable.
		slog.Warn("Network error talking to agent backend", "error", err)
		return err
	}
	return backoff.Retry(op, backoff.WithContext(sched, ctx))
}

// retrySchedule implements backoff.BackOff with the engine's delay rule.
type retrySchedule struct {
	maxRetries int
	jitterMax  time.Duration
	attempt    int
	retryAfter time.Duration
}

func (s *retrySchedule) Reset() { s.attempt = 0 }

func (s *retrySchedule) NextBackOff() time.Duration {
	s.attempt++
	if s.attempt > s.maxRetries {
		return backoff.Stop
	}
	// A server-supplied Retry-After is honored verbatim, no jitter.
	if s.retryAfter > 0 {
		delay := s.retryAfter
		if delay > maxRetryAfter {
			delay = maxRetryAfter
		}
		s.retryAfter = 0
		return delay
	}
	delay := time.Second << (s.attempt - 1)
	if s.jitterMax > 0 {
		delay += time.Duration(rand.Int63n(int64(s.jitterMax)))
	}
	return delay
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// CreateSession implements Backend.
func (h *Hardened) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResult, error) {
	var result *CreateSessionResult
	err := h.execute(ctx, func() error {
		var innerErr error
		result, innerErr = h.inner.CreateSession(ctx, req)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetSession implements Backend.
func (h *Hardened) GetSession(ctx context.Context, sessionID string) (*SessionSnapshot, error) {
	var snap *SessionSnapshot
	err := h.execute(ctx, func() error {
		var innerErr error
		snap, innerErr = h.inner.GetSession(ctx, sessionID)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ListSessions implements Backend.
func (h *Hardened) ListSessions(ctx context.Context, tags []string, limit, offset int) (*ListSessionsResult, error) {
	var result *ListSessionsResult
	err := h.execute(ctx, func() error {
		var innerErr error
		result, innerErr = h.inner.ListSessions(ctx, tags, limit, offset)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SendMessage implements Backend.
func (h *Hardened) SendMessage(ctx context.Context, sessionID, message string) error {
	return h.execute(ctx, func() error {
		return h.inner.SendMessage(ctx, sessionID, message)
	})
}

// TerminateSession implements Backend.
func (h *Hardened) TerminateSession(ctx context.Context, sessionID string) error {
	return h.execute(ctx, func() error {
		return h.inner.TerminateSession(ctx, sessionID)
	})
}

// TerminateSessionBestEffort bypasses the breaker: cleanup of stale
// sessions must neither fail on an expected 404 nor poison the breaker
// before the real run starts.
func (h *Hardened) TerminateSessionBestEffort(ctx context.Context, sessionID string) error {
	return h.retry(ctx, func() error {
		return h.inner.TerminateSessionBestEffort(ctx, sessionID)
	})
}

// CreatePlaybook implements Backend.
func (h *Hardened) CreatePlaybook(ctx context.Context, title, body string) (*Playbook, error) {
	var pb *Playbook
	err := h.execute(ctx, func() error {
		var innerErr error
		pb, innerErr = h.inner.CreatePlaybook(ctx, title, body)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return pb, nil
}

// ListPlaybooks implements Backend.
func (h *Hardened) ListPlaybooks(ctx context.Context) ([]Playbook, error) {
	var pbs []Playbook
	err := h.execute(ctx, func() error {
		var innerErr error
		pbs, innerErr = h.inner.ListPlaybooks(ctx)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return pbs, nil
}

// Close implements Backend.
func (h *Hardened) Close() error { return h.inner.Close() }
