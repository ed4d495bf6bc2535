package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Remote speaks the agent platform's HTTP+Bearer protocol. It performs no
// retries itself; resilience is layered on by Hardened.
type Remote struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRemote creates a plain remote backend client.
func NewRemote(apiKey, baseURL string) *Remote {
	return &Remote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// request performs one HTTP round trip. Non-2xx responses become *APIError
// carrying status, body and any Retry-After hint.
func (r *Remote) request(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			Status:     resp.StatusCode,
			Body:       string(raw),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if err == io.EOF {
			return nil // empty body on success is fine
		}
		return fmt.Errorf("decode response for %s %s: %w", method, path, err)
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

// CreateSession creates a session. Every request carries idempotent=true.
func (r *Remote) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResult, error) {
	body := map[string]any{
		"prompt":     req.Prompt,
		"idempotent": req.Idempotent,
	}
	if req.PlaybookID != "" {
		body["playbook_id"] = req.PlaybookID
	}
	if len(req.Tags) > 0 {
		body["tags"] = req.Tags
	}
	if req.StructuredOutputSchema != nil {
		body["structured_output_schema"] = req.StructuredOutputSchema
	}
	if req.MaxACULimit > 0 {
		body["max_acu_limit"] = req.MaxACULimit
	}

	var result CreateSessionResult
	if err := r.request(ctx, http.MethodPost, "/sessions", nil, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetSession returns the current backend snapshot of a session.
func (r *Remote) GetSession(ctx context.Context, sessionID string) (*SessionSnapshot, error) {
	var snap SessionSnapshot
	if err := r.request(ctx, http.MethodGet, "/sessions/"+sessionID, nil, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSessions lists sessions with optional tag filtering. The platform may
// answer with either a bare array or a {sessions, total} envelope.
func (r *Remote) ListSessions(ctx context.Context, tags []string, limit, offset int) (*ListSessionsResult, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))
	if len(tags) > 0 {
		query.Set("tags", strings.Join(tags, ","))
	}

	var raw json.RawMessage
	if err := r.request(ctx, http.MethodGet, "/sessions", query, nil, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return &ListSessionsResult{}, nil
	}

	var list []SessionSnapshot
	if err := json.Unmarshal(raw, &list); err == nil {
		return &ListSessionsResult{Sessions: list, Total: len(list)}, nil
	}
	var result ListSessionsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode session list: %w", err)
	}
	return &result, nil
}

// SendMessage posts a message into a running session.
func (r *Remote) SendMessage(ctx context.Context, sessionID, message string) error {
	body := map[string]any{"message": message}
	return r.request(ctx, http.MethodPost, "/sessions/"+sessionID+"/message", nil, body, nil)
}

// TerminateSession terminates a session.
func (r *Remote) TerminateSession(ctx context.Context, sessionID string) error {
	return r.request(ctx, http.MethodDelete, "/sessions/"+sessionID, nil, nil, nil)
}

// TerminateSessionBestEffort terminates a session, treating 404 as success.
func (r *Remote) TerminateSessionBestEffort(ctx context.Context, sessionID string) error {
	err := r.TerminateSession(ctx, sessionID)
	if apiErr, ok := asAPIError(err); ok && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// CreatePlaybook uploads a playbook document.
func (r *Remote) CreatePlaybook(ctx context.Context, title, body string) (*Playbook, error) {
	payload := map[string]any{"title": title, "body": body}
	var pb Playbook
	if err := r.request(ctx, http.MethodPost, "/playbooks", nil, payload, &pb); err != nil {
		return nil, err
	}
	return &pb, nil
}

// ListPlaybooks lists all playbooks. The platform may answer with a bare
// array or a {playbooks} envelope.
func (r *Remote) ListPlaybooks(ctx context.Context) ([]Playbook, error) {
	var raw json.RawMessage
	if err := r.request(ctx, http.MethodGet, "/playbooks", nil, nil, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var list []Playbook
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var envelope struct {
		Playbooks []Playbook `json:"playbooks"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode playbook list: %w", err)
	}
	return envelope.Playbooks, nil
}

// Close releases client resources.
func (r *Remote) Close() error {
	r.httpClient.CloseIdleConnections()
	return nil
}
