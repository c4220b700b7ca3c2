// Package sync implements the dual-authority protocol between the
// local CLI and a remote coordinator: a retrying HTTP client, the
// persistent offline queue and the ordered flush discipline.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/logging"
	"github.com/gitswarm/gitswarm/internal/policy"
)

const (
	attemptTimeout = 10 * time.Second
	maxAttempts    = 3
)

// backoffs between transport retries.
var backoffs = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// StatusError is a non-2xx response. Status errors are never retried.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the coordinator with bearer-key authentication.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *logging.Logger
}

// NewClient creates a coordinator client.
func NewClient(baseURL, apiKey string, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: attemptTimeout},
		logger:  logger,
	}
}

// do posts a JSON body and decodes a JSON response. Transport failures
// retry with exponential backoff; HTTP status errors surface
// immediately.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (map[string]interface{}, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, core.ErrNetwork(core.CodeServerUnavailable, "sync cancelled").WithCause(ctx.Err())
			case <-time.After(backoffs[attempt-1]):
			}
		}

		resp, err := c.attempt(ctx, method, path, payload)
		if err == nil {
			return resp, nil
		}
		var se *StatusError
		if errors.As(err, &se) {
			return nil, err
		}
		lastErr = err
		c.logger.Debug("sync attempt failed",
			"path", path, "attempt", attempt+1, "error", err)
	}
	return nil, core.ErrNetwork(core.CodeServerUnavailable,
		fmt.Sprintf("coordinator unreachable after %d attempts", maxAttempts)).WithCause(lastErr)
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncateBody(data)}
	}

	out := make(map[string]interface{})
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
	}
	return NormalizeKeys(out), nil
}

func truncateBody(b []byte) string {
	const limit = 500
	if len(b) > limit {
		b = b[:limit]
	}
	return string(b)
}

// Ping checks coordinator liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/ping", nil)
	return err
}

// RegisterRepo assigns the repo to the agent's org on first connect.
// Returns the server's repo configuration.
func (c *Client) RegisterRepo(ctx context.Context, repo map[string]interface{}) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodPost, "/api/repos/register", repo)
}

// GetRepoConfig pulls server-owned repo fields.
func (c *Client) GetRepoConfig(ctx context.Context, repoID string) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodGet, "/api/repos/"+repoID+"/config", nil)
}

// CheckConsensus asks the server for the authoritative consensus
// verdict on a stream.
func (c *Client) CheckConsensus(ctx context.Context, repoID, streamID string) (*policy.ConsensusResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/consensus/check", map[string]interface{}{
		"repo_id":   repoID,
		"stream_id": streamID,
	})
	if err != nil {
		return nil, err
	}

	res := &policy.ConsensusResult{
		Reached: asBool(resp["reached"]),
		Reason:  asString(resp["reason"]),
		Metrics: make(map[string]float64),
	}
	if metrics, ok := resp["metrics"].(map[string]interface{}); ok {
		for k, v := range metrics {
			if f, ok := v.(float64); ok {
				res.Metrics[k] = f
			}
		}
	}
	return res, nil
}

// RequestMerge asks the server to approve a gated merge.
func (c *Client) RequestMerge(ctx context.Context, repoID, streamID, agentID string) (bool, string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/merges/request", map[string]interface{}{
		"repo_id":   repoID,
		"stream_id": streamID,
		"agent_id":  agentID,
	})
	if err != nil {
		return false, "", err
	}
	return asBool(resp["approved"]), asString(resp["reason"]), nil
}

// SendEvent dispatches one event to its per-type endpoint. Unknown
// types fail without touching the network.
func (c *Client) SendEvent(ctx context.Context, eventType string, payload map[string]interface{}) error {
	path, ok := eventEndpoints[eventType]
	if !ok {
		return core.ErrValidation(core.CodeBadConfig,
			fmt.Sprintf("no sync endpoint for event type %q", eventType))
	}
	_, err := c.do(ctx, http.MethodPost, path, payload)
	return err
}

// eventEndpoints is the fixed event-type dispatch table.
var eventEndpoints = map[string]string{
	"stream_created":    "/api/sync/stream-created",
	"commit":            "/api/sync/commit",
	"submit_for_review": "/api/sync/submit-for-review",
	"review":            "/api/sync/review",
	"submit_review":     "/api/sync/review",
	"merge_completed":   "/api/sync/merge-completed",
	"merge_requested":   "/api/sync/merge-requested",
	"stream_abandoned":  "/api/sync/stream-abandoned",
	"stabilization":     "/api/sync/stabilization",
	"promotion":         "/api/sync/promotion",
	"council_proposal":  "/api/sync/council-proposal",
	"council_vote":      "/api/sync/council-vote",
	"stage_progression": "/api/sync/stage-progression",
	"task_submission":   "/api/sync/task-submission",
}

// BatchResult is the per-entry outcome of a batch flush.
type BatchResult struct {
	Seq    int64
	Status string // ok, duplicate, error
	Error  string
}

// SendBatch posts queued events to the bulk endpoint. A 404 means the
// coordinator predates batching; callers fall back to individual
// dispatch.
func (c *Client) SendBatch(ctx context.Context, entries []core.SyncQueueEntry) ([]BatchResult, error) {
	events := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		var data map[string]interface{}
		if err := json.Unmarshal(e.Payload, &data); err != nil {
			data = map[string]interface{}{"raw": string(e.Payload)}
		}
		events = append(events, map[string]interface{}{
			"seq":        e.Seq,
			"event_type": e.EventType,
			"data":       data,
			"created_at": e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/sync/batch", map[string]interface{}{
		"events": events,
	})
	if err != nil {
		return nil, err
	}

	raw, _ := resp["results"].([]interface{})
	out := make([]BatchResult, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, BatchResult{
			Seq:    int64(asFloat(m["seq"])),
			Status: asString(m["status"]),
			Error:  asString(m["error"]),
		})
	}
	return out, nil
}

// PollUpdates pulls pending updates for the agent since a watermark.
func (c *Client) PollUpdates(ctx context.Context, since time.Time, agentID string) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodPost, "/api/sync/poll", map[string]interface{}{
		"since":    since.UTC().Format(time.RFC3339Nano),
		"agent_id": agentID,
	})
}
