// Package agentspawn is the transport adapter to the external agent-spawn
// RPC gateway. The engine never inspects the returned handle beyond
// success/failure — it's a thin wrapper, not part of the core logic.
package agentspawn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openclaw/prsched/internal/apperror"
	"github.com/openclaw/prsched/internal/retry"
)

// CleanupPolicy controls what the gateway does with the agent's workspace
// once it finishes.
type CleanupPolicy string

const (
	CleanupAlways    CleanupPolicy = "always"
	CleanupOnSuccess CleanupPolicy = "on_success"
	CleanupNever     CleanupPolicy = "never"
)

// Handle is the opaque result of a successful spawn. The dispatcher never
// reads Handle beyond whether Spawn returned an error.
type Handle struct {
	ID string
}

// Spawner is the interface the dispatch scheduler calls through, narrow
// enough to fake in tests.
type Spawner interface {
	Spawn(ctx context.Context, label, prompt, agentID string, timeout time.Duration, cleanup CleanupPolicy) (Handle, error)
}

// Client is an HTTP-based Spawner implementation.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New constructs a Client. baseURL and apiKey are typically resolved via
// internal/credentials; one Client serves every agent id it spawns.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 0}, // per-request deadline comes from ctx
	}
}

type spawnRequest struct {
	Label         string `json:"label"`
	Prompt        string `json:"prompt"`
	AgentID       string `json:"agentId"`
	RunTimeoutSec int    `json:"runTimeoutSeconds"`
	CleanupPolicy string `json:"cleanupPolicy"`
}

type spawnResponse struct {
	HandleID string `json:"handleId"`
}

// Spawn requests a new agent run from the gateway. timeout is the run
// timeout passed through to the gateway, not the HTTP call deadline (the
// caller's ctx governs that).
func (c *Client) Spawn(ctx context.Context, label, prompt, agentID string, timeout time.Duration, cleanup CleanupPolicy) (Handle, error) {
	body, err := json.Marshal(spawnRequest{
		Label:         label,
		Prompt:        prompt,
		AgentID:       agentID,
		RunTimeoutSec: int(timeout.Seconds()),
		CleanupPolicy: string(cleanup),
	})
	if err != nil {
		return Handle{}, fmt.Errorf("marshaling spawn request: %w", err)
	}

	return retry.DoVal(ctx, func() (Handle, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/spawn", bytes.NewReader(body))
		if err != nil {
			return Handle{}, retry.Permanent(fmt.Errorf("building spawn request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return Handle{}, apperror.Upstream(fmt.Errorf("calling agent-spawn gateway: %w", err))
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return Handle{}, retry.Permanent(apperror.Invalid(
				"agent-spawn gateway rejected request: %d: %s", resp.StatusCode, string(respBody)))
		}
		if resp.StatusCode >= 500 {
			return Handle{}, apperror.Upstream(fmt.Errorf("agent-spawn gateway returned %d: %s", resp.StatusCode, string(respBody)))
		}

		var out spawnResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			return Handle{}, retry.Permanent(fmt.Errorf("parsing spawn response: %w", err))
		}
		return Handle{ID: out.HandleID}, nil
	}, c.retryOpts()...)
}

func (c *Client) retryOpts() []retry.Option {
	return []retry.Option{
		retry.WithMaxAttempts(3),
		retry.WithBackoff(1*time.Second, 5*time.Second, 15*time.Second),
	}
}
