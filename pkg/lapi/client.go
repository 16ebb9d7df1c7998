// Package lapi implements a thin client for pushing decisions to locally
// configured CrowdSec LAPI servers (spec §4.9 step 5).
package lapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wisbric/capiproxy/pkg/alert"
)

// Server identifies one LAPI instance decisions can be pushed to.
type Server struct {
	Name  string
	URL   string
	Token string
}

// Client pushes decisions to a single LAPI server.
type Client struct {
	server     Server
	httpClient *http.Client
}

// NewClient creates a Client bound to one LAPI server with the given
// per-request timeout.
func NewClient(server Server, timeout time.Duration) *Client {
	return &Client{server: server, httpClient: &http.Client{Timeout: timeout}}
}

// PushDecision submits a single decision. A non-nil error means the push
// failed; the Analyzer Scheduler counts only successful pushes and does not
// abort the rest of the batch on a failure.
func (c *Client) PushDecision(ctx context.Context, d alert.Decision) error {
	payload, err := json.Marshal([]alert.Decision{d})
	if err != nil {
		return fmt.Errorf("marshalling decision: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server.URL+"/v1/decisions", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.server.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.server.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pushing decision to %s: %w", c.server.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("lapi %s returned status %d: %s", c.server.Name, resp.StatusCode, string(body))
	}
	return nil
}

// Name returns the configured server name, for metrics labels.
func (c *Client) Name() string {
	return c.server.Name
}
