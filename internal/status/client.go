package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cochaviz/keel/internal/sandbox"
)

const defaultClientTimeout = 10 * time.Second

// Client queries a running status server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server at addr (host:port or URL).
func NewClient(addr string) *Client {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: defaultClientTimeout},
	}
}

// Status fetches the current snapshot.
func (c *Client) Status(ctx context.Context) (sandbox.Snapshot, error) {
	var snap sandbox.Snapshot
	code, err := c.get(ctx, "/status", &snap)
	if err != nil {
		return sandbox.Snapshot{}, err
	}
	if code != http.StatusOK {
		return sandbox.Snapshot{}, fmt.Errorf("status server returned %d", code)
	}
	return snap, nil
}

// Healthy reports whether the server considers the sandbox healthy. An
// unreachable server is an error, not an unhealthy sandbox.
func (c *Client) Healthy(ctx context.Context) (bool, sandbox.State, error) {
	var resp healthResponse
	code, err := c.get(ctx, "/healthz", &resp)
	if err != nil {
		return false, "", err
	}
	switch code {
	case http.StatusOK:
		return true, resp.State, nil
	case http.StatusServiceUnavailable:
		return false, resp.State, nil
	default:
		return false, "", fmt.Errorf("health endpoint returned %d", code)
	}
}

func (c *Client) get(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("connect to status server: %w", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
