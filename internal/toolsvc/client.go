package toolsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds a single tool invocation.
const DefaultTimeout = 60 * time.Second

// Client talks to a tool service over HTTP. The service multiplexes any
// number of tool servers behind two endpoints: GET /v1/tools and
// POST /v1/call.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the tool service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type callRequest struct {
	Server string         `json:"server"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
}

type callResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// ListTools implements Invoker.
func (c *Client) ListTools(ctx context.Context, servers []string) ([]Tool, error) {
	endpoint := c.baseURL + "/v1/tools"
	if len(servers) > 0 {
		endpoint += "?servers=" + url.QueryEscape(strings.Join(servers, ","))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing tools: status %d", resp.StatusCode)
	}
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding tool list: %w", err)
	}
	return out.Tools, nil
}

// Call implements Invoker.
func (c *Client) Call(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	body, err := json.Marshal(callRequest{Server: server, Tool: tool, Args: args})
	if err != nil {
		return "", fmt.Errorf("encoding tool call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/call", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("calling %s: %w", JoinName(server, tool), err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling %s: %w", JoinName(server, tool), err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading tool output: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("calling %s: status %d: %s", JoinName(server, tool), resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out callResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decoding tool output: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("tool %s: %s", JoinName(server, tool), out.Error)
	}
	return out.Output, nil
}
