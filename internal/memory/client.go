package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds one memory service round trip.
const DefaultTimeout = 15 * time.Second

// Client talks to a memory service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the memory service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

// Focus implements Store.
func (c *Client) Focus(ctx context.Context, topic string) error {
	return c.post(ctx, "/v1/focus", map[string]string{"topic": topic}, nil)
}

// Recall implements Store.
func (c *Client) Recall(ctx context.Context, query string, k int) ([]Entry, error) {
	if k <= 0 {
		k = DefaultRecallK
	}
	var out struct {
		Entries []Entry `json:"entries"`
	}
	err := c.post(ctx, "/v1/recall", map[string]string{
		"query": query,
		"k":     strconv.Itoa(k),
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Entries) > k {
		out.Entries = out.Entries[:k]
	}
	return out.Entries, nil
}

// Commit implements Store.
func (c *Client) Commit(ctx context.Context, key, content string) error {
	return c.post(ctx, "/v1/commit", map[string]string{"key": key, "content": content}, nil)
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("memory %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("memory %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("memory %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("memory %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("memory %s: decoding response: %w", path, err)
	}
	return nil
}
