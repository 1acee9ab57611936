package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/relaysync/relaysync/internal/schema"
	syncengine "github.com/relaysync/relaysync/internal/sync"
)

// Client is a sync provider speaking the relay's HTTP API. It implements
// sync.Provider and sync.PendingCounter. Retry and backoff belong to the
// engine; the client surfaces every failure as an error.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a relay client for the given base URL
// (e.g. "http://relay.example.com:8384").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Push implements sync.Provider.
func (c *Client) Push(ctx context.Context, ops []schema.Operation, clientID string) (*syncengine.PushResult, error) {
	body, err := json.Marshal(pushRequest{ClientID: clientID, Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("failed to encode push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ops", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp pushResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("push failed: %w", err)
	}
	cursor := resp.Cursor
	return &syncengine.PushResult{Cursor: &cursor}, nil
}

// Pull implements sync.Provider.
func (c *Client) Pull(ctx context.Context, cursor int64, clientID string) (*syncengine.PullResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pullURL(cursor, clientID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build pull request: %w", err)
	}

	var resp pullResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("pull failed: %w", err)
	}
	return &syncengine.PullResult{Ops: resp.Ops, NextCursor: resp.NextCursor}, nil
}

// PendingCount implements sync.PendingCounter.
func (c *Client) PendingCount(ctx context.Context, cursor int64, clientID string) (int, error) {
	u := fmt.Sprintf("%s/v1/ops/count?cursor=%d", c.baseURL, cursor)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build count request: %w", err)
	}

	var resp countResponse
	if err := c.do(req, &resp); err != nil {
		return 0, fmt.Errorf("pending count failed: %w", err)
	}
	return resp.Count, nil
}

func (c *Client) pullURL(cursor int64, clientID string) string {
	q := url.Values{}
	q.Set("cursor", strconv.FormatInt(cursor, 10))
	if clientID != "" {
		q.Set("client_id", clientID)
	}
	return c.baseURL + "/v1/ops?" + q.Encode()
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("relay returned %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode relay response: %w", err)
	}
	return nil
}
