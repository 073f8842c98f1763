// Package remote talks to the attendance authority over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TransientError marks a failure worth retrying: the network broke or the
// authority answered with a server-side status. Anything else is final.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient remote error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Client is a thin HTTP client for the authority sync API.
type Client struct {
	baseURL  string
	token    string
	deviceID string
	client   *http.Client
}

func NewClient(baseURL, token, deviceID string, timeout time.Duration) *Client {
	return &Client{
		baseURL:  baseURL,
		token:    token,
		deviceID: deviceID,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Push uploads a batch of ledger items and returns the authority's per-item
// verdicts. A batch-level failure returns *TransientError so the caller can
// retry the whole lease.
func (c *Client) Push(ctx context.Context, items []PushItem) ([]ItemResult, error) {
	req := PushRequest{
		DeviceID: c.deviceID,
		Items:    items,
	}

	resp, err := doPostJSON[PushResponse](ctx, c, "/api/v1/sync/push", req)
	if err != nil {
		return nil, err
	}

	return resp.Results, nil
}

// Pull fetches remote deltas created after the given cursor.
func (c *Client) Pull(ctx context.Context, cursor string, limit int) (*PullResponse, error) {
	req := PullRequest{
		DeviceID: c.deviceID,
		Since:    cursor,
		Limit:    limit,
	}

	return doPostJSON[PullResponse](ctx, c, "/api/v1/sync/pull", req)
}

func doPostJSON[T any](ctx context.Context, c *Client, path string, body any) (*T, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("could not marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &TransientError{Err: fmt.Errorf("authority returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))}
	}

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("authority returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("could not decode response: %w", err)}
	}

	return &out, nil
}
