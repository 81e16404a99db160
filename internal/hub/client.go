package hub

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

	"github.com/star64ccs/CardStrategy-sub006/internal/syncer"
)

// Client implements syncer.Remote against a hub Server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the hub at baseURL. A nil httpClient
// uses one with a 30s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Push sends records to the hub.
func (c *Client) Push(ctx context.Context, records []syncer.Record) ([]syncer.PushResult, error) {
	body, err := json.Marshal(pushRequest{Records: records})
	if err != nil {
		return nil, fmt.Errorf("failed to encode records: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/records", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp pushResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Pull fetches records other devices pushed after since.
func (c *Client) Pull(ctx context.Context, deviceID string, since time.Time) ([]syncer.Record, error) {
	q := url.Values{"device": {deviceID}}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/records?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp pullResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hub request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("hub returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("hub returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode hub response: %w", err)
	}
	return nil
}
