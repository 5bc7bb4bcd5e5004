package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is an HTTP client for the audit log endpoints, used by the
// operator CLI.
type Client struct {
	baseURL    string
	adminKey   string
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL, adminKey string) *Client {
	return &Client{
		baseURL:  baseURL,
		adminKey: adminKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Verify asks the service to walk an agent's chain.
func (c *Client) Verify(ctx context.Context, agentID string) (*VerifyResult, error) {
	u := c.baseURL + "/logs/verify?agent_id=" + url.QueryEscape(agentID)
	var result VerifyResult
	if err := c.get(ctx, u, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Query returns log entries matching the filter, newest first.
func (c *Client) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	u, err := url.Parse(c.baseURL + "/logs")
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	q := u.Query()
	if f.AgentID != "" {
		q.Set("agent_id", f.AgentID)
	}
	if f.Action != "" {
		q.Set("action", f.Action)
	}
	if f.Allowed != nil {
		q.Set("allowed", strconv.FormatBool(*f.Allowed))
	}
	if !f.StartTime.IsZero() {
		q.Set("start_time", f.StartTime.UTC().Format(time.RFC3339Nano))
	}
	if !f.EndTime.IsZero() {
		q.Set("end_time", f.EndTime.UTC().Format(time.RFC3339Nano))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	u.RawQuery = q.Encode()

	var entries []*Entry
	if err := c.get(ctx, u.String(), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.adminKey != "" {
		req.Header.Set("X-Admin-Key", c.adminKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Detail string `json:"detail"`
		}
		if err := json.Unmarshal(body, &e); err == nil && e.Detail != "" {
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, e.Detail)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}
