package approval

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
)

// Client is an HTTP client for the approval endpoints, used by the
// operator CLI. Requests authenticate with a static admin key.
type Client struct {
	baseURL    string
	adminKey   string
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL
// (e.g. "http://localhost:8000").
func NewClient(baseURL, adminKey string) *Client {
	return &Client{
		baseURL:  baseURL,
		adminKey: adminKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ListResult is the response of the list endpoint. Total counts rows
// matching the filter; PendingCount is global.
type ListResult struct {
	Items        []*Request `json:"items"`
	Total        int        `json:"total"`
	PendingCount int        `json:"pending_count"`
}

// ListOptions narrows a List call.
type ListOptions struct {
	Status  string
	AgentID string
	Limit   int
	Offset  int
}

// List returns approval requests matching the given filters.
func (c *Client) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	u, err := url.Parse(c.baseURL + "/approvals")
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	q := u.Query()
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.AgentID != "" {
		q.Set("agent_id", opts.AgentID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	u.RawQuery = q.Encode()

	var result ListResult
	if err := c.do(ctx, http.MethodGet, u.String(), nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Get retrieves one approval request.
func (c *Client) Get(ctx context.Context, approvalID string) (*Request, error) {
	var result Request
	err := c.do(ctx, http.MethodGet, c.baseURL+"/approvals/"+approvalID, nil, http.StatusOK, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Approve approves a pending request.
func (c *Client) Approve(ctx context.Context, approvalID, reason string) (*Request, error) {
	return c.decide(ctx, approvalID, "approve", reason)
}

// Deny denies a pending request.
func (c *Client) Deny(ctx context.Context, approvalID, reason string) (*Request, error) {
	return c.decide(ctx, approvalID, "deny", reason)
}

func (c *Client) decide(ctx context.Context, approvalID, verb, reason string) (*Request, error) {
	body, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return nil, fmt.Errorf("marshal decision: %w", err)
	}

	var result Request
	u := c.baseURL + "/approvals/" + approvalID + "/" + verb
	if err := c.do(ctx, http.MethodPost, u, body, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel deletes a pending request.
func (c *Client) Cancel(ctx context.Context, approvalID string) error {
	return c.do(ctx, http.MethodDelete, c.baseURL+"/approvals/"+approvalID, nil, http.StatusNoContent, nil)
}

// do sends one request and decodes the response into out when the
// status matches wantStatus. Error responses surface the server's
// detail message.
func (c *Client) do(ctx context.Context, method, url string, body []byte, wantStatus int, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminKey != "" {
		req.Header.Set("X-Admin-Key", c.adminKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, errorDetail(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// errorDetail extracts the detail field from an error body, falling back
// to the raw body.
func errorDetail(body []byte) string {
	var e struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Detail != "" {
		return e.Detail
	}
	return string(body)
}
