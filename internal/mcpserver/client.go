package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for connecting to the escrow admin API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // ADMIN_SECRET of the escrow service
}

// AdminClient is an HTTP client for the escrow admin API.
type AdminClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewAdminClient creates a new admin API client.
func NewAdminClient(cfg Config) *AdminClient {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &AdminClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// apiError represents an error response from the service.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the service and returns the response body.
func (c *AdminClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.AdminSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Message != "" {
				return respBody, fmt.Errorf("API error (%d, %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
			}
			return respBody, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return respBody, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListRecords lists escrow records in one status.
func (c *AdminClient) ListRecords(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/records", q, nil)
}

// GetRecord returns one escrow record.
func (c *AdminClient) GetRecord(ctx context.Context, txID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/records/"+url.PathEscape(txID), nil, nil)
}

// Reconcile checks a waiting record's balance and releases it if funded.
func (c *AdminClient) Reconcile(ctx context.Context, txID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/records/"+url.PathEscape(txID)+"/reconcile", nil, nil)
}

// RetryLegs pays the unpaid legs of a released or failed record.
func (c *AdminClient) RetryLegs(ctx context.Context, txID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/records/"+url.PathEscape(txID)+"/retry", nil, nil)
}

// Stats returns service counters.
func (c *AdminClient) Stats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/stats", nil, nil)
}

// Health returns the aggregated health report. A degraded service answers
// 503 with the same body, which is still returned.
func (c *AdminClient) Health(ctx context.Context) (json.RawMessage, error) {
	raw, err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil && json.Valid(raw) && strings.Contains(string(raw), `"checks"`) {
		return raw, nil
	}
	return raw, err
}

// SandboxFund credits an address on the sandbox ledger.
func (c *AdminClient) SandboxFund(ctx context.Context, address, amount string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/sandbox/fund", nil, map[string]string{
		"address": address,
		"amount":  amount,
	})
}
