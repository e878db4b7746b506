package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mbd888/tonescrow/internal/ton"
)

const maxResponseBytes = 1 << 20

// TonAPI reads balances from a tonapi-compatible indexer:
//
//	GET {base}/v2/accounts/{address} → {"balance": <nano>, ...}
//
// An unknown account (404) has a zero balance.
type TonAPI struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewTonAPI creates the primary source.
func NewTonAPI(baseURL, apiKey string, client *http.Client) *TonAPI {
	return &TonAPI{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client}
}

func (t *TonAPI) Name() string { return "tonapi" }

func (t *TonAPI) Balance(ctx context.Context, address string) (ton.Amount, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/v2/accounts/"+url.PathEscape(address), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	body, status, err := do(t.client, req)
	if err != nil {
		return 0, err
	}
	if status == http.StatusNotFound {
		return 0, nil
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("tonapi: status %d", status)
	}

	var out struct {
		Balance json.Number `json:"balance"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return parseNano(string(out.Balance))
}

// TonCenter reads balances from a toncenter-compatible HTTP API:
//
//	GET {base}/api/v2/getAddressInformation?address=… → {"ok":true,"result":{"balance":"<nano>"}}
type TonCenter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewTonCenter creates the fallback source.
func NewTonCenter(baseURL, apiKey string, client *http.Client) *TonCenter {
	return &TonCenter{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client}
}

func (t *TonCenter) Name() string { return "toncenter" }

func (t *TonCenter) Balance(ctx context.Context, address string) (ton.Amount, error) {
	q := url.Values{"address": {address}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/api/v2/getAddressInformation?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if t.apiKey != "" {
		req.Header.Set("X-API-Key", t.apiKey)
	}

	body, status, err := do(t.client, req)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("toncenter: status %d", status)
	}

	var out struct {
		OK     bool   `json:"ok"`
		Error  string `json:"error"`
		Result struct {
			Balance json.Number `json:"balance"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if !out.OK {
		return 0, fmt.Errorf("toncenter: %s", out.Error)
	}
	return parseNano(string(out.Result.Balance))
}

func do(client *http.Client, req *http.Request) ([]byte, int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func parseNano(s string) (ton.Amount, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: missing balance", ErrBadResponse)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: balance %q: %v", ErrBadResponse, s, err)
	}
	return ton.FromNano(n), nil
}
