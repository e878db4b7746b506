package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *AdminClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *AdminClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListRecords lists escrow records in one status.
func (h *Handlers) HandleListRecords(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "waiting_payment")
	limit := req.GetInt("limit", 0)

	raw, err := h.client.ListRecords(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list records: %v", err)), nil
	}

	text, err := formatRecordList(raw, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse records: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetRecord shows one escrow record.
func (h *Handlers) HandleGetRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txID := req.GetString("transaction_id", "")
	if txID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetRecord(ctx, txID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get record: %v", err)), nil
	}

	text, err := formatRecord(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse record: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleReconcileRecord releases a late-funded escrow.
func (h *Handlers) HandleReconcileRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txID := req.GetString("transaction_id", "")
	if txID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.Reconcile(ctx, txID)
	return outcomeResult("Reconcile", txID, raw, err), nil
}

// HandleRetryPayout pays the unpaid legs of a record.
func (h *Handlers) HandleRetryPayout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txID := req.GetString("transaction_id", "")
	if txID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.RetryLegs(ctx, txID)
	return outcomeResult("Retry", txID, raw, err), nil
}

// HandleServiceStatus combines the health report with the admin counters.
func (h *Handlers) HandleServiceStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	healthRaw, err := h.client.Health(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get health: %v", err)), nil
	}
	statsRaw, err := h.client.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}

	text, err := formatStatus(healthRaw, statsRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse status: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleFundSandbox credits a sandbox address.
func (h *Handlers) HandleFundSandbox(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	amount := req.GetString("amount", "")
	if address == "" || amount == "" {
		return mcp.NewToolResultError("address and amount are required"), nil
	}

	raw, err := h.client.SandboxFund(ctx, address, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fund address: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Funded %s with %s TON. Balance is now %s TON.",
		address, amount, getString(resp, "balance"))), nil
}

// --- Formatting helpers ---

var outcomeText = map[string]string{
	"released":      "Seller and fee were paid. The record is closed.",
	"partial":       "Seller was paid but the fee transfer failed. Retry later to collect the fee.",
	"seller_failed": "The seller transfer failed. Funds remain in the escrow wallet; retry the payout.",
}

// outcomeResult reports a reconcile or retry call. A failed seller leg comes
// back as an API error but still carries an outcome worth showing.
func outcomeResult(action, txID string, raw json.RawMessage, callErr error) *mcp.CallToolResult {
	var resp map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &resp)
	}
	outcome := getString(resp, "outcome")

	if callErr != nil && (outcome == "" || outcome == "none") {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed for %s: %v", action, txID, callErr))
	}
	if outcome == "" {
		return mcp.NewToolResultText(formatJSON(raw))
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s of %s: %s\n", action, txID, outcome))
	if text, ok := outcomeText[outcome]; ok {
		sb.WriteString(text + "\n")
	}
	if msg := getString(resp, "message"); msg != "" {
		sb.WriteString("Error: " + msg + "\n")
	}
	if callErr != nil {
		return mcp.NewToolResultError(sb.String())
	}
	return mcp.NewToolResultText(sb.String())
}

func formatRecordList(raw json.RawMessage, status string) (string, error) {
	var resp struct {
		Records []map[string]any `json:"records"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Records) == 0 {
		return fmt.Sprintf("No %s records.", status), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d %s record(s):\n\n", len(resp.Records), status))
	for i, r := range resp.Records {
		sb.WriteString(fmt.Sprintf("%d. %s: %s TON from user %s to %s\n",
			i+1,
			getString(r, "transactionId"),
			getString(r, "total"),
			getString(r, "userId"),
			getString(r, "sellerAddress"),
		))
		sb.WriteString(fmt.Sprintf("   escrow %s, %s\n", getString(r, "escrowAddress"), legSummary(r)))
	}
	return sb.String(), nil
}

func formatRecord(raw json.RawMessage) (string, error) {
	var r map[string]any
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Escrow %s (%s)\n", getString(r, "transactionId"), getString(r, "status")))
	sb.WriteString(fmt.Sprintf("  User:    %s\n", getString(r, "userId")))
	sb.WriteString(fmt.Sprintf("  Seller:  %s\n", getString(r, "sellerAddress")))
	sb.WriteString(fmt.Sprintf("  Escrow:  %s\n", getString(r, "escrowAddress")))
	sb.WriteString(fmt.Sprintf("  Total:   %s TON (seller %s, fee %s)\n",
		getString(r, "total"), getString(r, "sellerAmount"), getString(r, "fee")))
	sb.WriteString(fmt.Sprintf("  Legs:    %s\n", legSummary(r)))
	sb.WriteString(fmt.Sprintf("  Created: %s\n", getString(r, "createdAt")))
	if funded := getString(r, "fundedAt"); funded != "" {
		sb.WriteString(fmt.Sprintf("  Funded:  %s\n", funded))
	}
	return sb.String(), nil
}

func legSummary(r map[string]any) string {
	paid := func(key string) string {
		if v, _ := r[key].(bool); v {
			return "paid"
		}
		return "unpaid"
	}
	s := fmt.Sprintf("seller %s, fee %s", paid("sellerPaid"), paid("feePaid"))
	if v, _ := r["monitored"].(bool); v {
		s += ", monitor active"
	}
	return s
}

func formatStatus(healthRaw, statsRaw json.RawMessage) (string, error) {
	var hr struct {
		Status  string           `json:"status"`
		Version string           `json:"version"`
		Checks  []map[string]any `json:"checks"`
	}
	if err := json.Unmarshal(healthRaw, &hr); err != nil {
		return "", err
	}
	var stats map[string]any
	if err := json.Unmarshal(statsRaw, &stats); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Service: %s (version %s)\n", hr.Status, hr.Version))
	for _, c := range hr.Checks {
		state := "ok"
		if v, _ := c["healthy"].(bool); !v {
			state = "FAILING"
		}
		line := fmt.Sprintf("  %s: %s", getString(c, "name"), state)
		if d := getString(c, "detail"); d != "" {
			line += " (" + d + ")"
		}
		sb.WriteString(line + "\n")
	}

	if n, ok := getFloat(stats, "activeMonitors"); ok {
		sb.WriteString(fmt.Sprintf("Active payment monitors: %.0f\n", n))
	}
	if n, ok := getFloat(stats, "sessions"); ok {
		sb.WriteString(fmt.Sprintf("Open sessions: %.0f\n", n))
	}
	if streams, ok := stats["streams"].(map[string]any); ok {
		if n, ok := getFloat(streams, "connectedClients"); ok {
			sb.WriteString(fmt.Sprintf("Stream clients: %.0f\n", n))
		}
	}
	if mode := getString(stats, "walletMode"); mode != "" {
		sb.WriteString(fmt.Sprintf("Wallet mode: %s\n", mode))
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
