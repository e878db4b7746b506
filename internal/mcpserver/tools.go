package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow operator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListRecords = mcp.NewTool("list_records",
	mcp.WithDescription(
		"List escrow records by payout status. "+
			"'waiting_payment' records were never paid out (possibly timed out and need reconciling), "+
			"'failed' records have an unpaid seller leg, 'released' records may still owe the fee leg."),
	mcp.WithString("status",
		mcp.Description("Record status to list (default waiting_payment)"),
		mcp.Enum("waiting_payment", "released", "failed")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of records to return (default 50)")),
)

var ToolGetRecord = mcp.NewTool("get_record",
	mcp.WithDescription(
		"Show one escrow record: user, seller, escrow address, amounts, which legs were paid, "+
			"and whether a payment monitor is still polling it."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The escrow transaction id (tx_...)")),
)

var ToolReconcileRecord = mcp.NewTool("reconcile_record",
	mcp.WithDescription(
		"Check the balance of a waiting_payment escrow and, if it is fully funded, pay the seller and fee. "+
			"Use this for payments that arrived after the monitoring window closed. Safe to repeat: "+
			"an escrow is never paid out twice."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The escrow transaction id (tx_...)")),
)

var ToolRetryPayout = mcp.NewTool("retry_payout",
	mcp.WithDescription(
		"Retry the unpaid payout legs of a released or failed escrow. "+
			"Paid legs are never sent again. Once both legs are paid the record is removed."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The escrow transaction id (tx_...)")),
)

var ToolServiceStatus = mcp.NewTool("service_status",
	mcp.WithDescription(
		"Show escrow service health (record store, balance sources) and counters "+
			"(active payment monitors, sessions, stream clients)."),
)

var ToolFundSandbox = mcp.NewTool("fund_sandbox_address",
	mcp.WithDescription(
		"Credit TON to an address on the sandbox ledger, simulating a payment. "+
			"Only available when the service runs in sandbox wallet mode. "+
			"Fund an escrow address with its total to walk a test escrow through release."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("User-friendly TON address to credit")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in TON, e.g. '1.5'")),
)
