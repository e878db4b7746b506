package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server exposing the escrow operator tools.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("tonescrow-operator", version)
	h := NewHandlers(NewAdminClient(cfg))

	s.AddTool(ToolListRecords, h.HandleListRecords)
	s.AddTool(ToolGetRecord, h.HandleGetRecord)
	s.AddTool(ToolReconcileRecord, h.HandleReconcileRecord)
	s.AddTool(ToolRetryPayout, h.HandleRetryPayout)
	s.AddTool(ToolServiceStatus, h.HandleServiceStatus)
	s.AddTool(ToolFundSandbox, h.HandleFundSandbox)

	return s
}
