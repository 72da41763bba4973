package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all TONGuard tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("tonguard", "0.1.0")
	client := NewGuardClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolAuthorizeTransaction, h.HandleAuthorizeTransaction)
	s.AddTool(ToolCheckLayer, h.HandleCheckLayer)
	s.AddTool(ToolCreateWallet, h.HandleCreateWallet)
	s.AddTool(ToolGetWallet, h.HandleGetWallet)
	s.AddTool(ToolListWallets, h.HandleListWallets)
	s.AddTool(ToolPrepareTransaction, h.HandlePrepareTransaction)
	s.AddTool(ToolSignTransaction, h.HandleSignTransaction)
	s.AddTool(ToolListStrategies, h.HandleListStrategies)
	s.AddTool(ToolRecentAuthorizations, h.HandleRecentAuthorizations)
	s.AddTool(ToolSecurityHealth, h.HandleSecurityHealth)

	return s
}
