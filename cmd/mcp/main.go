// TONGuard MCP Server - Exposes transaction authorization and custody as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/tonguard/tonguard/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:  envOrDefault("TONGUARD_API_URL", "http://localhost:8080"),
		UserID:  os.Getenv("TONGUARD_USER_ID"),
		AgentID: os.Getenv("TONGUARD_AGENT_ID"),
	}

	if cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "TONGUARD_USER_ID is required")
		os.Exit(1)
	}
	if cfg.AgentID == "" {
		fmt.Fprintln(os.Stderr, "TONGUARD_AGENT_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
