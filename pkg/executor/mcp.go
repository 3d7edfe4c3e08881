package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/skynav-ai/skynav/pkg/config"
)

const mcpProtocolVersion = "2024-11-05"

// dialStdio launches the tool endpoint as a child process and completes
// the MCP handshake over its standard I/O streams.
func dialStdio(ctx context.Context, cfg config.MCP, onProgress func()) (session, error) {
	if cfg.ServerPath == "" {
		return nil, fmt.Errorf("MCP_SERVER_PATH is not configured")
	}

	mcpClient, err := client.NewStdioMCPClient(cfg.ServerPath, nil, cfg.ServerArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	mcpClient.OnNotification(func(n mcp.JSONRPCNotification) {
		if n.Method == "notifications/progress" {
			onProgress()
		}
	})

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "skynav",
		Version: "0.1.0",
	}
	initReq.Params.ProtocolVersion = mcpProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}

	slog.Info("Connected to tool endpoint", "command", cfg.ServerPath)
	return mcpClient, nil
}

// schemaToMap flattens an MCP tool input schema into a plain map.
func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
