// Package mcpserver hosts the MCP server logic behind the session relay.
//
// The server is transport-agnostic: messages arrive as raw JSON-RPC from
// whatever channel delivered them, and the caller's identity travels in the
// request context rather than in the protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/auth"
)

// Server wraps an MCP server with demonstration tools that surface the
// authenticated identity.
type Server struct {
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

// New creates a Server with the given implementation name and version.
func New(name, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcpServer: server.NewMCPServer(
			name,
			version,
			server.WithToolCapabilities(false),
			server.WithLogging(),
		),
		logger: logger,
	}
	s.registerTools()
	return s
}

// HandleMessage processes one raw JSON-RPC message and returns the response
// message, or nil for notifications.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

func (s *Server) registerTools() {
	whoami := mcp.NewTool("whoami",
		mcp.WithDescription("Report the authenticated identity making this call"),
	)
	s.mcpServer.AddTool(whoami, s.handleWhoami)

	echo := mcp.NewTool("echo",
		mcp.WithDescription("Echo a message back to the caller"),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("Message to echo"),
		),
	)
	s.mcpServer.AddTool(echo, s.handleEcho)
}

func (s *Server) handleWhoami(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity := map[string]any{"authenticated": false}

	if info := auth.AuthInfoFromContext(ctx); info != nil {
		identity = map[string]any{
			"authenticated": true,
			"userId":        info.UserID(),
			"clientId":      info.ClientID,
			"scopes":        info.Scopes,
		}
		if info.ExpiresAt != 0 {
			identity["expiresAt"] = info.ExpiresAt
		}
	}

	data, err := json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleEcho(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := request.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("Echo: " + message), nil
}
