package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the feed to MCP clients over stdio.
type MCPServer struct {
	Server *mcpserver.MCPServer
}

func NewMCPServer(feed *FeedServer) *MCPServer {
	s := &MCPServer{Server: mcpserver.NewMCPServer("wattstream", "1.0.0")}

	currentDemand := mcp.NewTool("current_demand", mcp.WithDescription("Get the latest electricity demand reading in watts"))
	s.Server.AddTool(currentDemand, feed.handleCurrentDemand)

	listClients := mcp.NewTool("list_clients", mcp.WithDescription("Get a list of the clients subscribed to the reading feed"))
	s.Server.AddTool(listClients, feed.handleListClients)

	return s
}

func (s *MCPServer) Start() error {
	slog.Info("Started stdio MCP server")
	defer func() {
		slog.Info("Shut down stdio MCP server")
	}()
	return mcpserver.ServeStdio(s.Server)
}

func textResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(jsonBytes),
			},
		}}, nil
}

func (s *FeedServer) handleCurrentDemand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reading, ok := s.poller.Latest()
	if !ok {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: "No reading received yet"},
			},
			IsError: true,
		}, nil
	}
	return textResult(reading)
}

func (s *FeedServer) handleListClients(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return textResult(s.hub.Clients())
}
