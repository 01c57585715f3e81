// Package mcp implements the Model Context Protocol server for Himitsu.
//
// The MCP server exposes the marketplace to agents: browse datasets, price
// and run paid aggregate queries, and inspect or switch the execution mode.
// Every tool delegates to the same lifecycle manager as the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/service/lifecycle"
)

// ModeController is the session surface the tools need. *session.Session implements it.
type ModeController interface {
	Status(ctx context.Context) model.ModeStatus
	SetMode(ctx context.Context, mode model.Mode) error
}

// priceWindow is how long a viewed price authorizes a paid query.
const priceWindow = 10 * time.Minute

// Server wraps the MCP server with Himitsu's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	lifecycle *lifecycle.Manager
	mode      ModeController
	prices    *priceTracker
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and prompts.
func New(mgr *lifecycle.Manager, mode ModeController, logger *slog.Logger, version string) *Server {
	s := &Server{
		lifecycle: mgr,
		mode:      mode,
		prices:    newPriceTracker(priceWindow),
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"himitsu",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `Himitsu is a marketplace for aggregate statistics over private datasets.
Providers upload values that stay encrypted; buyers pay per query and receive only the aggregate.

Workflow: himitsu_datasets to browse, himitsu_dataset to see the exact price,
then himitsu_query to pay and run. Queries cost real funds and are never
refunded for being resubmitted, so never repeat a himitsu_query call that
returned a query_id; use himitsu_query_status instead.`

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
