package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/licensedesk/licensedesk/internal/device"
	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/monitor"
	"github.com/licensedesk/licensedesk/internal/subscription"
)

// actor is recorded in the activity log for changes made through MCP.
const actor = "mcp"

// MCPServer exposes the license store to AI agents as MCP tools and
// resources. Most tools are read-only; status changes and job runs go
// through the same services as the admin API.
type MCPServer struct {
	licenses      *license.Registry
	devices       *device.Service
	subscriptions *subscription.Manager
	monitor       *monitor.Monitor
	logger        *slog.Logger
	server        *server.MCPServer
}

// NewMCPServer creates an MCPServer with every tool and resource
// registered. The returned server is ready to serve over stdio or HTTP.
func NewMCPServer(licenses *license.Registry, devices *device.Service, subs *subscription.Manager, mon *monitor.Monitor, version string, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		licenses:      licenses,
		devices:       devices,
		subscriptions: subs,
		monitor:       mon,
		logger:        logger,
	}

	mcpServer := server.NewMCPServer(
		"licensedesk",
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio serves MCP over stdin/stdout for clients that launch the
// server as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ServeHTTP serves MCP in Streamable HTTP mode on addr (e.g. ":3001").
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func mutatingAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(false),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
