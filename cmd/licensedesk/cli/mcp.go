package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	lmcp "github.com/licensedesk/licensedesk/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes license operations
as tools for AI agents. Supports stdio (default) and HTTP transports.

In stdio mode, the MCP server communicates over stdin/stdout using JSON-RPC,
suitable for desktop MCP clients. In HTTP mode, it listens on the given port.`,
		Example: `  licensedesk mcp                              # stdio mode
  licensedesk mcp --transport http --port 3001  # HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")

	return cmd
}

func runMCP(transport string, port int) error {
	if transport != "stdio" && transport != "http" {
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}

	a, err := openApp(context.Background(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	mcpSrv := lmcp.NewMCPServer(a.licenses, a.devices, a.subscriptions, a.monitor, versionString(), a.logger)

	if transport == "stdio" {
		return mcpSrv.ServeStdio()
	}
	addr := fmt.Sprintf(":%d", port)
	a.logger.Info("starting MCP HTTP server", "addr", addr)
	return mcpSrv.ServeHTTP(addr)
}
