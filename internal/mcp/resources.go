package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const licenseURIPrefix = "licensedesk://license/"

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(
			"licensedesk://stats",
			"License Statistics",
			mcp.WithResourceDescription("Number of licenses in each lifecycle status."),
			mcp.WithMIMEType("application/json"),
		),
		s.handleStatsResource,
	)

	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			licenseURIPrefix+"{key}",
			"License",
			mcp.WithTemplateDescription("A license with its device bindings, looked up by key."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleLicenseResource,
	)
}

func (s *MCPServer) handleStatsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	counts, err := s.licenses.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count licenses: %w", err)
	}
	return jsonResource(request.Params.URI, counts)
}

// handleLicenseResource serves "licensedesk://license/{key}".
func (s *MCPServer) handleLicenseResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	key := strings.TrimPrefix(uri, licenseURIPrefix)
	if key == "" || key == uri {
		return nil, fmt.Errorf("invalid license URI %q: expected %s{key}", uri, licenseURIPrefix)
	}

	lic, err := s.licenses.GetByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("license %q: %s", key, describe(err))
	}
	devices, err := s.devices.List(ctx, lic.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return jsonResource(uri, map[string]any{"license": lic, "devices": devices})
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
