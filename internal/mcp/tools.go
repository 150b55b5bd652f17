package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

var licenseStatuses = []string{
	string(model.LicenseAwaitingActivation),
	string(model.LicenseActive),
	string(model.LicenseSuspended),
	string(model.LicenseRevoked),
	string(model.LicenseBlocked),
}

// registerTools registers every licensedesk MCP tool on srv.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Licenses -----

	srv.AddTool(
		mcp.NewTool("licensedesk_list_licenses",
			mcp.WithDescription(
				"List license keys, newest first. Filter by status or by a key prefix. "+
					"Customer identity is never returned, only key, status, origin and device ceiling.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("status",
				mcp.Description("Only return licenses in this status"),
				mcp.Enum(licenseStatuses...),
			),
			mcp.WithString("search", mcp.Description("License key prefix, e.g. EXT-AB")),
			mcp.WithNumber("limit", mcp.Description("Maximum licenses to return (default 50, max 500)")),
			mcp.WithNumber("offset", mcp.Description("Licenses to skip")),
		),
		s.handleListLicenses,
	)

	srv.AddTool(
		mcp.NewTool("licensedesk_get_license",
			mcp.WithDescription(
				"Get one license by id or by key, with its device bindings, its subscription "+
					"and the statuses it may move to.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("license_id", mcp.Description("License id")),
			mcp.WithString("license_key", mcp.Description("License key, used when license_id is empty")),
		),
		s.handleGetLicense,
	)

	srv.AddTool(
		mcp.NewTool("licensedesk_license_logs",
			mcp.WithDescription(
				"Read the activity log of a license, newest first. Violation entries such as "+
					"tampered_extension or debug_detected feed the auto-suspend job.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("license_id", mcp.Required(), mcp.Description("License id")),
			mcp.WithNumber("limit", mcp.Description("Maximum entries (default 50, max 500)")),
		),
		s.handleLicenseLogs,
	)

	srv.AddTool(
		mcp.NewTool("licensedesk_license_stats",
			mcp.WithDescription("Count licenses per status."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleLicenseStats,
	)

	srv.AddTool(
		mcp.NewTool("licensedesk_set_license_status",
			mcp.WithDescription(
				"Move a license to another status. Only transitions allowed by the lifecycle "+
					"are accepted; suspending, revoking or blocking also ends the license's sessions.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("license_id", mcp.Required(), mcp.Description("License id")),
			mcp.WithString("status", mcp.Required(), mcp.Description("Target status"),
				mcp.Enum(licenseStatuses...)),
		),
		s.handleSetLicenseStatus,
	)

	// ----- Subscriptions and monitoring -----

	srv.AddTool(
		mcp.NewTool("licensedesk_list_subscriptions",
			mcp.WithDescription("List subscriptions with their current billing period."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("status",
				mcp.Description("Only return subscriptions in this status"),
				mcp.Enum(string(model.SubscriptionActive), string(model.SubscriptionExpired),
					string(model.SubscriptionCancelled), string(model.SubscriptionSuspended)),
			),
			mcp.WithNumber("limit", mcp.Description("Maximum subscriptions (default 50, max 500)")),
		),
		s.handleListSubscriptions,
	)

	srv.AddTool(
		mcp.NewTool("licensedesk_rate_limit_advisories",
			mcp.WithDescription(
				"List client IPs that kept hitting the extension rate limiter in the last hour. "+
					"Advisories are informational; nothing is blocked automatically.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleAdvisories,
	)

	srv.AddTool(
		mcp.NewTool("licensedesk_run_jobs",
			mcp.WithDescription(
				"Run the periodic jobs now: subscription expiry sweep, auto-suspend of licenses "+
					"with too many violations, rate-limit advisories and the challenge/session purge.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
		),
		s.handleRunJobs,
	)
}

func (s *MCPServer) handleListLicenses(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f := model.LicenseFilter{
		Status: model.LicenseStatus(optionalString(request, "status")),
		Search: license.NormalizeKey(optionalString(request, "search")),
		Limit:  clamp(optionalInt(request, "limit", defaultLimit), 1, maxLimit),
		Offset: max(optionalInt(request, "offset", 0), 0),
	}
	if f.Status != "" && !f.Status.Valid() {
		return toolError("Unknown status %q (expected one of %v)", f.Status, licenseStatuses)
	}
	list, err := s.licenses.List(ctx, f)
	if err != nil {
		return toolError("Failed to list licenses: %v", err)
	}
	if list == nil {
		list = []model.License{}
	}
	return successJSON(list)
}

func (s *MCPServer) handleGetLicense(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		lic *model.License
		err error
	)
	switch id, key := optionalString(request, "license_id"), optionalString(request, "license_key"); {
	case id != "":
		lic, err = s.licenses.Get(ctx, id)
	case key != "":
		lic, err = s.licenses.GetByKey(ctx, key)
	default:
		return toolError("Provide license_id or license_key")
	}
	if err != nil {
		return toolError("Failed to load license: %s", describe(err))
	}

	devices, err := s.devices.List(ctx, lic.ID)
	if err != nil {
		return toolError("Failed to list devices: %v", err)
	}
	sub, err := s.subscriptions.ForLicense(ctx, lic.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return toolError("Failed to load subscription: %v", err)
	}

	return successJSON(map[string]any{
		"license":             lic,
		"devices":             devices,
		"subscription":        sub,
		"allowed_transitions": license.ValidTransitionsFrom(lic.Status),
	})
}

func (s *MCPServer) handleLicenseLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "license_id")
	if err != nil {
		return toolError("%v", err)
	}
	logs, err := s.licenses.Logs(ctx, id, clamp(optionalInt(request, "limit", defaultLimit), 1, maxLimit))
	if err != nil {
		return toolError("Failed to read logs: %s", describe(err))
	}
	return successJSON(logs)
}

func (s *MCPServer) handleLicenseStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	counts, err := s.licenses.CountByStatus(ctx)
	if err != nil {
		return toolError("Failed to count licenses: %v", err)
	}
	return successJSON(counts)
}

func (s *MCPServer) handleSetLicenseStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "license_id")
	if err != nil {
		return toolError("%v", err)
	}
	status, err := requireString(request, "status")
	if err != nil {
		return toolError("%v", err)
	}
	lic, err := s.licenses.SetStatus(ctx, id, model.LicenseStatus(status), actor)
	if err != nil {
		return toolError("Failed to change status: %s", describe(err))
	}
	s.logger.Info("license status changed via MCP", "license_id", id, "status", status)
	return successJSON(lic)
}

func (s *MCPServer) handleListSubscriptions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subs, err := s.subscriptions.List(ctx, store.SubscriptionFilter{
		Status: model.SubscriptionStatus(optionalString(request, "status")),
		Limit:  clamp(optionalInt(request, "limit", defaultLimit), 1, maxLimit),
	})
	if err != nil {
		return toolError("Failed to list subscriptions: %v", err)
	}
	if subs == nil {
		subs = []model.Subscription{}
	}
	return successJSON(subs)
}

func (s *MCPServer) handleAdvisories(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	adv, err := s.monitor.RateLimitAdvisories(ctx)
	if err != nil {
		return toolError("Failed to read advisories: %v", err)
	}
	if adv == nil {
		adv = []model.RateLimitAdvisory{}
	}
	return successJSON(adv)
}

func (s *MCPServer) handleRunJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.monitor.RunOnce(ctx)
	if err != nil {
		return toolError("Jobs failed: %v", err)
	}
	return successJSON(report)
}
