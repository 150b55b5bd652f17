package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/store"
)

// requireString extracts a required, non-empty string argument.
func requireString(request mcp.CallToolRequest, key string) (string, error) {
	val, err := request.RequireString(key)
	if err != nil || val == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return val, nil
}

// optionalString extracts an optional string argument, trimmed.
func optionalString(request mcp.CallToolRequest, key string) string {
	return strings.TrimSpace(request.GetString(key, ""))
}

// optionalInt extracts an optional integer argument from the tool request.
func optionalInt(request mcp.CallToolRequest, key string, defaultVal int) int {
	return request.GetInt(key, defaultVal)
}

// successJSON marshals data to JSON and returns it as a tool result.
func successJSON(data any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError reports a failure to the agent as a tool result rather than a
// protocol error, so the session stays open.
func toolError(format string, args ...any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...)), nil
}

// describe turns a service error into a message an agent can act on.
// Transition errors carry the from/to pair, which is enough for the agent to
// call licensedesk_get_license and read allowed_transitions.
func describe(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not found"
	case errors.Is(err, license.ErrInvalidStatus):
		return fmt.Sprintf("unknown status (expected one of %v)", licenseStatuses)
	case errors.Is(err, license.ErrInvalidTransition):
		return err.Error() + "; see allowed_transitions in licensedesk_get_license"
	default:
		return err.Error()
	}
}

// clamp constrains val to [min, max].
func clamp(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
