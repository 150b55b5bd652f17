package openapi

import (
	"net/http"
	"time"

	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/monitor"
	"github.com/licensedesk/licensedesk/internal/payment"
)

// Security selects how a route authenticates its caller.
type Security string

const (
	SecurityNone    Security = ""
	SecurityBearer  Security = "bearer"  // admin or member token
	SecurityWebhook Security = "webhook" // X-Webhook-Secret header
)

// Route documents one endpoint of the HTTP API. Request and Response are
// zero values whose JSON shape becomes the body schema; Response is wrapped
// in the envelope.
type Route struct {
	Method      string
	Path        string
	Tag         string
	Summary     string
	OperationID string
	Security    Security
	Status      int
	Query       []string
	Request     any
	Response    any
	List        bool // Response is the element of a paginated list
}

type challengeRequest struct {
	DeviceFingerprint string `json:"device_fingerprint" validate:"required"`
	ExtensionID       string `json:"extension_id,omitempty"`
}

type challengeResponse struct {
	Nonce          string    `json:"nonce"`
	ChallengeToken string    `json:"challenge_token"`
	ExpiresAt      time.Time `json:"expires_at"`
	ServerTime     time.Time `json:"server_time"`
}

type redeemRequest struct {
	ChallengeToken    string `json:"challenge_token" validate:"required"`
	LicenseKey        string `json:"license_key" validate:"required"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"required"`
	Response          string `json:"response" validate:"required,hexadecimal"`
	IntegrityHash     string `json:"integrity_hash,omitempty"`
	DeviceName        string `json:"device_name,omitempty"`
}

type sessionTokenRequest struct {
	SessionToken string `json:"session_token" validate:"required"`
}

type sessionResponse struct {
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	License      *struct {
		Key        string              `json:"license_key"`
		Status     model.LicenseStatus `json:"status"`
		MaxDevices int                 `json:"max_devices"`
	} `json:"license,omitempty"`
}

type heartbeatResponse struct {
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type violationRequest struct {
	SessionToken string         `json:"session_token" validate:"required"`
	Type         string         `json:"type" validate:"required"`
	Details      map[string]any `json:"details,omitempty"`
}

type adminLoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type memberLoginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type tokenResponse struct {
	SessionToken string `json:"session_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

type createLicensesRequest struct {
	Origin     model.LicenseOrigin `json:"origin,omitempty"`
	MaxDevices int                 `json:"max_devices,omitempty"`
	Count      int                 `json:"count,omitempty"`
	Email      string              `json:"email,omitempty"`
}

type updateLicenseRequest struct {
	MaxDevices int `json:"max_devices" validate:"required"`
}

type licenseDetail struct {
	License      model.License         `json:"license"`
	Devices      []model.Device        `json:"devices"`
	Subscription *model.Subscription   `json:"subscription,omitempty"`
	Transitions  []model.LicenseStatus `json:"allowed_transitions"`
}

type actionRequest struct {
	Action         string `json:"action" validate:"required"`
	LicenseID      string `json:"license_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Days           int    `json:"days,omitempty"`
}

type actionResponse struct {
	Action string `json:"action"`
	Result any    `json:"result"`
}

type statsResponse struct {
	ByStatus map[string]int `json:"by_status"`
	Total    int            `json:"total"`
}

type subscriptionDetail struct {
	Subscription  model.Subscription          `json:"subscription"`
	DaysRemaining int                         `json:"days_remaining"`
	Payments      []model.SubscriptionPayment `json:"payments"`
}

type memberLicense struct {
	model.License
	Subscription  *model.Subscription `json:"subscription,omitempty"`
	DaysRemaining *int                `json:"days_remaining,omitempty"`
}

type message struct {
	Message string `json:"message"`
}

// Routes lists every endpoint under /api/v1.
var Routes = []Route{
	{Method: http.MethodPost, Path: "/api/v1/system/admin/session", Tag: "system", OperationID: "admin_login",
		Summary: "Log in as an admin", Status: 200, Request: adminLoginRequest{}, Response: tokenResponse{}},
	{Method: http.MethodDelete, Path: "/api/v1/system/admin/session", Tag: "system", OperationID: "admin_logout",
		Summary: "Log out", Status: 200, Response: message{}},
	{Method: http.MethodPost, Path: "/api/v1/webhooks/payment", Tag: "webhooks", OperationID: "payment_webhook",
		Summary: "Apply a payment notification", Security: SecurityWebhook, Status: 200,
		Request: payment.Webhook{}, Response: payment.Result{}},

	{Method: http.MethodPost, Path: "/api/v1/extension/challenge", Tag: "extension", OperationID: "issue_challenge",
		Summary: "Issue a single-use challenge", Status: 200, Request: challengeRequest{}, Response: challengeResponse{}},
	{Method: http.MethodPost, Path: "/api/v1/extension/session", Tag: "extension", OperationID: "open_session",
		Summary: "Redeem a challenge for a session token", Status: 201, Request: redeemRequest{}, Response: sessionResponse{}},
	{Method: http.MethodDelete, Path: "/api/v1/extension/session", Tag: "extension", OperationID: "end_session",
		Summary: "End a session", Status: 200, Request: sessionTokenRequest{}},
	{Method: http.MethodPost, Path: "/api/v1/extension/session/validate", Tag: "extension", OperationID: "validate_session",
		Summary: "Validate a session token", Status: 200, Request: sessionTokenRequest{}, Response: sessionResponse{}},
	{Method: http.MethodPost, Path: "/api/v1/extension/heartbeat", Tag: "extension", OperationID: "heartbeat",
		Summary: "Extend a session", Status: 200, Request: sessionTokenRequest{}, Response: heartbeatResponse{}},
	{Method: http.MethodPost, Path: "/api/v1/extension/violation", Tag: "extension", OperationID: "report_violation",
		Summary: "Report a client-side violation", Status: 202, Request: violationRequest{}},

	{Method: http.MethodPost, Path: "/api/v1/member/session", Tag: "member", OperationID: "member_login",
		Summary: "Log in to the members' area", Status: 200, Request: memberLoginRequest{}, Response: tokenResponse{}},
	{Method: http.MethodGet, Path: "/api/v1/member/licenses", Tag: "member", OperationID: "member_licenses",
		Summary: "List the caller's licenses", Security: SecurityBearer, Status: 200, Response: memberLicense{}, List: true},

	{Method: http.MethodGet, Path: "/api/v1/admin/licenses", Tag: "admin", OperationID: "list_licenses",
		Summary: "List licenses", Security: SecurityBearer, Status: 200,
		Query: []string{"status", "search", "limit", "offset"}, Response: model.License{}, List: true},
	{Method: http.MethodPost, Path: "/api/v1/admin/licenses", Tag: "admin", OperationID: "create_licenses",
		Summary: "Create a manual license or a bulk batch", Security: SecurityBearer, Status: 201,
		Request: createLicensesRequest{}, Response: model.License{}, List: true},
	{Method: http.MethodGet, Path: "/api/v1/admin/licenses/{licenseId}", Tag: "admin", OperationID: "get_license",
		Summary: "Get a license with its devices and subscription", Security: SecurityBearer, Status: 200, Response: licenseDetail{}},
	{Method: http.MethodPatch, Path: "/api/v1/admin/licenses/{licenseId}", Tag: "admin", OperationID: "update_license",
		Summary: "Change the device ceiling", Security: SecurityBearer, Status: 200,
		Request: updateLicenseRequest{}, Response: model.License{}},
	{Method: http.MethodGet, Path: "/api/v1/admin/licenses/{licenseId}/logs", Tag: "admin", OperationID: "license_logs",
		Summary: "Activity log of a license", Security: SecurityBearer, Status: 200,
		Query: []string{"limit"}, Response: model.LogEntry{}, List: true},
	{Method: http.MethodGet, Path: "/api/v1/admin/licenses/{licenseId}/devices", Tag: "admin", OperationID: "license_devices",
		Summary: "Device bindings of a license", Security: SecurityBearer, Status: 200, Response: model.Device{}, List: true},
	{Method: http.MethodPost, Path: "/api/v1/admin/actions", Tag: "admin", OperationID: "admin_action",
		Summary: "Run an administrative command", Security: SecurityBearer, Status: 200,
		Request: actionRequest{}, Response: actionResponse{}},
	{Method: http.MethodGet, Path: "/api/v1/admin/stats", Tag: "admin", OperationID: "license_stats",
		Summary: "License counts per status", Security: SecurityBearer, Status: 200, Response: statsResponse{}},
	{Method: http.MethodGet, Path: "/api/v1/admin/subscriptions", Tag: "admin", OperationID: "list_subscriptions",
		Summary: "List subscriptions", Security: SecurityBearer, Status: 200,
		Query: []string{"status", "limit", "offset"}, Response: model.Subscription{}, List: true},
	{Method: http.MethodGet, Path: "/api/v1/admin/subscriptions/{subscriptionId}", Tag: "admin", OperationID: "get_subscription",
		Summary: "Get a subscription and its payments", Security: SecurityBearer, Status: 200, Response: subscriptionDetail{}},
	{Method: http.MethodGet, Path: "/api/v1/admin/advisories", Tag: "admin", OperationID: "rate_limit_advisories",
		Summary: "Clients that kept hitting the rate limiter", Security: SecurityBearer, Status: 200,
		Response: model.RateLimitAdvisory{}, List: true},
	{Method: http.MethodPost, Path: "/api/v1/admin/jobs/run", Tag: "admin", OperationID: "run_jobs",
		Summary: "Run the periodic jobs now", Security: SecurityBearer, Status: 200, Response: monitor.Report{}},
}
