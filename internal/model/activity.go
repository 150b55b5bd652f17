package model

import "time"

// Activity log actions. Entries are append-only; the violation subset feeds
// the auto-suspend job.
const (
	ActionCreated                = "created"
	ActionDeviceBound            = "device_bound"
	ActionDeviceResetByAdmin     = "device_reset_by_admin"
	ActionDeviceLimitEnforced    = "device_limit_enforced"
	ActionPasswordResetByAdmin   = "password_reset_by_admin"
	ActionMaxDevicesChanged      = "max_devices_changed"
	ActionSubscriptionCreated    = "subscription_created"
	ActionSubscriptionRenewed    = "subscription_renewed"
	ActionSubscriptionExtended   = "subscription_extended"
	ActionSubscriptionCancelled  = "subscription_cancelled"
	ActionSubscriptionReactivate = "subscription_reactivated"
	ActionSubscriptionExpired    = "subscription_expired"
	ActionAutoSuspended          = "auto_suspended"
	ActionRevokedByRefund        = "license_revoked_refund"

	ActionIntegrityViolation  = "integrity_violation"
	ActionInvalidSignature    = "invalid_signature"
	ActionTamperedExtension   = "tampered_extension"
	ActionDebugDetected       = "debug_detected"
	ActionSessionInvalidated  = "session_invalidated"
	ActionUnknownHashBlocked  = "unknown_hash_blocked"
	ActionValidationFailed    = "validation_failed"
	statusChangedActionPrefix = "status_changed_to_"
)

// ViolationActions lists the actions counted by the auto-suspend job.
var ViolationActions = []string{
	ActionIntegrityViolation,
	ActionInvalidSignature,
	ActionTamperedExtension,
	ActionDebugDetected,
	ActionSessionInvalidated,
	ActionUnknownHashBlocked,
	ActionValidationFailed,
}

// IsViolation reports whether action belongs to the violation vocabulary.
func IsViolation(action string) bool {
	for _, a := range ViolationActions {
		if a == action {
			return true
		}
	}
	return false
}

// StatusChangedAction returns the log action for a transition into status.
func StatusChangedAction(status LicenseStatus) string {
	return statusChangedActionPrefix + string(status)
}

// Actors that are not admin usernames.
const (
	ActorSystem    = "system"
	ActorExtension = "extension"
	ActorPayment   = "payment_webhook"
)

// LogEntry is one row of the license activity log. Metadata is a JSON
// object encoded as text.
type LogEntry struct {
	ID                string    `json:"id" db:"id"`
	LicenseID         string    `json:"license_id" db:"license_id"`
	LicenseKey        string    `json:"license_key" db:"license_key"`
	Action            string    `json:"action" db:"action"`
	Actor             string    `json:"actor" db:"actor"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty" db:"device_fingerprint"`
	IPAddress         string    `json:"ip_address,omitempty" db:"ip_address"`
	Metadata          string    `json:"metadata" db:"metadata"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// RateLimitEntry records one request rejected by the HTTP rate limiter.
type RateLimitEntry struct {
	ID        string    `json:"id" db:"id"`
	IPAddress string    `json:"ip_address" db:"ip_address"`
	Endpoint  string    `json:"endpoint" db:"endpoint"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RateLimitAdvisory flags an (IP, endpoint) pair that kept hitting the limiter.
type RateLimitAdvisory struct {
	IPAddress string `json:"ip_address" db:"ip_address"`
	Endpoint  string `json:"endpoint" db:"endpoint"`
	Count     int    `json:"count" db:"hits"`
}

// ViolationCount is the number of violation entries logged for a license.
type ViolationCount struct {
	LicenseID  string `db:"license_id"`
	LicenseKey string `db:"license_key"`
	Count      int    `db:"violations"`
}
