package model

import "time"

// Device is a browser installation bound to a license, identified by a
// client-computed fingerprint. Only active bindings count toward the ceiling.
type Device struct {
	ID          string    `json:"id" db:"id"`
	LicenseID   string    `json:"license_id" db:"license_id"`
	Fingerprint string    `json:"device_fingerprint" db:"fingerprint"`
	Name        string    `json:"name" db:"name"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	IPAddress   string    `json:"ip_address" db:"ip_address"`
	FirstSeenAt time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at" db:"last_seen_at"`
}
