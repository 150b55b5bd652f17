package model

import "time"

// LicenseStatus is the lifecycle state of a license key.
type LicenseStatus string

const (
	LicenseAwaitingActivation LicenseStatus = "awaiting_activation"
	LicenseActive             LicenseStatus = "active"
	LicenseSuspended          LicenseStatus = "suspended"
	LicenseRevoked            LicenseStatus = "revoked"
	LicenseBlocked            LicenseStatus = "blocked"
)

// Valid reports whether s is one of the known license states.
func (s LicenseStatus) Valid() bool {
	switch s {
	case LicenseAwaitingActivation, LicenseActive, LicenseSuspended, LicenseRevoked, LicenseBlocked:
		return true
	}
	return false
}

// Usable reports whether a license in this state may open extension sessions.
// Licenses awaiting activation become active on their first device binding.
func (s LicenseStatus) Usable() bool {
	return s == LicenseActive || s == LicenseAwaitingActivation
}

// LicenseOrigin records how a license came into existence.
type LicenseOrigin string

const (
	OriginAutomatic LicenseOrigin = "automatic"
	OriginManual    LicenseOrigin = "manual"
	OriginBulk      LicenseOrigin = "bulk"
)

// License is a sellable key that unlocks the extension on a bounded number of
// devices. Customer identity is only kept as keyed hashes.
type License struct {
	ID                   string        `json:"id" db:"id"`
	Key                  string        `json:"license_key" db:"license_key"`
	Status               LicenseStatus `json:"status" db:"status"`
	Origin               LicenseOrigin `json:"origin" db:"origin"`
	MaxDevices           int           `json:"max_devices" db:"max_devices"`
	TransactionID        *string       `json:"transaction_id,omitempty" db:"transaction_id"`
	CustomerEmailHash    string        `json:"-" db:"customer_email_hash"`
	CustomerDocumentHash string        `json:"-" db:"customer_document_hash"`
	ActivatedAt          *time.Time    `json:"activated_at,omitempty" db:"activated_at"`
	StatusChangedAt      time.Time     `json:"status_changed_at" db:"status_changed_at"`
	CreatedAt            time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at" db:"updated_at"`
}

// LicenseFilter narrows license listings. Zero values mean "any".
type LicenseFilter struct {
	Status LicenseStatus
	Search string // matched as a key prefix
	Limit  int
	Offset int
}
