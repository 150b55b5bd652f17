package model

import "time"

// Challenge is a single-use nonce handed to an extension before it may open
// a session. ChallengeToken identifies the row; Nonce keys the proof.
type Challenge struct {
	ID                string    `json:"-" db:"id"`
	ChallengeToken    string    `json:"challenge_token" db:"challenge_token"`
	Nonce             string    `json:"nonce" db:"nonce"`
	DeviceFingerprint string    `json:"-" db:"device_fingerprint"`
	ExtensionID       string    `json:"-" db:"extension_id"`
	ExpiresAt         time.Time `json:"expires_at" db:"expires_at"`
	Used              bool      `json:"-" db:"used"`
	CreatedAt         time.Time `json:"-" db:"created_at"`
}

// Session is a short-lived credential minted from a redeemed challenge.
type Session struct {
	ID                string    `json:"-" db:"id"`
	Token             string    `json:"session_token" db:"session_token"`
	LicenseID         string    `json:"license_id" db:"license_id"`
	DeviceFingerprint string    `json:"device_fingerprint" db:"device_fingerprint"`
	IntegrityHash     string    `json:"-" db:"integrity_hash"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	LastHeartbeat     time.Time `json:"last_heartbeat" db:"last_heartbeat"`
	ExpiresAt         time.Time `json:"expires_at" db:"expires_at"`
}
