package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/server/middleware"
	"github.com/licensedesk/licensedesk/internal/session"
)

// ExtensionHandler serves the endpoints called by the browser extension:
// the challenge handshake and session upkeep.
type ExtensionHandler struct {
	sessions *session.Service
	now      func() time.Time
	logger   *slog.Logger
}

// NewExtensionHandler creates a new ExtensionHandler.
func NewExtensionHandler(sessions *session.Service, now func() time.Time, logger *slog.Logger) *ExtensionHandler {
	if now == nil {
		now = time.Now
	}
	return &ExtensionHandler{sessions: sessions, now: now, logger: logger}
}

type challengeRequest struct {
	Fingerprint string `json:"device_fingerprint" validate:"required,max=256"`
	ExtensionID string `json:"extension_id" validate:"max=128"`
}

type challengeResponse struct {
	Nonce          string    `json:"nonce"`
	ChallengeToken string    `json:"challenge_token"`
	ExpiresAt      time.Time `json:"expires_at"`
	ServerTime     time.Time `json:"server_time"`
}

// Challenge issues a single-use challenge for a device.
// POST /api/v1/extension/challenge
func (h *ExtensionHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	c, err := h.sessions.IssueChallenge(r.Context(), req.Fingerprint, req.ExtensionID)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusOK, challengeResponse{
		Nonce:          c.Nonce,
		ChallengeToken: c.ChallengeToken,
		ExpiresAt:      c.ExpiresAt,
		ServerTime:     h.now().UTC(),
	})
}

type redeemRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
	LicenseKey     string `json:"license_key" validate:"required,max=64"`
	Fingerprint    string `json:"device_fingerprint" validate:"required,max=256"`
	IntegrityHash  string `json:"integrity_hash" validate:"max=256"`
	Response       string `json:"response" validate:"required,hexadecimal"`
	DeviceName     string `json:"device_name" validate:"max=128"`
}

type sessionResponse struct {
	SessionToken string          `json:"session_token"`
	ExpiresAt    time.Time       `json:"expires_at"`
	License      *licenseSummary `json:"license,omitempty"`
}

// licenseSummary is what the extension may learn about its license.
type licenseSummary struct {
	Key        string              `json:"license_key"`
	Status     model.LicenseStatus `json:"status"`
	MaxDevices int                 `json:"max_devices"`
}

// OpenSession redeems a challenge and opens a session.
// POST /api/v1/extension/session
func (h *ExtensionHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	sess, err := h.sessions.RedeemChallenge(r.Context(), session.RedeemRequest{
		ChallengeToken: req.ChallengeToken,
		LicenseKey:     req.LicenseKey,
		Fingerprint:    req.Fingerprint,
		IntegrityHash:  req.IntegrityHash,
		Response:       req.Response,
		DeviceName:     req.DeviceName,
		IP:             middleware.ClientIP(r),
	})
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusCreated, sessionResponse{SessionToken: sess.Token, ExpiresAt: sess.ExpiresAt})
}

type sessionTokenRequest struct {
	SessionToken string `json:"session_token" validate:"required"`
}

// ValidateSession checks that a session and its license are still valid.
// POST /api/v1/extension/session/validate
func (h *ExtensionHandler) ValidateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionTokenRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	sess, lic, err := h.sessions.ValidateSession(r.Context(), req.SessionToken)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusOK, sessionResponse{
		SessionToken: sess.Token,
		ExpiresAt:    sess.ExpiresAt,
		License:      &licenseSummary{Key: lic.Key, Status: lic.Status, MaxDevices: lic.MaxDevices},
	})
}

// Heartbeat records extension liveness without extending the session.
// POST /api/v1/extension/heartbeat
func (h *ExtensionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req sessionTokenRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	sess, err := h.sessions.Heartbeat(r.Context(), req.SessionToken)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{
		"last_heartbeat": sess.LastHeartbeat,
		"expires_at":     sess.ExpiresAt,
	})
}

// EndSession expires a session.
// DELETE /api/v1/extension/session
func (h *ExtensionHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	var req sessionTokenRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	if err := h.sessions.EndSession(r.Context(), req.SessionToken); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

type violationRequest struct {
	SessionToken string         `json:"session_token" validate:"required"`
	Type         string         `json:"type" validate:"required"`
	Details      map[string]any `json:"details"`
}

// ReportViolation records a tamper or integrity event seen by the extension.
// POST /api/v1/extension/violation
func (h *ExtensionHandler) ReportViolation(w http.ResponseWriter, r *http.Request) {
	var req violationRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	err := h.sessions.ReportViolation(r.Context(), session.ViolationReport{
		SessionToken: req.SessionToken,
		Action:       req.Type,
		Details:      req.Details,
		IP:           middleware.ClientIP(r),
	})
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusAccepted, nil)
}
