package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/licensedesk/licensedesk/internal/service"
)

// SystemHandler manages admin sessions.
type SystemHandler struct {
	authSvc  *service.AuthService
	tokenTTL time.Duration
	logger   *slog.Logger
}

// NewSystemHandler creates a new SystemHandler. tokenTTL is only reported
// back to clients; the auth service enforces it.
func NewSystemHandler(authSvc *service.AuthService, tokenTTL time.Duration, logger *slog.Logger) *SystemHandler {
	return &SystemHandler{authSvc: authSvc, tokenTTL: tokenTTL, logger: logger}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// loginRequest is the expected payload for the Login endpoint.
type loginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=256"`
}

// loginResponse is the response payload for a successful login.
type loginResponse struct {
	Token     string `json:"session_token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
	AdminID   string `json:"admin_id"`
	Username  string `json:"username"`
}

// Login authenticates an admin user and returns a bearer token.
// POST /api/v1/system/admin/session
func (h *SystemHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}

	token, admin, err := h.authSvc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}

	writeOK(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "bearer",
		ExpiresIn: int(h.tokenTTL.Seconds()),
		AdminID:   admin.ID,
		Username:  admin.Username,
	})
}

// Logout ends the admin session. Tokens are stateless, so this only tells
// the client to discard its token.
// DELETE /api/v1/system/admin/session
func (h *SystemHandler) Logout(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]any{"message": "Logged out"})
}
