package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/server/middleware"
	"github.com/licensedesk/licensedesk/internal/service"
	"github.com/licensedesk/licensedesk/internal/subscription"
)

// MemberHandler serves the customers' members area.
type MemberHandler struct {
	authSvc       *service.AuthService
	licenses      *license.Registry
	subscriptions *subscription.Manager
	tokenTTL      time.Duration
	logger        *slog.Logger
}

// NewMemberHandler creates a new MemberHandler.
func NewMemberHandler(authSvc *service.AuthService, licenses *license.Registry, subs *subscription.Manager, tokenTTL time.Duration, logger *slog.Logger) *MemberHandler {
	return &MemberHandler{
		authSvc:       authSvc,
		licenses:      licenses,
		subscriptions: subs,
		tokenTTL:      tokenTTL,
		logger:        logger,
	}
}

type memberLoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,max=256"`
}

// Login authenticates a member with the password issued by support.
// POST /api/v1/member/session
func (h *MemberHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req memberLoginRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	token, member, err := h.authSvc.MemberLogin(r.Context(), req.Email, req.Password)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{
		"session_token": token,
		"token_type":    "bearer",
		"expires_in":    int(h.tokenTTL.Seconds()),
		"email":         member.Email,
	})
}

type memberLicense struct {
	model.License
	Subscription  *model.Subscription `json:"subscription,omitempty"`
	DaysRemaining *int                `json:"days_remaining,omitempty"`
}

// Licenses lists the licenses and subscriptions of the calling member.
// GET /api/v1/member/licenses
func (h *MemberHandler) Licenses(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	lics, err := h.licenses.ListForEmail(r.Context(), p.Email)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	subs, err := h.subscriptions.ListForCustomer(r.Context(), h.licenses.HashEmail(p.Email))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	byLicense := make(map[string]*model.Subscription, len(subs))
	for i := range subs {
		byLicense[subs[i].LicenseID] = &subs[i]
	}

	out := make([]memberLicense, 0, len(lics))
	for _, l := range lics {
		ml := memberLicense{License: l}
		if sub, ok := byLicense[l.ID]; ok {
			days := h.subscriptions.DaysRemaining(sub)
			ml.Subscription = sub
			ml.DaysRemaining = &days
		}
		out = append(out, ml)
	}
	writeOK(w, http.StatusOK, model.ListData{Resource: out, Count: len(out)})
}
