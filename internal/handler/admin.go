package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/licensedesk/licensedesk/internal/device"
	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/monitor"
	"github.com/licensedesk/licensedesk/internal/store"
	"github.com/licensedesk/licensedesk/internal/subscription"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	defaultLogLimit = 100
)

// AdminHandler serves the license administration API. Every write records
// the admin's username as the actor.
type AdminHandler struct {
	licenses      *license.Registry
	devices       *device.Service
	subscriptions *subscription.Manager
	monitor       *monitor.Monitor
	logger        *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(licenses *license.Registry, devices *device.Service, subs *subscription.Manager, mon *monitor.Monitor, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		licenses:      licenses,
		devices:       devices,
		subscriptions: subs,
		monitor:       mon,
		logger:        logger,
	}
}

// ---------------------------------------------------------------------------
// Licenses
// ---------------------------------------------------------------------------

// ListLicenses returns a page of licenses.
// GET /api/v1/admin/licenses?status=&search=&limit=&offset=
func (h *AdminHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	f := model.LicenseFilter{
		Status: model.LicenseStatus(queryString(r, "status")),
		Search: license.NormalizeKey(queryString(r, "search")),
		Limit:  clampInt(queryInt(r, "limit", defaultPageSize), 1, maxPageSize),
		Offset: max(queryInt(r, "offset", 0), 0),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, license.ErrInvalidStatus.Error())
		return
	}
	list, err := h.licenses.List(r.Context(), f)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusOK, model.ListData{Resource: list, Count: len(list), Limit: f.Limit, Offset: f.Offset})
}

type createLicensesRequest struct {
	Origin     model.LicenseOrigin `json:"origin" validate:"omitempty,oneof=manual bulk"`
	MaxDevices int                 `json:"max_devices" validate:"min=0,max=100"`
	Count      int                 `json:"count" validate:"min=0,max=500"`
	Email      string              `json:"email" validate:"omitempty,email"`
}

// CreateLicenses creates one manual license or a bulk batch.
// POST /api/v1/admin/licenses
func (h *AdminHandler) CreateLicenses(w http.ResponseWriter, r *http.Request) {
	var req createLicensesRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	created, err := h.licenses.Create(r.Context(), license.CreateRequest{
		Origin:     req.Origin,
		MaxDevices: req.MaxDevices,
		Count:      req.Count,
		Email:      req.Email,
	}, actor(r))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusCreated, model.ListData{Resource: created, Count: len(created), Limit: len(created)})
}

type licenseDetail struct {
	License      *model.License        `json:"license"`
	Devices      []model.Device        `json:"devices"`
	Subscription *model.Subscription   `json:"subscription,omitempty"`
	Transitions  []model.LicenseStatus `json:"allowed_transitions"`
}

// GetLicense returns a license with its devices and subscription.
// GET /api/v1/admin/licenses/{licenseId}
func (h *AdminHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	lic, err := h.licenses.Get(r.Context(), chi.URLParam(r, "licenseId"))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	devices, err := h.devices.List(r.Context(), lic.ID)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	sub, err := h.subscriptions.ForLicense(r.Context(), lic.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		fail(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusOK, licenseDetail{
		License:      lic,
		Devices:      devices,
		Subscription: sub,
		Transitions:  license.ValidTransitionsFrom(lic.Status),
	})
}

// LicenseLogs returns the activity log of a license, newest first.
// GET /api/v1/admin/licenses/{licenseId}/logs?limit=
func (h *AdminHandler) LicenseLogs(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(queryInt(r, "limit", defaultLogLimit), 1, 1000)
	logs, err := h.licenses.Logs(r.Context(), chi.URLParam(r, "licenseId"), limit)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusOK, model.ListData{Resource: logs, Count: len(logs), Limit: limit})
}

// LicenseDevices lists the device bindings of a license.
// GET /api/v1/admin/licenses/{licenseId}/devices
func (h *AdminHandler) LicenseDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.List(r.Context(), chi.URLParam(r, "licenseId"))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusOK, model.ListData{Resource: devices, Count: len(devices)})
}

type updateLicenseRequest struct {
	MaxDevices int `json:"max_devices" validate:"required,min=1,max=100"`
}

// UpdateLicense changes the device ceiling of a license.
// PATCH /api/v1/admin/licenses/{licenseId}
func (h *AdminHandler) UpdateLicense(w http.ResponseWriter, r *http.Request) {
	var req updateLicenseRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	lic, err := h.licenses.SetMaxDevices(r.Context(), chi.URLParam(r, "licenseId"), req.MaxDevices, actor(r))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusOK, lic)
}

// Stats returns license counts per status.
// GET /api/v1/admin/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.licenses.CountByStatus(r.Context())
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeOK(w, http.StatusOK, map[string]any{"by_status": counts, "total": total})
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// ListSubscriptions returns a page of subscriptions.
// GET /api/v1/admin/subscriptions?status=&limit=&offset=
func (h *AdminHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	f := store.SubscriptionFilter{
		Status: model.SubscriptionStatus(queryString(r, "status")),
		Limit:  clampInt(queryInt(r, "limit", defaultPageSize), 1, maxPageSize),
		Offset: max(queryInt(r, "offset", 0), 0),
	}
	subs, err := h.subscriptions.List(r.Context(), f)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusOK, model.ListData{Resource: subs, Count: len(subs), Limit: f.Limit, Offset: f.Offset})
}

type subscriptionDetail struct {
	Subscription  *model.Subscription         `json:"subscription"`
	DaysRemaining int                         `json:"days_remaining"`
	Payments      []model.SubscriptionPayment `json:"payments"`
}

// GetSubscription returns a subscription and its payments.
// GET /api/v1/admin/subscriptions/{subscriptionId}
func (h *AdminHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subscriptions.Get(r.Context(), chi.URLParam(r, "subscriptionId"))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	payments, err := h.subscriptions.Payments(r.Context(), sub.ID)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusOK, subscriptionDetail{
		Subscription:  sub,
		DaysRemaining: h.subscriptions.DaysRemaining(sub),
		Payments:      payments,
	})
}

// ---------------------------------------------------------------------------
// Monitoring
// ---------------------------------------------------------------------------

// Advisories lists the clients that kept hitting the rate limiter.
// GET /api/v1/admin/advisories
func (h *AdminHandler) Advisories(w http.ResponseWriter, r *http.Request) {
	adv, err := h.monitor.RateLimitAdvisories(r.Context())
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusOK, model.ListData{Resource: adv, Count: len(adv)})
}

// RunJobs runs the periodic jobs immediately.
// POST /api/v1/admin/jobs/run
func (h *AdminHandler) RunJobs(w http.ResponseWriter, r *http.Request) {
	report, err := h.monitor.RunOnce(r.Context())
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	h.logger.Info("jobs run on demand", "actor", actor(r), "expired", report.ExpiredSubscriptions,
		"suspended", len(report.Suspensions))
	writeOK(w, http.StatusOK, report)
}
