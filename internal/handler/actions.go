package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/licensedesk/licensedesk/internal/model"
)

// adminAction is one variant of the POST /api/v1/admin/actions command. The
// "action" field of the body selects the variant; the rest of the body is
// decoded into it.
type adminAction interface {
	run(ctx context.Context, h *AdminHandler, actor string) (any, error)
}

// actionVariants maps each action name to a constructor of its variant.
var actionVariants = map[string]func() adminAction{
	"activate":                func() adminAction { return &activateAction{} },
	"suspend":                 func() adminAction { return &suspendAction{} },
	"revoke":                  func() adminAction { return &revokeAction{} },
	"block":                   func() adminAction { return &blockAction{} },
	"reset_device":            func() adminAction { return &resetDeviceAction{} },
	"reset_all_devices":       func() adminAction { return &resetAllDevicesAction{} },
	"enforce_device_limit":    func() adminAction { return &enforceDeviceLimitAction{} },
	"suspend_all":             func() adminAction { return &suspendAllAction{} },
	"reset_password":          func() adminAction { return &resetPasswordAction{} },
	"subscription_cancel":     func() adminAction { return &subscriptionCancelAction{} },
	"subscription_reactivate": func() adminAction { return &subscriptionReactivateAction{} },
	"subscription_extend":     func() adminAction { return &subscriptionExtendAction{} },
}

// ActionNames returns the accepted action names, sorted.
func ActionNames() []string {
	names := make([]string, 0, len(actionVariants))
	for name := range actionVariants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeAction reads the tag of body and decodes the whole body into the
// matching variant, validating its fields.
func decodeAction(body []byte) (string, adminAction, error) {
	var tag struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &tag); err != nil {
		return "", nil, fmt.Errorf("%w: invalid JSON body", errBadRequest)
	}
	newVariant, ok := actionVariants[tag.Action]
	if !ok {
		return tag.Action, nil, fmt.Errorf("%w: unknown action %q", errBadRequest, tag.Action)
	}
	a := newVariant()
	if err := json.Unmarshal(body, a); err != nil {
		return tag.Action, nil, fmt.Errorf("%w: invalid fields for %s", errBadRequest, tag.Action)
	}
	if err := validate.Struct(a); err != nil {
		return tag.Action, nil, fmt.Errorf("%w: %s", errBadRequest, validationMessage(err))
	}
	return tag.Action, a, nil
}

// Action executes one administrative command.
// POST /api/v1/admin/actions
func (h *AdminHandler) Action(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	name, a, err := decodeAction(body)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	who := actor(r)
	result, err := a.run(r.Context(), h, who)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	h.logger.Info("admin action", "action", name, "actor", who)
	writeOK(w, http.StatusOK, map[string]any{"action": name, "result": result})
}

// ---------------------------------------------------------------------------
// License status
// ---------------------------------------------------------------------------

type activateAction struct {
	LicenseID string `json:"license_id" validate:"required"`
}

func (a *activateAction) run(ctx context.Context, h *AdminHandler, actor string) (any, error) {
	return h.licenses.SetStatus(ctx, a.LicenseID, model.LicenseActive, actor)
}

type suspendAction struct {
	LicenseID string `json:"license_id" validate:"required"`
}

func (a *suspendAction) run(ctx context.Context, h *AdminHandler, actor string) (any, error) {
	return h.licenses.SetStatus(ctx, a.LicenseID, model.LicenseSuspended, actor)
}

type revokeAction struct {
	LicenseID string `json:"license_id" validate:"required"`
}

func (a *revokeAction) run(ctx context.Context, h *AdminHandler, actor string) (any, error) {
	return h.licenses.SetStatus(ctx, a.LicenseID, model.LicenseRevoked, actor)
}

type blockAction struct {
	LicenseID string `json:"license_id" validate:"required"`
}

func (a *blockAction) run(ctx context.Context, h *AdminHandler, actor string) (any, error) {
	return h.licenses.SetStatus(ctx, a.LicenseID, model.LicenseBlocked, actor)
}

// ---------------------------------------------------------------------------
// Devices
// ---------------------------------------------------------------------------

type resetDeviceAction struct {
	LicenseID string `json:"license_id" validate:"required"`
}

func (a *resetDeviceAction) run(ctx context.Context, h *AdminHandler, actor string) (any, error) {
	n, err := h.licenses.ResetDevices(ctx, a.LicenseID, actor)
	if err != nil {
		return nil, err
	}
	return map[string]any{"license_id": a.LicenseID, "removed": n}, nil
}

type resetAllDevicesAction struct{}

func (a *resetAllDevicesAction) run(ctx context.Context, h *AdminHandler, actor string) (any, error) {
	n, err := h.licenses.ResetAllDevices(ctx, actor)
	if err != nil {
		return nil, err
	}
	return map[string]any{"affected": n}, nil
}

type enforceDeviceLimitAction struct {
	LicenseID string `json:"license_id" validate:"required"`
}

func (a *enforceDeviceLimitAction) run(ctx context.Context, h *AdminHandler, actor string) (any, error) {
	n, err := h.devices.EnforceLimit(ctx, a.LicenseID, actor)
	if err != nil {
		return nil, err
	}
	return map[string]any{"license_id": a.LicenseID, "deactivated": n}, nil
}

// ---------------------------------------------------------------------------
// Bulk and accounts
// ---------------------------------------------------------------------------

type suspendAllAction struct{}

func (a *suspendAllAction) run(ctx context.Context, h *AdminHandler, actor string) (any, error) {
	n, err := h.licenses.SuspendAll(ctx, actor)
	if err != nil {
		return nil, err
	}
	return map[string]any{"affected": n}, nil
}

type resetPasswordAction struct {
	LicenseID string `json:"license_id" validate:"required"`
}

func (a *resetPasswordAction) run(ctx context.Context, h *AdminHandler, actor string) (any, error) {
	pw, err := h.licenses.ResetPassword(ctx, a.LicenseID, actor)
	if err != nil {
		return nil, err
	}
	return map[string]any{"license_id": a.LicenseID, "temporary_password": pw}, nil
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

type subscriptionCancelAction struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
}

func (a *subscriptionCancelAction) run(ctx context.Context, h *AdminHandler, actor string) (any, error) {
	return h.subscriptions.Cancel(ctx, a.SubscriptionID, actor)
}

type subscriptionReactivateAction struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
}

func (a *subscriptionReactivateAction) run(ctx context.Context, h *AdminHandler, actor string) (any, error) {
	return h.subscriptions.Reactivate(ctx, a.SubscriptionID, actor)
}

type subscriptionExtendAction struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
	Days           int    `json:"days" validate:"required,min=1,max=3650"`
}

func (a *subscriptionExtendAction) run(ctx context.Context, h *AdminHandler, actor string) (any, error) {
	return h.subscriptions.Extend(ctx, a.SubscriptionID, a.Days, actor)
}
