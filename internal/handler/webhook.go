package handler

import (
	"log/slog"
	"net/http"

	"github.com/licensedesk/licensedesk/internal/payment"
)

// WebhookSecretHeader carries the shared secret of the payment vendor.
const WebhookSecretHeader = "X-Webhook-Secret"

// WebhookHandler accepts payment notifications.
type WebhookHandler struct {
	payments *payment.Processor
	secret   string
	logger   *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler. An empty secret rejects
// every delivery.
func NewWebhookHandler(payments *payment.Processor, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{payments: payments, secret: secret, logger: logger}
}

// Payment applies a payment notification. Deliveries are idempotent per
// transaction, so vendors may retry freely.
// POST /api/v1/webhooks/payment
func (h *WebhookHandler) Payment(w http.ResponseWriter, r *http.Request) {
	if !payment.VerifySecret(h.secret, r.Header.Get(WebhookSecretHeader)) {
		h.logger.Warn("webhook rejected: bad secret", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}
	var req payment.Webhook
	if err := readJSON(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	res, err := h.payments.Process(r.Context(), req)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusOK, res)
}
