// Package payment turns payment-vendor webhooks into licenses and
// subscription periods.
package payment

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/metrics"
	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/store"
	"github.com/licensedesk/licensedesk/internal/subscription"
)

const defaultProduct = "extension"

// Webhook is the normalized payment notification.
type Webhook struct {
	TransactionID    string     `json:"transaction_id" validate:"required,max=255"`
	Amount           int64      `json:"amount" validate:"gte=0"`
	Status           string     `json:"status" validate:"required,max=64"`
	CustomerEmail    string     `json:"customer_email" validate:"omitempty,email,max=255"`
	CustomerDocument string     `json:"customer_document" validate:"max=32"`
	PlanType         string     `json:"plan_type" validate:"omitempty,oneof=weekly monthly yearly"`
	ProductType      string     `json:"product_type" validate:"max=64"`
	IsSubscription   bool       `json:"is_subscription"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
}

// Result reports what a webhook changed.
type Result struct {
	TransactionID string              `json:"transaction_id"`
	Status        model.PaymentStatus `json:"status"`
	License       *model.License      `json:"license,omitempty"`
	Subscription  *model.Subscription `json:"subscription,omitempty"`
	Declined      bool                `json:"declined,omitempty"` // paid below the license minimum
	Revoked       bool                `json:"revoked,omitempty"`
}

var statusAliases = map[string]model.PaymentStatus{
	"paid":            model.PaymentPaid,
	"approved":        model.PaymentPaid,
	"completed":       model.PaymentPaid,
	"succeeded":       model.PaymentPaid,
	"waiting_payment": model.PaymentWaiting,
	"pending":         model.PaymentWaiting,
	"created":         model.PaymentWaiting,
	"waiting":         model.PaymentWaiting,
	"canceled":        model.PaymentCancelled,
	"cancelled":       model.PaymentCancelled,
	"expired":         model.PaymentCancelled,
	"failed":          model.PaymentCancelled,
	"refunded":        model.PaymentRefunded,
	"chargedback":     model.PaymentRefunded,
	"charged_back":    model.PaymentRefunded,
	"processing":      model.PaymentProcessing,
	"in_process":      model.PaymentProcessing,
	"authorized":      model.PaymentProcessing,
}

// MapStatus maps a vendor status onto the internal vocabulary. Unknown
// statuses are treated as still waiting for payment.
func MapStatus(vendor string) model.PaymentStatus {
	if s, ok := statusAliases[strings.ToLower(strings.TrimSpace(vendor))]; ok {
		return s
	}
	return model.PaymentWaiting
}

// VerifySecret compares a webhook secret in constant time. An empty
// expected secret rejects everything.
func VerifySecret(expected, got string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// Processor applies webhooks.
type Processor struct {
	store         *store.Store
	licenses      *license.Registry
	subscriptions *subscription.Manager
	now           func() time.Time
	logger        *slog.Logger
}

// NewProcessor creates a Processor. now may be nil.
func NewProcessor(st *store.Store, licenses *license.Registry, subs *subscription.Manager, now func() time.Time, logger *slog.Logger) *Processor {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: st, licenses: licenses, subscriptions: subs, now: now, logger: logger}
}

// Process records the transaction and acts on its status. Deliveries may be
// repeated; every branch is idempotent per transaction.
func (p *Processor) Process(ctx context.Context, w Webhook) (*Result, error) {
	status := MapStatus(w.Status)
	at := p.now().UTC()
	paidAt := at
	if w.PaidAt != nil {
		paidAt = w.PaidAt.UTC()
	}

	plan := model.PlanType(w.PlanType)
	if w.IsSubscription && plan == "" {
		plan = model.PlanMonthly
	}
	product := w.ProductType
	if product == "" {
		product = defaultProduct
	}

	emailHash := p.licenses.HashEmail(w.CustomerEmail)
	txn := &model.Transaction{
		ExternalID:           w.TransactionID,
		Amount:               w.Amount,
		Status:               status,
		CustomerEmailHash:    emailHash,
		CustomerDocumentHash: p.licenses.HashDocument(w.CustomerDocument),
		PlanType:             string(plan),
		ProductType:          product,
		IsSubscription:       w.IsSubscription,
		UpdatedAt:            at,
	}
	if status == model.PaymentPaid {
		txn.PaidAt = &paidAt
	}
	previous, err := p.store.UpsertTransaction(ctx, txn)
	if err != nil {
		return nil, err
	}
	metrics.Get().Webhook(string(status))
	p.logger.Info("payment webhook",
		"transaction_id", w.TransactionID, "status", status, "previous", previous, "amount", w.Amount)

	res := &Result{TransactionID: w.TransactionID, Status: status}
	switch status {
	case model.PaymentPaid:
		err = p.paid(ctx, w, res, emailHash, plan, product, paidAt, at)
	case model.PaymentRefunded:
		err = p.refunded(ctx, w.TransactionID, res)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Processor) paid(ctx context.Context, w Webhook, res *Result, emailHash string, plan model.PlanType, product string, paidAt, at time.Time) error {
	if emailHash != "" {
		if _, err := p.store.EnsureMember(ctx, license.NormalizeEmail(w.CustomerEmail), emailHash, at); err != nil {
			return err
		}
	}

	if w.IsSubscription {
		sub, err := p.subscriptions.FindForCustomer(ctx, emailHash, product)
		switch {
		case err == nil:
			renewed, err := p.subscriptions.Renew(ctx, sub.ID, subscription.Payment{
				TransactionID: w.TransactionID,
				Plan:          plan,
				Amount:        w.Amount,
				PaidAt:        paidAt,
			})
			if err != nil {
				return err
			}
			res.Subscription = renewed
			res.License, err = p.store.GetLicense(ctx, renewed.LicenseID)
			return err
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
	}

	lic, err := p.licenses.IssueForPayment(ctx, w.TransactionID, w.Amount, license.Identity{
		Email:    w.CustomerEmail,
		Document: w.CustomerDocument,
	})
	if err != nil {
		return err
	}
	if lic == nil {
		res.Declined = true
		return nil
	}
	res.License = lic

	if w.IsSubscription {
		res.Subscription, err = p.subscriptions.CreateOnPayment(ctx, subscription.Payment{
			TransactionID: w.TransactionID,
			LicenseID:     lic.ID,
			EmailHash:     emailHash,
			ProductType:   product,
			Plan:          plan,
			Amount:        w.Amount,
			PaidAt:        paidAt,
		})
	}
	return err
}

// refunded revokes the license bought by the transaction, or the license of
// the subscription the transaction renewed.
func (p *Processor) refunded(ctx context.Context, transactionID string, res *Result) error {
	lic, err := p.store.GetLicenseByTransaction(ctx, transactionID)
	if errors.Is(err, store.ErrNotFound) {
		payment, perr := p.store.GetPaymentByTransaction(ctx, transactionID)
		if errors.Is(perr, store.ErrNotFound) {
			return nil
		}
		if perr != nil {
			return perr
		}
		sub, serr := p.store.GetSubscription(ctx, payment.SubscriptionID)
		if serr != nil {
			return serr
		}
		lic, err = p.store.GetLicense(ctx, sub.LicenseID)
	}
	if err != nil {
		return err
	}
	res.License = lic

	if lic.Status != model.LicenseRevoked {
		ok, err := p.licenses.Transition(ctx, lic, lic.Status, model.LicenseRevoked, model.ActorPayment,
			model.ActionRevokedByRefund, map[string]any{"transaction_id": transactionID})
		if err != nil {
			return err
		}
		res.Revoked = ok
	}

	sub, err := p.store.GetSubscriptionByLicense(ctx, lic.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if subscription.CanTransition(sub.Status, model.SubscriptionSuspended) {
		if sub, err = p.subscriptions.Suspend(ctx, sub.ID); err != nil {
			return err
		}
	}
	res.Subscription = sub
	return nil
}
