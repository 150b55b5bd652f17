// Package subscription manages recurring billing periods and keeps the bound
// license in step with them.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/licensedesk/licensedesk/internal/audit"
	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/metrics"
	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/store"
)

const (
	day = 24 * time.Hour

	// MaxExtendDays bounds a single admin extension.
	MaxExtendDays = 3650

	reasonPeriodEnded = "period_ended"
)

var (
	ErrUnknownPlan       = errors.New("unknown subscription plan")
	ErrInvalidTransition = errors.New("subscription status transition not allowed")
	ErrInvalidDays       = errors.New("extension days out of range")
)

// PeriodFor returns the billing period of a plan.
func PeriodFor(plan model.PlanType) (time.Duration, error) {
	switch plan {
	case model.PlanWeekly:
		return 7 * day, nil
	case model.PlanMonthly:
		return 30 * day, nil
	case model.PlanYearly:
		return 365 * day, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
}

// Payment is a confirmed subscription payment.
type Payment struct {
	TransactionID string
	LicenseID     string // license the subscription unlocks; only used on creation
	EmailHash     string
	ProductType   string
	Plan          model.PlanType
	Amount        int64
	PaidAt        time.Time
}

// Manager owns subscription state changes.
type Manager struct {
	store    *store.Store
	licenses *license.Registry
	now      func() time.Time
	logger   *slog.Logger
}

// NewManager creates a Manager. now may be nil.
func NewManager(st *store.Store, licenses *license.Registry, now func() time.Time, logger *slog.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, licenses: licenses, now: now, logger: logger}
}

func (m *Manager) clock() time.Time { return m.now().UTC() }

// Get returns a subscription by ID.
func (m *Manager) Get(ctx context.Context, id string) (*model.Subscription, error) {
	return m.store.GetSubscription(ctx, id)
}

// DaysRemaining is the display countdown of sub at the manager's clock.
func (m *Manager) DaysRemaining(sub *model.Subscription) int {
	return sub.DaysRemaining(m.clock())
}

// ForLicense returns the subscription bound to a license, or store.ErrNotFound.
func (m *Manager) ForLicense(ctx context.Context, licenseID string) (*model.Subscription, error) {
	return m.store.GetSubscriptionByLicense(ctx, licenseID)
}

// Payments returns the payments applied to a subscription.
func (m *Manager) Payments(ctx context.Context, id string) ([]model.SubscriptionPayment, error) {
	return m.store.ListPayments(ctx, id)
}

// List returns subscriptions matching f.
func (m *Manager) List(ctx context.Context, f store.SubscriptionFilter) ([]model.Subscription, error) {
	return m.store.ListSubscriptions(ctx, f)
}

// ListForCustomer returns every subscription of a customer identity.
func (m *Manager) ListForCustomer(ctx context.Context, emailHash string) ([]model.Subscription, error) {
	if emailHash == "" {
		return nil, nil
	}
	return m.store.ListSubscriptionsByEmailHash(ctx, emailHash)
}

// FindForCustomer returns the subscription a customer holds for a product,
// or store.ErrNotFound.
func (m *Manager) FindForCustomer(ctx context.Context, emailHash, productType string) (*model.Subscription, error) {
	if emailHash == "" {
		return nil, store.ErrNotFound
	}
	subs, err := m.store.ListSubscriptionsByEmailHash(ctx, emailHash)
	if err != nil {
		return nil, err
	}
	for i := range subs {
		if subs[i].ProductType == productType {
			return &subs[i], nil
		}
	}
	return nil, store.ErrNotFound
}

// CreateOnPayment opens a subscription for the license issued by the same
// payment. Replaying the payment returns the existing subscription.
func (m *Manager) CreateOnPayment(ctx context.Context, p Payment) (*model.Subscription, error) {
	if sub, err := m.byPayment(ctx, p.TransactionID); err == nil || !errors.Is(err, store.ErrNotFound) {
		return sub, err
	}
	period, err := PeriodFor(p.Plan)
	if err != nil {
		return nil, err
	}
	lic, err := m.store.GetLicense(ctx, p.LicenseID)
	if err != nil {
		return nil, err
	}

	start := p.PaidAt.UTC()
	if start.IsZero() {
		start = m.clock()
	}
	end := start.Add(period)
	sub := &model.Subscription{
		LicenseID:          lic.ID,
		CustomerEmailHash:  p.EmailHash,
		ProductType:        p.ProductType,
		PlanType:           p.Plan,
		Status:             model.SubscriptionActive,
		Amount:             p.Amount,
		StartedAt:          start,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		NextBillingDate:    end,
		CreatedAt:          m.clock(),
	}
	payment := &model.SubscriptionPayment{
		TransactionID: p.TransactionID,
		Amount:        p.Amount,
		PeriodStart:   start,
		PeriodEnd:     end,
		PaidAt:        start,
	}
	if err := m.store.InsertSubscription(ctx, sub, payment); err != nil {
		if errors.Is(err, store.ErrConflict) {
			if existing, err := m.byPayment(ctx, p.TransactionID); err == nil {
				return existing, nil
			}
			return nil, fmt.Errorf("license %s already has a subscription: %w", lic.ID, store.ErrConflict)
		}
		return nil, err
	}

	if err := audit.Record(ctx, m.store, audit.Entry{
		License: lic,
		Action:  model.ActionSubscriptionCreated,
		Actor:   model.ActorPayment,
		Metadata: map[string]any{
			"subscription_id": sub.ID,
			"plan_type":       string(sub.PlanType),
			"period_end":      end,
		},
		At: sub.CreatedAt,
	}); err != nil {
		return nil, err
	}
	metrics.Get().Subscription("created")
	return sub, nil
}

func (m *Manager) byPayment(ctx context.Context, transactionID string) (*model.Subscription, error) {
	paid, err := m.store.GetPaymentByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return m.store.GetSubscription(ctx, paid.SubscriptionID)
}

// Renew starts a new period from the payment time. Unused time from the
// previous period is not carried over, but a period end already pushed past
// the new one by Extend is kept. A subscription that had lapsed or was
// cancelled becomes active and its license is restored.
func (m *Manager) Renew(ctx context.Context, id string, p Payment) (*model.Subscription, error) {
	if _, err := m.store.GetPaymentByTransaction(ctx, p.TransactionID); err == nil {
		return m.store.GetSubscription(ctx, id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	sub, err := m.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Plan != "" {
		sub.PlanType = p.Plan
	}
	period, err := PeriodFor(sub.PlanType)
	if err != nil {
		return nil, err
	}

	previous := sub.Status
	start := p.PaidAt.UTC()
	if start.IsZero() {
		start = m.clock()
	}
	sub.Status = model.SubscriptionActive
	end := start.Add(period)
	if sub.CurrentPeriodEnd.After(end) {
		end = sub.CurrentPeriodEnd
	}
	sub.CurrentPeriodStart = start
	sub.CurrentPeriodEnd = end
	sub.NextBillingDate = end
	sub.CancelledAt = nil
	if p.Amount > 0 {
		sub.Amount = p.Amount
	}
	sub.UpdatedAt = m.clock()

	payment := &model.SubscriptionPayment{
		TransactionID: p.TransactionID,
		Amount:        p.Amount,
		PeriodStart:   sub.CurrentPeriodStart,
		PeriodEnd:     sub.CurrentPeriodEnd,
		PaidAt:        start,
	}
	if err := m.store.ApplyRenewal(ctx, sub, payment); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return m.store.GetSubscription(ctx, id)
		}
		return nil, err
	}

	action := model.ActionSubscriptionRenewed
	if previous != model.SubscriptionActive {
		action = model.ActionSubscriptionReactivate
	}
	if err := m.cascade(ctx, sub, model.LicenseSuspended, model.LicenseActive, model.ActorPayment, action,
		map[string]any{"transaction_id": p.TransactionID, "period_end": sub.CurrentPeriodEnd}); err != nil {
		return nil, err
	}
	metrics.Get().Subscription("renewed")
	return sub, nil
}

// Extend adds days to the current period. Extensions stack. An expired
// subscription whose new end lies in the future becomes active again.
func (m *Manager) Extend(ctx context.Context, id string, days int, actor string) (*model.Subscription, error) {
	if days <= 0 || days > MaxExtendDays {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDays, days)
	}
	sub, err := m.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}

	at := m.clock()
	delta := time.Duration(days) * day
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.Add(delta)
	sub.NextBillingDate = sub.NextBillingDate.Add(delta)
	sub.UpdatedAt = at
	revived := sub.Status == model.SubscriptionExpired && sub.CurrentPeriodEnd.After(at)
	if revived {
		sub.Status = model.SubscriptionActive
	}
	if err := m.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	meta := map[string]any{"subscription_id": sub.ID, "days": days, "period_end": sub.CurrentPeriodEnd}
	if revived {
		err = m.cascade(ctx, sub, model.LicenseSuspended, model.LicenseActive, actor, model.ActionSubscriptionExtended, meta)
	} else {
		err = m.log(ctx, sub, actor, model.ActionSubscriptionExtended, meta)
	}
	if err != nil {
		return nil, err
	}
	metrics.Get().Subscription("extended")
	return sub, nil
}

// Cancel cancels a subscription and suspends its license. The license is
// never revoked or deleted by a cancellation.
func (m *Manager) Cancel(ctx context.Context, id, actor string) (*model.Subscription, error) {
	sub, err := m.transition(ctx, id, model.SubscriptionCancelled)
	if err != nil {
		return nil, err
	}
	err = m.cascade(ctx, sub, model.LicenseActive, model.LicenseSuspended, actor, model.ActionSubscriptionCancelled,
		map[string]any{"subscription_id": sub.ID})
	if err != nil {
		return nil, err
	}
	metrics.Get().Subscription("cancelled")
	return sub, nil
}

// Suspend parks a subscription whose payment was reversed.
func (m *Manager) Suspend(ctx context.Context, id string) (*model.Subscription, error) {
	sub, err := m.transition(ctx, id, model.SubscriptionSuspended)
	if err != nil {
		return nil, err
	}
	metrics.Get().Subscription("suspended")
	return sub, nil
}

// Reactivate restarts a subscription with a fresh period from now and
// restores its license.
func (m *Manager) Reactivate(ctx context.Context, id, actor string) (*model.Subscription, error) {
	sub, err := m.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(sub.Status, model.SubscriptionActive) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.Status, model.SubscriptionActive)
	}
	period, err := PeriodFor(sub.PlanType)
	if err != nil {
		return nil, err
	}

	at := m.clock()
	sub.Status = model.SubscriptionActive
	sub.CurrentPeriodStart = at
	sub.CurrentPeriodEnd = at.Add(period)
	sub.NextBillingDate = sub.CurrentPeriodEnd
	sub.CancelledAt = nil
	sub.UpdatedAt = at
	if err := m.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	err = m.cascade(ctx, sub, model.LicenseSuspended, model.LicenseActive, actor, model.ActionSubscriptionReactivate,
		map[string]any{"subscription_id": sub.ID, "period_end": sub.CurrentPeriodEnd})
	if err != nil {
		return nil, err
	}
	metrics.Get().Subscription("reactivated")
	return sub, nil
}

// SweepExpirations expires every active subscription whose period has ended
// and suspends its license. Running it again changes nothing.
func (m *Manager) SweepExpirations(ctx context.Context) (int, error) {
	at := m.clock()
	lapsed, err := m.store.ListLapsedSubscriptions(ctx, at)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range lapsed {
		sub := &lapsed[i]
		ok, err := m.expire(ctx, sub, at)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		m.logger.Info("expired subscriptions", "count", expired)
	}
	return expired, nil
}

// expire moves one lapsed subscription to expired and suspends its active
// license in a single transaction. The period end is checked again there, so
// a renewal that lands after the listing wins.
func (m *Manager) expire(ctx context.Context, sub *model.Subscription, at time.Time) (bool, error) {
	lic, err := m.store.GetLicense(ctx, sub.LicenseID)
	if err != nil {
		return false, err
	}
	from, to := model.LicenseActive, model.LicenseSuspended
	expired, moved, err := m.store.ExpireLapsedSubscription(ctx, sub.ID, at, store.LicenseChange{
		LicenseID:   lic.ID,
		From:        from,
		To:          to,
		At:          at,
		EndSessions: true,
		Log: func(applied bool) (*model.LogEntry, error) {
			meta := map[string]any{
				"subscription_id": sub.ID,
				"product_type":    sub.ProductType,
				"plan_type":       string(sub.PlanType),
				"reason":          reasonPeriodEnded,
			}
			if applied {
				meta["previous"] = string(from)
				meta["new"] = string(to)
			}
			return audit.Build(audit.Entry{
				License:  lic,
				Action:   model.ActionSubscriptionExpired,
				Actor:    model.ActorSystem,
				Metadata: meta,
				At:       at,
			})
		},
	})
	if err != nil || !expired {
		return false, err
	}
	sub.Status = model.SubscriptionExpired
	sub.UpdatedAt = at

	metrics.Get().LogEntry(model.ActionSubscriptionExpired)
	metrics.Get().Subscription("expired")
	if moved {
		metrics.Get().StatusChanged(string(to))
		m.logger.Info("license status changed",
			"license_id", lic.ID, "from", from, "to", to, "actor", model.ActorSystem)
	}
	return true, nil
}

func (m *Manager) transition(ctx context.Context, id string, to model.SubscriptionStatus) (*model.Subscription, error) {
	sub, err := m.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(sub.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.Status, to)
	}

	at := m.clock()
	var cancelledAt *time.Time
	if to == model.SubscriptionCancelled {
		cancelledAt = &at
	}
	ok, err := m.store.TransitionSubscription(ctx, id, sub.Status, to, cancelledAt, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("subscription %s changed concurrently: %w", id, store.ErrConflict)
	}
	sub.Status = to
	sub.UpdatedAt = at
	if cancelledAt != nil {
		sub.CancelledAt = cancelledAt
	}
	return sub, nil
}

// cascade moves the subscription's license from one status to another when
// it is still in from, recording action once either way.
func (m *Manager) cascade(ctx context.Context, sub *model.Subscription, from, to model.LicenseStatus, actor, action string, meta map[string]any) error {
	lic, err := m.store.GetLicense(ctx, sub.LicenseID)
	if err != nil {
		return err
	}
	if lic.Status == from {
		ok, err := m.licenses.Transition(ctx, lic, from, to, actor, action, meta)
		if err != nil || ok {
			return err
		}
	}
	return audit.Record(ctx, m.store, audit.Entry{License: lic, Action: action, Actor: actor, Metadata: meta, At: m.clock()})
}

func (m *Manager) log(ctx context.Context, sub *model.Subscription, actor, action string, meta map[string]any) error {
	lic, err := m.store.GetLicense(ctx, sub.LicenseID)
	if err != nil {
		return err
	}
	return audit.Record(ctx, m.store, audit.Entry{License: lic, Action: action, Actor: actor, Metadata: meta, At: m.clock()})
}
