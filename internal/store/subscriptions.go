package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/licensedesk/licensedesk/internal/model"
)

const (
	subscriptionColumns = `id, license_id, customer_email_hash, product_type, plan_type, status, amount,
	started_at, current_period_start, current_period_end, next_billing_date, cancelled_at,
	created_at, updated_at`
	paymentColumns = `id, subscription_id, transaction_id, amount, period_start, period_end, paid_at`
)

// SubscriptionFilter narrows subscription listings. Zero values mean "any".
type SubscriptionFilter struct {
	Status model.SubscriptionStatus
	Limit  int
	Offset int
}

// InsertSubscription stores a subscription together with the payment that
// opened it. ErrConflict means the payment's transaction was already applied
// or the license already has a subscription.
func (s *Store) InsertSubscription(ctx context.Context, sub *model.Subscription, p *model.SubscriptionPayment) error {
	if sub.ID == "" {
		sub.ID = newID()
	}
	sub.CreatedAt = utc(sub.CreatedAt)
	sub.UpdatedAt = sub.CreatedAt
	normalizeSubscription(sub)

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		const q = `INSERT INTO subscriptions (` + subscriptionColumns + `)
			VALUES (:id, :license_id, :customer_email_hash, :product_type, :plan_type, :status, :amount,
			:started_at, :current_period_start, :current_period_end, :next_billing_date, :cancelled_at,
			:created_at, :updated_at)`
		if _, err := tx.NamedExecContext(ctx, q, sub); err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert subscription: %w", err)
		}
		p.SubscriptionID = sub.ID
		return insertPayment(ctx, tx, p)
	})
}

func insertPayment(ctx context.Context, tx *sqlx.Tx, p *model.SubscriptionPayment) error {
	if p.ID == "" {
		p.ID = newID()
	}
	p.PeriodStart = p.PeriodStart.UTC()
	p.PeriodEnd = p.PeriodEnd.UTC()
	p.PaidAt = p.PaidAt.UTC()

	const q = `INSERT INTO subscription_payments (` + paymentColumns + `)
		VALUES (:id, :subscription_id, :transaction_id, :amount, :period_start, :period_end, :paid_at)`
	if _, err := tx.NamedExecContext(ctx, q, p); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert subscription payment: %w", err)
	}
	return nil
}

func normalizeSubscription(sub *model.Subscription) {
	sub.StartedAt = sub.StartedAt.UTC()
	sub.CurrentPeriodStart = sub.CurrentPeriodStart.UTC()
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
	sub.NextBillingDate = sub.NextBillingDate.UTC()
	sub.CancelledAt = utcPtr(sub.CancelledAt)
	sub.UpdatedAt = utc(sub.UpdatedAt)
}

// GetSubscription returns a subscription by ID.
func (s *Store) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	var sub model.Subscription
	err := s.db.GetContext(ctx, &sub,
		s.q("SELECT "+subscriptionColumns+" FROM subscriptions WHERE id = ?"), id)
	if err != nil {
		return nil, notFound(err, "get subscription")
	}
	return &sub, nil
}

// GetSubscriptionByLicense returns the subscription bound to a license.
func (s *Store) GetSubscriptionByLicense(ctx context.Context, licenseID string) (*model.Subscription, error) {
	var sub model.Subscription
	err := s.db.GetContext(ctx, &sub,
		s.q("SELECT "+subscriptionColumns+" FROM subscriptions WHERE license_id = ?"), licenseID)
	if err != nil {
		return nil, notFound(err, "get subscription by license")
	}
	return &sub, nil
}

// GetPaymentByTransaction returns the subscription payment recorded for a
// vendor transaction.
func (s *Store) GetPaymentByTransaction(ctx context.Context, transactionID string) (*model.SubscriptionPayment, error) {
	var p model.SubscriptionPayment
	err := s.db.GetContext(ctx, &p,
		s.q("SELECT "+paymentColumns+" FROM subscription_payments WHERE transaction_id = ?"), transactionID)
	if err != nil {
		return nil, notFound(err, "get subscription payment")
	}
	return &p, nil
}

// ListPayments returns the payments of a subscription, oldest first.
func (s *Store) ListPayments(ctx context.Context, subscriptionID string) ([]model.SubscriptionPayment, error) {
	var out []model.SubscriptionPayment
	err := s.db.SelectContext(ctx, &out,
		s.q("SELECT "+paymentColumns+" FROM subscription_payments WHERE subscription_id = ? ORDER BY paid_at, id"),
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list subscription payments: %w", err)
	}
	return out, nil
}

// ListSubscriptions returns subscriptions matching f, newest first.
func (s *Store) ListSubscriptions(ctx context.Context, f SubscriptionFilter) ([]model.Subscription, error) {
	query := "SELECT " + subscriptionColumns + " FROM subscriptions WHERE 1=1"
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, max(f.Offset, 0))
	}

	var out []model.Subscription
	if err := s.db.SelectContext(ctx, &out, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}

// ListSubscriptionsByEmailHash returns the subscriptions of a customer identity.
func (s *Store) ListSubscriptionsByEmailHash(ctx context.Context, emailHash string) ([]model.Subscription, error) {
	var out []model.Subscription
	err := s.db.SelectContext(ctx, &out,
		s.q("SELECT "+subscriptionColumns+" FROM subscriptions WHERE customer_email_hash = ? ORDER BY created_at DESC"),
		emailHash)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions by email: %w", err)
	}
	return out, nil
}

// ListLapsedSubscriptions returns active subscriptions whose period ended
// before at. Status is not changed here.
func (s *Store) ListLapsedSubscriptions(ctx context.Context, at time.Time) ([]model.Subscription, error) {
	var out []model.Subscription
	err := s.db.SelectContext(ctx, &out,
		s.q("SELECT "+subscriptionColumns+" FROM subscriptions WHERE status = ? AND current_period_end < ? ORDER BY current_period_end"),
		model.SubscriptionActive, utc(at))
	if err != nil {
		return nil, fmt.Errorf("list lapsed subscriptions: %w", err)
	}
	return out, nil
}

// ApplyRenewal records a payment and moves the subscription into the period
// it pays for, clearing any cancellation. ErrConflict means the transaction
// was already applied.
func (s *Store) ApplyRenewal(ctx context.Context, sub *model.Subscription, p *model.SubscriptionPayment) error {
	normalizeSubscription(sub)
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		p.SubscriptionID = sub.ID
		if err := insertPayment(ctx, tx, p); err != nil {
			return err
		}
		return updateSubscription(ctx, tx, sub)
	})
}

// UpdateSubscription writes the mutable fields of sub.
func (s *Store) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	normalizeSubscription(sub)
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return updateSubscription(ctx, tx, sub)
	})
}

func updateSubscription(ctx context.Context, tx *sqlx.Tx, sub *model.Subscription) error {
	const q = `UPDATE subscriptions SET
		status = :status, amount = :amount, plan_type = :plan_type,
		current_period_start = :current_period_start, current_period_end = :current_period_end,
		next_billing_date = :next_billing_date, cancelled_at = :cancelled_at, updated_at = :updated_at
		WHERE id = :id`
	res, err := tx.NamedExecContext(ctx, q, sub)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	n, err := rowsAffected(res, "update subscription")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionSubscription moves a subscription between statuses only if it is
// still in from. cancelledAt is written when non-nil.
func (s *Store) TransitionSubscription(ctx context.Context, id string, from, to model.SubscriptionStatus, cancelledAt *time.Time, at time.Time) (bool, error) {
	at = utc(at)
	query := "UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ? AND status = ?"
	args := []any{to, at, id, from}
	if cancelledAt != nil {
		query = "UPDATE subscriptions SET status = ?, cancelled_at = ?, updated_at = ? WHERE id = ? AND status = ?"
		args = []any{to, cancelledAt.UTC(), at, id, from}
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return false, fmt.Errorf("transition subscription: %w", err)
	}
	n, err := rowsAffected(res, "transition subscription")
	return n == 1, err
}

// ExpireLapsedSubscription expires an active subscription whose period ended
// before at and applies lic to its license in the same transaction. A renewal
// or extension that moved the period end past at leaves both untouched. It
// reports whether the subscription expired and whether the license moved.
func (s *Store) ExpireLapsedSubscription(ctx context.Context, id string, at time.Time, lic LicenseChange) (expired, moved bool, err error) {
	at = utc(at)
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.q("UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ? AND status = ? AND current_period_end < ?"),
			model.SubscriptionExpired, at, id, model.SubscriptionActive, at)
		if err != nil {
			return fmt.Errorf("expire subscription: %w", err)
		}
		n, err := rowsAffected(res, "expire subscription")
		if err != nil || n == 0 {
			return err
		}
		expired = true
		moved, err = s.changeLicense(ctx, tx, lic)
		return err
	})
	if err != nil {
		return false, false, err
	}
	return expired, moved, nil
}
