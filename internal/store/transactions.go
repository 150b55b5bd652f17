package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/licensedesk/licensedesk/internal/model"
)

const transactionColumns = `id, external_id, amount, status, customer_email_hash, customer_document_hash,
	plan_type, product_type, is_subscription, paid_at, created_at, updated_at`

// GetTransaction returns a transaction by its vendor ID.
func (s *Store) GetTransaction(ctx context.Context, externalID string) (*model.Transaction, error) {
	var t model.Transaction
	err := s.db.GetContext(ctx, &t,
		s.q("SELECT "+transactionColumns+" FROM transactions WHERE external_id = ?"), externalID)
	if err != nil {
		return nil, notFound(err, "get transaction")
	}
	return &t, nil
}

// UpsertTransaction inserts a vendor transaction or updates the status of the
// stored one. It returns the status stored before this call, empty for a new
// transaction. The first paid_at seen is kept.
func (s *Store) UpsertTransaction(ctx context.Context, t *model.Transaction) (model.PaymentStatus, error) {
	now := utc(t.UpdatedAt)
	t.UpdatedAt = now
	t.PaidAt = utcPtr(t.PaidAt)

	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.GetTransaction(ctx, t.ExternalID)
		switch {
		case err == nil:
			if existing.PaidAt != nil {
				t.PaidAt = existing.PaidAt
			}
			t.ID = existing.ID
			t.CreatedAt = existing.CreatedAt
			const q = `UPDATE transactions SET status = :status, amount = :amount, paid_at = :paid_at,
				updated_at = :updated_at WHERE id = :id`
			if _, err := s.db.NamedExecContext(ctx, q, t); err != nil {
				return "", fmt.Errorf("update transaction: %w", err)
			}
			return existing.Status, nil

		case errors.Is(err, ErrNotFound):
			if t.ID == "" {
				t.ID = newID()
			}
			t.CreatedAt = now
			const q = `INSERT INTO transactions (` + transactionColumns + `)
				VALUES (:id, :external_id, :amount, :status, :customer_email_hash, :customer_document_hash,
				:plan_type, :product_type, :is_subscription, :paid_at, :created_at, :updated_at)`
			if _, err := s.db.NamedExecContext(ctx, q, t); err != nil {
				if isUniqueViolation(err) {
					// Lost a race with a duplicate delivery; update instead.
					t.ID = ""
					continue
				}
				return "", fmt.Errorf("insert transaction: %w", err)
			}
			return "", nil

		default:
			return "", err
		}
	}
	return "", ErrConflict
}
