package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/licensedesk/licensedesk/internal/model"
)

const licenseColumns = `id, license_key, status, origin, max_devices, transaction_id,
	customer_email_hash, customer_document_hash, activated_at, status_changed_at,
	created_at, updated_at`

// InsertLicense stores a new license. A zero ID is filled in. ErrConflict is
// returned when the key or the transaction is already taken; callers decide
// which by re-reading.
func (s *Store) InsertLicense(ctx context.Context, l *model.License) error {
	if l.ID == "" {
		l.ID = newID()
	}
	l.CreatedAt = utc(l.CreatedAt)
	l.UpdatedAt = l.CreatedAt
	if l.StatusChangedAt.IsZero() {
		l.StatusChangedAt = l.CreatedAt
	}
	l.StatusChangedAt = l.StatusChangedAt.UTC()
	l.ActivatedAt = utcPtr(l.ActivatedAt)

	const q = `INSERT INTO licenses (` + licenseColumns + `)
		VALUES (:id, :license_key, :status, :origin, :max_devices, :transaction_id,
		:customer_email_hash, :customer_document_hash, :activated_at, :status_changed_at,
		:created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, q, l); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

// GetLicense returns a license by ID.
func (s *Store) GetLicense(ctx context.Context, id string) (*model.License, error) {
	return s.getLicense(ctx, s.db, "id", id)
}

// GetLicenseByKey returns a license by its key.
func (s *Store) GetLicenseByKey(ctx context.Context, key string) (*model.License, error) {
	return s.getLicense(ctx, s.db, "license_key", key)
}

// GetLicenseByTransaction returns the license issued for a vendor transaction.
func (s *Store) GetLicenseByTransaction(ctx context.Context, transactionID string) (*model.License, error) {
	return s.getLicense(ctx, s.db, "transaction_id", transactionID)
}

func (s *Store) getLicense(ctx context.Context, q sqlx.QueryerContext, column, value string) (*model.License, error) {
	return s.selectLicense(ctx, q, column, value, "")
}

// selectLicense reads one license; lock is appended to the query and is
// either empty or the dialect's row-lock suffix.
func (s *Store) selectLicense(ctx context.Context, q sqlx.QueryerContext, column, value, lock string) (*model.License, error) {
	var l model.License
	query := s.q("SELECT " + licenseColumns + " FROM licenses WHERE " + column + " = ?" + lock)
	if err := sqlx.GetContext(ctx, q, &l, query, value); err != nil {
		return nil, notFound(err, "get license")
	}
	return &l, nil
}

// ListLicenses returns licenses matching f, newest first.
func (s *Store) ListLicenses(ctx context.Context, f model.LicenseFilter) ([]model.License, error) {
	query := "SELECT " + licenseColumns + " FROM licenses WHERE 1=1"
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Search != "" {
		query += " AND license_key LIKE ?"
		args = append(args, f.Search+"%")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, max(f.Offset, 0))
	}

	var out []model.License
	if err := s.db.SelectContext(ctx, &out, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	return out, nil
}

// ListLicensesByEmailHash returns every license owned by a customer identity.
func (s *Store) ListLicensesByEmailHash(ctx context.Context, emailHash string) ([]model.License, error) {
	var out []model.License
	err := s.db.SelectContext(ctx, &out,
		s.q("SELECT "+licenseColumns+" FROM licenses WHERE customer_email_hash = ? ORDER BY created_at DESC"),
		emailHash)
	if err != nil {
		return nil, fmt.Errorf("list licenses by email: %w", err)
	}
	return out, nil
}

// CountLicensesByStatus returns the number of licenses in each status.
func (s *Store) CountLicensesByStatus(ctx context.Context) (map[model.LicenseStatus]int, error) {
	var rows []struct {
		Status model.LicenseStatus `db:"status"`
		N      int                 `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, "SELECT status, COUNT(*) AS n FROM licenses GROUP BY status"); err != nil {
		return nil, fmt.Errorf("count licenses: %w", err)
	}
	out := make(map[model.LicenseStatus]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// TransitionLicense moves a license from one status to another only if it is
// still in the expected status. It reports whether the row changed, which
// keeps sweeps and cascades idempotent under concurrency.
func (s *Store) TransitionLicense(ctx context.Context, id string, from, to model.LicenseStatus, at time.Time) (bool, error) {
	return s.ChangeLicenseStatus(ctx, LicenseChange{LicenseID: id, From: from, To: to, At: at})
}

// LicenseChange is a conditional status move of one license together with
// the log entry that records it.
type LicenseChange struct {
	LicenseID string
	From, To  model.LicenseStatus
	At        time.Time
	// EndSessions expires the open sessions of the license when it moves.
	EndSessions bool
	// Log builds the entry appended in the same transaction. applied reports
	// whether the license moved. A nil entry appends nothing.
	Log func(applied bool) (*model.LogEntry, error)
}

// ChangeLicenseStatus applies c atomically: the status update, the session
// expiry and the log entry commit together or not at all. It reports whether
// the license moved.
func (s *Store) ChangeLicenseStatus(ctx context.Context, c LicenseChange) (bool, error) {
	var applied bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		applied, err = s.changeLicense(ctx, tx, c)
		return err
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *Store) changeLicense(ctx context.Context, tx *sqlx.Tx, c LicenseChange) (bool, error) {
	at := utc(c.At)
	res, err := tx.ExecContext(ctx,
		s.q("UPDATE licenses SET status = ?, status_changed_at = ?, updated_at = ? WHERE id = ? AND status = ?"),
		c.To, at, at, c.LicenseID, c.From)
	if err != nil {
		return false, fmt.Errorf("transition license: %w", err)
	}
	n, err := rowsAffected(res, "transition license")
	if err != nil {
		return false, err
	}
	applied := n == 1

	if applied && c.EndSessions {
		if _, err := tx.ExecContext(ctx,
			s.q("UPDATE sessions SET expires_at = ? WHERE license_id = ? AND expires_at > ?"),
			at, c.LicenseID, at); err != nil {
			return false, fmt.Errorf("expire license sessions: %w", err)
		}
	}

	if c.Log != nil {
		e, err := c.Log(applied)
		if err != nil {
			return false, err
		}
		if e != nil {
			if err := appendLog(ctx, tx, e); err != nil {
				return false, err
			}
		}
	}
	return applied, nil
}

// ResetDevices deletes every binding of a license and clears its activation
// time. It returns the number of bindings removed.
func (s *Store) ResetDevices(ctx context.Context, licenseID string, at time.Time) (int64, error) {
	at = utc(at)
	var removed int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			tx.Rebind("UPDATE licenses SET activated_at = NULL, updated_at = ? WHERE id = ?"), at, licenseID)
		if err != nil {
			return fmt.Errorf("clear activation: %w", err)
		}
		n, err := rowsAffected(res, "clear activation")
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}

		res, err = tx.ExecContext(ctx, tx.Rebind("DELETE FROM devices WHERE license_id = ?"), licenseID)
		if err != nil {
			return fmt.Errorf("delete devices: %w", err)
		}
		removed, err = rowsAffected(res, "delete devices")
		return err
	})
	return removed, err
}

// SetMaxDevices changes the device ceiling of a license. Bindings above the
// new ceiling stay active until the limit is enforced.
func (s *Store) SetMaxDevices(ctx context.Context, id string, maxDevices int, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE licenses SET max_devices = ?, updated_at = ? WHERE id = ?"), maxDevices, utc(at), id)
	if err != nil {
		return fmt.Errorf("set max devices: %w", err)
	}
	n, err := rowsAffected(res, "set max devices")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
