package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/licensedesk/licensedesk/internal/model"
)

const deviceColumns = `id, license_id, fingerprint, name, is_active, ip_address, first_seen_at, last_seen_at`

// BindParams describes a device asking to be bound to a license.
type BindParams struct {
	LicenseID   string
	Fingerprint string
	Name        string
	IP          string
	At          time.Time
}

// BindResult reports what BindDevice changed.
type BindResult struct {
	Device  model.Device
	License model.License

	// SeatTaken is true when a new or previously deactivated binding now
	// counts toward max_devices.
	SeatTaken bool
	// FirstActivation is true when this binding set the license's activated_at.
	FirstActivation bool
	// Promoted is true when the license moved from awaiting_activation to active.
	Promoted bool
}

// BindDevice binds a fingerprint to a license in one transaction. The license
// row is locked (SELECT ... FOR UPDATE where the dialect supports it) so the
// active-binding count and the insert cannot interleave with a concurrent
// bind. An existing active binding is refreshed without consuming a seat.
// ErrLimitReached is returned, with nothing written, when the license is full.
func (s *Store) BindDevice(ctx context.Context, p BindParams) (*BindResult, error) {
	at := utc(p.At)
	var out BindResult

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		lic, err := s.selectLicense(ctx, tx, "id", p.LicenseID, s.dialect.ForUpdate)
		if err != nil {
			return err
		}

		var dev model.Device
		err = tx.GetContext(ctx, &dev,
			tx.Rebind("SELECT "+deviceColumns+" FROM devices WHERE license_id = ? AND fingerprint = ?"),
			p.LicenseID, p.Fingerprint)
		existing := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("get device: %w", err)
		}

		switch {
		case existing && dev.IsActive:
			if _, err := tx.ExecContext(ctx,
				tx.Rebind("UPDATE devices SET last_seen_at = ?, ip_address = ? WHERE id = ?"),
				at, p.IP, dev.ID); err != nil {
				return fmt.Errorf("refresh device: %w", err)
			}
			dev.LastSeenAt = at
			dev.IPAddress = p.IP

		default:
			var active int
			if err := tx.GetContext(ctx, &active,
				tx.Rebind("SELECT COUNT(*) FROM devices WHERE license_id = ? AND is_active = ?"),
				p.LicenseID, true); err != nil {
				return fmt.Errorf("count devices: %w", err)
			}
			if active >= lic.MaxDevices {
				return ErrLimitReached
			}

			if existing {
				if _, err := tx.ExecContext(ctx,
					tx.Rebind("UPDATE devices SET is_active = ?, name = ?, ip_address = ?, last_seen_at = ? WHERE id = ?"),
					true, p.Name, p.IP, at, dev.ID); err != nil {
					return fmt.Errorf("reactivate device: %w", err)
				}
				dev.IsActive = true
				dev.Name = p.Name
				dev.IPAddress = p.IP
				dev.LastSeenAt = at
			} else {
				dev = model.Device{
					ID:          newID(),
					LicenseID:   p.LicenseID,
					Fingerprint: p.Fingerprint,
					Name:        p.Name,
					IsActive:    true,
					IPAddress:   p.IP,
					FirstSeenAt: at,
					LastSeenAt:  at,
				}
				const q = `INSERT INTO devices (` + deviceColumns + `)
					VALUES (:id, :license_id, :fingerprint, :name, :is_active, :ip_address, :first_seen_at, :last_seen_at)`
				if _, err := tx.NamedExecContext(ctx, q, dev); err != nil {
					if isUniqueViolation(err) {
						return ErrConflict
					}
					return fmt.Errorf("insert device: %w", err)
				}
			}
			out.SeatTaken = true
		}

		if lic.ActivatedAt == nil {
			lic.ActivatedAt = &at
			out.FirstActivation = true
			if lic.Status == model.LicenseAwaitingActivation {
				lic.Status = model.LicenseActive
				lic.StatusChangedAt = at
				out.Promoted = true
			}
			lic.UpdatedAt = at
			if _, err := tx.ExecContext(ctx,
				tx.Rebind("UPDATE licenses SET activated_at = ?, status = ?, status_changed_at = ?, updated_at = ? WHERE id = ?"),
				at, lic.Status, lic.StatusChangedAt, at, lic.ID); err != nil {
				return fmt.Errorf("activate license: %w", err)
			}
		}

		out.Device = dev
		out.License = *lic
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// TouchDevice refreshes the last-seen time of an active binding. It never
// creates a binding and reports whether one was updated.
func (s *Store) TouchDevice(ctx context.Context, licenseID, fingerprint, ip string, at time.Time) (bool, error) {
	query := "UPDATE devices SET last_seen_at = ? WHERE license_id = ? AND fingerprint = ? AND is_active = ?"
	args := []any{utc(at), licenseID, fingerprint, true}
	if ip != "" {
		query = "UPDATE devices SET last_seen_at = ?, ip_address = ? WHERE license_id = ? AND fingerprint = ? AND is_active = ?"
		args = []any{utc(at), ip, licenseID, fingerprint, true}
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return false, fmt.Errorf("touch device: %w", err)
	}
	n, err := rowsAffected(res, "touch device")
	return n == 1, err
}

// ListDevices returns the bindings of a license, most recently seen first.
func (s *Store) ListDevices(ctx context.Context, licenseID string) ([]model.Device, error) {
	var out []model.Device
	err := s.db.SelectContext(ctx, &out,
		s.q("SELECT "+deviceColumns+" FROM devices WHERE license_id = ? ORDER BY last_seen_at DESC, id"),
		licenseID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return out, nil
}

// CountActiveDevices returns the number of bindings counting toward the ceiling.
func (s *Store) CountActiveDevices(ctx context.Context, licenseID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		s.q("SELECT COUNT(*) FROM devices WHERE license_id = ? AND is_active = ?"), licenseID, true)
	if err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return n, nil
}

// DeactivateExcessDevices keeps the keep most recently seen active bindings
// and deactivates the rest. It returns the deactivated bindings.
func (s *Store) DeactivateExcessDevices(ctx context.Context, licenseID string, keep int) ([]model.Device, error) {
	var dropped []model.Device
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.selectLicense(ctx, tx, "id", licenseID, s.dialect.ForUpdate); err != nil {
			return err
		}

		var active []model.Device
		if err := tx.SelectContext(ctx, &active,
			tx.Rebind("SELECT "+deviceColumns+" FROM devices WHERE license_id = ? AND is_active = ? ORDER BY last_seen_at DESC, id"),
			licenseID, true); err != nil {
			return fmt.Errorf("list active devices: %w", err)
		}
		if len(active) <= keep {
			return nil
		}

		for _, d := range active[keep:] {
			if _, err := tx.ExecContext(ctx,
				tx.Rebind("UPDATE devices SET is_active = ? WHERE id = ?"), false, d.ID); err != nil {
				return fmt.Errorf("deactivate device: %w", err)
			}
			d.IsActive = false
			dropped = append(dropped, d)
		}
		return nil
	})
	return dropped, err
}
