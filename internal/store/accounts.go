package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/licensedesk/licensedesk/internal/model"
)

const (
	adminColumns  = `id, username, password_hash, is_active, last_login_at, created_at, updated_at`
	memberColumns = `id, email, email_hash, password_hash, created_at, updated_at`
)

// ---------------------------------------------------------------------------
// Admins
// ---------------------------------------------------------------------------

// CreateAdmin inserts a new admin account.
func (s *Store) CreateAdmin(ctx context.Context, admin *model.Admin) error {
	if admin.ID == "" {
		admin.ID = newID()
	}
	now := time.Now().UTC()
	admin.CreatedAt = now
	admin.UpdatedAt = now

	const q = `INSERT INTO admins (` + adminColumns + `)
		VALUES (:id, :username, :password_hash, :is_active, :last_login_at, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, q, admin); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert admin: %w", err)
	}
	return nil
}

// GetAdminByUsername returns an admin by username.
func (s *Store) GetAdminByUsername(ctx context.Context, username string) (*model.Admin, error) {
	var a model.Admin
	err := s.db.GetContext(ctx, &a, s.q("SELECT "+adminColumns+" FROM admins WHERE username = ?"), username)
	if err != nil {
		return nil, notFound(err, "get admin")
	}
	return &a, nil
}

// ListAdmins returns all admin accounts.
func (s *Store) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	var out []model.Admin
	if err := s.db.SelectContext(ctx, &out, "SELECT "+adminColumns+" FROM admins ORDER BY username"); err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	return out, nil
}

// HasAnyAdmin returns true if at least one admin account exists.
func (s *Store) HasAnyAdmin(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM admins"); err != nil {
		return false, fmt.Errorf("count admins: %w", err)
	}
	return n > 0, nil
}

// UpdateAdminLastLogin sets last_login_at to the current time.
func (s *Store) UpdateAdminLastLogin(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE admins SET last_login_at = ?, updated_at = ? WHERE id = ?"), now, now, id)
	if err != nil {
		return fmt.Errorf("update admin last login: %w", err)
	}
	n, err := rowsAffected(res, "update admin last login")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAdminPassword replaces an admin's password hash.
func (s *Store) UpdateAdminPassword(ctx context.Context, username, hash string) error {
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE admins SET password_hash = ?, updated_at = ? WHERE username = ?"),
		hash, time.Now().UTC(), username)
	if err != nil {
		return fmt.Errorf("update admin password: %w", err)
	}
	n, err := rowsAffected(res, "update admin password")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Members
// ---------------------------------------------------------------------------

// EnsureMember returns the member with this email, creating one without a
// password when none exists.
func (s *Store) EnsureMember(ctx context.Context, email, emailHash string, at time.Time) (*model.Member, error) {
	for attempt := 0; attempt < 2; attempt++ {
		m, err := s.GetMemberByEmailHash(ctx, emailHash)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		at = utc(at)
		m = &model.Member{ID: newID(), Email: email, EmailHash: emailHash, CreatedAt: at, UpdatedAt: at}
		const q = `INSERT INTO members (` + memberColumns + `)
			VALUES (:id, :email, :email_hash, :password_hash, :created_at, :updated_at)`
		if _, err := s.db.NamedExecContext(ctx, q, m); err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return nil, fmt.Errorf("insert member: %w", err)
		}
		return m, nil
	}
	return nil, ErrConflict
}

// GetMember returns a member by ID.
func (s *Store) GetMember(ctx context.Context, id string) (*model.Member, error) {
	var m model.Member
	if err := s.db.GetContext(ctx, &m, s.q("SELECT "+memberColumns+" FROM members WHERE id = ?"), id); err != nil {
		return nil, notFound(err, "get member")
	}
	return &m, nil
}

// GetMemberByEmailHash returns a member by the keyed hash of their email.
func (s *Store) GetMemberByEmailHash(ctx context.Context, emailHash string) (*model.Member, error) {
	var m model.Member
	err := s.db.GetContext(ctx, &m, s.q("SELECT "+memberColumns+" FROM members WHERE email_hash = ?"), emailHash)
	if err != nil {
		return nil, notFound(err, "get member by email")
	}
	return &m, nil
}

// SetMemberPassword replaces a member's password hash.
func (s *Store) SetMemberPassword(ctx context.Context, id, hash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE members SET password_hash = ?, updated_at = ? WHERE id = ?"), hash, utc(at), id)
	if err != nil {
		return fmt.Errorf("set member password: %w", err)
	}
	n, err := rowsAffected(res, "set member password")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
