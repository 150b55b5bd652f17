package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/licensedesk/licensedesk/internal/model"
)

const logColumns = `id, license_id, license_key, action, actor, device_fingerprint, ip_address, metadata, created_at`

// ---------------------------------------------------------------------------
// License activity log
// ---------------------------------------------------------------------------

// AppendLog appends an entry to the activity log. Entries are never updated
// or deleted.
func (s *Store) AppendLog(ctx context.Context, e *model.LogEntry) error {
	return appendLog(ctx, s.db, e)
}

func appendLog(ctx context.Context, ext sqlx.ExtContext, e *model.LogEntry) error {
	if e.ID == "" {
		e.ID = newID()
	}
	e.CreatedAt = utc(e.CreatedAt)
	if e.Metadata == "" {
		e.Metadata = "{}"
	}

	const q = `INSERT INTO license_logs (` + logColumns + `)
		VALUES (:id, :license_id, :license_key, :action, :actor, :device_fingerprint, :ip_address, :metadata, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, ext, q, e); err != nil {
		return fmt.Errorf("append license log: %w", err)
	}
	return nil
}

// ListLogs returns the most recent entries of a license, newest first.
func (s *Store) ListLogs(ctx context.Context, licenseID string, limit int) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []model.LogEntry
	err := s.db.SelectContext(ctx, &out,
		s.q(fmt.Sprintf("SELECT "+logColumns+" FROM license_logs WHERE license_id = ? ORDER BY created_at DESC, id DESC LIMIT %d", limit)),
		licenseID)
	if err != nil {
		return nil, fmt.Errorf("list license logs: %w", err)
	}
	return out, nil
}

// CountLogs returns how many entries with action exist for a license.
func (s *Store) CountLogs(ctx context.Context, licenseID, action string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		s.q("SELECT COUNT(*) FROM license_logs WHERE license_id = ? AND action = ?"), licenseID, action)
	if err != nil {
		return 0, fmt.Errorf("count license logs: %w", err)
	}
	return n, nil
}

// ViolationsOverThreshold aggregates violation entries per active license
// since the given time, ignoring entries older than the license's last status
// change, and returns the licenses with more than threshold entries.
func (s *Store) ViolationsOverThreshold(ctx context.Context, since time.Time, threshold int) ([]model.ViolationCount, error) {
	query, args, err := sqlx.In(`SELECT l.license_id AS license_id, MAX(l.license_key) AS license_key, COUNT(*) AS violations
		FROM license_logs l
		JOIN licenses lic ON lic.id = l.license_id
		WHERE l.action IN (?)
		  AND l.created_at >= ?
		  AND l.created_at >= lic.status_changed_at
		  AND lic.status = ?
		GROUP BY l.license_id
		HAVING COUNT(*) > ?`,
		model.ViolationActions, utc(since), model.LicenseActive, threshold)
	if err != nil {
		return nil, fmt.Errorf("build violation query: %w", err)
	}

	var out []model.ViolationCount
	if err := s.db.SelectContext(ctx, &out, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("count violations: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Rate-limit log
// ---------------------------------------------------------------------------

// RecordRateLimit appends a rejected request to the rate-limit log.
func (s *Store) RecordRateLimit(ctx context.Context, ip, endpoint string, at time.Time) error {
	e := model.RateLimitEntry{ID: newID(), IPAddress: ip, Endpoint: endpoint, CreatedAt: utc(at)}
	const q = `INSERT INTO rate_limit_logs (id, ip_address, endpoint, created_at)
		VALUES (:id, :ip_address, :endpoint, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, q, e); err != nil {
		return fmt.Errorf("record rate limit: %w", err)
	}
	return nil
}

// RateLimitAdvisories groups rate-limit entries since the given time by
// (ip, endpoint) and returns the pairs with at least threshold hits.
func (s *Store) RateLimitAdvisories(ctx context.Context, since time.Time, threshold int) ([]model.RateLimitAdvisory, error) {
	var out []model.RateLimitAdvisory
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT ip_address, endpoint, COUNT(*) AS hits
		FROM rate_limit_logs
		WHERE created_at >= ?
		GROUP BY ip_address, endpoint
		HAVING COUNT(*) >= ?
		ORDER BY hits DESC, ip_address, endpoint`), utc(since), threshold)
	if err != nil {
		return nil, fmt.Errorf("rate limit advisories: %w", err)
	}
	return out, nil
}

// PruneRateLimits deletes rate-limit entries older than before.
func (s *Store) PruneRateLimits(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM rate_limit_logs WHERE created_at < ?"), utc(before))
	if err != nil {
		return 0, fmt.Errorf("prune rate limits: %w", err)
	}
	return rowsAffected(res, "prune rate limits")
}
