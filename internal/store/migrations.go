package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// migrations are applied in order, once each. Column types are written as
// placeholders and rendered per dialect: {{key}} for identifiers and short
// strings, {{ts}} for timestamps and {{bool}} for flags. Append only.
var migrations = []string{
	`CREATE TABLE licenses (
		id {{key}} PRIMARY KEY,
		license_key {{key}} NOT NULL UNIQUE,
		status {{key}} NOT NULL,
		origin {{key}} NOT NULL,
		max_devices INTEGER NOT NULL,
		transaction_id {{key}} NULL UNIQUE,
		customer_email_hash {{key}} NOT NULL,
		customer_document_hash {{key}} NOT NULL,
		activated_at {{ts}} NULL,
		status_changed_at {{ts}} NOT NULL,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX idx_licenses_status ON licenses(status)`,
	`CREATE INDEX idx_licenses_email_hash ON licenses(customer_email_hash)`,

	`CREATE TABLE devices (
		id {{key}} PRIMARY KEY,
		license_id {{key}} NOT NULL REFERENCES licenses(id),
		fingerprint {{key}} NOT NULL,
		name {{key}} NOT NULL,
		is_active {{bool}} NOT NULL,
		ip_address {{key}} NOT NULL,
		first_seen_at {{ts}} NOT NULL,
		last_seen_at {{ts}} NOT NULL,
		UNIQUE(license_id, fingerprint)
	)`,

	`CREATE TABLE challenges (
		id {{key}} PRIMARY KEY,
		challenge_token {{key}} NOT NULL UNIQUE,
		nonce {{key}} NOT NULL,
		device_fingerprint {{key}} NOT NULL,
		extension_id {{key}} NOT NULL,
		expires_at {{ts}} NOT NULL,
		used {{bool}} NOT NULL,
		created_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX idx_challenges_expires ON challenges(expires_at)`,

	`CREATE TABLE sessions (
		id {{key}} PRIMARY KEY,
		session_token {{key}} NOT NULL UNIQUE,
		license_id {{key}} NOT NULL REFERENCES licenses(id),
		device_fingerprint {{key}} NOT NULL,
		integrity_hash {{key}} NOT NULL,
		created_at {{ts}} NOT NULL,
		last_heartbeat {{ts}} NOT NULL,
		expires_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX idx_sessions_expires ON sessions(expires_at)`,

	`CREATE TABLE subscriptions (
		id {{key}} PRIMARY KEY,
		license_id {{key}} NOT NULL UNIQUE REFERENCES licenses(id),
		customer_email_hash {{key}} NOT NULL,
		product_type {{key}} NOT NULL,
		plan_type {{key}} NOT NULL,
		status {{key}} NOT NULL,
		amount BIGINT NOT NULL,
		started_at {{ts}} NOT NULL,
		current_period_start {{ts}} NOT NULL,
		current_period_end {{ts}} NOT NULL,
		next_billing_date {{ts}} NOT NULL,
		cancelled_at {{ts}} NULL,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX idx_subscriptions_status_end ON subscriptions(status, current_period_end)`,

	`CREATE TABLE subscription_payments (
		id {{key}} PRIMARY KEY,
		subscription_id {{key}} NOT NULL REFERENCES subscriptions(id),
		transaction_id {{key}} NOT NULL UNIQUE,
		amount BIGINT NOT NULL,
		period_start {{ts}} NOT NULL,
		period_end {{ts}} NOT NULL,
		paid_at {{ts}} NOT NULL
	)`,

	`CREATE TABLE transactions (
		id {{key}} PRIMARY KEY,
		external_id {{key}} NOT NULL UNIQUE,
		amount BIGINT NOT NULL,
		status {{key}} NOT NULL,
		customer_email_hash {{key}} NOT NULL,
		customer_document_hash {{key}} NOT NULL,
		plan_type {{key}} NOT NULL,
		product_type {{key}} NOT NULL,
		is_subscription {{bool}} NOT NULL,
		paid_at {{ts}} NULL,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,

	`CREATE TABLE license_logs (
		id {{key}} PRIMARY KEY,
		license_id {{key}} NOT NULL REFERENCES licenses(id),
		license_key {{key}} NOT NULL,
		action {{key}} NOT NULL,
		actor {{key}} NOT NULL,
		device_fingerprint {{key}} NOT NULL,
		ip_address {{key}} NOT NULL,
		metadata TEXT NOT NULL,
		created_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX idx_license_logs_license ON license_logs(license_id, created_at)`,
	`CREATE INDEX idx_license_logs_action ON license_logs(action, created_at)`,

	`CREATE TABLE rate_limit_logs (
		id {{key}} PRIMARY KEY,
		ip_address {{key}} NOT NULL,
		endpoint {{key}} NOT NULL,
		created_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX idx_rate_limit_logs_created ON rate_limit_logs(created_at)`,

	`CREATE TABLE admins (
		id {{key}} PRIMARY KEY,
		username {{key}} NOT NULL UNIQUE,
		password_hash {{key}} NOT NULL,
		is_active {{bool}} NOT NULL,
		last_login_at {{ts}} NULL,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,

	`CREATE TABLE members (
		id {{key}} PRIMARY KEY,
		email {{key}} NOT NULL UNIQUE,
		email_hash {{key}} NOT NULL UNIQUE,
		password_hash {{key}} NOT NULL,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	render := strings.NewReplacer(
		"{{key}}", s.dialect.Key,
		"{{ts}}", s.dialect.Timestamp,
		"{{bool}}", s.dialect.Bool,
	)

	create := render.Replace(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at {{ts}} NOT NULL
	)`)
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var applied []int
	if err := s.db.SelectContext(ctx, &applied, "SELECT version FROM schema_migrations"); err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	for i, m := range migrations {
		version := i + 1
		if done[version] {
			continue
		}
		stmt := render.Replace(m)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w\nSQL: %s", version, err, stmt)
		}
		if _, err := s.db.ExecContext(ctx,
			s.q("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"),
			version, time.Now().UTC()); err != nil {
			return fmt.Errorf("record migration %d: %w", version, err)
		}
	}
	return nil
}
