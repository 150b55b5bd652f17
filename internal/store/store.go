package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/licensedesk/licensedesk/internal/connector"
)

// Store persists licenses, devices, challenges, sessions, subscriptions and
// the activity log. It is the only shared mutable resource of the service;
// every invariant that spans concurrent requests is enforced here with
// unique constraints, conditional updates or row locks.
type Store struct {
	conn    connector.Connector
	db      *sqlx.DB
	dialect connector.Dialect
}

// Open wraps an already connected connector and migrates its schema.
func Open(ctx context.Context, conn connector.Connector) (*Store, error) {
	s := &Store{conn: conn, db: conn.DB(), dialect: conn.Dialect()}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate license database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Disconnect()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Driver returns the name of the SQL driver backing the store.
func (s *Store) Driver() string {
	return s.dialect.Name
}

// q rebinds a '?' query to the driver's placeholder style.
func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

// newID returns a time-ordered UUID v7 string, falling back to v4.
func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// inTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", what, err)
}

func rowsAffected(res sql.Result, what string) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", what, err)
	}
	return n, nil
}
