// Package storetest opens throwaway in-memory stores for tests.
package storetest

import (
	"context"
	"testing"

	"github.com/licensedesk/licensedesk/internal/connector"
	"github.com/licensedesk/licensedesk/internal/connector/sqlite"
	"github.com/licensedesk/licensedesk/internal/store"
)

// New returns a migrated in-memory SQLite store closed at test cleanup.
func New(t testing.TB) *store.Store {
	t.Helper()
	conn := sqlite.New()
	if err := conn.Connect(connector.ConnectionConfig{Driver: "sqlite"}); err != nil {
		t.Fatalf("connect sqlite: %v", err)
	}
	s, err := store.Open(context.Background(), conn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
