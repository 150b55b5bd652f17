package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/licensedesk/licensedesk/internal/connector"
)

// SQLiteConnector implements connector.Connector for SQLite databases.
type SQLiteConnector struct {
	db *sqlx.DB
}

// New creates a new SQLiteConnector.
func New() connector.Connector {
	return &SQLiteConnector{}
}

// Connect opens the SQLite database file named by the DSN, or an in-memory
// database when the DSN is empty. Timestamps are written in SQLite's own
// format so that lexical comparison in queries follows time order.
func (c *SQLiteConnector) Connect(cfg connector.ConnectionConfig) error {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = ":memory:?_journal_mode=WAL"
	}
	if !strings.Contains(dsn, "_time_format=") {
		if strings.Contains(dsn, "?") {
			dsn += "&_time_format=sqlite"
		} else {
			dsn += "?_time_format=sqlite"
		}
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("sqlite connect: %w", err)
	}

	// SQLite doesn't support concurrent writes; a single connection also
	// keeps an in-memory database alive for the life of the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	c.db = db
	return nil
}

// Disconnect closes the database connection.
func (c *SQLiteConnector) Disconnect() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping verifies the database connection is alive.
func (c *SQLiteConnector) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sqlx.DB connection pool.
func (c *SQLiteConnector) DB() *sqlx.DB {
	return c.db
}

// DriverName returns the driver identifier for SQLite.
func (c *SQLiteConnector) DriverName() string { return "sqlite" }

// Dialect returns the SQLite column types. Row locks are unnecessary because
// the pool holds a single connection.
func (c *SQLiteConnector) Dialect() connector.Dialect {
	return connector.Dialect{
		Name:      "sqlite",
		Timestamp: "DATETIME",
		Bool:      "INTEGER",
		Key:       "TEXT",
	}
}
