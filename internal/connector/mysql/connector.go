package mysql

import (
	"context"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/licensedesk/licensedesk/internal/connector"
)

// MySQLConnector implements connector.Connector for MySQL databases.
type MySQLConnector struct {
	db *sqlx.DB
}

// New creates a new MySQLConnector.
func New() connector.Connector {
	return &MySQLConnector{}
}

// Connect establishes a connection to the MySQL database. DATETIME columns
// are always scanned into time.Time in UTC regardless of the DSN flags.
func (c *MySQLConnector) Connect(cfg connector.ConnectionConfig) error {
	parsed, err := mysqldriver.ParseDSN(cfg.DSN)
	if err != nil {
		return fmt.Errorf("mysql dsn: %w", err)
	}
	parsed.ParseTime = true
	parsed.Loc = time.UTC

	db, err := sqlx.Connect("mysql", parsed.FormatDSN())
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	connector.ApplyPool(db, cfg)

	c.db = db
	return nil
}

// Disconnect closes the database connection pool.
func (c *MySQLConnector) Disconnect() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping verifies the database connection is alive.
func (c *MySQLConnector) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sqlx.DB connection pool.
func (c *MySQLConnector) DB() *sqlx.DB {
	return c.db
}

// DriverName returns the driver identifier for MySQL.
func (c *MySQLConnector) DriverName() string { return "mysql" }

// Dialect returns the MySQL column types.
func (c *MySQLConnector) Dialect() connector.Dialect {
	return connector.Dialect{
		Name:      "mysql",
		Timestamp: "DATETIME(6)",
		Bool:      "BOOLEAN",
		Key:       "VARCHAR(255)",
		ForUpdate: " FOR UPDATE",
	}
}
