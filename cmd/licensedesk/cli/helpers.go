package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/licensedesk/licensedesk/internal/config"
	"github.com/licensedesk/licensedesk/internal/connector"
	"github.com/licensedesk/licensedesk/internal/connector/mysql"
	"github.com/licensedesk/licensedesk/internal/connector/postgres"
	"github.com/licensedesk/licensedesk/internal/connector/sqlite"
	"github.com/licensedesk/licensedesk/internal/store"
)

// actor is recorded in the activity log for changes made from the CLI.
const actor = "cli"

const devSecret = "licensedesk-dev-secret-change-me"

var (
	dataDir string // --data-dir persistent flag
	devMode bool   // --dev persistent flag
)

// resolveDataDir returns the data directory from --data-dir flag,
// LICENSEDESK_DATA_DIR env var, or ~/.licensedesk as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("LICENSEDESK_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".licensedesk")
}

// loadConfig decodes the effective configuration. Commands that never sign
// tokens pass requireSecret=false and run without auth.jwt_secret; --dev
// substitutes a fixed secret.
func loadConfig(requireSecret bool) (*config.Config, error) {
	v := viper.GetViper()
	if v.GetString("auth.jwt_secret") == "" && (devMode || !requireSecret) {
		v.Set("auth.jwt_secret", devSecret)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if devMode {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section. Logs go to
// stderr so that stdout stays clean for JSON output and MCP stdio.
func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// newRegistry creates a connector registry with all supported database drivers registered.
func newRegistry() *connector.Registry {
	registry := connector.NewRegistry()
	registry.RegisterDriver("postgres", func() connector.Connector { return postgres.New() })
	registry.RegisterDriver("mysql", func() connector.Connector { return mysql.New() })
	registry.RegisterDriver("sqlite", func() connector.Connector { return sqlite.New() })
	return registry
}

// openStore connects the configured database and applies migrations. An
// empty SQLite DSN means licensedesk.db under the data directory.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	db := cfg.Database
	if db.Driver == "sqlite" && db.DSN == "" {
		dir := resolveDataDir()
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		db.DSN = "file:" + filepath.Join(dir, "licensedesk.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	conn, err := newRegistry().Open(connector.ConnectionConfig{
		Driver:          db.Driver,
		DSN:             db.DSN,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, conn)
	if err != nil {
		conn.Disconnect()
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Debug("store opened", "driver", db.Driver)
	return st, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readPassword prompts twice on the terminal and returns the password.
func readPassword() (string, error) {
	fmt.Print("Password: ")
	pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Println()

	fmt.Print("Confirm password: ")
	confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}
	fmt.Println()

	if string(pwBytes) != string(confirmBytes) {
		return "", errors.New("passwords do not match")
	}
	return string(pwBytes), nil
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
