// Package config loads the typed service configuration from viper (flags,
// LICENSEDESK_* environment variables and an optional licensedesk.yaml).
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by viper.
const EnvPrefix = "LICENSEDESK"

// Config is the effective configuration of a licensedesk process.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	License   LicenseConfig   `mapstructure:"license" yaml:"license"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Monitor   MonitorConfig   `mapstructure:"monitor" yaml:"monitor"`
	Webhook   WebhookConfig   `mapstructure:"webhook" yaml:"webhook"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxBodySize     int64         `mapstructure:"max_body_size" yaml:"max_body_size" validate:"min=1024"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// DatabaseConfig selects the SQL driver backing the license store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver" validate:"oneof=sqlite postgres mysql"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// AuthConfig controls bearer tokens for admins and members.
type AuthConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	AdminTokenTTL  time.Duration `mapstructure:"admin_token_ttl" yaml:"admin_token_ttl" validate:"gt=0"`
	MemberTokenTTL time.Duration `mapstructure:"member_token_ttl" yaml:"member_token_ttl" validate:"gt=0"`
}

// LicenseConfig controls key issuance.
type LicenseConfig struct {
	KeyPrefix         string `mapstructure:"key_prefix" yaml:"key_prefix" validate:"required"`
	DefaultMaxDevices int    `mapstructure:"default_max_devices" yaml:"default_max_devices" validate:"min=1"`
	MinAmount         int64  `mapstructure:"min_amount" yaml:"min_amount" validate:"min=0"`
	IdentitySalt      string `mapstructure:"identity_salt" yaml:"identity_salt"`
}

// SessionConfig controls extension sessions.
type SessionConfig struct {
	TTL                    time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"gt=0"`
	AllowedIntegrityHashes []string      `mapstructure:"allowed_integrity_hashes" yaml:"allowed_integrity_hashes"`
}

// MonitorConfig controls the background jobs and their thresholds.
type MonitorConfig struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval           time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	ViolationWindow    time.Duration `mapstructure:"violation_window" yaml:"violation_window" validate:"gt=0"`
	ViolationThreshold int           `mapstructure:"violation_threshold" yaml:"violation_threshold" validate:"min=1"`
	RateLimitWindow    time.Duration `mapstructure:"rate_limit_window" yaml:"rate_limit_window" validate:"gt=0"`
	RateLimitThreshold int           `mapstructure:"rate_limit_threshold" yaml:"rate_limit_threshold" validate:"min=1"`
}

// WebhookConfig authenticates the payment vendor.
type WebhookConfig struct {
	Secret string `mapstructure:"secret" yaml:"secret"`
}

// RateLimitConfig controls the per-IP limiter on extension endpoints.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute" yaml:"requests_per_minute" validate:"min=1"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
}

// defaults are registered with viper as strings so that AllSettings renders
// them the way a user would write them in YAML.
var defaults = map[string]any{
	"server.host":             "0.0.0.0",
	"server.port":             8080,
	"server.shutdown_timeout": "30s",
	"server.max_body_size":    1 << 20,
	"server.cors_origins":     []string{"*"},

	"database.driver":            "sqlite",
	"database.dsn":               "",
	"database.max_open_conns":    25,
	"database.max_idle_conns":    5,
	"database.conn_max_lifetime": "5m",

	"auth.jwt_secret":       "",
	"auth.admin_token_ttl":  "24h",
	"auth.member_token_ttl": "12h",

	"license.key_prefix":          "EXT",
	"license.default_max_devices": 3,
	"license.min_amount":          1000,
	"license.identity_salt":       "",

	"session.ttl":                      "4h",
	"session.allowed_integrity_hashes": []string{},

	"monitor.enabled":              true,
	"monitor.interval":             "5m",
	"monitor.violation_window":     "24h",
	"monitor.violation_threshold":  4,
	"monitor.rate_limit_window":    "1h",
	"monitor.rate_limit_threshold": 5,

	"webhook.secret": "",

	"rate_limit.enabled":             true,
	"rate_limit.requests_per_minute": 60,

	"log.level":  "info",
	"log.format": "text",
}

// SetDefaults registers every configuration key with its default value, so
// that AutomaticEnv can also resolve keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Configure prepares v to read the LICENSEDESK_* environment.
func Configure(v *viper.Viper) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	keyPrefixPattern = regexp.MustCompile(`^[A-Z0-9]{1,16}$`)
	validate         = validator.New(validator.WithRequiredStructEnabled())
)

// ErrMissingSecret is returned by Validate when no token signing secret is set.
var ErrMissingSecret = errors.New("auth.jwt_secret is required (set LICENSEDESK_AUTH_JWT_SECRET)")

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !keyPrefixPattern.MatchString(c.License.KeyPrefix) {
		return fmt.Errorf("invalid config: license.key_prefix %q must match %s", c.License.KeyPrefix, keyPrefixPattern)
	}
	if c.Auth.JWTSecret == "" {
		return ErrMissingSecret
	}
	if c.Database.Driver != "sqlite" && c.Database.DSN == "" {
		return fmt.Errorf("invalid config: database.dsn is required for driver %s", c.Database.Driver)
	}
	return nil
}

// Masked returns a copy of c with secrets replaced, suitable for display.
func (c Config) Masked() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Auth.JWTSecret = mask(c.Auth.JWTSecret)
	c.Webhook.Secret = mask(c.Webhook.Secret)
	c.License.IdentitySalt = mask(c.License.IdentitySalt)
	if c.Database.Driver != "sqlite" {
		c.Database.DSN = mask(c.Database.DSN)
	}
	return c
}
