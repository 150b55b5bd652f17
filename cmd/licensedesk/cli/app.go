package cli

import (
	"context"
	"log/slog"

	"github.com/licensedesk/licensedesk/internal/config"
	"github.com/licensedesk/licensedesk/internal/device"
	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/monitor"
	"github.com/licensedesk/licensedesk/internal/payment"
	"github.com/licensedesk/licensedesk/internal/service"
	"github.com/licensedesk/licensedesk/internal/session"
	"github.com/licensedesk/licensedesk/internal/store"
	"github.com/licensedesk/licensedesk/internal/subscription"
	"github.com/licensedesk/licensedesk/internal/token"
)

// app is the set of services every command works with, built once from the
// configuration.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store         *store.Store
	licenses      *license.Registry
	devices       *device.Service
	sessions      *session.Service
	subscriptions *subscription.Manager
	monitor       *monitor.Monitor
	payments      *payment.Processor
	auth          *service.AuthService
}

// openApp loads the configuration, opens the store and wires the services.
// The caller must Close the returned app.
func openApp(ctx context.Context, requireSecret bool) (*app, error) {
	cfg, err := loadConfig(requireSecret)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: st}
	a.licenses = license.NewRegistry(st, license.Options{
		KeyPrefix:         cfg.License.KeyPrefix,
		DefaultMaxDevices: cfg.License.DefaultMaxDevices,
		MinAmount:         cfg.License.MinAmount,
		IdentitySalt:      []byte(cfg.License.IdentitySalt),
	}, logger)
	a.devices = device.NewService(st, nil, logger)
	a.sessions = session.NewService(st, a.devices, session.Options{
		TTL:                    cfg.Session.TTL,
		AllowedIntegrityHashes: cfg.Session.AllowedIntegrityHashes,
	}, logger)
	a.subscriptions = subscription.NewManager(st, a.licenses, nil, logger)
	a.monitor = monitor.New(st, a.licenses, a.subscriptions, monitor.Options{
		Interval:           cfg.Monitor.Interval,
		ViolationWindow:    cfg.Monitor.ViolationWindow,
		ViolationThreshold: cfg.Monitor.ViolationThreshold,
		RateLimitWindow:    cfg.Monitor.RateLimitWindow,
		RateLimitThreshold: cfg.Monitor.RateLimitThreshold,
	}, logger)
	a.payments = payment.NewProcessor(st, a.licenses, a.subscriptions, nil, logger)
	a.auth = service.NewAuthService(st, token.NewCodec([]byte(cfg.Auth.JWTSecret)), service.Options{
		AdminTokenTTL:  cfg.Auth.AdminTokenTTL,
		MemberTokenTTL: cfg.Auth.MemberTokenTTL,
		HashEmail:      a.licenses.HashEmail,
	}, logger)
	return a, nil
}

// Close waits for background purges and closes the store.
func (a *app) Close() error {
	a.sessions.Wait()
	return a.store.Close()
}
