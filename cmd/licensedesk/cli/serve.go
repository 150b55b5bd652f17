package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/licensedesk/licensedesk/internal/config"
	"github.com/licensedesk/licensedesk/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		port      int
		host      string
		noMonitor bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the licensedesk API server",
		Long: `Start the HTTP server exposing the extension, admin, member and webhook APIs.
The background monitor (subscription sweep, auto-suspend, purges) runs in the
same process unless --no-monitor is given or monitor.enabled is false.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(noMonitor)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&noMonitor, "no-monitor", false, "Do not run the background jobs in this process")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(noMonitor bool) error {
	ctx := context.Background()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	if devMode && cfg.Auth.JWTSecret == devSecret {
		logger.Warn("using the development token secret; set " + config.EnvPrefix + "_AUTH_JWT_SECRET in production")
	}
	if cfg.Webhook.Secret == "" {
		logger.Warn("webhook.secret is empty; payment webhooks will be rejected")
	}

	hasAdmin, err := a.store.HasAnyAdmin(ctx)
	if err != nil {
		logger.Warn("failed to check for admin", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no admin account found - run: licensedesk admin create")
	}

	deps := server.Deps{
		Store:         a.store,
		Licenses:      a.licenses,
		Devices:       a.devices,
		Sessions:      a.sessions,
		Subscriptions: a.subscriptions,
		Monitor:       a.monitor,
		Payments:      a.payments,
		Auth:          a.auth,
	}

	srv := server.New(server.Config{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		ShutdownTimeout:    cfg.Server.ShutdownTimeout,
		CORSOrigins:        cfg.Server.CORSOrigins,
		MaxBodySize:        cfg.Server.MaxBodySize,
		RateLimitEnabled:   cfg.RateLimit.Enabled,
		RateLimitPerMinute: cfg.RateLimit.RequestsPerMinute,
		AdminTokenTTL:      cfg.Auth.AdminTokenTTL,
		MemberTokenTTL:     cfg.Auth.MemberTokenTTL,
		WebhookSecret:      cfg.Webhook.Secret,
		Version:            versionString(),
		RunMonitor:         cfg.Monitor.Enabled && !noMonitor,
	}, deps, logger)

	base := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ licensedesk %s\n", versionString())
	fmt.Printf("→ Listening on %s\n", base)
	fmt.Printf("→ OpenAPI:    %s/openapi.json\n", base)
	fmt.Printf("→ Health:     %s/healthz\n", base)
	fmt.Printf("→ Metrics:    %s/metrics\n", base)
	fmt.Printf("→ Database:   %s\n", cfg.Database.Driver)
	fmt.Println()

	return srv.ListenAndServe()
}
