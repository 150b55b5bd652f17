package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/licensedesk/licensedesk/internal/device"
	"github.com/licensedesk/licensedesk/internal/handler"
	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/monitor"
	"github.com/licensedesk/licensedesk/internal/openapi"
	"github.com/licensedesk/licensedesk/internal/payment"
	"github.com/licensedesk/licensedesk/internal/server/middleware"
	"github.com/licensedesk/licensedesk/internal/service"
	"github.com/licensedesk/licensedesk/internal/session"
	"github.com/licensedesk/licensedesk/internal/store"
	"github.com/licensedesk/licensedesk/internal/subscription"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host               string
	Port               int
	ShutdownTimeout    time.Duration
	CORSOrigins        []string
	MaxBodySize        int64 // bytes
	RateLimitEnabled   bool
	RateLimitPerMinute int
	AdminTokenTTL      time.Duration
	MemberTokenTTL     time.Duration
	WebhookSecret      string
	Version            string
	RunMonitor         bool // start the background monitor in ListenAndServe
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		ShutdownTimeout:    30 * time.Second,
		CORSOrigins:        []string{"*"},
		MaxBodySize:        1 << 20, // 1MB
		RateLimitEnabled:   true,
		RateLimitPerMinute: 60,
		AdminTokenTTL:      24 * time.Hour,
		MemberTokenTTL:     12 * time.Hour,
		Version:            "dev",
		RunMonitor:         true,
	}
}

// Deps are the services the HTTP surface dispatches to.
type Deps struct {
	Store         *store.Store
	Licenses      *license.Registry
	Devices       *device.Service
	Sessions      *session.Service
	Subscriptions *subscription.Manager
	Monitor       *monitor.Monitor
	Payments      *payment.Processor
	Auth          *service.AuthService
	Now           func() time.Time
}

// Server is the top-level HTTP server. It owns the chi router and the
// lifecycle of the background monitor.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:     s.cfg.CORSOrigins,
		AllowedMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:     []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", handler.WebhookSecretHeader},
		ExposedHeaders:     []string{"X-Request-ID"},
		AllowCredentials:   false,
		MaxAge:             300,
		OptionsPassthrough: true,
	}))
	r.Use(middleware.Preflight)
	r.Use(s.limitBody)

	// --- Health, metrics and API description (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.json", s.handleOpenAPI)

	sys := handler.NewSystemHandler(s.deps.Auth, s.cfg.AdminTokenTTL, s.logger)
	ext := handler.NewExtensionHandler(s.deps.Sessions, s.deps.Now, s.logger)
	admin := handler.NewAdminHandler(s.deps.Licenses, s.deps.Devices, s.deps.Subscriptions, s.deps.Monitor, s.logger)
	member := handler.NewMemberHandler(s.deps.Auth, s.deps.Licenses, s.deps.Subscriptions, s.cfg.MemberTokenTTL, s.logger)
	hook := handler.NewWebhookHandler(s.deps.Payments, s.cfg.WebhookSecret, s.logger)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/system/admin/session", sys.Login)
		r.Delete("/system/admin/session", sys.Logout)

		r.Post("/webhooks/payment", hook.Payment)

		r.Route("/extension", func(r chi.Router) {
			if s.cfg.RateLimitEnabled {
				r.Use(middleware.RateLimit(s.cfg.RateLimitPerMinute, s.recordRateLimit))
			}
			r.Post("/challenge", ext.Challenge)
			r.Post("/session", ext.OpenSession)
			r.Delete("/session", ext.EndSession)
			r.Post("/session/validate", ext.ValidateSession)
			r.Post("/heartbeat", ext.Heartbeat)
			r.Post("/violation", ext.ReportViolation)
		})

		r.Route("/member", func(r chi.Router) {
			r.Post("/session", member.Login)
			r.Group(func(r chi.Router) {
				r.Use(middleware.Authenticate(s.deps.Auth))
				r.Use(middleware.RequireMember())
				r.Get("/licenses", member.Licenses)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.Authenticate(s.deps.Auth))
			r.Use(middleware.RequireAdmin())

			r.Get("/licenses", admin.ListLicenses)
			r.Post("/licenses", admin.CreateLicenses)
			r.Get("/licenses/{licenseId}", admin.GetLicense)
			r.Patch("/licenses/{licenseId}", admin.UpdateLicense)
			r.Get("/licenses/{licenseId}/logs", admin.LicenseLogs)
			r.Get("/licenses/{licenseId}/devices", admin.LicenseDevices)
			r.Post("/actions", admin.Action)
			r.Get("/stats", admin.Stats)

			r.Get("/subscriptions", admin.ListSubscriptions)
			r.Get("/subscriptions/{subscriptionId}", admin.GetSubscription)

			r.Get("/advisories", admin.Advisories)
			r.Post("/jobs/run", admin.RunJobs)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.router = r
}

// limitBody caps request bodies at cfg.MaxBodySize.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MaxBodySize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// recordRateLimit stores a limiter rejection for the advisories job. It is
// best effort: a failed insert is logged and the 429 still goes out.
func (s *Server) recordRateLimit(r *http.Request) {
	ip := middleware.ClientIP(r)
	if err := s.deps.Store.RecordRateLimit(r.Context(), ip, r.URL.Path, s.deps.Now()); err != nil {
		s.logger.Warn("failed to record rate limit", "ip", ip, "path", r.URL.Path, "error", err)
	}
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the store answers a
// ping, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status, httpStatus := "ok", http.StatusOK
	checks := map[string]string{"store": "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		checks["store"] = "error: " + err.Error()
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

// handleOpenAPI serves the API description, using the request's host as
// the server URL.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	doc := openapi.Generate(scheme+"://"+r.Host, s.cfg.Version, openapi.Routes)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

func writeEnvelope(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}

// ListenAndServe starts the HTTP server and the background monitor, and
// blocks until a SIGINT or SIGTERM is received. It then drains in-flight
// requests, stops the monitor and waits for background purges.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runMonitor := s.cfg.RunMonitor && s.deps.Monitor != nil
	if runMonitor {
		s.deps.Monitor.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var listenErr error
	select {
	case err := <-errCh:
		listenErr = fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if listenErr == nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			listenErr = fmt.Errorf("server shutdown: %w", err)
		}
	}
	if runMonitor {
		s.deps.Monitor.Shutdown()
	}
	if s.deps.Sessions != nil {
		s.deps.Sessions.Wait()
	}
	if listenErr == nil {
		s.logger.Info("server stopped")
	}
	return listenErr
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
