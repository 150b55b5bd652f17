package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/licensedesk/licensedesk/internal/device"
	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/monitor"
	"github.com/licensedesk/licensedesk/internal/payment"
	"github.com/licensedesk/licensedesk/internal/server/middleware"
	"github.com/licensedesk/licensedesk/internal/service"
	"github.com/licensedesk/licensedesk/internal/session"
	"github.com/licensedesk/licensedesk/internal/store"
	"github.com/licensedesk/licensedesk/internal/store/storetest"
	"github.com/licensedesk/licensedesk/internal/subscription"
	"github.com/licensedesk/licensedesk/internal/token"
)

const (
	testWebhookSecret = "whsec-test"
	testPassword      = "supersecretpassword"
)

var t0 = time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store    *store.Store
	licenses *license.Registry
	subs     *subscription.Manager
	sessions *session.Service
	payments *payment.Processor
	authSvc  *service.AuthService
	router   chi.Router
	now      *time.Time
}

// newTestEnv wires every handler over an in-memory store, with the real
// authentication middleware in front of the admin and member routes.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := storetest.New(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := t0
	clock := func() time.Time { return now }

	reg := license.NewRegistry(st, license.Options{
		KeyPrefix:         "EXT",
		DefaultMaxDevices: 3,
		MinAmount:         1000,
		IdentitySalt:      []byte("salt"),
		BcryptCost:        bcrypt.MinCost,
		Now:               clock,
	}, logger)
	devices := device.NewService(st, clock, logger)
	sessions := session.NewService(st, devices, session.Options{TTL: time.Hour, Now: clock}, logger)
	t.Cleanup(sessions.Wait)
	subs := subscription.NewManager(st, reg, clock, logger)
	mon := monitor.New(st, reg, subs, monitor.Options{Now: clock}, logger)
	payments := payment.NewProcessor(st, reg, subs, clock, logger)
	authSvc := service.NewAuthService(st, token.NewCodec([]byte("handler-test-secret")), service.Options{
		AdminTokenTTL:  time.Hour,
		MemberTokenTTL: time.Hour,
		BcryptCost:     bcrypt.MinCost,
		HashEmail:      reg.HashEmail,
	}, logger)

	sys := NewSystemHandler(authSvc, time.Hour, logger)
	ext := NewExtensionHandler(sessions, clock, logger)
	admin := NewAdminHandler(reg, devices, subs, mon, logger)
	member := NewMemberHandler(authSvc, reg, subs, time.Hour, logger)
	hook := NewWebhookHandler(payments, testWebhookSecret, logger)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/system/admin/session", sys.Login)
		r.Delete("/system/admin/session", sys.Logout)
		r.Post("/webhooks/payment", hook.Payment)

		r.Post("/extension/challenge", ext.Challenge)
		r.Post("/extension/session", ext.OpenSession)
		r.Delete("/extension/session", ext.EndSession)
		r.Post("/extension/session/validate", ext.ValidateSession)
		r.Post("/extension/heartbeat", ext.Heartbeat)
		r.Post("/extension/violation", ext.ReportViolation)

		r.Post("/member/session", member.Login)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(authSvc), middleware.RequireMember())
			r.Get("/member/licenses", member.Licenses)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.Authenticate(authSvc), middleware.RequireAdmin())
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

	return &testEnv{
		store:    st,
		licenses: reg,
		subs:     subs,
		sessions: sessions,
		payments: payments,
		authSvc:  authSvc,
		router:   r,
		now:      &now,
	}
}

// adminToken creates an admin account and returns a bearer token for it.
func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	if _, err := e.authSvc.CreateAdmin(ctx, "ops", testPassword); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	tok, _, err := e.authSvc.Login(ctx, "ops", testPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return tok
}

// issue creates an active license through a paid webhook.
func (e *testEnv) issue(t *testing.T, txn, email string) *model.License {
	t.Helper()
	res, err := e.payments.Process(context.Background(), payment.Webhook{
		TransactionID: txn, Amount: 10700, Status: "paid", CustomerEmail: email,
	})
	if err != nil || res.License == nil {
		t.Fatalf("issue %s: %v %+v", txn, err, res)
	}
	return res.License
}

// do executes an HTTP request against the test router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = toJSON(t, body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func toJSON(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

// decodeData decodes a success envelope and unmarshals its data into v.
func decodeData(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Error   string          `json:"error"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if !env.Success {
		t.Fatalf("envelope not successful: %q", env.Error)
	}
	if v != nil {
		if err := json.Unmarshal(env.Data, v); err != nil {
			t.Fatalf("decode data: %v (%s)", err, env.Data)
		}
	}
}

// decodeError decodes a failed envelope and returns its message.
func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var env model.Envelope
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Success || env.Error == "" {
		t.Fatalf("expected failed envelope, got %+v", env)
	}
	return env.Error
}
