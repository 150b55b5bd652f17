package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/licensedesk/licensedesk/internal/device"
	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/metrics"
	"github.com/licensedesk/licensedesk/internal/monitor"
	"github.com/licensedesk/licensedesk/internal/payment"
	"github.com/licensedesk/licensedesk/internal/service"
	"github.com/licensedesk/licensedesk/internal/session"
	"github.com/licensedesk/licensedesk/internal/store"
	"github.com/licensedesk/licensedesk/internal/store/storetest"
	"github.com/licensedesk/licensedesk/internal/subscription"
	"github.com/licensedesk/licensedesk/internal/token"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const testWebhookSecret = "whsec-server-test"

var t0 = time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server *Server
	store  *store.Store
}

// newTestEnv creates a fully wired Server over an in-memory store. mutate
// may adjust the configuration before the router is built.
func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	st := storetest.New(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return t0 }

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

	cfg := DefaultConfig()
	cfg.WebhookSecret = testWebhookSecret
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(cfg, Deps{
		Store:         st,
		Licenses:      reg,
		Devices:       devices,
		Sessions:      sessions,
		Subscriptions: subs,
		Monitor:       monitor.New(st, reg, subs, monitor.Options{Now: clock}, logger),
		Payments:      payment.NewProcessor(st, reg, subs, clock, logger),
		Auth: service.NewAuthService(st, token.NewCodec([]byte("server-test-secret")), service.Options{
			AdminTokenTTL:  time.Hour,
			MemberTokenTTL: time.Hour,
			BcryptCost:     bcrypt.MinCost,
			HashEmail:      reg.HashEmail,
		}, logger),
		Now: clock,
	}, logger)

	return &testEnv{server: srv, store: st}
}

// do executes a request against the server, optionally with headers.
func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// data decodes a success envelope into v.
func data(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Error   string          `json:"error"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rr.Body.String())
	}
	if !env.Success {
		t.Fatalf("request failed: %d %s", rr.Code, env.Error)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Probes and documents
// ---------------------------------------------------------------------------

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("healthz = %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, "GET", "/readyz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("readyz = %d %s", rr.Code, rr.Body.String())
	}

	env.store.Close()
	rr = env.do(t, "GET", "/readyz", nil, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with a closed store = %d, want 503", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	metrics.Get().SessionOpened()

	rr := env.do(t, "GET", "/metrics", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "licensedesk_") {
		t.Error("licensedesk counters missing from /metrics")
	}
}

func TestOpenAPIDocument(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Version = "1.2.3" })

	rr := env.do(t, "GET", "/openapi.json", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("openapi.json = %d", rr.Code)
	}
	var doc struct {
		OpenAPI string `json:"openapi"`
		Info    struct {
			Version string `json:"version"`
		} `json:"info"`
		Servers []struct {
			URL string `json:"url"`
		} `json:"servers"`
		Paths map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.OpenAPI != "3.1.0" || doc.Info.Version != "1.2.3" {
		t.Errorf("header = %s %s", doc.OpenAPI, doc.Info.Version)
	}
	if len(doc.Servers) != 1 || doc.Servers[0].URL != "http://example.com" {
		t.Errorf("servers = %+v", doc.Servers)
	}
	for _, p := range []string{"/api/v1/extension/challenge", "/api/v1/admin/actions", "/api/v1/webhooks/payment"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Errorf("missing path %s", p)
		}
	}
}

// ---------------------------------------------------------------------------
// Envelope and CORS behavior
// ---------------------------------------------------------------------------

func TestPreflightAlwaysNoContent(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/api/v1/extension/challenge", "/api/v1/admin/licenses", "/nowhere"} {
		rr := env.do(t, "OPTIONS", path, nil, map[string]string{
			"Origin":                        "chrome-extension://abcdef",
			"Access-Control-Request-Method": "POST",
		})
		if rr.Code != http.StatusNoContent {
			t.Errorf("OPTIONS %s = %d, want 204", path, rr.Code)
		}
		if rr.Body.Len() != 0 {
			t.Errorf("OPTIONS %s returned a body: %q", path, rr.Body.String())
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("OPTIONS %s Access-Control-Allow-Origin = %q", path, got)
		}
	}
}

func TestUnknownRouteEnvelope(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "GET", "/api/v1/nothing-here", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"error":"not found","success":false}` {
		t.Errorf("body = %s", got)
	}

	rr = env.do(t, "PUT", "/api/v1/extension/challenge", nil, nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT challenge = %d, want 405", rr.Code)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, "GET", "/api/v1/admin/licenses", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxBodySize = 64 })

	rr := env.do(t, "POST", "/api/v1/extension/challenge", map[string]string{
		"device_fingerprint": strings.Repeat("f", 200),
	}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("oversized body = %d, want 400", rr.Code)
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestRateLimitRejectionsAreRecorded(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RateLimitPerMinute = 2 })

	var codes []int
	for i := 0; i < 3; i++ {
		rr := env.do(t, "POST", "/api/v1/extension/challenge", map[string]string{"device_fingerprint": "dev-1"}, nil)
		codes = append(codes, rr.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v, want [200 200 429]", codes)
	}

	adv, err := env.store.RateLimitAdvisories(context.Background(), t0.Add(-time.Minute), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(adv) != 1 || adv[0].Endpoint != "/api/v1/extension/challenge" || adv[0].Count != 1 {
		t.Errorf("advisories = %+v", adv)
	}

	// Admin routes are not limited.
	for i := 0; i < 3; i++ {
		if rr := env.do(t, "GET", "/healthz", nil, nil); rr.Code != http.StatusOK {
			t.Fatalf("healthz limited: %d", rr.Code)
		}
	}
}

func TestRateLimitDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.RateLimitEnabled = false
		c.RateLimitPerMinute = 1
	})
	for i := 0; i < 3; i++ {
		rr := env.do(t, "POST", "/api/v1/extension/challenge", map[string]string{"device_fingerprint": "dev-1"}, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rr.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

// TestPaymentToDeviceCeiling walks a purchase through to the device ceiling:
// a paid webhook issues a key with three devices, three fingerprints open
// sessions and the fourth is refused.
func TestPaymentToDeviceCeiling(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "POST", "/api/v1/webhooks/payment", map[string]any{
		"transaction_id": "txn-e2e",
		"amount":         10700,
		"status":         "paid",
		"customer_email": "a@b.com",
	}, map[string]string{"X-Webhook-Secret": testWebhookSecret})
	if rr.Code != http.StatusOK {
		t.Fatalf("webhook = %d %s", rr.Code, rr.Body.String())
	}
	var issued struct {
		License struct {
			Key        string `json:"license_key"`
			Status     string `json:"status"`
			MaxDevices int    `json:"max_devices"`
		} `json:"license"`
	}
	data(t, rr, &issued)
	if issued.License.Status != "active" || issued.License.MaxDevices != 3 {
		t.Fatalf("issued = %+v", issued.License)
	}
	key := issued.License.Key

	open := func(fp string) *httptest.ResponseRecorder {
		t.Helper()
		rr := env.do(t, "POST", "/api/v1/extension/challenge", map[string]string{"device_fingerprint": fp}, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("challenge %s = %d", fp, rr.Code)
		}
		var c struct {
			Nonce string `json:"nonce"`
			Token string `json:"challenge_token"`
		}
		data(t, rr, &c)
		return env.do(t, "POST", "/api/v1/extension/session", map[string]string{
			"challenge_token":    c.Token,
			"license_key":        key,
			"device_fingerprint": fp,
			"response":           session.Proof(c.Nonce, c.Token, fp, key),
		}, nil)
	}

	rr = open("dev-1")
	if rr.Code != http.StatusCreated {
		t.Fatalf("open dev-1 = %d %s", rr.Code, rr.Body.String())
	}
	var sess struct {
		Token string `json:"session_token"`
	}
	data(t, rr, &sess)

	rr = env.do(t, "POST", "/api/v1/extension/session/validate", map[string]string{"session_token": sess.Token}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("validate = %d %s", rr.Code, rr.Body.String())
	}

	for i := 2; i <= 3; i++ {
		if rr := open(fmt.Sprintf("dev-%d", i)); rr.Code != http.StatusCreated {
			t.Fatalf("open dev-%d = %d %s", i, rr.Code, rr.Body.String())
		}
	}

	rr = open("dev-4")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("open dev-4 = %d, want 403", rr.Code)
	}
	var failed struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &failed); err != nil || failed.Success || failed.Error == "" {
		t.Errorf("dev-4 envelope = %s", rr.Body.String())
	}

	// The first device keeps working after the rejection.
	if rr := open("dev-1"); rr.Code != http.StatusCreated {
		t.Errorf("reopen dev-1 = %d", rr.Code)
	}
}
