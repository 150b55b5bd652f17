package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/session"
)

type challengeData struct {
	Nonce          string    `json:"nonce"`
	ChallengeToken string    `json:"challenge_token"`
	ExpiresAt      time.Time `json:"expires_at"`
	ServerTime     time.Time `json:"server_time"`
}

type sessionData struct {
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	License      *struct {
		Key    string              `json:"license_key"`
		Status model.LicenseStatus `json:"status"`
	} `json:"license"`
}

func (e *testEnv) challenge(t *testing.T, fp string) challengeData {
	t.Helper()
	rr := e.do(t, "POST", "/api/v1/extension/challenge", "", map[string]string{"device_fingerprint": fp})
	assertStatus(t, rr, http.StatusOK)
	var c challengeData
	decodeData(t, rr, &c)
	return c
}

func (e *testEnv) redeem(t *testing.T, key, fp string) *httptest.ResponseRecorder {
	t.Helper()
	c := e.challenge(t, fp)
	return e.do(t, "POST", "/api/v1/extension/session", "", map[string]string{
		"challenge_token":    c.ChallengeToken,
		"license_key":        key,
		"device_fingerprint": fp,
		"response":           session.Proof(c.Nonce, c.ChallengeToken, fp, key),
	})
}

func TestChallengeResponseShape(t *testing.T) {
	env := newTestEnv(t)
	c := env.challenge(t, "dev-1")

	if len(c.Nonce) != 64 || c.ChallengeToken == "" {
		t.Fatalf("challenge = %+v", c)
	}
	if !c.ServerTime.Equal(t0) || !c.ExpiresAt.Equal(t0.Add(60*time.Second)) {
		t.Errorf("server_time %v expires_at %v", c.ServerTime, c.ExpiresAt)
	}

	rr := env.do(t, "POST", "/api/v1/extension/challenge", "", map[string]string{})
	assertStatus(t, rr, http.StatusBadRequest)
	decodeError(t, rr)
}

func TestExtensionSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	lic := env.issue(t, "txn-ext", "a@b.com")

	rr := env.redeem(t, lic.Key, "dev-1")
	assertStatus(t, rr, http.StatusCreated)
	var opened sessionData
	decodeData(t, rr, &opened)
	if opened.SessionToken == "" {
		t.Fatal("no session token")
	}

	body := map[string]string{"session_token": opened.SessionToken}
	rr = env.do(t, "POST", "/api/v1/extension/session/validate", "", body)
	assertStatus(t, rr, http.StatusOK)
	var validated sessionData
	decodeData(t, rr, &validated)
	if validated.License == nil || validated.License.Key != lic.Key || validated.License.Status != model.LicenseActive {
		t.Fatalf("validate data = %+v", validated)
	}

	*env.now = t0.Add(10 * time.Minute)
	rr = env.do(t, "POST", "/api/v1/extension/heartbeat", "", body)
	assertStatus(t, rr, http.StatusOK)

	rr = env.do(t, "DELETE", "/api/v1/extension/session", "", body)
	assertStatus(t, rr, http.StatusOK)

	rr = env.do(t, "POST", "/api/v1/extension/session/validate", "", body)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestOpenSessionRejections(t *testing.T) {
	env := newTestEnv(t)
	lic := env.issue(t, "txn-rej", "a@b.com")

	t.Run("device limit", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			assertStatus(t, env.redeem(t, lic.Key, fmt.Sprintf("dev-%d", i)), http.StatusCreated)
		}
		rr := env.redeem(t, lic.Key, "dev-4")
		assertStatus(t, rr, http.StatusForbidden)
		decodeError(t, rr)
	})

	t.Run("unknown license", func(t *testing.T) {
		assertStatus(t, env.redeem(t, "EXT-ZZZZ-ZZZZ-ZZZZ", "dev-1"), http.StatusNotFound)
	})

	t.Run("bad proof", func(t *testing.T) {
		c := env.challenge(t, "dev-1")
		rr := env.do(t, "POST", "/api/v1/extension/session", "", map[string]string{
			"challenge_token":    c.ChallengeToken,
			"license_key":        lic.Key,
			"device_fingerprint": "dev-1",
			"response":           "00ff",
		})
		assertStatus(t, rr, http.StatusUnauthorized)
	})

	t.Run("prefixed proof", func(t *testing.T) {
		c := env.challenge(t, "dev-1")
		rr := env.do(t, "POST", "/api/v1/extension/session", "", map[string]string{
			"challenge_token":    c.ChallengeToken,
			"license_key":        lic.Key,
			"device_fingerprint": "dev-1",
			"response":           "0x" + session.Proof(c.Nonce, c.ChallengeToken, "dev-1", lic.Key),
		})
		assertStatus(t, rr, http.StatusUnauthorized)
	})

	t.Run("suspended license", func(t *testing.T) {
		if _, err := env.licenses.SetStatus(context.Background(), lic.ID, model.LicenseSuspended, "ops"); err != nil {
			t.Fatal(err)
		}
		assertStatus(t, env.redeem(t, lic.Key, "dev-1"), http.StatusForbidden)
	})
}

func TestReportViolation(t *testing.T) {
	env := newTestEnv(t)
	lic := env.issue(t, "txn-vio", "a@b.com")

	rr := env.redeem(t, lic.Key, "dev-1")
	assertStatus(t, rr, http.StatusCreated)
	var opened sessionData
	decodeData(t, rr, &opened)

	rr = env.do(t, "POST", "/api/v1/extension/violation", "", map[string]any{
		"session_token": opened.SessionToken,
		"type":          "not_a_violation",
	})
	assertStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "POST", "/api/v1/extension/violation", "", map[string]any{
		"session_token": opened.SessionToken,
		"type":          model.ActionDebugDetected,
		"details":       map[string]any{"devtools": true},
	})
	assertStatus(t, rr, http.StatusAccepted)

	n, err := env.store.CountLogs(context.Background(), lic.ID, model.ActionDebugDetected)
	if err != nil || n != 1 {
		t.Fatalf("debug_detected entries = %d, %v", n, err)
	}
}
