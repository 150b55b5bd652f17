package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/licensedesk/licensedesk/internal/device"
	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/store"
	"github.com/licensedesk/licensedesk/internal/store/storetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc   *Service
	store *store.Store
	clock *fakeClock
	lic   *model.License
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st := storetest.New(t)
	clock := &fakeClock{now: time.Date(2025, 5, 5, 10, 0, 0, 0, time.UTC)}

	lic := &model.License{
		Key:        "EXT-SESS-IONT-EST1",
		Status:     model.LicenseActive,
		Origin:     model.OriginAutomatic,
		MaxDevices: 3,
		CreatedAt:  clock.Now(),
	}
	if err := st.InsertLicense(context.Background(), lic); err != nil {
		t.Fatalf("InsertLicense: %v", err)
	}

	opts.Now = clock.Now
	svc := NewService(st, device.NewService(st, clock.Now, nil), opts, nil)
	t.Cleanup(svc.Wait)
	return &fixture{svc: svc, store: st, clock: clock, lic: lic}
}

func (f *fixture) redeemRequest(t *testing.T, fingerprint string) RedeemRequest {
	t.Helper()
	c, err := f.svc.IssueChallenge(context.Background(), fingerprint, "ext-id")
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	return RedeemRequest{
		ChallengeToken: c.ChallengeToken,
		LicenseKey:     f.lic.Key,
		Fingerprint:    fingerprint,
		Response:       Proof(c.Nonce, c.ChallengeToken, fingerprint, f.lic.Key),
	}
}

func TestIssueChallenge(t *testing.T) {
	f := newFixture(t, Options{})
	c, err := f.svc.IssueChallenge(context.Background(), "dev-1", "ext-id")
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	if len(c.Nonce) != 64 {
		t.Errorf("nonce length %d, want 64 hex chars", len(c.Nonce))
	}
	if !c.ExpiresAt.Equal(f.clock.Now().Add(60 * time.Second)) {
		t.Errorf("expires_at = %v", c.ExpiresAt)
	}
	if c.Used {
		t.Error("new challenge must be unused")
	}
}

func TestRedeemChallengeOpensSession(t *testing.T) {
	f := newFixture(t, Options{TTL: time.Hour})
	ctx := context.Background()

	sess, err := f.svc.RedeemChallenge(ctx, f.redeemRequest(t, "dev-1"))
	if err != nil {
		t.Fatalf("RedeemChallenge: %v", err)
	}
	if len(sess.Token) != 64 || sess.LicenseID != f.lic.ID {
		t.Errorf("unexpected session %+v", sess)
	}
	if !sess.ExpiresAt.Equal(f.clock.Now().Add(time.Hour)) {
		t.Errorf("expires_at = %v", sess.ExpiresAt)
	}
	if n, _ := f.store.CountActiveDevices(ctx, f.lic.ID); n != 1 {
		t.Errorf("devices bound = %d, want 1", n)
	}

	gotSess, gotLic, err := f.svc.ValidateSession(ctx, sess.Token)
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if gotSess.Token != sess.Token || gotLic.ID != f.lic.ID {
		t.Error("validate returned the wrong session")
	}
}

func TestRedeemChallengeSingleUse(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	req := f.redeemRequest(t, "dev-1")

	const workers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RedeemChallenge(ctx, req)
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, ErrChallengeInvalid):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("%d redemptions succeeded, want exactly 1", got)
	}

	if _, err := f.svc.RedeemChallenge(ctx, req); !errors.Is(err, ErrChallengeInvalid) {
		t.Errorf("replay: got %v", err)
	}
}

func TestRedeemChallengeExpired(t *testing.T) {
	f := newFixture(t, Options{})
	req := f.redeemRequest(t, "dev-1")
	f.clock.Advance(61 * time.Second)

	if _, err := f.svc.RedeemChallenge(context.Background(), req); !errors.Is(err, ErrChallengeInvalid) {
		t.Fatalf("got %v, want ErrChallengeInvalid", err)
	}
}

func TestRedeemChallengeRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("bad proof", func(t *testing.T) {
		f := newFixture(t, Options{})
		req := f.redeemRequest(t, "dev-1")
		good := req.Response
		req.Response = "00"
		if _, err := f.svc.RedeemChallenge(ctx, req); !errors.Is(err, ErrInvalidProof) {
			t.Fatalf("got %v", err)
		}
		if n, _ := f.store.CountLogs(ctx, f.lic.ID, model.ActionInvalidSignature); n != 1 {
			t.Errorf("invalid_signature logged %d times", n)
		}
		// A failed proof does not consume the challenge.
		req.Response = good
		if _, err := f.svc.RedeemChallenge(ctx, req); err != nil {
			t.Errorf("fresh redeem after bad proof: %v", err)
		}
	})

	t.Run("proof not hex", func(t *testing.T) {
		f := newFixture(t, Options{})
		req := f.redeemRequest(t, "dev-1")
		req.Response = "0x" + req.Response
		if _, err := f.svc.RedeemChallenge(ctx, req); !errors.Is(err, ErrInvalidProof) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("fingerprint mismatch", func(t *testing.T) {
		f := newFixture(t, Options{})
		req := f.redeemRequest(t, "dev-1")
		req.Fingerprint = "dev-2"
		if _, err := f.svc.RedeemChallenge(ctx, req); !errors.Is(err, ErrChallengeInvalid) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("unknown license", func(t *testing.T) {
		f := newFixture(t, Options{})
		req := f.redeemRequest(t, "dev-1")
		req.LicenseKey = "EXT-NOPE-NOPE-NOPE"
		if _, err := f.svc.RedeemChallenge(ctx, req); !errors.Is(err, ErrLicenseNotFound) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("suspended license", func(t *testing.T) {
		f := newFixture(t, Options{})
		if _, err := f.store.TransitionLicense(ctx, f.lic.ID, model.LicenseActive, model.LicenseSuspended, f.clock.Now()); err != nil {
			t.Fatal(err)
		}
		if _, err := f.svc.RedeemChallenge(ctx, f.redeemRequest(t, "dev-1")); !errors.Is(err, ErrLicenseInactive) {
			t.Fatalf("got %v", err)
		}
		if n, _ := f.store.CountLogs(ctx, f.lic.ID, model.ActionValidationFailed); n != 1 {
			t.Errorf("validation_failed logged %d times", n)
		}
	})

	t.Run("integrity hash", func(t *testing.T) {
		f := newFixture(t, Options{AllowedIntegrityHashes: []string{"good"}})
		req := f.redeemRequest(t, "dev-1")
		req.IntegrityHash = "bad"
		if _, err := f.svc.RedeemChallenge(ctx, req); !errors.Is(err, ErrIntegrityRejected) {
			t.Fatalf("got %v", err)
		}
		req = f.redeemRequest(t, "dev-1")
		req.IntegrityHash = "good"
		if _, err := f.svc.RedeemChallenge(ctx, req); err != nil {
			t.Errorf("allowed hash: %v", err)
		}
	})

	t.Run("device limit", func(t *testing.T) {
		f := newFixture(t, Options{})
		for _, fp := range []string{"dev-1", "dev-2", "dev-3"} {
			if _, err := f.svc.RedeemChallenge(ctx, f.redeemRequest(t, fp)); err != nil {
				t.Fatalf("redeem %s: %v", fp, err)
			}
		}
		if _, err := f.svc.RedeemChallenge(ctx, f.redeemRequest(t, "dev-4")); !errors.Is(err, device.ErrDeviceLimitExceeded) {
			t.Fatalf("got %v, want ErrDeviceLimitExceeded", err)
		}
	})
}

func TestSessionExpiryAndHeartbeat(t *testing.T) {
	f := newFixture(t, Options{TTL: time.Hour})
	ctx := context.Background()
	sess, err := f.svc.RedeemChallenge(ctx, f.redeemRequest(t, "dev-1"))
	if err != nil {
		t.Fatalf("RedeemChallenge: %v", err)
	}

	f.clock.Advance(30 * time.Minute)
	hb, err := f.svc.Heartbeat(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !hb.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Errorf("heartbeat moved expiry from %v to %v", sess.ExpiresAt, hb.ExpiresAt)
	}

	f.clock.Advance(31 * time.Minute)
	if _, _, err := f.svc.ValidateSession(ctx, sess.Token); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expired session: got %v", err)
	}
	if _, err := f.svc.Heartbeat(ctx, sess.Token); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("heartbeat on expired session: got %v", err)
	}
}

func TestValidateSessionRechecksLicense(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	sess, err := f.svc.RedeemChallenge(ctx, f.redeemRequest(t, "dev-1"))
	if err != nil {
		t.Fatalf("RedeemChallenge: %v", err)
	}
	if _, err := f.store.TransitionLicense(ctx, f.lic.ID, model.LicenseActive, model.LicenseBlocked, f.clock.Now()); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.svc.ValidateSession(ctx, sess.Token); !errors.Is(err, ErrLicenseInactive) {
		t.Fatalf("got %v, want ErrLicenseInactive", err)
	}
}

func TestEndSessionAndViolations(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	sess, err := f.svc.RedeemChallenge(ctx, f.redeemRequest(t, "dev-1"))
	if err != nil {
		t.Fatalf("RedeemChallenge: %v", err)
	}

	err = f.svc.ReportViolation(ctx, ViolationReport{SessionToken: sess.Token, Action: "created"})
	if !errors.Is(err, ErrUnknownViolation) {
		t.Fatalf("non-violation action: got %v", err)
	}
	err = f.svc.ReportViolation(ctx, ViolationReport{
		SessionToken: sess.Token,
		Action:       model.ActionDebugDetected,
		Details:      map[string]any{"tool": "devtools"},
	})
	if err != nil {
		t.Fatalf("ReportViolation: %v", err)
	}
	if n, _ := f.store.CountLogs(ctx, f.lic.ID, model.ActionDebugDetected); n != 1 {
		t.Errorf("debug_detected logged %d times", n)
	}

	if err := f.svc.ReportViolation(ctx, ViolationReport{SessionToken: sess.Token, Action: model.ActionSessionInvalidated}); err != nil {
		t.Fatalf("ReportViolation: %v", err)
	}
	if _, _, err := f.svc.ValidateSession(ctx, sess.Token); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("session_invalidated should end the session, got %v", err)
	}
	if err := f.svc.EndSession(ctx, sess.Token); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("ending an ended session: got %v", err)
	}
}

func TestRedeemChallengeAcceptsUpperCaseProof(t *testing.T) {
	f := newFixture(t, Options{})
	req := f.redeemRequest(t, "dev-1")
	req.Response = strings.ToUpper(req.Response)
	if _, err := f.svc.RedeemChallenge(context.Background(), req); err != nil {
		t.Fatalf("RedeemChallenge: %v", err)
	}
}

func TestReportViolationRequiresLiveSession(t *testing.T) {
	ctx := context.Background()

	t.Run("ended", func(t *testing.T) {
		f := newFixture(t, Options{})
		sess, err := f.svc.RedeemChallenge(ctx, f.redeemRequest(t, "dev-1"))
		if err != nil {
			t.Fatalf("RedeemChallenge: %v", err)
		}
		if err := f.svc.EndSession(ctx, sess.Token); err != nil {
			t.Fatalf("EndSession: %v", err)
		}
		f.clock.Advance(time.Minute)
		err = f.svc.ReportViolation(ctx, ViolationReport{SessionToken: sess.Token, Action: model.ActionDebugDetected})
		if !errors.Is(err, ErrSessionInvalid) {
			t.Fatalf("got %v, want ErrSessionInvalid", err)
		}
		if n, _ := f.store.CountLogs(ctx, f.lic.ID, model.ActionDebugDetected); n != 0 {
			t.Errorf("debug_detected logged %d times for an ended session", n)
		}
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t, Options{TTL: time.Hour})
		sess, err := f.svc.RedeemChallenge(ctx, f.redeemRequest(t, "dev-1"))
		if err != nil {
			t.Fatalf("RedeemChallenge: %v", err)
		}
		f.clock.Advance(time.Hour)
		err = f.svc.ReportViolation(ctx, ViolationReport{SessionToken: sess.Token, Action: model.ActionTamperedExtension})
		if !errors.Is(err, ErrSessionInvalid) {
			t.Fatalf("got %v, want ErrSessionInvalid", err)
		}
		if n, _ := f.store.CountLogs(ctx, f.lic.ID, model.ActionTamperedExtension); n != 0 {
			t.Errorf("tampered_extension logged %d times for an expired session", n)
		}
	})
}
