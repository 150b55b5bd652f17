package monitor

import (
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/licensedesk/licensedesk/internal/audit"
	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/store"
	"github.com/licensedesk/licensedesk/internal/store/storetest"
	"github.com/licensedesk/licensedesk/internal/subscription"
)

var t0 = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	mon   *Monitor
	store *store.Store
	reg   *license.Registry
	now   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.New(t)
	now := t0
	clock := func() time.Time { return now }
	reg := license.NewRegistry(st, license.Options{
		KeyPrefix:  "MON",
		BcryptCost: bcrypt.MinCost,
		Now:        clock,
	}, nil)
	subs := subscription.NewManager(st, reg, clock, nil)
	mon := New(st, reg, subs, Options{Interval: time.Hour, Now: clock}, nil)
	return &fixture{mon: mon, store: st, reg: reg, now: &now}
}

func (f *fixture) issue(t *testing.T, txn string) *model.License {
	t.Helper()
	lic, err := f.reg.IssueForPayment(context.Background(), txn, 5000, license.Identity{})
	if err != nil {
		t.Fatalf("IssueForPayment: %v", err)
	}
	return lic
}

func (f *fixture) violate(t *testing.T, lic *model.License, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := audit.Record(context.Background(), f.store, audit.Entry{
			License: lic,
			Action:  model.ActionTamperedExtension,
			Actor:   model.ActorExtension,
			At:      at.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
}

func (f *fixture) status(t *testing.T, id string) model.LicenseStatus {
	t.Helper()
	lic, err := f.store.GetLicense(context.Background(), id)
	if err != nil {
		t.Fatalf("GetLicense: %v", err)
	}
	return lic.Status
}

func TestAutoSuspendThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.issue(t, "txn-1")

	f.violate(t, lic, 4, t0.Add(time.Minute))
	*f.now = t0.Add(time.Hour)
	got, err := f.mon.AutoSuspend(ctx)
	if err != nil {
		t.Fatalf("AutoSuspend: %v", err)
	}
	if len(got) != 0 || f.status(t, lic.ID) != model.LicenseActive {
		t.Fatalf("4 violations must not suspend: %v, status %s", got, f.status(t, lic.ID))
	}

	f.violate(t, lic, 1, t0.Add(10*time.Minute))
	got, err = f.mon.AutoSuspend(ctx)
	if err != nil {
		t.Fatalf("AutoSuspend: %v", err)
	}
	if len(got) != 1 || got[0].Violations != 5 {
		t.Fatalf("want one suspension with 5 violations, got %+v", got)
	}
	if s := f.status(t, lic.ID); s != model.LicenseBlocked {
		t.Errorf("status = %s, want blocked", s)
	}
	if n, _ := f.store.CountLogs(ctx, lic.ID, model.ActionAutoSuspended); n != 1 {
		t.Errorf("auto_suspended logged %d times", n)
	}

	// Already blocked licenses are left alone.
	got, err = f.mon.AutoSuspend(ctx)
	if err != nil || len(got) != 0 {
		t.Errorf("second run: %v %v", got, err)
	}
}

func TestAutoSuspendWindowAndReactivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.issue(t, "txn-old")
	reactivated := f.issue(t, "txn-re")

	// Violations outside the 24h window do not count.
	f.violate(t, old, 6, t0.Add(time.Minute))
	f.violate(t, reactivated, 6, t0.Add(time.Minute))

	*f.now = t0.Add(2 * time.Hour)
	if _, err := f.reg.SetStatus(ctx, reactivated.ID, model.LicenseSuspended, "root"); err != nil {
		t.Fatal(err)
	}
	*f.now = t0.Add(3 * time.Hour)
	if _, err := f.reg.SetStatus(ctx, reactivated.ID, model.LicenseActive, "root"); err != nil {
		t.Fatal(err)
	}

	got, err := f.mon.AutoSuspend(ctx)
	if err != nil {
		t.Fatalf("AutoSuspend: %v", err)
	}
	if len(got) != 1 || got[0].LicenseID != old.ID {
		t.Fatalf("only the untouched license should be blocked, got %+v", got)
	}
	if s := f.status(t, reactivated.ID); s != model.LicenseActive {
		t.Errorf("reactivated license = %s, want active", s)
	}

	*f.now = t0.Add(25 * time.Hour)
	other := f.issue(t, "txn-late")
	f.violate(t, other, 6, t0.Add(-time.Hour))
	got, err = f.mon.AutoSuspend(ctx)
	if err != nil || len(got) != 0 {
		t.Errorf("violations before issuance: got %+v %v", got, err)
	}
}

func TestRateLimitAdvisories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := f.store.RecordRateLimit(ctx, "1.2.3.4", "/api/v1/extension/challenge", t0.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 4; i++ {
		if err := f.store.RecordRateLimit(ctx, "5.6.7.8", "/api/v1/extension/challenge", t0); err != nil {
			t.Fatal(err)
		}
	}
	*f.now = t0.Add(30 * time.Minute)

	got, err := f.mon.RateLimitAdvisories(ctx)
	if err != nil {
		t.Fatalf("RateLimitAdvisories: %v", err)
	}
	if len(got) != 1 || got[0].IPAddress != "1.2.3.4" || got[0].Count != 5 {
		t.Fatalf("unexpected advisories %+v", got)
	}

	*f.now = t0.Add(2 * time.Hour)
	got, err = f.mon.RateLimitAdvisories(ctx)
	if err != nil || len(got) != 0 {
		t.Errorf("outside window: %+v %v", got, err)
	}
}

func TestRunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.issue(t, "txn-run")
	f.violate(t, lic, 5, t0.Add(time.Minute))
	if err := f.store.InsertChallenge(ctx, &model.Challenge{
		ChallengeToken: "1-abc", Nonce: "n", DeviceFingerprint: "fp", ExpiresAt: t0.Add(time.Minute), CreatedAt: t0,
	}); err != nil {
		t.Fatal(err)
	}
	*f.now = t0.Add(time.Hour)

	r, err := f.mon.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(r.Suspensions) != 1 {
		t.Errorf("suspensions = %d, want 1", len(r.Suspensions))
	}
	if r.PurgedChallenges != 1 {
		t.Errorf("purged challenges = %d, want 1", r.PurgedChallenges)
	}
}

func TestStartShutdown(t *testing.T) {
	f := newFixture(t)
	f.mon.Start()
	f.mon.Shutdown()
	// A second Shutdown must not block.
	f.mon.Shutdown()
}
