package subscription

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/store"
	"github.com/licensedesk/licensedesk/internal/store/storetest"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	mgr   *Manager
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
		KeyPrefix:    "SUB",
		MinAmount:    100,
		IdentitySalt: []byte("salt"),
		BcryptCost:   bcrypt.MinCost,
		Now:          clock,
	}, nil)
	return &fixture{mgr: NewManager(st, reg, clock, nil), store: st, reg: reg, now: &now}
}

func (f *fixture) subscribe(t *testing.T, txn string, plan model.PlanType) (*model.Subscription, *model.License) {
	t.Helper()
	ctx := context.Background()
	lic, err := f.reg.IssueForPayment(ctx, txn, 2990, license.Identity{Email: "sub@example.com"})
	if err != nil {
		t.Fatalf("IssueForPayment: %v", err)
	}
	sub, err := f.mgr.CreateOnPayment(ctx, Payment{
		TransactionID: txn,
		LicenseID:     lic.ID,
		EmailHash:     lic.CustomerEmailHash,
		ProductType:   "extension",
		Plan:          plan,
		Amount:        2990,
		PaidAt:        *f.now,
	})
	if err != nil {
		t.Fatalf("CreateOnPayment: %v", err)
	}
	return sub, lic
}

func (f *fixture) licenseStatus(t *testing.T, id string) model.LicenseStatus {
	t.Helper()
	lic, err := f.store.GetLicense(context.Background(), id)
	if err != nil {
		t.Fatalf("GetLicense: %v", err)
	}
	return lic.Status
}

func TestPeriodFor(t *testing.T) {
	tests := []struct {
		plan model.PlanType
		want time.Duration
	}{
		{model.PlanWeekly, 7 * 24 * time.Hour},
		{model.PlanMonthly, 30 * 24 * time.Hour},
		{model.PlanYearly, 365 * 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(string(tt.plan), func(t *testing.T) {
			got, err := PeriodFor(tt.plan)
			if err != nil || got != tt.want {
				t.Errorf("PeriodFor = %v, %v; want %v", got, err, tt.want)
			}
		})
	}
	if _, err := PeriodFor("daily"); !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("unknown plan: got %v", err)
	}
}

func TestCreateOnPayment(t *testing.T) {
	f := newFixture(t)
	sub, lic := f.subscribe(t, "txn-1", model.PlanMonthly)

	if sub.Status != model.SubscriptionActive {
		t.Errorf("status = %s", sub.Status)
	}
	if !sub.CurrentPeriodEnd.Equal(t0.Add(30 * 24 * time.Hour)) {
		t.Errorf("period end = %v", sub.CurrentPeriodEnd)
	}
	if sub.LicenseID != lic.ID {
		t.Error("subscription not linked to the license of the payment")
	}

	again, err := f.mgr.CreateOnPayment(context.Background(), Payment{
		TransactionID: "txn-1", LicenseID: lic.ID, Plan: model.PlanMonthly, PaidAt: t0,
	})
	if err != nil {
		t.Fatalf("replayed CreateOnPayment: %v", err)
	}
	if again.ID != sub.ID {
		t.Errorf("replay created a second subscription")
	}
	payments, _ := f.mgr.Payments(context.Background(), sub.ID)
	if len(payments) != 1 {
		t.Errorf("payments = %d, want 1", len(payments))
	}
}

func TestSweepExpirations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	weekly, weeklyLic := f.subscribe(t, "txn-w", model.PlanWeekly)
	_, yearlyLic := f.subscribe(t, "txn-y", model.PlanYearly)

	*f.now = t0.Add(8 * 24 * time.Hour)
	n, err := f.mgr.SweepExpirations(ctx)
	if err != nil {
		t.Fatalf("SweepExpirations: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}
	got, _ := f.mgr.Get(ctx, weekly.ID)
	if got.Status != model.SubscriptionExpired {
		t.Errorf("weekly status = %s", got.Status)
	}
	if s := f.licenseStatus(t, weeklyLic.ID); s != model.LicenseSuspended {
		t.Errorf("weekly license = %s, want suspended", s)
	}
	if s := f.licenseStatus(t, yearlyLic.ID); s != model.LicenseActive {
		t.Errorf("yearly license = %s, want active", s)
	}

	n, err = f.mgr.SweepExpirations(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
	if c, _ := f.store.CountLogs(ctx, weeklyLic.ID, model.ActionSubscriptionExpired); c != 1 {
		t.Errorf("subscription_expired logged %d times, want 1", c)
	}
}

func TestRenewAfterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, lic := f.subscribe(t, "txn-r1", model.PlanMonthly)

	*f.now = t0.Add(31 * 24 * time.Hour)
	if _, err := f.mgr.SweepExpirations(ctx); err != nil {
		t.Fatal(err)
	}

	paidAt := t0.Add(40 * 24 * time.Hour)
	*f.now = paidAt
	renewed, err := f.mgr.Renew(ctx, sub.ID, Payment{TransactionID: "txn-r2", Amount: 2990, PaidAt: paidAt})
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if renewed.Status != model.SubscriptionActive {
		t.Errorf("status = %s", renewed.Status)
	}
	if !renewed.CurrentPeriodEnd.Equal(paidAt.Add(30 * 24 * time.Hour)) {
		t.Errorf("period end = %v; renewals start from the payment", renewed.CurrentPeriodEnd)
	}
	if s := f.licenseStatus(t, lic.ID); s != model.LicenseActive {
		t.Errorf("license = %s, want active", s)
	}

	// Replaying the renewal payment changes nothing.
	*f.now = paidAt.Add(24 * time.Hour)
	again, err := f.mgr.Renew(ctx, sub.ID, Payment{TransactionID: "txn-r2", Amount: 2990, PaidAt: *f.now})
	if err != nil {
		t.Fatalf("replayed Renew: %v", err)
	}
	if !again.CurrentPeriodEnd.Equal(renewed.CurrentPeriodEnd) {
		t.Errorf("replay moved the period end to %v", again.CurrentPeriodEnd)
	}
}

func TestExtend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, lic := f.subscribe(t, "txn-e", model.PlanWeekly)

	got, err := f.mgr.Extend(ctx, sub.ID, 3, "root")
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if !got.CurrentPeriodEnd.Equal(t0.Add(10 * 24 * time.Hour)) {
		t.Errorf("period end = %v", got.CurrentPeriodEnd)
	}

	*f.now = t0.Add(11 * 24 * time.Hour)
	if _, err := f.mgr.SweepExpirations(ctx); err != nil {
		t.Fatal(err)
	}
	got, err = f.mgr.Extend(ctx, sub.ID, 5, "root")
	if err != nil {
		t.Fatalf("Extend expired: %v", err)
	}
	if got.Status != model.SubscriptionActive {
		t.Errorf("extended expired subscription status = %s", got.Status)
	}
	if s := f.licenseStatus(t, lic.ID); s != model.LicenseActive {
		t.Errorf("license = %s, want active", s)
	}

	if _, err := f.mgr.Extend(ctx, sub.ID, 0, "root"); !errors.Is(err, ErrInvalidDays) {
		t.Errorf("zero days: got %v", err)
	}
}

func TestCancelAndReactivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, lic := f.subscribe(t, "txn-c", model.PlanMonthly)

	got, err := f.mgr.Cancel(ctx, sub.ID, "root")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != model.SubscriptionCancelled || got.CancelledAt == nil {
		t.Errorf("unexpected cancelled subscription %+v", got)
	}
	if s := f.licenseStatus(t, lic.ID); s != model.LicenseSuspended {
		t.Errorf("license = %s, want suspended", s)
	}
	if _, err := f.mgr.Cancel(ctx, sub.ID, "root"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double cancel: got %v", err)
	}

	*f.now = t0.Add(5 * 24 * time.Hour)
	got, err = f.mgr.Reactivate(ctx, sub.ID, "root")
	if err != nil {
		t.Fatalf("Reactivate: %v", err)
	}
	if got.Status != model.SubscriptionActive || got.CancelledAt != nil {
		t.Errorf("unexpected reactivated subscription %+v", got)
	}
	if !got.CurrentPeriodEnd.Equal(f.now.Add(30 * 24 * time.Hour)) {
		t.Errorf("period end = %v", got.CurrentPeriodEnd)
	}
	if s := f.licenseStatus(t, lic.ID); s != model.LicenseActive {
		t.Errorf("license = %s, want active", s)
	}
}

func TestRenewKeepsExtendedEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, _ := f.subscribe(t, "txn-k1", model.PlanMonthly)

	extended, err := f.mgr.Extend(ctx, sub.ID, 90, "root")
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	want := t0.Add(120 * 24 * time.Hour)
	if !extended.CurrentPeriodEnd.Equal(want) {
		t.Fatalf("extended end = %v, want %v", extended.CurrentPeriodEnd, want)
	}

	paidAt := t0.Add(10 * 24 * time.Hour)
	*f.now = paidAt
	renewed, err := f.mgr.Renew(ctx, sub.ID, Payment{TransactionID: "txn-k2", Amount: 2990, PaidAt: paidAt})
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if !renewed.CurrentPeriodEnd.Equal(want) || !renewed.NextBillingDate.Equal(want) {
		t.Errorf("renewal moved end to %v (billing %v), want %v", renewed.CurrentPeriodEnd, renewed.NextBillingDate, want)
	}
	if !renewed.CurrentPeriodStart.Equal(paidAt) {
		t.Errorf("period start = %v, want %v", renewed.CurrentPeriodStart, paidAt)
	}
}

func TestSweepSkipsRenewalAfterListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, lic := f.subscribe(t, "txn-s1", model.PlanWeekly)

	at := t0.Add(8 * 24 * time.Hour)
	*f.now = at
	lapsed, err := f.store.ListLapsedSubscriptions(ctx, at)
	if err != nil || len(lapsed) != 1 {
		t.Fatalf("ListLapsedSubscriptions: %d, %v", len(lapsed), err)
	}

	if _, err := f.mgr.Renew(ctx, sub.ID, Payment{TransactionID: "txn-s2", Amount: 990, PaidAt: at}); err != nil {
		t.Fatalf("Renew: %v", err)
	}

	ok, err := f.mgr.expire(ctx, &lapsed[0], at)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if ok {
		t.Fatal("a subscription renewed after the listing was expired")
	}
	got, _ := f.mgr.Get(ctx, sub.ID)
	if got.Status != model.SubscriptionActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	if s := f.licenseStatus(t, lic.ID); s != model.LicenseActive {
		t.Errorf("license = %s, want active", s)
	}
	if c, _ := f.store.CountLogs(ctx, lic.ID, model.ActionSubscriptionExpired); c != 0 {
		t.Errorf("subscription_expired logged %d times, want 0", c)
	}
}

func TestSweepLogsExpiryWithSuspension(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, lic := f.subscribe(t, "txn-l1", model.PlanWeekly)

	*f.now = t0.Add(8 * 24 * time.Hour)
	if n, err := f.mgr.SweepExpirations(ctx); err != nil || n != 1 {
		t.Fatalf("SweepExpirations: n=%d err=%v", n, err)
	}
	logs, err := f.store.ListLogs(ctx, lic.ID, 10)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	for _, e := range logs {
		if e.Action != model.ActionSubscriptionExpired {
			continue
		}
		if !strings.Contains(e.Metadata, `"previous":"active"`) || !strings.Contains(e.Metadata, `"new":"suspended"`) {
			t.Errorf("expiry metadata = %s", e.Metadata)
		}
		return
	}
	t.Fatal("no subscription_expired entry")
}
