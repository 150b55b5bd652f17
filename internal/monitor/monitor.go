// Package monitor aggregates the activity log and blocks abusive licenses.
// It also runs the periodic maintenance jobs.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/metrics"
	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/store"
	"github.com/licensedesk/licensedesk/internal/subscription"
)

// Options configures a Monitor. Zero values take the defaults below.
type Options struct {
	Interval           time.Duration // default 5m
	ViolationWindow    time.Duration // default 24h
	ViolationThreshold int           // default 4; a license needs more than this
	RateLimitWindow    time.Duration // default 1h
	RateLimitThreshold int           // default 5
	RateLimitRetention time.Duration // default 7 days
	Now                func() time.Time
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.ViolationWindow <= 0 {
		o.ViolationWindow = 24 * time.Hour
	}
	if o.ViolationThreshold <= 0 {
		o.ViolationThreshold = 4
	}
	if o.RateLimitWindow <= 0 {
		o.RateLimitWindow = time.Hour
	}
	if o.RateLimitThreshold <= 0 {
		o.RateLimitThreshold = 5
	}
	if o.RateLimitRetention <= 0 {
		o.RateLimitRetention = 7 * 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Suspension is a license blocked by AutoSuspend.
type Suspension struct {
	LicenseID  string    `json:"license_id"`
	LicenseKey string    `json:"license_key"`
	Violations int       `json:"violation_count"`
	DetectedAt time.Time `json:"detected_at"`
}

// Monitor runs the auto-suspend job, the rate-limit advisories and, through
// RunOnce and Start, every other periodic job.
type Monitor struct {
	store         *store.Store
	licenses      *license.Registry
	subscriptions *subscription.Manager
	opts          Options
	logger        *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor.
func New(st *store.Store, licenses *license.Registry, subs *subscription.Manager, opts Options, logger *slog.Logger) *Monitor {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{store: st, licenses: licenses, subscriptions: subs, opts: opts, logger: logger}
}

func (m *Monitor) now() time.Time { return m.opts.Now().UTC() }

// AutoSuspend blocks every active license with more violations than the
// threshold inside the window. Violations logged before a license's last
// status change do not count, so a license an admin reactivated starts from
// zero.
func (m *Monitor) AutoSuspend(ctx context.Context) ([]Suspension, error) {
	at := m.now()
	over, err := m.store.ViolationsOverThreshold(ctx, at.Add(-m.opts.ViolationWindow), m.opts.ViolationThreshold)
	if err != nil {
		return nil, err
	}

	var out []Suspension
	for _, v := range over {
		lic, err := m.store.GetLicense(ctx, v.LicenseID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		if lic.Status != model.LicenseActive {
			continue
		}

		ok, err := m.licenses.Transition(ctx, lic, model.LicenseActive, model.LicenseBlocked, model.ActorSystem,
			model.ActionAutoSuspended, map[string]any{"violation_count": v.Count, "detected_at": at})
		if err != nil {
			return out, err
		}
		if !ok {
			continue
		}
		metrics.Get().AutoSuspended()
		m.logger.Warn("license auto-suspended", "license_id", lic.ID, "license_key", lic.Key, "violations", v.Count)
		out = append(out, Suspension{LicenseID: lic.ID, LicenseKey: lic.Key, Violations: v.Count, DetectedAt: at})
	}
	return out, nil
}

// RateLimitAdvisories returns the (ip, endpoint) pairs that hit the rate
// limiter at least the threshold number of times inside the window. They are
// logged but nothing is blocked.
func (m *Monitor) RateLimitAdvisories(ctx context.Context) ([]model.RateLimitAdvisory, error) {
	out, err := m.store.RateLimitAdvisories(ctx, m.now().Add(-m.opts.RateLimitWindow), m.opts.RateLimitThreshold)
	if err != nil {
		return nil, err
	}
	for _, a := range out {
		m.logger.Warn("rate limit advisory", "ip", a.IPAddress, "endpoint", a.Endpoint, "hits", a.Count)
	}
	return out, nil
}
