package monitor

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/licensedesk/licensedesk/internal/metrics"
	"github.com/licensedesk/licensedesk/internal/model"
)

// Report summarizes one run of the periodic jobs.
type Report struct {
	ExpiredSubscriptions int                       `json:"expired_subscriptions"`
	Suspensions          []Suspension              `json:"suspensions"`
	Advisories           []model.RateLimitAdvisory `json:"advisories"`
	PurgedChallenges     int64                     `json:"purged_challenges"`
	PurgedSessions       int64                     `json:"purged_sessions"`
	PrunedRateLimits     int64                     `json:"pruned_rate_limits"`
}

// RunOnce runs the subscription sweep, auto-suspend, rate-limit advisories
// and the challenge/session purge concurrently. Each job only writes its own
// part of the report.
func (m *Monitor) RunOnce(ctx context.Context) (*Report, error) {
	var r Report
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := m.subscriptions.SweepExpirations(ctx)
		r.ExpiredSubscriptions = n
		return m.observe("subscription_sweep", err)
	})
	g.Go(func() error {
		s, err := m.AutoSuspend(ctx)
		r.Suspensions = s
		return m.observe("auto_suspend", err)
	})
	g.Go(func() error {
		a, err := m.RateLimitAdvisories(ctx)
		r.Advisories = a
		return m.observe("rate_limit_advisories", err)
	})
	g.Go(func() error {
		at := m.now()
		purged, err := m.store.Purge(ctx, at)
		r.PurgedChallenges, r.PurgedSessions = purged.Challenges, purged.Sessions
		if err != nil {
			return m.observe("purge", err)
		}
		r.PrunedRateLimits, err = m.store.PruneRateLimits(ctx, at.Add(-m.opts.RateLimitRetention))
		return m.observe("purge", err)
	})

	if err := g.Wait(); err != nil {
		return &r, err
	}
	return &r, nil
}

func (m *Monitor) observe(job string, err error) error {
	if err != nil {
		metrics.Get().JobRun(job, "error")
		m.logger.Error("job failed", "job", job, "error", err)
		return err
	}
	metrics.Get().JobRun(job, "ok")
	return nil
}

// Start runs the jobs immediately and then every interval until Shutdown.
// Non-blocking.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		m.tick(ctx)

		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Monitor) tick(ctx context.Context) {
	r, err := m.RunOnce(ctx)
	if err != nil {
		return
	}
	if r.ExpiredSubscriptions > 0 || len(r.Suspensions) > 0 {
		m.logger.Info("maintenance run",
			"expired_subscriptions", r.ExpiredSubscriptions,
			"suspensions", len(r.Suspensions),
			"advisories", len(r.Advisories))
	}
}

// Shutdown stops the background loop and waits for a running pass to end.
func (m *Monitor) Shutdown() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}
