// Package metrics exposes Prometheus counters for license lifecycle events.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the lifecycle counters.
type Metrics struct {
	licensesIssued    *prometheus.CounterVec
	statusChanges     *prometheus.CounterVec
	deviceBinds       *prometheus.CounterVec
	challenges        *prometheus.CounterVec
	sessionsOpened    prometheus.Counter
	logEntries        *prometheus.CounterVec
	autoSuspensions   prometheus.Counter
	subscriptionEvent *prometheus.CounterVec
	webhooks          *prometheus.CounterVec
	jobRuns           *prometheus.CounterVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide metrics, registering them on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	counterVec := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "licensedesk",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &Metrics{
		licensesIssued: counterVec("license", "issued_total", "Licenses issued by origin", "origin"),
		statusChanges:  counterVec("license", "status_changes_total", "License status transitions by target status", "status"),
		deviceBinds:    counterVec("device", "bind_total", "Device bind attempts by result", "result"),
		challenges:     counterVec("session", "challenges_total", "Challenge issuance and redemption by result", "result"),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "licensedesk",
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Extension sessions opened",
		}),
		logEntries: counterVec("activity", "entries_total", "Activity log entries by action", "action"),
		autoSuspensions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "licensedesk",
			Subsystem: "monitor",
			Name:      "auto_suspensions_total",
			Help:      "Licenses blocked by the violation monitor",
		}),
		subscriptionEvent: counterVec("subscription", "events_total", "Subscription lifecycle events by type", "event"),
		webhooks:          counterVec("payment", "webhooks_total", "Payment webhooks by normalized status", "status"),
		jobRuns:           counterVec("monitor", "job_runs_total", "Background job runs by job and result", "job", "result"),
	}

	prometheus.MustRegister(
		m.licensesIssued,
		m.statusChanges,
		m.deviceBinds,
		m.challenges,
		m.sessionsOpened,
		m.logEntries,
		m.autoSuspensions,
		m.subscriptionEvent,
		m.webhooks,
		m.jobRuns,
	)
	return m
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// LicenseIssued counts a newly created license.
func (m *Metrics) LicenseIssued(origin string) { m.licensesIssued.WithLabelValues(label(origin)).Inc() }

// StatusChanged counts a license status transition.
func (m *Metrics) StatusChanged(status string) { m.statusChanges.WithLabelValues(label(status)).Inc() }

// DeviceBind counts a bind attempt: "bound", "refreshed" or "limit_exceeded".
func (m *Metrics) DeviceBind(result string) { m.deviceBinds.WithLabelValues(label(result)).Inc() }

// Challenge counts a challenge event: "issued", "redeemed" or a rejection reason.
func (m *Metrics) Challenge(result string) { m.challenges.WithLabelValues(label(result)).Inc() }

// SessionOpened counts a minted session.
func (m *Metrics) SessionOpened() { m.sessionsOpened.Inc() }

// LogEntry counts an appended activity log entry.
func (m *Metrics) LogEntry(action string) { m.logEntries.WithLabelValues(label(action)).Inc() }

// AutoSuspended counts a license blocked by the monitor.
func (m *Metrics) AutoSuspended() { m.autoSuspensions.Inc() }

// Subscription counts a subscription lifecycle event.
func (m *Metrics) Subscription(event string) { m.subscriptionEvent.WithLabelValues(label(event)).Inc() }

// Webhook counts a processed payment webhook.
func (m *Metrics) Webhook(status string) { m.webhooks.WithLabelValues(label(status)).Inc() }

// JobRun counts a background job run; result is "ok" or "error".
func (m *Metrics) JobRun(job, result string) { m.jobRuns.WithLabelValues(label(job), label(result)).Inc() }
