package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGetIsSingleton(t *testing.T) {
	if Get() != Get() {
		t.Fatal("Get should return the same instance")
	}
}

func TestCounters(t *testing.T) {
	m := Get()

	before := testutil.ToFloat64(m.licensesIssued.WithLabelValues("automatic"))
	m.LicenseIssued("automatic")
	if got := testutil.ToFloat64(m.licensesIssued.WithLabelValues("automatic")); got != before+1 {
		t.Errorf("issued_total = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(m.deviceBinds.WithLabelValues("unknown"))
	m.DeviceBind("")
	if got := testutil.ToFloat64(m.deviceBinds.WithLabelValues("unknown")); got != before+1 {
		t.Errorf("empty label should count as unknown: got %v, want %v", got, before+1)
	}
}
