package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
	m.BytesSent.WithLabelValues("tcp").Add(100)
	m.ReplayDrops.Inc()

	if got := testutil.ToFloat64(m.ConnectionsTotal); got != 1 {
		t.Errorf("ConnectionsTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BytesSent.WithLabelValues("tcp")); got != 100 {
		t.Errorf("BytesSent[tcp] = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.ReplayDrops); got != 1 {
		t.Errorf("ReplayDrops = %v, want 1", got)
	}
}

func TestNewMetricsWithRegistry_Isolated(t *testing.T) {
	// Two registries must not collide on registration.
	a := NewMetricsWithRegistry(prometheus.NewRegistry())
	b := NewMetricsWithRegistry(prometheus.NewRegistry())

	a.AuthFailures.Inc()
	if got := testutil.ToFloat64(b.AuthFailures); got != 0 {
		t.Errorf("second registry AuthFailures = %v, want 0", got)
	}
}

func TestDefault_Singleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() returned different instances")
	}
}
