package ctlmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/dantte-lp/bgpctld/internal/control"
	ctlmetrics "github.com/dantte-lp/bgpctld/internal/metrics"
)

// The collector must satisfy the control plane's reporter interface.
var _ control.MetricsReporter = (*ctlmetrics.Collector)(nil)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := ctlmetrics.NewCollector(reg)

	c.AcceptPaused()
	c.TerminationSent()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"bgpctld_control_accept_paused_total", "bgpctld_control_terminations_total"} {
		if !names[want] {
			t.Errorf("gathered families lack %s", want)
		}
	}
}

func TestDoubleRegistrationPanics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	ctlmetrics.NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("second NewCollector on one registry did not panic")
		}
	}()
	ctlmetrics.NewCollector(reg)
}

func TestConnections(t *testing.T) {
	t.Parallel()

	c := ctlmetrics.NewCollector(prometheus.NewRegistry())

	c.ConnectionOpened(true)
	c.ConnectionOpened(false)
	c.ConnectionOpened(false)
	c.ConnectionClosed(false)

	if val := gaugeValue(t, c.Connections, "restricted"); val != 1 {
		t.Errorf("restricted connections = %v, want 1", val)
	}
	if val := gaugeValue(t, c.Connections, "unrestricted"); val != 1 {
		t.Errorf("unrestricted connections = %v, want 1", val)
	}
}

func TestTrafficCounters(t *testing.T) {
	t.Parallel()

	c := ctlmetrics.NewCollector(prometheus.NewRegistry())

	c.FrameReceived("ShowRIB")
	c.FrameReceived("ShowRIB")
	c.FrameReceived("NeighborUp")
	c.ResultSent("Denied")
	c.Relayed("RIBEntry")
	c.Relayed("RIBEntry")
	c.Relayed("RIBEntry")

	tests := []struct {
		name string
		vec  *prometheus.CounterVec
		lbl  string
		want float64
	}{
		{"frames ShowRIB", c.FramesReceived, "ShowRIB", 2},
		{"frames NeighborUp", c.FramesReceived, "NeighborUp", 1},
		{"results Denied", c.Results, "Denied", 1},
		{"results OK", c.Results, "OK", 0},
		{"relayed RIBEntry", c.RelayedFrames, "RIBEntry", 3},
	}
	for _, tt := range tests {
		if got := counterValue(t, tt.vec, tt.lbl); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestThrottleEvents(t *testing.T) {
	t.Parallel()

	c := ctlmetrics.NewCollector(prometheus.NewRegistry())

	c.Throttled(true)
	c.Throttled(false)
	c.Throttled(true)

	if val := counterValue(t, c.ThrottleEvents, "pause"); val != 2 {
		t.Errorf("pause events = %v, want 2", val)
	}
	if val := counterValue(t, c.ThrottleEvents, "resume"); val != 1 {
		t.Errorf("resume events = %v, want 1", val)
	}
}

func TestPlainCounters(t *testing.T) {
	t.Parallel()

	c := ctlmetrics.NewCollector(prometheus.NewRegistry())

	c.AcceptPaused()
	c.TerminationSent()
	c.TerminationSent()

	if val := plainValue(t, c.AcceptPauses); val != 1 {
		t.Errorf("AcceptPauses = %v, want 1", val)
	}
	if val := plainValue(t, c.Terminations); val != 2 {
		t.Errorf("Terminations = %v, want 2", val)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// gaugeValue reads the current value of a GaugeVec with the given labels.
func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	return plainValue(t, counter)
}

// plainValue reads the current value of a counter.
func plainValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
