// Package ctlmetrics exports control plane metrics to Prometheus.
package ctlmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "bgpctld"
	subsystem = "control"
)

// Label names for control metrics.
const (
	labelClass     = "class"
	labelType      = "type"
	labelCode      = "code"
	labelDirection = "direction"
)

// Label values.
const (
	classRestricted   = "restricted"
	classUnrestricted = "unrestricted"
	directionPause    = "pause"
	directionResume   = "resume"
)

// -------------------------------------------------------------------------
// Collector: Prometheus control metrics
// -------------------------------------------------------------------------

// Collector holds all control plane Prometheus metrics and implements
// control.MetricsReporter.
type Collector struct {
	// Connections tracks open control connections per socket class.
	Connections *prometheus.GaugeVec

	// FramesReceived counts decoded request frames per message type,
	// denied ones included.
	FramesReceived *prometheus.CounterVec

	// Results counts result frames sent per result code.
	Results *prometheus.CounterVec

	// RelayedFrames counts engine replies delivered to clients per message
	// type.
	RelayedFrames *prometheus.CounterVec

	// ThrottleEvents counts producer pause and resume notices.
	ThrottleEvents *prometheus.CounterVec

	// AcceptPauses counts accept suspensions after descriptor exhaustion.
	AcceptPauses prometheus.Counter

	// Terminations counts terminate notices sent on stream close.
	Terminations prometheus.Counter
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "bgpctld_control_" prefix.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.FramesReceived,
		c.Results,
		c.RelayedFrames,
		c.ThrottleEvents,
		c.AcceptPauses,
		c.Terminations,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	return &Collector{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of open control connections.",
		}, []string{labelClass}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Total control request frames decoded.",
		}, []string{labelType}),

		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "results_total",
			Help:      "Total result frames sent to control clients.",
		}, []string{labelCode}),

		RelayedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "relayed_total",
			Help:      "Total engine replies relayed to control clients.",
		}, []string{labelType}),

		ThrottleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "throttle_events_total",
			Help:      "Total producer pause and resume notices.",
		}, []string{labelDirection}),

		AcceptPauses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "accept_paused_total",
			Help:      "Total accept suspensions caused by descriptor exhaustion.",
		}),

		Terminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "terminations_total",
			Help:      "Total terminate notices sent for closed streaming connections.",
		}),
	}
}

func class(restricted bool) string {
	if restricted {
		return classRestricted
	}
	return classUnrestricted
}

// -------------------------------------------------------------------------
// Connections
// -------------------------------------------------------------------------

// ConnectionOpened increments the connections gauge for the class.
func (c *Collector) ConnectionOpened(restricted bool) {
	c.Connections.WithLabelValues(class(restricted)).Inc()
}

// ConnectionClosed decrements the connections gauge for the class.
func (c *Collector) ConnectionClosed(restricted bool) {
	c.Connections.WithLabelValues(class(restricted)).Dec()
}

// AcceptPaused counts one accept suspension.
func (c *Collector) AcceptPaused() {
	c.AcceptPauses.Inc()
}

// -------------------------------------------------------------------------
// Traffic
// -------------------------------------------------------------------------

// FrameReceived counts one decoded request.
func (c *Collector) FrameReceived(msgType string) {
	c.FramesReceived.WithLabelValues(msgType).Inc()
}

// ResultSent counts one result frame.
func (c *Collector) ResultSent(code string) {
	c.Results.WithLabelValues(code).Inc()
}

// Relayed counts one relayed engine reply.
func (c *Collector) Relayed(msgType string) {
	c.RelayedFrames.WithLabelValues(msgType).Inc()
}

// Throttled counts a pause (true) or resume (false) notice.
func (c *Collector) Throttled(paused bool) {
	if paused {
		c.ThrottleEvents.WithLabelValues(directionPause).Inc()
		return
	}
	c.ThrottleEvents.WithLabelValues(directionResume).Inc()
}

// TerminationSent counts one terminate notice.
func (c *Collector) TerminationSent() {
	c.Terminations.Inc()
}
