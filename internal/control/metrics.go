package control

// MetricsReporter receives control plane events. Implemented by
// internal/metrics.Collector.
type MetricsReporter interface {
	ConnectionOpened(restricted bool)
	ConnectionClosed(restricted bool)
	FrameReceived(msgType string)
	ResultSent(code string)
	Relayed(msgType string)
	Throttled(paused bool)
	AcceptPaused()
	TerminationSent()
}

// noopMetrics discards every event.
type noopMetrics struct{}

func (noopMetrics) ConnectionOpened(bool) {}
func (noopMetrics) ConnectionClosed(bool) {}
func (noopMetrics) FrameReceived(string)  {}
func (noopMetrics) ResultSent(string)     {}
func (noopMetrics) Relayed(string)        {}
func (noopMetrics) Throttled(bool)        {}
func (noopMetrics) AcceptPaused()         {}
func (noopMetrics) TerminationSent()      {}
