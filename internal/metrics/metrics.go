// Package metrics provides Prometheus metrics for wolbridge.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "wolbridge"
)

// Wakeup outcomes.
const (
	OutcomeLocal       = "local"
	OutcomeLocalFailed = "local_failed"
	OutcomeBridge      = "bridge"
	OutcomeEndpoint    = "endpoint"
	OutcomeUnresolved  = "unresolved"
)

// Acknowledgement results.
const (
	AckOK       = "ok"
	AckMismatch = "mismatch"
	AckMissing  = "missing"
)

// Metrics contains all Prometheus metrics for a node. All Record* helpers
// are safe to call on a nil *Metrics.
type Metrics struct {
	// Connection metrics
	ConnectionsActive  *prometheus.GaugeVec
	ConnectionsTotal   *prometheus.CounterVec
	ConnectFailures    *prometheus.CounterVec
	BridgesRegistered  prometheus.Gauge
	BridgeRegistration prometheus.Counter

	// Frame metrics
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec

	// Wakeup metrics
	Wakeups *prometheus.CounterVec
	Acks    *prometheus.CounterVec

	// Heartbeat metrics
	HeartbeatsSent    prometheus.Counter
	HeartbeatsSkipped prometheus.Counter
	HeartbeatTimeouts prometheus.Counter
	HeartbeatTickSkew prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open connections by role",
		}, []string{"role"}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total connections created by role",
		}, []string{"role"}),
		ConnectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Total failed outbound connection attempts by role",
		}, []string{"role"}),
		BridgesRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridges_registered",
			Help:      "Number of bridges in the registry",
		}),
		BridgeRegistration: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_registrations_total",
			Help:      "Total bridge registrations",
		}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent by command",
		}, []string{"command"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received by command",
		}, []string{"command"}),

		Wakeups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wakeups_total",
			Help:      "Total wakeup commands handled by outcome",
		}, []string{"outcome"}),
		Acks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wakeup_acks_total",
			Help:      "Total wakeup acknowledgements awaited by result",
		}, []string{"result"}),

		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total heartbeat frames queued",
		}),
		HeartbeatsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_skipped_total",
			Help:      "Total heartbeats skipped while transmission is disabled",
		}),
		HeartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Total connections dropped for missing heartbeats",
		}),
		HeartbeatTickSkew: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_ticks_skipped_total",
			Help:      "Total scheduler ticks dropped because the previous tick was still running",
		}),
	}

	return m
}

// RecordConnectionOpen records a new connection in the given role.
func (m *Metrics) RecordConnectionOpen(role string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(role).Inc()
	m.ConnectionsTotal.WithLabelValues(role).Inc()
}

// RecordConnectionClose records a connection closing in the given role.
func (m *Metrics) RecordConnectionClose(role string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(role).Dec()
}

// RecordRoleChange moves an open connection between roles.
func (m *Metrics) RecordRoleChange(from, to string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(from).Dec()
	m.ConnectionsActive.WithLabelValues(to).Inc()
}

// RecordConnectFailure records a failed outbound connection attempt.
func (m *Metrics) RecordConnectFailure(role string) {
	if m == nil {
		return
	}
	m.ConnectFailures.WithLabelValues(role).Inc()
}

// RecordBridgeRegistered records a registry insert and the new registry size.
func (m *Metrics) RecordBridgeRegistered(count int) {
	if m == nil {
		return
	}
	m.BridgeRegistration.Inc()
	m.BridgesRegistered.Set(float64(count))
}

// SetBridges sets the number of registered bridges.
func (m *Metrics) SetBridges(count int) {
	if m == nil {
		return
	}
	m.BridgesRegistered.Set(float64(count))
}

// RecordFrameSent records a frame being sent.
func (m *Metrics) RecordFrameSent(command string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(command).Inc()
}

// RecordFrameReceived records a frame being received.
func (m *Metrics) RecordFrameReceived(command string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(command).Inc()
}

// RecordWakeup records how a wakeup command was handled.
func (m *Metrics) RecordWakeup(outcome string) {
	if m == nil {
		return
	}
	m.Wakeups.WithLabelValues(outcome).Inc()
}

// RecordAck records the result of waiting for a wakeup acknowledgement.
func (m *Metrics) RecordAck(result string) {
	if m == nil {
		return
	}
	m.Acks.WithLabelValues(result).Inc()
}

// RecordHeartbeatSent records a heartbeat being queued.
func (m *Metrics) RecordHeartbeatSent() {
	if m == nil {
		return
	}
	m.HeartbeatsSent.Inc()
}

// RecordHeartbeatSkipped records a heartbeat suppressed by runtime disable.
func (m *Metrics) RecordHeartbeatSkipped() {
	if m == nil {
		return
	}
	m.HeartbeatsSkipped.Inc()
}

// RecordHeartbeatTimeout records a lease expiry.
func (m *Metrics) RecordHeartbeatTimeout() {
	if m == nil {
		return
	}
	m.HeartbeatTimeouts.Inc()
}

// RecordTickSkipped records an overlapping scheduler tick being dropped.
func (m *Metrics) RecordTickSkipped() {
	if m == nil {
		return
	}
	m.HeartbeatTickSkew.Inc()
}
