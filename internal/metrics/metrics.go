// Package metrics provides in-process Prometheus collectors for the
// agent core: backoff delay, reconnect count, active splicer count, and
// heartbeat age. The core never starts an HTTP listener to serve these
// itself; it only registers collectors an embedding program can expose
// however it likes.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relais_agent"

// Metrics holds every collector the core updates.
type Metrics struct {
	ReconnectAttempts prometheus.Counter
	ServerClosures    prometheus.Counter
	NetworkErrors     prometheus.Counter
	BackoffSeconds    prometheus.Gauge
	SplicesActive     prometheus.Gauge
	SplicesTotal      prometheus.Counter
	HeartbeatAge      prometheus.Gauge
	TunnelUp          prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the process-wide Metrics instance, registering it
// against the default Prometheus registry on first use.
func Default() *Metrics {
	once.Do(func() { defaultMetrics = New(prometheus.DefaultRegisterer) })
	return defaultMetrics
}

// New creates a fresh Metrics instance registered against reg. Tests
// should use a prometheus.NewRegistry() to avoid colliding with other
// instances registered against the global default registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of control-session connection attempts made by the supervisor.",
		}),
		ServerClosures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_closures_total",
			Help:      "Total number of control connections ended by a server-initiated closure.",
		}),
		NetworkErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "network_errors_total",
			Help:      "Total number of connection attempts that failed with a classified network error.",
		}),
		BackoffSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backoff_seconds",
			Help:      "Duration of the most recently applied reconnect backoff, in seconds.",
		}),
		SplicesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "splices_active",
			Help:      "Number of data-channel splices currently in flight.",
		}),
		SplicesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "splices_total",
			Help:      "Total number of NEWCONN data channels spliced since start.",
		}),
		HeartbeatAge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeat_age_seconds",
			Help:      "Seconds of control-channel heartbeat silence, recorded when the heartbeat watchdog last warned or fired; not updated between those events.",
		}),
		TunnelUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnel_up",
			Help:      "1 if the control session is currently RUNNING with an established tunnel, 0 otherwise.",
		}),
	}
}

// ObserveBackoff records a backoff duration applied by the supervisor.
func (m *Metrics) ObserveBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.BackoffSeconds.Set(d.Seconds())
}

// ObserveHeartbeatAge records the current control-channel silence age.
func (m *Metrics) ObserveHeartbeatAge(d time.Duration) {
	if m == nil {
		return
	}
	m.HeartbeatAge.Set(d.Seconds())
}

// SetTunnelUp records whether a control session currently has an
// established tunnel RUNNING.
func (m *Metrics) SetTunnelUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.TunnelUp.Set(1)
	} else {
		m.TunnelUp.Set(0)
	}
}

// SpliceOpened and SpliceClosed track the in-flight data-channel count.
func (m *Metrics) SpliceOpened() {
	if m == nil {
		return
	}
	m.SplicesTotal.Inc()
	m.SplicesActive.Inc()
}

func (m *Metrics) SpliceClosed() {
	if m == nil {
		return
	}
	m.SplicesActive.Dec()
}

// IncReconnectAttempts, IncServerClosure and IncNetworkError track the
// supervisor's reconnect loop.
func (m *Metrics) IncReconnectAttempts() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) IncServerClosure() {
	if m == nil {
		return
	}
	m.ServerClosures.Inc()
}

func (m *Metrics) IncNetworkError() {
	if m == nil {
		return
	}
	m.NetworkErrors.Inc()
}
