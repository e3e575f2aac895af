// Package metrics exposes Prometheus collectors for the device link. Every
// method is safe to call on a nil *Metrics so components can run without
// instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devlink"

// Metrics holds the collectors recorded by channels, workers, the dispatcher,
// the sender and the session supervisor.
type Metrics struct {
	framesReceived  *prometheus.CounterVec
	emptyReads      *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	framesSent      prometheus.Counter
	sendFailures    prometheus.Counter
	unhandled       *prometheus.CounterVec
	handlerPanics   *prometheus.CounterVec
	reconnectCycles prometheus.Counter
	hardResets      prometheus.Counter
	connected       *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New registers the devlink collectors with reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
//
// Parameters:
//   - reg: Registry the collectors are registered with
//
// Returns:
//   - The Metrics instance
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from a channel, by role",
		}, []string{"role"}),
		emptyReads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_reads_total",
			Help:      "Receive attempts that returned no frame, by role",
		}, []string{"role"}),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Frames dropped because they did not decode, by role",
		}, []string{"role"}),
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Envelopes written to the command channel",
		}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Envelopes that could not be written",
		}),
		unhandled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unhandled_envelopes_total",
			Help:      "Envelopes dropped because no handler is registered, by code",
		}, []string{"code"}),
		handlerPanics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Handlers that panicked, by code",
		}, []string{"code"}),
		reconnectCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_cycles_total",
			Help:      "Completed soft reconnect cycles",
		}),
		hardResets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hard_resets_total",
			Help:      "Device sessions destroyed and rebuilt",
		}),
		connected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_connected",
			Help:      "1 while the channel socket is connected, by role",
		}, []string{"role"}),
		gatherer: reg,
	}
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameReceived(role string) {
	if m != nil {
		m.framesReceived.WithLabelValues(role).Inc()
	}
}

func (m *Metrics) EmptyRead(role string) {
	if m != nil {
		m.emptyReads.WithLabelValues(role).Inc()
	}
}

func (m *Metrics) DecodeError(role string) {
	if m != nil {
		m.decodeErrors.WithLabelValues(role).Inc()
	}
}

func (m *Metrics) FrameSent() {
	if m != nil {
		m.framesSent.Inc()
	}
}

func (m *Metrics) SendFailure() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) Unhandled(code string) {
	if m != nil {
		m.unhandled.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) HandlerPanic(code string) {
	if m != nil {
		m.handlerPanics.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) ReconnectCycle() {
	if m != nil {
		m.reconnectCycles.Inc()
	}
}

func (m *Metrics) HardReset() {
	if m != nil {
		m.hardResets.Inc()
	}
}

// SetConnected records the connection state of a channel role.
func (m *Metrics) SetConnected(role string, connected bool) {
	if m == nil {
		return
	}

	v := 0.0
	if connected {
		v = 1
	}
	m.connected.WithLabelValues(role).Set(v)
}
