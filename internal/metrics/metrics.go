// Package metrics exposes Prometheus instrumentation for the
// orchestrator: turn lifecycle counters, event-log and broadcast
// counters, and gauges sampled from the hub and the CLI process
// registry. All methods are nil-receiver safe so instrumentation stays
// optional for tests and embedded use.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a private registry, keeping the
// process-global default registry out of the picture.
type Metrics struct {
	registry *prometheus.Registry

	turnsStarted     prometheus.Counter
	turnsCompleted   prometheus.Counter
	turnsInterrupted prometheus.Counter
	turnsFailed      prometheus.Counter
	eventsAppended   prometheus.Counter
	broadcastDrops   prometheus.Counter
	toolInvocations  *prometheus.CounterVec
}

// New creates a Metrics with all counters registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		turnsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "talon_turns_started_total",
			Help: "Turns started, including turns that later fail or are cancelled.",
		}),
		turnsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "talon_turns_completed_total",
			Help: "Turns that ran to a normal turn_end.",
		}),
		turnsInterrupted: factory.NewCounter(prometheus.CounterOpts{
			Name: "talon_turns_interrupted_total",
			Help: "Turns cut short by a user cancel.",
		}),
		turnsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "talon_turns_failed_total",
			Help: "Turns that ended with a terminal error frame.",
		}),
		eventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "talon_events_appended_total",
			Help: "Events persisted to session event logs.",
		}),
		broadcastDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "talon_broadcast_drops_total",
			Help: "Connections closed because their outbound queue overflowed.",
		}),
		toolInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talon_tool_invocations_total",
			Help: "Tool invocations by tool name.",
		}, []string{"tool"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterSessionsGauge samples the number of live sessions on scrape.
func (m *Metrics) RegisterSessionsGauge(sample func() float64) {
	if m == nil || sample == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "talon_active_sessions",
		Help: "Live (non-deleted) sessions known to the hub.",
	}, sample))
}

// RegisterCLIProcessGauge samples the number of live CLI subprocesses
// on scrape.
func (m *Metrics) RegisterCLIProcessGauge(sample func() float64) {
	if m == nil || sample == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "talon_cli_processes",
		Help: "Running coding-CLI subprocesses.",
	}, sample))
}

// TurnStarted counts one turn start.
func (m *Metrics) TurnStarted() {
	if m != nil {
		m.turnsStarted.Inc()
	}
}

// TurnCompleted counts one normal turn end.
func (m *Metrics) TurnCompleted() {
	if m != nil {
		m.turnsCompleted.Inc()
	}
}

// TurnInterrupted counts one cancelled turn.
func (m *Metrics) TurnInterrupted() {
	if m != nil {
		m.turnsInterrupted.Inc()
	}
}

// TurnFailed counts one turn that ended in a terminal error.
func (m *Metrics) TurnFailed() {
	if m != nil {
		m.turnsFailed.Inc()
	}
}

// EventAppended counts one persisted event.
func (m *Metrics) EventAppended() {
	if m != nil {
		m.eventsAppended.Inc()
	}
}

// BroadcastDrop counts one connection closed for backpressure.
func (m *Metrics) BroadcastDrop() {
	if m != nil {
		m.broadcastDrops.Inc()
	}
}

// ToolInvoked counts one tool invocation.
func (m *Metrics) ToolInvoked(tool string) {
	if m != nil {
		m.toolInvocations.WithLabelValues(tool).Inc()
	}
}
