package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes reported on TurnsTotal.
const (
	OutcomeCompleted  = "completed"
	OutcomeCapReached = "cap_reached"
	OutcomeError      = "error"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	TurnsTotal        *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	BrainRequests     *prometheus.CounterVec
	TurnLatency       prometheus.Histogram
	ToolLoopRoundTrip prometheus.Histogram

	stages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments on reg; tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live caller sessions held by the session store.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Orchestrated turns by outcome.",
		}, []string{"outcome"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		BrainRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "brain_requests_total",
			Help:      "Remote model requests by operation and status.",
		}, []string{"op", "status"}),
		TurnLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "Wall-clock latency of one orchestrated turn in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		}),
		ToolLoopRoundTrip: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_loop_round_trips",
			Help:      "Remote round-trips needed to finish one turn.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 20, 30},
		}),
		stages: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveTurn(outcome string, d time.Duration, roundTrips int) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeError {
		m.stages.ObserveIndicator("turn_error")
		return
	}
	m.TurnLatency.Observe(float64(d.Milliseconds()))
	m.ToolLoopRoundTrip.Observe(float64(roundTrips))
	m.stages.Observe(StageTurnTotal, float64(d.Milliseconds()))
	if outcome == OutcomeCapReached {
		m.stages.ObserveIndicator(OutcomeCapReached)
	}
}

func (m *Metrics) ObserveToolCall(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	m.stages.Observe(StageToolExec, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveBrainRequest(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.BrainRequests.WithLabelValues(op, status).Inc()
	if err == nil {
		m.stages.Observe(StageBrainRoundTrip, float64(d.Milliseconds()))
	}
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

// SnapshotTurnStages returns rolling latency stats for the tool loop stages.
func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil || m.stages == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

// ResetTurnStages clears the rolling stage window. Prometheus counters are
// not affected.
func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
