// Package metrics holds the Prometheus instruments for the grant core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	// Command metrics
	CommandTotal    *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	// Event log metrics
	EventsAppended *prometheus.CounterVec

	// Idempotency ledger metrics
	IdempotencyOutcomes *prometheus.CounterVec

	// Projection metrics
	RebuildDuration prometheus.Histogram
	RebuildEvents   prometheus.Counter

	// Export metrics
	BatchesRendered  prometheus.Counter
	RenderedRecords  prometheus.Counter
	GatewayRequests  *prometheus.CounterVec
	GatewayDuration  *prometheus.HistogramVec

	// Sweep metrics
	SweepRuns    *prometheus.CounterVec
	SweepActions *prometheus.CounterVec
}

// New creates and registers all metrics. A nil registerer uses the default
// global registry; tests pass their own prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CommandTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantcore_command_total",
				Help: "Total commands executed, by operation and result code",
			},
			[]string{"op", "code"}, // code: "" on success, taxonomy code on rejection
		),

		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grantcore_command_duration_seconds",
				Help:    "End-to-end command duration including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),

		EventsAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantcore_events_appended_total",
				Help: "Events appended to the log, by event type",
			},
			[]string{"event_type"},
		),

		IdempotencyOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantcore_idempotency_outcomes_total",
				Help: "Idempotency reservation outcomes",
			},
			[]string{"outcome"}, // new, replayed, in_progress
		),

		RebuildDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "grantcore_rebuild_duration_seconds",
				Help:    "Duration of full projection rebuilds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),

		RebuildEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "grantcore_rebuild_events_total",
				Help: "Events replayed by projection rebuilds",
			},
		),

		BatchesRendered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "grantcore_oasis_batches_rendered_total",
				Help: "OASIS export files rendered",
			},
		),

		RenderedRecords: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "grantcore_oasis_records_rendered_total",
				Help: "Detail records written into rendered OASIS files",
			},
		),

		GatewayRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantcore_gateway_requests_total",
				Help: "Requests to the OASIS gateway, by operation and outcome",
			},
			[]string{"op", "outcome"}, // outcome: ok, error, breaker_open
		),

		GatewayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grantcore_gateway_duration_seconds",
				Help:    "Gateway round-trip duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),

		SweepRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantcore_sweep_runs_total",
				Help: "Background sweep executions, by sweep name and result",
			},
			[]string{"sweep", "result"}, // result: ok, error, not_leader
		),

		SweepActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantcore_sweep_actions_total",
				Help: "Entities acted on by background sweeps",
			},
			[]string{"sweep"},
		),
	}
}

// RecordCommand records one command execution.
func (m *Metrics) RecordCommand(op, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CommandTotal.WithLabelValues(op, code).Inc()
	m.CommandDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordEventAppended counts a committed event.
func (m *Metrics) RecordEventAppended(eventType string) {
	if m == nil {
		return
	}
	m.EventsAppended.WithLabelValues(eventType).Inc()
}

// RecordIdempotency counts a reservation outcome.
func (m *Metrics) RecordIdempotency(outcome string) {
	if m == nil {
		return
	}
	m.IdempotencyOutcomes.WithLabelValues(outcome).Inc()
}

// RecordRebuild records a completed projection rebuild.
func (m *Metrics) RecordRebuild(events int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RebuildDuration.Observe(elapsed.Seconds())
	m.RebuildEvents.Add(float64(events))
}

// RecordRender records a rendered export file.
func (m *Metrics) RecordRender(records int) {
	if m == nil {
		return
	}
	m.BatchesRendered.Inc()
	m.RenderedRecords.Add(float64(records))
}

// RecordGateway records one gateway round trip.
func (m *Metrics) RecordGateway(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(op, outcome).Inc()
	m.GatewayDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordSweep records a sweep run and how many entities it acted on.
func (m *Metrics) RecordSweep(sweep, result string, actions int) {
	if m == nil {
		return
	}
	m.SweepRuns.WithLabelValues(sweep, result).Inc()
	if actions > 0 {
		m.SweepActions.WithLabelValues(sweep).Add(float64(actions))
	}
}
