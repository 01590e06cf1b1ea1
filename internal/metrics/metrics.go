// Package metrics holds the Prometheus collectors for the pipeline.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	signalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soar_signals_total",
		Help: "Threat signals received, by outcome (accepted, rejected, duplicate, dropped)",
	}, []string{"outcome"})
	ruleEvaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soar_rule_evaluations_total",
		Help: "Correlation rule evaluations, by result (match, miss, error)",
	}, []string{"rule_id", "result"})
	correlationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soar_correlations_total",
		Help: "Correlations created, by rule and severity bucket",
	}, []string{"rule_id", "severity"})
	executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soar_response_executions_total",
		Help: "Response executions, by action and final status",
	}, []string{"action", "status"})
	pendingReviews = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "soar_pending_reviews",
		Help: "Response policies awaiting manual review",
	})
	activeBlocks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "soar_active_blocks",
		Help: "Active enforcement records, by kind (ip, account)",
	}, []string{"kind"})
	incidentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soar_incidents_total",
		Help: "Incidents created, by category and severity",
	}, []string{"category", "severity"})
	escalationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soar_escalations_total",
		Help: "Incident escalations fired",
	})
	sweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "soar_sweep_duration_seconds",
		Help:    "Duration of periodic sweeps",
		Buckets: prometheus.DefBuckets,
	}, []string{"sweep"})
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soar_http_requests_total",
		Help: "HTTP requests, by method and status code",
	}, []string{"method", "code"})
	requestsDeniedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soar_requests_denied_total",
		Help: "Requests refused by middleware, by reason",
	}, []string{"reason"})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		signalsTotal,
		ruleEvaluationsTotal,
		correlationsTotal,
		executionsTotal,
		pendingReviews,
		activeBlocks,
		incidentsTotal,
		escalationsTotal,
		sweepDuration,
		httpRequestsTotal,
		requestsDeniedTotal,
	)
}

// IncSignal counts a received signal by outcome.
func IncSignal(outcome string) { signalsTotal.WithLabelValues(outcome).Inc() }

// IncRuleEvaluation counts one rule evaluation.
func IncRuleEvaluation(ruleID, result string) {
	ruleEvaluationsTotal.WithLabelValues(ruleID, result).Inc()
}

// IncCorrelation counts a created correlation.
func IncCorrelation(ruleID, severity string) {
	correlationsTotal.WithLabelValues(ruleID, severity).Inc()
}

// IncExecution counts a finished response execution.
func IncExecution(action, status string) {
	executionsTotal.WithLabelValues(action, status).Inc()
}

// SetPendingReviews sets the manual review backlog.
func SetPendingReviews(n int) { pendingReviews.Set(float64(n)) }

// SetActiveBlocks sets the number of active enforcement records of a kind.
func SetActiveBlocks(kind string, n int) { activeBlocks.WithLabelValues(kind).Set(float64(n)) }

// IncIncident counts a created incident.
func IncIncident(category, severity string) {
	incidentsTotal.WithLabelValues(category, severity).Inc()
}

// IncEscalation counts a fired escalation.
func IncEscalation() { escalationsTotal.Inc() }

// ObserveSweep records how long a sweep took.
func ObserveSweep(sweep string, seconds float64) {
	sweepDuration.WithLabelValues(sweep).Observe(seconds)
}

// IncHTTPRequest counts a served HTTP request.
func IncHTTPRequest(method string, code int) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// IncDenied counts a request refused by middleware.
func IncDenied(reason string) { requestsDeniedTotal.WithLabelValues(reason).Inc() }
