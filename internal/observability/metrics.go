package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywall_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"code"},
	)
	Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "paywall_http_request_duration_seconds",
		Help:    "Request latency seconds",
		Buckets: prometheus.DefBuckets,
	})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "paywall_http_in_flight",
		Help: "In-flight HTTP requests",
	})
	RequestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywall_http_request_errors_total",
			Help: "Total errors by type",
		}, []string{"type"},
	)

	ConfiguredTriggers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "paywall_configured_triggers",
		Help: "Valid triggers in the current configuration snapshot",
	})
	RuleOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywall_rule_outcomes_total",
			Help: "Rule evaluations by outcome",
		}, []string{"outcome"},
	)
	RuleEvaluationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "paywall_rule_evaluation_seconds",
		Help:    "Time spent matching an event against its trigger",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})
	EvaluationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywall_predicate_errors_total",
			Help: "Predicate evaluation failures by predicate kind",
		}, []string{"kind"},
	)
	Assignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywall_assignments_total",
			Help: "Variant resolutions by result",
		}, []string{"result"},
	)
	ArtifactBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywall_artifact_builds_total",
			Help: "Artifact builds by result",
		}, []string{"result"},
	)
	ArtifactCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywall_artifact_cache_total",
			Help: "Artifact cache lookups by result",
		}, []string{"result"},
	)
	PaywallStates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywall_states_total",
			Help: "Emitted presentation states by kind and reason",
		}, []string{"kind", "reason"},
	)
	ActivePaywall = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "paywall_active",
		Help: "1 while a paywall is displayed",
	})
	DelayedRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "paywall_delayed_requests",
		Help: "Presentation requests waiting for configuration",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, Latency, InFlight, RequestErrors,
		ConfiguredTriggers, RuleOutcomes, RuleEvaluationSeconds, EvaluationErrors,
		Assignments, ArtifactBuilds, ArtifactCache,
		PaywallStates, ActivePaywall, DelayedRequests,
	)
}

func MetricsHandler() http.Handler { return promhttp.Handler() }

type rec struct {
	http.ResponseWriter
	code int
}

func (r *rec) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func Measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		InFlight.Inc()
		defer InFlight.Dec()

		rr := &rec{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rr, r)

		Latency.Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(strconv.Itoa(rr.code)).Inc()
	})
}
