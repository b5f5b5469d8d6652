package metrics

import (
	"github.com/devrev/hyperdrive/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Failover metrics
	AttemptsTotal     *prometheus.CounterVec
	AttemptDuration   *prometheus.HistogramVec
	FailoversTotal    *prometheus.CounterVec
	AggregateFailures *prometheus.CounterVec

	// Replication metrics
	ReplicaWrites      *prometheus.CounterVec
	ReplicationRetries *prometheus.CounterVec

	// Registry metrics
	ProvidersActive prometheus.Gauge
	Deactivations   *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates metrics registered with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hyperdrive_provider_attempts_total",
				Help: "Total number of provider attempts made by the failover orchestrator",
			},
			[]string{"provider_id", "verb", "status"},
		),

		AttemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hyperdrive_provider_attempt_duration_seconds",
				Help:    "Duration of provider attempts",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider_id", "verb"},
		),

		FailoversTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hyperdrive_failovers_total",
				Help: "Total number of calls served after at least one provider failed",
			},
			[]string{"verb", "provider_id"},
		),

		AggregateFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hyperdrive_aggregate_failures_total",
				Help: "Total number of calls for which every provider failed",
			},
			[]string{"verb"},
		),

		ReplicaWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hyperdrive_replica_writes_total",
				Help: "Total number of replica writes",
			},
			[]string{"provider_id", "status"},
		),

		ReplicationRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hyperdrive_replication_retries_total",
				Help: "Total number of scheduled replication retries",
			},
			[]string{"provider_id", "outcome"},
		),

		ProvidersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hyperdrive_providers_active",
				Help: "Number of active providers",
			},
		),

		Deactivations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hyperdrive_provider_deactivations_total",
				Help: "Total number of provider deactivations",
			},
			[]string{"provider_id"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hyperdrive_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hyperdrive_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}
}

// RecordAttempt records one provider attempt
func (m *Metrics) RecordAttempt(providerID model.ProviderID, verb, status string, duration float64) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(providerID.String(), verb, status).Inc()
	m.AttemptDuration.WithLabelValues(providerID.String(), verb).Observe(duration)
}

// RecordFailover records a call served by providerID after earlier failures
func (m *Metrics) RecordFailover(verb string, providerID model.ProviderID) {
	if m == nil {
		return
	}
	m.FailoversTotal.WithLabelValues(verb, providerID.String()).Inc()
}

// RecordAggregateFailure records a call that exhausted its plan
func (m *Metrics) RecordAggregateFailure(verb string) {
	if m == nil {
		return
	}
	m.AggregateFailures.WithLabelValues(verb).Inc()
}

// RecordReplicaWrite records a replica write outcome
func (m *Metrics) RecordReplicaWrite(providerID model.ProviderID, status string) {
	if m == nil {
		return
	}
	m.ReplicaWrites.WithLabelValues(providerID.String(), status).Inc()
}

// RecordReplicationRetry records the outcome of a scheduled retry
func (m *Metrics) RecordReplicationRetry(providerID model.ProviderID, outcome string) {
	if m == nil {
		return
	}
	m.ReplicationRetries.WithLabelValues(providerID.String(), outcome).Inc()
}

// UpdateProvidersActive sets the active providers gauge
func (m *Metrics) UpdateProvidersActive(count int) {
	if m == nil {
		return
	}
	m.ProvidersActive.Set(float64(count))
}

// RecordDeactivation counts a provider deactivation
func (m *Metrics) RecordDeactivation(providerID model.ProviderID) {
	if m == nil {
		return
	}
	m.Deactivations.WithLabelValues(providerID.String()).Inc()
}

// RecordRequest records an HTTP request
func (m *Metrics) RecordRequest(route, method, status string, duration float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, method, status).Inc()
	m.RequestDuration.WithLabelValues(route, method).Observe(duration)
}
