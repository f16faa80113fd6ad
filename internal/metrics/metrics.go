package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the decision engine
type Metrics struct {
	// Trust metrics
	TrustScore       *prometheus.GaugeVec
	TrustAdjustments *prometheus.CounterVec

	// Policy metrics
	PolicyTransitions   *prometheus.CounterVec
	EnforcementFailures *prometheus.CounterVec

	// Anomaly metrics
	AnomaliesDetected *prometheus.CounterVec

	// Threat intelligence metrics
	BlockedIdentifiers prometheus.Gauge
	ThreatsProcessed   *prometheus.CounterVec

	// Sweep metrics
	SweepDuration *prometheus.HistogramVec
	SweepErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		TrustScore: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_trust_score",
				Help: "Current trust score for each device",
			},
			[]string{"device_id"},
		),

		TrustAdjustments: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_trust_adjustments_total",
				Help: "Total trust score adjustments applied",
			},
			[]string{"device_id", "direction"}, // direction: up, down
		),

		PolicyTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_policy_transitions_total",
				Help: "Total policy transitions committed at the enforcement boundary",
			},
			[]string{"action", "source"}, // source: threshold, override
		),

		EnforcementFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_enforcement_failures_total",
				Help: "Enforcement boundary calls that failed",
			},
			[]string{"device_id"},
		),

		AnomaliesDetected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_anomalies_detected_total",
				Help: "Behavioral anomalies flagged by the detector",
			},
			[]string{"type", "severity"},
		),

		BlockedIdentifiers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleet_blocked_identifiers",
				Help: "Network identifiers currently on the block list",
			},
		),

		ThreatsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_threats_processed_total",
				Help: "Decoy interaction records processed by threat intelligence",
			},
			[]string{"severity"},
		),

		SweepDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_sweep_duration_seconds",
				Help:    "Duration of one background sweep iteration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"worker"}, // worker: decoy, attestation, policy, alert
		),

		SweepErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_sweep_errors_total",
				Help: "Per-device errors logged by background sweeps",
			},
			[]string{"worker"},
		),
	}
}

// SetTrustScore updates the per-device score gauge
func (m *Metrics) SetTrustScore(deviceID string, score int) {
	m.TrustScore.WithLabelValues(deviceID).Set(float64(score))
}

// RecordAdjustment counts one score adjustment
func (m *Metrics) RecordAdjustment(deviceID string, delta int) {
	direction := "up"
	if delta < 0 {
		direction = "down"
	}
	m.TrustAdjustments.WithLabelValues(deviceID, direction).Inc()
}

// RecordPolicyTransition counts one committed policy change
func (m *Metrics) RecordPolicyTransition(action, source string) {
	m.PolicyTransitions.WithLabelValues(action, source).Inc()
}

// RecordEnforcementFailure counts one failed enforcement call
func (m *Metrics) RecordEnforcementFailure(deviceID string) {
	m.EnforcementFailures.WithLabelValues(deviceID).Inc()
}

// RecordAnomaly counts one detector verdict
func (m *Metrics) RecordAnomaly(anomalyType, severity string) {
	m.AnomaliesDetected.WithLabelValues(anomalyType, severity).Inc()
}

// RecordThreat counts one processed decoy record
func (m *Metrics) RecordThreat(severity string) {
	m.ThreatsProcessed.WithLabelValues(severity).Inc()
}

// RecordSweep observes one sweep iteration's duration
func (m *Metrics) RecordSweep(worker string, seconds float64) {
	m.SweepDuration.WithLabelValues(worker).Observe(seconds)
}

// RecordSweepError counts one per-device sweep error
func (m *Metrics) RecordSweepError(worker string) {
	m.SweepErrors.WithLabelValues(worker).Inc()
}
