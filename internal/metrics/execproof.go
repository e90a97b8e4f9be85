package metrics

import (
	"time"
)

// ProtocolMetrics holds all execproof-specific metrics.
type ProtocolMetrics struct {
	registry *Registry

	// Counters
	ChallengesIssued   *Counter
	ChallengesConsumed *Counter
	ChallengesExpired  *Counter
	SessionsTotal      *Counter
	SessionsVerified   *Counter
	SessionsRejected   *Counter
	SessionsExpired    *Counter
	ProofsGenerated    *Counter
	ExportsTotal       *Counter
	RegistryDriftTotal *Counter
	ErrorsTotal        *Counter

	// Gauges
	ActiveSessions     *Gauge
	RegisteredBinaries *Gauge
	UptimeSeconds      *Gauge

	// Histograms
	ProveDuration        *Histogram
	VerificationDuration *Histogram
	SandboxDuration      *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewProtocolMetrics creates and registers all execproof metrics.
func NewProtocolMetrics(registry *Registry) *ProtocolMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &ProtocolMetrics{
		registry: registry,

		// Counters
		ChallengesIssued: registry.RegisterCounter(
			"challenges_issued_total",
			"Total number of challenges issued",
			nil,
		),
		ChallengesConsumed: registry.RegisterCounter(
			"challenges_consumed_total",
			"Total number of challenges consumed",
			nil,
		),
		ChallengesExpired: registry.RegisterCounter(
			"challenges_expired_total",
			"Total number of challenges that expired unconsumed",
			nil,
		),
		SessionsTotal: registry.RegisterCounter(
			"sessions_total",
			"Total number of proof sessions started",
			nil,
		),
		SessionsVerified: registry.RegisterCounter(
			"sessions_verified_total",
			"Total number of sessions accepted by the verifier",
			nil,
		),
		SessionsRejected: registry.RegisterCounter(
			"sessions_rejected_total",
			"Total number of sessions rejected by the verifier",
			nil,
		),
		SessionsExpired: registry.RegisterCounter(
			"sessions_expired_total",
			"Total number of sessions that timed out",
			nil,
		),
		ProofsGenerated: registry.RegisterCounter(
			"proofs_generated_total",
			"Total number of zero-knowledge proofs generated",
			nil,
		),
		ExportsTotal: registry.RegisterCounter(
			"exports_total",
			"Total number of evidence packet exports",
			nil,
		),
		RegistryDriftTotal: registry.RegisterCounter(
			"registry_drift_total",
			"Total number of registered binary checksum drift events",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of errors",
			nil,
		),

		// Gauges
		ActiveSessions: registry.RegisterGauge(
			"active_sessions",
			"Number of sessions not yet in a terminal state",
			nil,
		),
		RegisteredBinaries: registry.RegisterGauge(
			"registered_binaries",
			"Number of binaries in the checksum registry",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),

		// Histograms
		ProveDuration: registry.RegisterHistogram(
			"prove_duration_seconds",
			"Duration of zero-knowledge proof generation in seconds",
			nil,
			[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		),
		VerificationDuration: registry.RegisterHistogram(
			"verification_duration_seconds",
			"Duration of verification operations in seconds",
			nil,
			DurationBuckets,
		),
		SandboxDuration: registry.RegisterHistogram(
			"sandbox_duration_seconds",
			"Duration of sandboxed binary executions in seconds",
			nil,
			[]float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		),
	}

	return m
}

// RecordChallengeIssued records a challenge issuance.
func (m *ProtocolMetrics) RecordChallengeIssued() {
	m.ChallengesIssued.Inc()
}

// RecordChallengeConsumed records a successful atomic consume.
func (m *ProtocolMetrics) RecordChallengeConsumed() {
	m.ChallengesConsumed.Inc()
}

// RecordChallengesExpired records reaped unconsumed challenges.
func (m *ProtocolMetrics) RecordChallengesExpired(n int) {
	m.ChallengesExpired.Add(uint64(n))
}

// RecordSessionStart records a new session.
func (m *ProtocolMetrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionEnd records a session reaching a terminal state.
func (m *ProtocolMetrics) RecordSessionEnd(outcome string) {
	m.ActiveSessions.Dec()
	switch outcome {
	case "verified":
		m.SessionsVerified.Inc()
	case "rejected":
		m.SessionsRejected.Inc()
	case "expired":
		m.SessionsExpired.Inc()
	}
}

// RecordProve records a proof generation.
func (m *ProtocolMetrics) RecordProve(duration time.Duration) {
	m.ProofsGenerated.Inc()
	m.ProveDuration.ObserveDuration(duration)
}

// StartProveTimer returns a timer for proof generation.
func (m *ProtocolMetrics) StartProveTimer() *HistogramTimer {
	return m.ProveDuration.Timer()
}

// RecordVerification records a verification operation.
func (m *ProtocolMetrics) RecordVerification(duration time.Duration, accepted bool) {
	m.VerificationDuration.ObserveDuration(duration)
	if !accepted {
		m.ErrorsTotal.Inc()
	}
}

// RecordExport records an evidence export.
func (m *ProtocolMetrics) RecordExport() {
	m.ExportsTotal.Inc()
}

// RecordDrift records a checksum drift event for a registered binary.
func (m *ProtocolMetrics) RecordDrift() {
	m.RegistryDriftTotal.Inc()
}

// RecordSandboxRun records a sandboxed execution.
func (m *ProtocolMetrics) RecordSandboxRun(duration time.Duration) {
	m.SandboxDuration.ObserveDuration(duration)
}

// UpdateUptime refreshes the uptime gauge.
func (m *ProtocolMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}
