package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/spaceai-verifier/internal/domain"

	"time"
)

type Metrics struct {
	reg prometheus.Registerer

	// Traffic: сколько челленджей отправлено и чем закончились
	ChallengesTotal *prometheus.CounterVec

	// Latency: время ответа агента на webhook
	ResponseDuration *prometheus.HistogramVec

	// Errors: всплески, упершиеся в общий таймаут
	BurstTimeouts *prometheus.CounterVec

	SessionsFinalized *prometheus.CounterVec
	AutonomyScore     prometheus.Histogram

	TierChanges *prometheus.CounterVec
	SpotChecks  *prometheus.CounterVec
	Revocations prometheus.Counter

	// Saturation: состояние Circuit Breaker коллабораторов (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		ChallengesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_challenges_total",
			Help: "Total number of dispatched challenges by kind and outcome.",
		}, []string{"kind", "status"}),

		ResponseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "verifier_response_duration_seconds",
			Help:    "Histogram of agent webhook response latencies.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20},
		}, []string{"kind"}),

		BurstTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_burst_timeouts_total",
			Help: "Bursts that hit the burst-level deadline.",
		}, []string{"kind"}),

		SessionsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_sessions_finalized_total",
			Help: "Finalized verification sessions by outcome.",
		}, []string{"outcome"}), // passed, attempt_rate, daily_minimum, pass_rate, autonomy

		AutonomyScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "verifier_autonomy_score",
			Help:    "Distribution of composite autonomy scores at finalize.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),

		TierChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_tier_changes_total",
			Help: "Trust tier transitions.",
		}, []string{"from", "to"}),

		SpotChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_spot_checks_total",
			Help: "Spot checks by outcome.",
		}, []string{"status"}),

		Revocations: f.NewCounter(prometheus.CounterOpts{
			Name: "verifier_revocations_total",
			Help: "Verified agents revoked by the rolling window rule.",
		}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "verifier_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"collaborator"}),
	}
}

// WatchJournal - заполненность буфера журнала (backpressure) и потерянные события
func (m *Metrics) WatchJournal(j interface {
	Len() int
	Dropped() int64
}) {
	f := promauto.With(m.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "verifier_journal_buffer_utilization",
		Help: "Current number of events in journal buffer.",
	}, func() float64 { return float64(j.Len()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "verifier_journal_dropped_total",
		Help: "Events dropped because the journal buffer was full.",
	}, func() float64 { return float64(j.Dropped()) })
}

func (m *Metrics) ObserveChallenge(kind string, status domain.ChallengeStatus, d time.Duration) {
	m.ChallengesTotal.WithLabelValues(kind, string(status)).Inc()
	if status != domain.ChallengeSkipped {
		m.ResponseDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveBurstTimeout(kind string) {
	m.BurstTimeouts.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveSession(outcome string, score float64) {
	m.SessionsFinalized.WithLabelValues(outcome).Inc()
	m.AutonomyScore.Observe(score)
}

func (m *Metrics) ObserveTierChange(from, to domain.TrustTier) {
	if from == "" {
		from = "none"
	}
	m.TierChanges.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) ObserveSpotCheck(status domain.ChallengeStatus) {
	m.SpotChecks.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ObserveRevocation() {
	m.Revocations.Inc()
}

func (m *Metrics) ObserveBreakerState(name string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}
