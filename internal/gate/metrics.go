package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the access gate.
type Metrics struct {
	ChallengesIssued *prometheus.CounterVec
	Settlements      *prometheus.CounterVec
	Denials          *prometheus.CounterVec
	RevenueSats      prometheus.Counter
	SettleDuration   prometheus.Histogram
}

// NewMetrics creates and registers the gate metrics with the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		ChallengesIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_challenges_issued_total",
				Help: "Payment challenges (402 responses) issued per resource",
			},
			[]string{"resource"},
		),

		Settlements: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_settlements_total",
				Help: "Settlement attempts by result",
			},
			[]string{"result"}, // ok, already_settled, expired, proof_invalid, not_found
		),

		Denials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_denials_total",
				Help: "Denied paid requests by reason",
			},
			[]string{"reason"},
		),

		RevenueSats: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gate_revenue_sats_total",
				Help: "Total sats collected through settled invoices",
			},
		),

		SettleDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gate_settle_duration_seconds",
				Help:    "Duration of token verification plus settlement",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}
