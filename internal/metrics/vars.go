package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Mid = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arbmon_venue_mid",
		Help: "Last normalized mid price per venue, in the pair's quote currency",
	}, []string{"venue"})

	QuoteLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arbmon_quote_latency_seconds",
		Help:    "Time to obtain a ticker or depth quote from a venue",
		Buckets: prometheus.DefBuckets,
	}, []string{"venue"})

	QuoteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arbmon_quote_errors_total",
		Help: "Number of failed ticker/depth fetches per venue",
	}, []string{"venue"})

	OpportunitiesDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arbmon_opportunities_detected_total",
		Help: "Opportunities surfaced by the detector, per venue pair",
	}, []string{"buy_venue", "sell_venue"})

	OpportunitiesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arbmon_opportunities_rejected_total",
		Help: "Opportunities dropped by the pre-execution validator, by reason",
	}, []string{"reason"})

	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arbmon_executions_total",
		Help: "Completed executions by final state",
	}, []string{"final_state"})

	ExecutionStageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arbmon_execution_stage_seconds",
		Help:    "Wall time spent in each executor stage",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	RealizedNet = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "arbmon_realized_net_quote",
		Help:    "Realized net profit per settled execution, in quote currency units",
		Buckets: []float64{-10, -1, -0.1, 0, 0.1, 1, 10, 100},
	})

	ReservationsOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arbmon_reservations_open",
		Help: "Currently live balance reservations, per venue",
	}, []string{"venue"})

	PositionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arbmon_positions_open",
		Help: "Unsettled positions awaiting operator reconciliation",
	})

	CircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arbmon_circuit_state",
		Help: "Circuit breaker state per venue (0=closed, 1=half_open, 2=open)",
	}, []string{"venue"})
)

func init() {
	prometheus.MustRegister(
		Mid,
		QuoteLatency,
		QuoteErrors,
		OpportunitiesDetected,
		OpportunitiesRejected,
		ExecutionsTotal,
		ExecutionStageDuration,
		RealizedNet,
		ReservationsOpen,
		PositionsOpen,
		CircuitState,
	)
}
