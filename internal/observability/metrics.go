package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the margin ledger.
type Metrics struct {
	// --- Operations ---
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec

	// --- Liquidation & seizure ---
	Liquidations    *prometheus.CounterVec
	Seizures        prometheus.Counter
	BadDebtEvents   prometheus.Counter
	InsuranceGauge  prometheus.Gauge
	SystemBadDebt   prometheus.Gauge
	TotalValueGauge prometheus.Gauge

	// --- Event fan-out ---
	EventsEmitted   prometheus.Counter
	PublishDrops    prometheus.Counter
	PersistWritten  prometheus.Counter
	PersistErrors   *prometheus.CounterVec
	PersistBatchDur prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_ops_applied_total",
			Help: "Operations successfully committed",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_ops_rejected_total",
			Help: "Operations rejected, by failure reason",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mledger_op_duration_seconds",
			Help:    "Time to process one operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		Liquidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_liquidations_total",
			Help: "Completed liquidations by position kind",
		}, []string{"kind"}),

		Seizures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mledger_seizures_total",
			Help: "Completed collateral seizures",
		}),

		BadDebtEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mledger_bad_debt_events_total",
			Help: "Seizures that left residual bad debt",
		}),

		InsuranceGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mledger_insurance_balance",
			Help: "Insurance reserve balance in primary-asset units",
		}),

		SystemBadDebt: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mledger_system_bad_debt",
			Help: "Cumulative socialized bad debt in primary-asset units",
		}),

		TotalValueGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mledger_total_value_locked",
			Help: "Derived TVL in USD units",
		}),

		EventsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mledger_events_emitted_total",
			Help: "Domain events emitted after commit",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mledger_publish_drops_total",
			Help: "Events dropped because the publish channel was full",
		}),

		PersistWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mledger_persist_events_written_total",
			Help: "Events written to the Postgres history",
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_persist_errors_total",
			Help: "Persistence write failures",
		}, []string{"kind"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mledger_persist_batch_duration_seconds",
			Help:    "Time to flush one persistence batch",
			Buckets: latencyBuckets,
		}),
	}
}
