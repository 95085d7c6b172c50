package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for BlueLedger.
type Metrics struct {
	// --- Projection ---
	EventsApplied      *prometheus.CounterVec
	EventsRejected     *prometheus.CounterVec
	EventApplyDuration *prometheus.HistogramVec
	LastAppliedBlock   prometheus.Gauge

	// --- Idempotency ---
	DedupDuplicates    *prometheus.CounterVec
	DedupLRUSize       prometheus.Gauge
	DedupTier2Duration prometheus.Histogram

	// --- Price ingestion ---
	PriceFetches       *prometheus.CounterVec
	PriceFetchDuration prometheus.Histogram
	ObservationsStored prometheus.Counter
	OraclesSkipped     prometheus.Counter

	// --- Risk scanning ---
	ScansCompleted     prometheus.Counter
	ScanDuration       prometheus.Histogram
	PositionsScanned   prometheus.Histogram
	PositionsByBucket  *prometheus.GaugeVec
	AlertsPublished    *prometheus.CounterVec

	// --- Persistence ---
	PersistRowsWritten *prometheus.CounterVec
	PersistBatchSize   prometheus.Histogram
	PersistBatchDur    prometheus.Histogram
	PersistErrors      *prometheus.CounterVec
	PersistRetry       prometheus.Counter
	PersistLastBlock   prometheus.Gauge

	// --- Channel & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	applyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		EventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "blue_events_applied_total",
			Help: "Events successfully applied to the ledger",
		}, []string{"event_type"}),

		EventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "blue_events_rejected_total",
			Help: "Events rejected (duplicate, out_of_order, parse)",
		}, []string{"event_type", "reason"}),

		EventApplyDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blue_event_apply_duration_seconds",
			Help:    "Time to apply a single event",
			Buckets: applyBuckets,
		}, []string{"event_type"}),

		LastAppliedBlock: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "blue_last_applied_block",
			Help: "Block number of the most recently applied event",
		}),

		DedupDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "blue_dedup_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "blue_dedup_lru_size",
			Help: "Current dedup LRU occupancy",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "blue_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: applyBuckets,
		}),

		PriceFetches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "blue_price_fetches_total",
			Help: "Oracle price fetch attempts by outcome",
		}, []string{"outcome"}),

		PriceFetchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "blue_price_fetch_duration_seconds",
			Help:    "Oracle price fetch latency",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),

		ObservationsStored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "blue_price_observations_stored_total",
			Help: "New price observations recorded",
		}),

		OraclesSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "blue_oracles_skipped_total",
			Help: "Oracle fetches skipped by the denylist",
		}),

		ScansCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "blue_risk_scans_completed_total",
			Help: "Risk scans completed",
		}),

		ScanDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "blue_risk_scan_duration_seconds",
			Help:    "Full risk scan duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		PositionsScanned: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "blue_risk_positions_scanned",
			Help:    "Positions evaluated per scan",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
		}),

		PositionsByBucket: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blue_risk_positions",
			Help: "Positions in each risk bucket after the latest scan",
		}, []string{"classification"}),

		AlertsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "blue_risk_alerts_published_total",
			Help: "Risk alerts published to NATS",
		}, []string{"classification"}),

		PersistRowsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "blue_persist_rows_written_total",
			Help: "Rows written to Postgres by table",
		}, []string{"table"}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "blue_persist_batch_size",
			Help:    "Outputs per persisted batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "blue_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "blue_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "blue_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastBlock: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "blue_persist_last_block",
			Help: "Block number of the last persisted output",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blue_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blue_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blue_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "blue_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blue_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "blue_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
