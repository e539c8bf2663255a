package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pool service.
type Metrics struct {
	// --- Engine ---
	OpsApplied     *prometheus.CounterVec
	OpsRejected    *prometheus.CounterVec
	OpDuration     *prometheus.HistogramVec
	Journals       *prometheus.CounterVec
	Sequence       prometheus.Gauge
	Fills          prometheus.Counter
	FilledNotional prometheus.Counter
	Liquidations   *prometheus.CounterVec
	Expirations    prometheus.Counter
	DividendsPaid  prometheus.Counter
	OpenPositions  prometheus.Gauge
	RestingOrders  prometheus.Gauge
	EngineRetired  prometheus.Gauge

	// --- Pool ---
	TotalStaked        prometheus.Gauge
	AllTimeTotalProfit prometheus.Gauge
	MarginBank         prometheus.Gauge
	Debt               prometheus.Gauge

	// --- Order ids ---
	OrderIDLRUSize     prometheus.Gauge
	OrderIDTier2Errors prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Price ingestion ---
	PriceUpdates  *prometheus.CounterVec
	PriceRejected *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- API ---
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	HTTPRateLimit prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Engine
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_pool_ops_applied_total",
			Help: "Engine operations committed",
		}, []string{"op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_pool_ops_rejected_total",
			Help: "Engine operations rejected before commit",
		}, []string{"op", "reason"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_pool_op_duration_seconds",
			Help:    "Time spent inside the engine critical section",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		Journals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_pool_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		Sequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_pool_sequence",
			Help: "Last assigned event sequence",
		}),

		Fills: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_pool_fills_total",
			Help: "Maker/taker fills executed",
		}),

		FilledNotional: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_pool_filled_notional_usd_total",
			Help: "Notional filled, in USD",
		}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_pool_liquidations_total",
			Help: "Positions liquidated",
		}, []string{"liquidator"}),

		Expirations: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_pool_expirations_total",
			Help: "Positions closed at market expiry",
		}),

		DividendsPaid: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_pool_dividend_claims_total",
			Help: "Dividend claims paying a non-zero amount",
		}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_pool_open_positions",
			Help: "Non-empty positions",
		}),

		RestingOrders: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_pool_limit_orders",
			Help: "Limit orders held in the book",
		}),

		EngineRetired: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_pool_engine_retired",
			Help: "1 once the engine has been superseded",
		}),

		// Pool (settlement units, float approximation)
		TotalStaked: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_pool_total_staked",
			Help: "Total staked sale tokens",
		}),

		AllTimeTotalProfit: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_pool_all_time_total_profit",
			Help: "Fees collected since launch",
		}),

		MarginBank: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_pool_margin_bank",
			Help: "Margin seized by liquidations",
		}),

		Debt: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_pool_debt",
			Help: "Sum of negative trader balances",
		}),

		// Order ids
		OrderIDLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_pool_order_id_lru_size",
			Help: "Order ids held in the in-memory guard",
		}),

		OrderIDTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_pool_order_id_tier2_errors_total",
			Help: "Failed Postgres order id lookups",
		}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_pool_channel_size",
			Help: "Current number of items in channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_pool_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_pool_publish_drops_total",
			Help: "Outbound events dropped because the publish channel was full",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_pool_persist_backpressure_total",
			Help: "Times the engine blocked on a full persist channel",
		}),

		// Price ingestion
		PriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_pool_price_updates_total",
			Help: "Mark prices accepted",
		}, []string{"ticker"}),

		PriceRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_pool_price_rejected_total",
			Help: "Mark price messages rejected",
		}, []string{"reason"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_pool_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_pool_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_pool_persist_batch_size",
			Help:    "Events per persistence transaction",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_pool_persist_batch_duration_seconds",
			Help:    "Persistence transaction duration",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_pool_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_pool_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_pool_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_pool_snapshot_taken_total",
			Help: "Snapshots taken",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_pool_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_pool_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_pool_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		// API
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_pool_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_pool_http_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		HTTPRateLimit: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_pool_http_rate_limited_total",
			Help: "HTTP requests rejected by the rate limiter",
		}),
	}
}

// SetChannelMetrics updates channel gauges for a named channel.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
