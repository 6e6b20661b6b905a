package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// --- Order admission ---
	OrdersAccepted  *prometheus.CounterVec   // instrument
	OrdersRejected  *prometheus.CounterVec   // code
	AdmitDuration   *prometheus.HistogramVec // instrument
	SignatureChecks prometheus.Counter

	// --- Matching ---
	FillsTotal       *prometheus.CounterVec // instrument, kind
	FillVolumeQuote  *prometheus.CounterVec // instrument
	BookDepth        *prometheus.GaugeVec   // instrument
	MatchDuration    *prometheus.HistogramVec
	LaneQueueDepth   *prometheus.GaugeVec // instrument
	InstrumentStates *prometheus.GaugeVec // instrument, state

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Funding ---
	FundingEpochSettled  *prometheus.CounterVec // instrument
	FundingEpochDeferred *prometheus.CounterVec // instrument
	FundingResidual      *prometheus.GaugeVec   // instrument
	IndexFetchErrors     prometheus.Counter

	// --- Liquidation ---
	LiquidationsTotal    *prometheus.CounterVec // instrument
	LiquidationForfeit   *prometheus.CounterVec // instrument
	InsuranceFundBalance prometheus.Gauge

	// --- Market data ---
	CandlesSealed    *prometheus.CounterVec // interval
	FillSequenceGaps *prometheus.CounterVec // instrument

	// --- Persistence ---
	PersistRowsWritten *prometheus.CounterVec // table
	PersistBatchDur    prometheus.Histogram
	PersistErrors      *prometheus.CounterVec // table
	PersistRetry       prometheus.Counter

	// --- Gateway ---
	HTTPRequests    *prometheus.CounterVec // endpoint, status
	HTTPDuration    *prometheus.HistogramVec
	WSConnections   prometheus.Gauge
	WSMessagesSent  prometheus.Counter
	RateLimitDenied prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	httpBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0,
	}

	return &Metrics{
		OrdersAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "curvex_orders_accepted_total",
			Help: "Orders admitted into a matching lane",
		}, []string{"instrument"}),

		OrdersRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "curvex_orders_rejected_total",
			Help: "Orders rejected, by rejection code",
		}, []string{"code"}),

		AdmitDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curvex_order_admit_duration_seconds",
			Help:    "Signature check through lane enqueue",
			Buckets: latencyBuckets,
		}, []string{"instrument"}),

		SignatureChecks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "curvex_signature_recoveries_total",
			Help: "Typed-data signature recoveries performed",
		}),

		FillsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "curvex_fills_total",
			Help: "Fills executed, by source",
		}, []string{"instrument", "kind"}),

		FillVolumeQuote: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "curvex_fill_volume_quote_total",
			Help: "Filled notional in quote units",
		}, []string{"instrument"}),

		BookDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "curvex_book_resting_orders",
			Help: "Resting orders on the book",
		}, []string{"instrument"}),

		MatchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curvex_match_duration_seconds",
			Help:    "Time to match one order inside the lane",
			Buckets: latencyBuckets,
		}, []string{"instrument"}),

		LaneQueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "curvex_lane_queue_depth",
			Help: "Pending commands in a matching lane",
		}, []string{"instrument"}),

		InstrumentStates: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "curvex_instrument_state",
			Help: "1 for the lifecycle state currently in force",
		}, []string{"instrument", "state"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "curvex_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "curvex_channel_utilization",
			Help: "Channel fill ratio 0..1",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "curvex_publish_drops_total",
			Help: "Outbound events dropped on full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "curvex_persist_backpressure_total",
			Help: "Lane stalls on a full persistence channel",
		}),

		FundingEpochSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "curvex_funding_epochs_settled_total",
			Help: "Funding epochs settled",
		}, []string{"instrument"}),

		FundingEpochDeferred: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "curvex_funding_epochs_deferred_total",
			Help: "Funding settlements deferred on missing index",
		}, []string{"instrument"}),

		FundingResidual: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "curvex_funding_residual_quote",
			Help: "Rounding residual of the last settled epoch",
		}, []string{"instrument"}),

		IndexFetchErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "curvex_index_fetch_errors_total",
			Help: "Index oracle fetch failures",
		}),

		LiquidationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "curvex_liquidations_total",
			Help: "Positions force-closed",
		}, []string{"instrument"}),

		LiquidationForfeit: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "curvex_liquidation_forfeit_quote_total",
			Help: "Collateral forfeited to the insurance fund",
		}, []string{"instrument"}),

		InsuranceFundBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "curvex_insurance_fund_balance_quote",
			Help: "Insurance fund balance",
		}),

		CandlesSealed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "curvex_candles_sealed_total",
			Help: "Candle buckets sealed",
		}, []string{"interval"}),

		FillSequenceGaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "curvex_fill_sequence_gaps_total",
			Help: "Per-instrument fill sequence gaps detected downstream",
		}, []string{"instrument"}),

		PersistRowsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "curvex_persist_rows_written_total",
			Help: "Rows written to Postgres",
		}, []string{"table"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "curvex_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "curvex_persist_errors_total",
			Help: "Postgres write errors",
		}, []string{"table"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "curvex_persist_retries_total",
			Help: "Postgres batch retries",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "curvex_http_requests_total",
			Help: "Gateway requests",
		}, []string{"endpoint", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curvex_http_request_duration_seconds",
			Help:    "Gateway request duration",
			Buckets: httpBuckets,
		}, []string{"endpoint"}),

		WSConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "curvex_ws_connections",
			Help: "Live websocket connections",
		}),

		WSMessagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "curvex_ws_messages_sent_total",
			Help: "Websocket messages pushed to clients",
		}),

		RateLimitDenied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "curvex_rate_limit_denied_total",
			Help: "Requests denied by the gateway rate limiter",
		}),
	}
}
