package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector of the service. Collectors are
// registered on the default registry, so NewMetrics is called once per
// process; tests pass a nil *Metrics to the components that take one.
type Metrics struct {
	// core
	CoreInstructionsApplied  *prometheus.CounterVec
	CoreInstructionsRejected *prometheus.CounterVec
	CoreInstructionDuration  *prometheus.HistogramVec
	CoreStateHashDur         prometheus.Histogram
	CoreSequence             prometheus.Gauge
	CoreRollbacks            *prometheus.CounterVec

	// latency
	IngestToApply     *prometheus.HistogramVec
	NATSPullLatency   *prometheus.HistogramVec
	PersistBatchDur   prometheus.Histogram
	ProjectionUpdDur  *prometheus.HistogramVec
	QueryFreshnessLag *prometheus.HistogramVec

	// channels and backpressure
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// idempotency and ordering
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	SourceSequenceGap     *prometheus.CounterVec
	SourceOutOfOrder      *prometheus.CounterVec

	// caches and markets
	PriceRejected      *prometheus.CounterVec
	FundingDelta       *prometheus.GaugeVec
	FundingUpdates     *prometheus.CounterVec
	OpenInterest       *prometheus.GaugeVec
	EventQueueDepth    *prometheus.GaugeVec
	BookDepth          *prometheus.GaugeVec
	FillsConsumed      *prometheus.CounterVec
	BankUtilization    *prometheus.GaugeVec
	CacheMirrorWrites  *prometheus.CounterVec
	CacheMirrorLatency prometheus.Histogram

	// liquidation
	AccountsFlagged      prometheus.Counter
	LiquidationSteps     *prometheus.CounterVec
	Bankruptcies         *prometheus.CounterVec
	SocializedLoss       *prometheus.CounterVec
	DustSwept            prometheus.Counter
	InsuranceFundBalance prometheus.Gauge

	// persistence
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// snapshots and replay
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// API
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
	RateLimited   *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreInstructionsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_core_instructions_applied_total",
			Help: "Instructions successfully applied by the core",
		}, []string{"kind"}),

		CoreInstructionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_core_instructions_rejected_total",
			Help: "Instructions rejected (duplicate, sequence, error code)",
		}, []string{"kind", "reason"}),

		CoreInstructionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cm_core_instruction_apply_duration_seconds",
			Help:    "Time to apply a single instruction in the core",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cm_core_state_hash_duration_seconds",
			Help:    "Time to compute the state digest and hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cm_core_sequence",
			Help: "Next global sequence the core will assign",
		}),

		CoreRollbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_core_rollbacks_total",
			Help: "Instructions whose partial effects were rolled back",
		}, []string{"kind"}),

		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cm_ingest_to_apply_seconds",
			Help:    "Time from ingestion to core apply",
			Buckets: ingestBuckets,
		}, []string{"source"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cm_nats_pull_latency_seconds",
			Help:    "NATS JetStream fetch latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"stream"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cm_persist_batch_duration_seconds",
			Help:    "Time to write one batch to the event log",
			Buckets: prometheus.DefBuckets,
		}),

		ProjectionUpdDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cm_projection_update_duration_seconds",
			Help:    "Time to apply one envelope to a projection",
			Buckets: prometheus.DefBuckets,
		}, []string{"projection"}),

		QueryFreshnessLag: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cm_query_freshness_lag_seconds",
			Help:    "Lag between the core sequence and the projection watermark",
			Buckets: prometheus.DefBuckets,
		}, []string{"projection"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cm_channel_size",
			Help: "Current number of items buffered in a channel",
		}, []string{"channel"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cm_channel_capacity",
			Help: "Capacity of a channel",
		}, []string{"channel"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cm_channel_utilization",
			Help: "Channel size divided by capacity",
		}, []string{"channel"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cm_publish_drops_total",
			Help: "Outbound event-log messages dropped",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cm_persist_backpressure_total",
			Help: "Times the core blocked on a full persist channel",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_idempotency_duplicates_total",
			Help: "Duplicate instructions detected",
		}, []string{"kind", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cm_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cm_dedup_lru_evictions_total",
			Help: "Idempotency LRU evictions",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cm_dedup_tier2_duration_seconds",
			Help:    "Postgres idempotency lookup latency",
			Buckets: prometheus.DefBuckets,
		}),

		SourceSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_source_sequence_gap_total",
			Help: "Source sequence gaps detected",
		}, []string{"source"}),

		SourceOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_source_out_of_order_total",
			Help: "Out-of-order instructions rejected",
		}, []string{"source"}),

		PriceRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_price_rejected_total",
			Help: "Oracle quotes rejected by the price cache",
		}, []string{"token", "reason"}),

		FundingDelta: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cm_funding_delta",
			Help: "Per-base-lot funding delta of the last update",
		}, []string{"market"}),

		FundingUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_funding_updates_total",
			Help: "Funding accruals applied",
		}, []string{"market"}),

		OpenInterest: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cm_open_interest_lots",
			Help: "Open interest in base lots",
		}, []string{"market"}),

		EventQueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cm_event_queue_depth",
			Help: "Unconsumed events in a market's event queue",
		}, []string{"market"}),

		BookDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cm_book_orders",
			Help: "Resting orders per book side",
		}, []string{"market", "side"}),

		FillsConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_fills_consumed_total",
			Help: "Fill events applied to accounts",
		}, []string{"market"}),

		BankUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cm_bank_utilization",
			Help: "Borrows divided by deposits at the last root bank update",
		}, []string{"token"}),

		CacheMirrorWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_cache_mirror_writes_total",
			Help: "Writes of the root cache mirror to Redis",
		}, []string{"result"}),

		CacheMirrorLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cm_cache_mirror_duration_seconds",
			Help:    "Time to write one cache mirror pipeline",
			Buckets: prometheus.DefBuckets,
		}),

		AccountsFlagged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cm_accounts_flagged_total",
			Help: "Accounts that entered liquidation",
		}),

		LiquidationSteps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_liquidation_steps_total",
			Help: "Liquidation instructions applied",
		}, []string{"kind"}),

		Bankruptcies: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_bankruptcy_resolutions_total",
			Help: "Bankruptcy resolution steps applied",
		}, []string{"kind"}),

		SocializedLoss: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_socialized_loss_total",
			Help: "Quote native spread over open interest",
		}, []string{"market"}),

		DustSwept: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cm_dust_swept_total",
			Help: "Balances moved to the dust account",
		}),

		InsuranceFundBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cm_insurance_fund_balance",
			Help: "Insurance fund balance in quote native units",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cm_persist_events_written_total",
			Help: "Envelopes written to the event log",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cm_persist_batch_size",
			Help:    "Envelopes per event-log batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_persist_errors_total",
			Help: "Event-log write errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cm_persist_retry_total",
			Help: "Event-log write retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cm_persist_last_sequence",
			Help: "Last sequence written to the event log",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cm_snapshot_taken_total",
			Help: "State snapshots taken",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cm_snapshot_duration_seconds",
			Help:    "Time to serialize and store a snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cm_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cm_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cm_replay_instructions_total",
			Help: "Instructions replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cm_replay_duration_seconds",
			Help: "Duration of the last startup replay",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cm_api_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_api_errors_total",
			Help: "HTTP API errors by code",
		}, []string{"endpoint", "code"}),

		RateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_api_rate_limited_total",
			Help: "Requests refused by the per-client rate limiter",
		}, []string{"endpoint"}),
	}
}
