package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpSettle.
type Metrics struct {
	// --- Core calls ---
	CoreCallsApplied  *prometheus.CounterVec
	CoreCallsRejected *prometheus.CounterVec
	CoreCallDuration  *prometheus.HistogramVec
	CoreRecords       *prometheus.CounterVec
	CoreStateHashDur  prometheus.Histogram
	CoreSequence      prometheus.Gauge

	// --- Event queue ---
	EventsConsumed   *prometheus.CounterVec
	EventsOutOfOrder *prometheus.CounterVec
	EventsSkipped    *prometheus.CounterVec
	ConsumeStalled   *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec

	// --- Force-close ---
	OrdersPruned       *prometheus.CounterVec
	PositionsPurged    *prometheus.CounterVec
	PurgeSettledNative *prometheus.CounterVec

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Persistence ---
	PersistCallsWritten   prometheus.Counter
	PersistRecordsWritten prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistRetry          prometheus.Counter
	PersistLastSequence   prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayCallsTotal  prometheus.Counter

	// --- Ingestion & publishing ---
	IngestMessages   *prometheus.CounterVec
	RecordsPublished *prometheus.CounterVec
	PublishErrors    *prometheus.CounterVec

	// --- API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core
		CoreCallsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_calls_applied_total",
			Help: "Calls committed by core",
		}, []string{"kind"}),

		CoreCallsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_calls_rejected_total",
			Help: "Calls rejected (dedup, sequence, precondition, invariant)",
		}, []string{"kind", "reason"}),

		CoreCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_core_call_duration_seconds",
			Help:    "Time to execute and commit one call",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		CoreRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_records_emitted_total",
			Help: "Settlement records emitted",
		}, []string{"record"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_core_sequence",
			Help: "Current call sequence number",
		}),

		// Event queue
		EventsConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_queue_events_consumed_total",
			Help: "Events applied by ConsumeEvents",
		}, []string{"market"}),

		EventsOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_queue_events_out_of_order_total",
			Help: "Out events applied by the first-account scan",
		}, []string{"market"}),

		EventsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_queue_events_skipped_total",
			Help: "Events consumed without effect due to a foreign owner",
		}, []string{"market"}),

		ConsumeStalled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_queue_consume_stalled_total",
			Help: "ConsumeEvents calls stopped on a missing account",
		}, []string{"market"}),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_queue_depth",
			Help: "Live slots in the event queue",
		}, []string{"market"}),

		// Force-close
		OrdersPruned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_force_close_orders_pruned_total",
			Help: "Resting orders cancelled by PruneOrders",
		}, []string{"market"}),

		PositionsPurged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_force_close_positions_purged_total",
			Help: "Positions deactivated by PurgePosition",
		}, []string{"market"}),

		PurgeSettledNative: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_force_close_settled_native_total",
			Help: "Token units withdrawn to settle purged positions",
		}, []string{"market"}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_size",
			Help: "Current items in channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_utilization",
			Help: "size / capacity",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Outbound records dropped (channel full)",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_idempotency_duplicates_total",
			Help: "Duplicate calls detected",
		}, []string{"kind", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_dedup_lru_size",
			Help: "Current LRU entries",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_event_sequence_gap_total",
			Help: "Queue sequence gaps detected",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_event_out_of_order_total",
			Help: "Stale queue sequences that were not duplicates",
		}, []string{"partition"}),

		// Persistence
		PersistCallsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_calls_written_total",
			Help: "Calls written to Postgres",
		}),

		PersistRecordsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_records_written_total",
			Help: "Settlement records written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_size",
			Help:    "Calls per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Batch write time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_size_bytes",
			Help: "Last snapshot size (compressed)",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayCallsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_replay_calls_total",
			Help: "Calls replayed on startup",
		}),

		// Ingestion
		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_ingest_messages_total",
			Help: "Inbound messages by source and outcome (ack, nak, term)",
		}, []string{"source", "outcome"}),

		RecordsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_records_published_total",
			Help: "Settlement records published per sink",
		}, []string{"sink"}),

		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_publish_errors_total",
			Help: "Failed record publishes per sink",
		}, []string{"sink"}),

		// API
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_api_requests_total",
			Help: "API requests",
		}, []string{"method", "code"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_api_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"method"}),
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
