package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// PublishBuckets for sink publish round trips (network + broker ack)
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// EnqueueBuckets for handoff queue waits while the queue is at capacity
	EnqueueBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}

	// FlushBuckets for offset store flush durations
	FlushBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

	// SnapshotBuckets for per-table snapshot read durations
	SnapshotBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300}
)

// Capture Path Metrics
var (
	// EventsForwardedTotal counts events handed to the queue by the engine runner
	EventsForwardedTotal Counter = NoopStat{}

	// TombstonesDroppedTotal counts null-value events filtered before the queue
	TombstonesDroppedTotal Counter = NoopStat{}

	// EnqueueStallsTotal counts events that found the queue full and had to wait
	EnqueueStallsTotal Counter = NoopStat{}

	// EnqueueWaitSeconds measures time spent blocked on a full queue
	EnqueueWaitSeconds Histogram = NoopStat{}

	// QueueDepth tracks the current handoff queue occupancy
	QueueDepth Gauge = NoopStat{}

	// EngineRunsTotal counts engine runs by result (clean, failed)
	EngineRunsTotal CounterVec = noopCounterVec{}

	// SnapshotRowsTotal counts rows emitted during snapshot by table
	SnapshotRowsTotal CounterVec = noopCounterVec{}

	// SnapshotTableSeconds measures per-table snapshot duration
	SnapshotTableSeconds Histogram = NoopStat{}
)

// Dispatch Path Metrics
var (
	// PublishedTotal counts events published by sink and result (success, failed)
	PublishedTotal CounterVec = noopCounterVec{}

	// PublishRetriesTotal counts publish retry attempts by sink
	PublishRetriesTotal CounterVec = noopCounterVec{}

	// PublishSeconds measures publish latency by sink
	PublishSeconds HistogramVec = noopHistogramVec{}

	// DispatchLagEvents tracks events sitting in the queue waiting for dispatch
	DispatchLagEvents Gauge = NoopStat{}
)

// State Metrics
var (
	// OffsetFlushesTotal counts offset store flushes by result (success, failed)
	OffsetFlushesTotal CounterVec = noopCounterVec{}

	// OffsetFlushSeconds measures offset flush duration
	OffsetFlushSeconds Histogram = NoopStat{}

	// OffsetKeys tracks the number of keys in the offset store
	OffsetKeys Gauge = NoopStat{}

	// HistoryRecordsTotal counts schema history records appended
	HistoryRecordsTotal Counter = NoopStat{}

	// HistoryRecordsSkippedTotal counts history records dropped by the database filter
	HistoryRecordsSkippedTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Capture Path Metrics
	EventsForwardedTotal = NewCounter(
		"events_forwarded_total",
		"Events handed to the queue by the engine runner",
	)
	TombstonesDroppedTotal = NewCounter(
		"tombstones_dropped_total",
		"Null-value events filtered before the queue",
	)
	EnqueueStallsTotal = NewCounter(
		"enqueue_stalls_total",
		"Events that found the queue full and had to wait",
	)
	EnqueueWaitSeconds = NewHistogramWithBuckets(
		"enqueue_wait_seconds",
		"Time spent blocked on a full queue",
		EnqueueBuckets,
	)
	QueueDepth = NewGauge(
		"queue_depth",
		"Current handoff queue occupancy",
	)
	EngineRunsTotal = NewCounterVec(
		"engine_runs_total",
		"Engine runs by result",
		[]string{"result"},
	)
	SnapshotRowsTotal = NewCounterVec(
		"snapshot_rows_total",
		"Rows emitted during snapshot by table",
		[]string{"table"},
	)
	SnapshotTableSeconds = NewHistogramWithBuckets(
		"snapshot_table_seconds",
		"Per-table snapshot duration in seconds",
		SnapshotBuckets,
	)

	// Dispatch Path Metrics
	PublishedTotal = NewCounterVec(
		"published_total",
		"Events published by sink and result",
		[]string{"sink", "result"},
	)
	PublishRetriesTotal = NewCounterVec(
		"publish_retries_total",
		"Publish retry attempts by sink",
		[]string{"sink"},
	)
	PublishSeconds = NewHistogramVec(
		"publish_seconds",
		"Publish latency by sink in seconds",
		[]string{"sink"},
		PublishBuckets,
	)
	DispatchLagEvents = NewGauge(
		"dispatch_lag_events",
		"Events waiting in the queue for dispatch",
	)

	// State Metrics
	OffsetFlushesTotal = NewCounterVec(
		"offset_flushes_total",
		"Offset store flushes by result",
		[]string{"result"},
	)
	OffsetFlushSeconds = NewHistogramWithBuckets(
		"offset_flush_seconds",
		"Offset flush duration in seconds",
		FlushBuckets,
	)
	OffsetKeys = NewGauge(
		"offset_keys",
		"Number of keys in the offset store",
	)
	HistoryRecordsTotal = NewCounter(
		"history_records_total",
		"Schema history records appended",
	)
	HistoryRecordsSkippedTotal = NewCounter(
		"history_records_skipped_total",
		"Schema history records dropped by the database filter",
	)
}
