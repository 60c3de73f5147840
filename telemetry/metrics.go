package telemetry

// Histogram bucket definitions
var (
	// RunBuckets for full watcher run durations (claim + persist + dispatch)
	RunBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// DispatchBuckets for single downstream delivery calls
	DispatchBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20}

	// BatchBuckets for rows observed per run
	BatchBuckets = []float64{0, 1, 5, 10, 25, 50, 100, 250, 500}
)

// Watcher run metrics
var (
	// RunsTotal counts watcher runs by result (success, failed)
	RunsTotal CounterVec = noopCounterVec{}

	// RunDurationSeconds measures full run duration
	RunDurationSeconds Histogram = NoopStat{}

	// RowsObserved measures claimed rows per run
	RowsObserved Histogram = NoopStat{}

	// EventsCreatedTotal counts outbox inserts by outcome (inserted, duplicate)
	EventsCreatedTotal CounterVec = noopCounterVec{}

	// CursorConflictsTotal counts advances lost to a concurrent run
	CursorConflictsTotal Counter = NoopStat{}
)

// Dispatch metrics
var (
	// DispatchTotal counts delivery attempts by sink and result (delivered, failed)
	DispatchTotal CounterVec = noopCounterVec{}

	// DispatchDurationSeconds measures delivery call latency per sink
	DispatchDurationSeconds HistogramVec = noopHistogramVec{}

	// PendingEvents tracks NEW+ERROR outbox entries seen by the last run
	PendingEvents Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after the registry exists.
func InitMetrics() {
	RunsTotal = NewCounterVec(
		"runs_total",
		"Watcher runs by result",
		[]string{"result"},
	)
	RunDurationSeconds = NewHistogramWithBuckets(
		"run_duration_seconds",
		"Watcher run duration in seconds",
		RunBuckets,
	)
	RowsObserved = NewHistogramWithBuckets(
		"rows_observed",
		"Source rows claimed per run",
		BatchBuckets,
	)
	EventsCreatedTotal = NewCounterVec(
		"events_created_total",
		"Outbox insert attempts by outcome",
		[]string{"outcome"},
	)
	CursorConflictsTotal = NewCounter(
		"cursor_conflicts_total",
		"Cursor advances skipped because a concurrent run moved further",
	)

	DispatchTotal = NewCounterVec(
		"dispatch_total",
		"Downstream delivery attempts by sink and result",
		[]string{"sink", "result"},
	)
	DispatchDurationSeconds = NewHistogramVec(
		"dispatch_duration_seconds",
		"Downstream delivery call duration in seconds",
		[]string{"sink"},
		DispatchBuckets,
	)
	PendingEvents = NewGauge(
		"pending_events",
		"NEW and ERROR outbox entries observed by the most recent run",
	)
}
