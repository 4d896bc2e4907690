package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Outbox     OutboxMetrics
	Saga       SagaMetrics
	TwoPC      TwoPCMetrics
	EventStore EventStoreMetrics
	Cache      CacheMetrics
	Go         GoMetrics
}

type OutboxMetrics struct {
	PublishLatencySeconds *prometheus.HistogramVec
	EventsTotal           *prometheus.CounterVec
	SuccessAttempts       *prometheus.HistogramVec
	InFlight              *prometheus.GaugeVec
}

type SagaMetrics struct {
	StepsTotal    *prometheus.CounterVec
	SagasTotal    *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	ActiveWorkers prometheus.Gauge
}

type TwoPCMetrics struct {
	TransactionsTotal *prometheus.CounterVec
	PhaseDuration     *prometheus.HistogramVec
}

type EventStoreMetrics struct {
	AppendsTotal   *prometheus.CounterVec
	SnapshotsTotal prometheus.Counter
}

type CacheMetrics struct {
	OperationsTotal *prometheus.CounterVec
	Entries         prometheus.Gauge
}

type GoMetrics struct {
	InternalGoroutines *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Outbox: OutboxMetrics{
			PublishLatencySeconds: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "consistency",
				Subsystem: "outbox",
				Name:      "publish_latency_seconds",
				Help:      "Latency per single broker publish attempt.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"topic", "result"}), // ok|error

			EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: "consistency",
				Subsystem: "outbox",
				Name:      "events_total",
				Help:      "Outbox events by terminal handling.",
			}, []string{"result"}), // completed|retried|dead_letter|failed|skipped

			SuccessAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "consistency",
				Subsystem: "outbox",
				Name:      "success_attempts",
				Help:      "Attempt number on which an event was delivered.",
				Buckets:   []float64{1, 2, 3, 4, 5},
			}, []string{"topic"}),

			InFlight: f.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "consistency",
				Subsystem: "outbox",
				Name:      "inflight_events",
				Help:      "Events currently reserved by workers.",
			}, []string{"partition"}),
		},

		Saga: SagaMetrics{
			StepsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: "consistency",
				Subsystem: "saga",
				Name:      "steps_total",
				Help:      "Saga step executions by kind and result.",
			}, []string{"kind", "result"}), // forward|compensation x completed|failed|skipped

			SagasTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: "consistency",
				Subsystem: "saga",
				Name:      "sagas_total",
				Help:      "Sagas by terminal state.",
			}, []string{"state"}),

			StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "consistency",
				Subsystem: "saga",
				Name:      "step_duration_seconds",
				Help:      "Saga step handler duration.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"step"}),

			ActiveWorkers: f.NewGauge(prometheus.GaugeOpts{
				Namespace: "consistency",
				Subsystem: "saga",
				Name:      "active_workers",
				Help:      "Workers currently executing a saga.",
			}),
		},

		TwoPC: TwoPCMetrics{
			TransactionsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: "consistency",
				Subsystem: "twopc",
				Name:      "transactions_total",
				Help:      "Distributed transactions by terminal state.",
			}, []string{"state"}),

			PhaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "consistency",
				Subsystem: "twopc",
				Name:      "phase_duration_seconds",
				Help:      "Duration of prepare/commit/abort phases.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"phase"}),
		},

		EventStore: EventStoreMetrics{
			AppendsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: "consistency",
				Subsystem: "eventstore",
				Name:      "appends_total",
				Help:      "Append operations by result.",
			}, []string{"result"}), // ok|conflict|error

			SnapshotsTotal: f.NewCounter(prometheus.CounterOpts{
				Namespace: "consistency",
				Subsystem: "eventstore",
				Name:      "snapshots_total",
				Help:      "Snapshots written.",
			}),
		},

		Cache: CacheMetrics{
			OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: "consistency",
				Subsystem: "cache",
				Name:      "operations_total",
				Help:      "Cache operations by level and result.",
			}, []string{"op", "level", "result"}), // get|set x hit|miss|stale|corrupt|ok|rejected

			Entries: f.NewGauge(prometheus.GaugeOpts{
				Namespace: "consistency",
				Subsystem: "cache",
				Name:      "entries",
				Help:      "Live cache entries.",
			}),
		},

		Go: GoMetrics{
			InternalGoroutines: f.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "consistency",
				Subsystem: "go",
				Name:      "internal_goroutines",
				Help:      "Number of running internal goroutines by name.",
			}, []string{"name"}),
		},
	}
}
