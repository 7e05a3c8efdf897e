package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksStarted counts tasks accepted by the manager, by strategy.
	TasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "simsync",
		Subsystem: "engine",
		Name:      "tasks_started_total",
		Help:      "Total tasks created by the task manager.",
	}, []string{"strategy"})

	// TasksFinished counts tasks reaching a terminal status.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "simsync",
		Subsystem: "engine",
		Name:      "tasks_finished_total",
		Help:      "Total tasks finished, labelled by strategy and terminal status.",
	}, []string{"strategy", "status"})

	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "simsync",
		Subsystem: "engine",
		Name:      "tasks_inflight",
		Help:      "Tasks currently executing in this process.",
	})

	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "simsync",
		Subsystem: "engine",
		Name:      "task_duration_seconds",
		Help:      "Wall-clock execution time of a single task run in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 90, 120},
	}, []string{"strategy"})

	ContinuationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "simsync",
		Subsystem: "engine",
		Name:      "continuations_total",
		Help:      "Total continuation tasks spawned because a run reached its deadline.",
	}, []string{"strategy"})

	TasksSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "simsync",
		Subsystem: "engine",
		Name:      "tasks_swept_total",
		Help:      "Total task records removed by retention sweeps.",
	})

	// RecordsProcessed counts reconciled records by outcome (updated, unchanged, missing, failed).
	RecordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "simsync",
		Subsystem: "reconcile",
		Name:      "records_processed_total",
		Help:      "Total source records handled by the reconciliation strategy.",
	}, []string{"outcome"})

	RecordRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "simsync",
		Subsystem: "reconcile",
		Name:      "record_retries_total",
		Help:      "Total retry attempts for transient record update failures.",
	})
)
