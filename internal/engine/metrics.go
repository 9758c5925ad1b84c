package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashflow",
		Subsystem: "engine",
		Name:      "commands_dispatched_total",
		Help:      "Total commands that reached a dispatch tick, by command type",
	}, []string{"command"})

	commandsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashflow",
		Subsystem: "engine",
		Name:      "commands_rejected_total",
		Help:      "Total commands rejected before spawning, by command type and kind",
	}, []string{"command", "kind"})

	workflowsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashflow",
		Subsystem: "engine",
		Name:      "workflows_finished_total",
		Help:      "Total workflow instances reaching a terminal state",
	}, []string{"command", "state"})

	workflowDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dashflow",
		Subsystem: "engine",
		Name:      "workflow_duration_seconds",
		Help:      "Wall time from spawn to terminal state",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"command"})

	staleDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashflow",
		Subsystem: "engine",
		Name:      "stale_results_discarded_total",
		Help:      "Total outcomes dropped because a newer generation exists",
	}, []string{"command"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashflow",
		Subsystem: "engine",
		Name:      "retries_total",
		Help:      "Total retried awaits, by command type",
	}, []string{"command"})

	liveInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dashflow",
		Subsystem: "engine",
		Name:      "live_instances",
		Help:      "Workflow instances spawned and not yet terminal",
	})
)
