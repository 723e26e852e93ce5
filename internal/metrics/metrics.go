// Package metrics holds the Prometheus collectors for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream metrics
	StreamsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edward_streams_started_total",
			Help: "Total number of stream sessions started",
		},
		[]string{"mode"},
	)

	StreamsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edward_streams_completed_total",
			Help: "Total number of stream sessions completed",
		},
		[]string{"termination_reason"},
	)

	StreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edward_stream_duration_seconds",
			Help:    "Stream session duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
	)

	StreamTurns = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edward_stream_turns",
			Help:    "LLM turns per stream session",
			Buckets: []float64{1, 2, 3, 4, 6, 8},
		},
	)

	ParserEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edward_parser_events_total",
			Help: "Stream events produced by the parser",
		},
		[]string{"type"},
	)

	// Sandbox metrics
	SandboxPoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edward_sandbox_pool_size",
			Help: "Paused containers available in the pool",
		},
	)

	SandboxesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edward_sandboxes_active",
			Help: "Sandboxes currently attached to a chat",
		},
	)

	SandboxFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edward_sandbox_flushes_total",
			Help: "Buffered write flushes into containers",
		},
	)

	SandboxFlushBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edward_sandbox_flush_bytes",
			Help:    "Bytes written per flush",
			Buckets: []float64{256, 1024, 16384, 131072, 1048576, 5242880},
		},
	)

	SandboxBackups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edward_sandbox_backups_total",
			Help: "Sandbox backup attempts",
		},
		[]string{"status"},
	)

	SandboxesReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edward_sandboxes_reconciled_total",
			Help: "Orphan containers adopted or removed at startup",
		},
		[]string{"action"},
	)

	// Workflow metrics
	WorkflowStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edward_workflow_step_duration_seconds",
			Help:    "Workflow step execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 180},
		},
		[]string{"step", "status"},
	)

	WorkflowStepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edward_workflow_step_retries_total",
			Help: "Retries per workflow step",
		},
		[]string{"step"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edward_workflows_completed_total",
			Help: "Workflows reaching a terminal status",
		},
		[]string{"status"},
	)

	// Gate metrics
	GateAcquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edward_gate_acquires_total",
			Help: "Concurrency gate acquisition attempts",
		},
		[]string{"outcome"},
	)

	// Persistence metrics
	RunEventsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edward_run_events_persisted_total",
			Help: "Run events written to the durable transcript",
		},
	)

	RunWriteQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edward_run_write_queue_depth",
			Help: "Pending async writes in the run store queue",
		},
	)
)
