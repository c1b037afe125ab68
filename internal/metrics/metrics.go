package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleflow_events_enqueued_total",
		Help: "Total number of change events placed on the processing queue.",
	})

	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleflow_events_processed_total",
		Help: "Total number of change events fully processed by the engine.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleflow_events_dropped_total",
		Help: "Total number of change events rejected due to a full queue.",
	})

	EventsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_events_failed_total",
		Help: "Total number of change events whose processing returned an error, labelled by source.",
	}, []string{"source"})

	RulesMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_rules_matched_total",
		Help: "Total number of rule matches, labelled by trigger type.",
	}, []string{"trigger_type"})

	Firings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_firings_total",
		Help: "Total number of rule firings, labelled by terminal state.",
	}, []string{"state"})

	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_actions_executed_total",
		Help: "Total number of actions executed, labelled by type and status.",
	}, []string{"action_type", "status"})

	FiringDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ruleflow_firing_dispatch_duration_ms",
		Help:    "Action dispatch latency per rule firing in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	EventProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ruleflow_event_processing_duration_ms",
		Help:    "End-to-end event processing latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_store_errors_total",
		Help: "Total number of rule or log store failures, labelled by operation.",
	}, []string{"op"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_cdc_notifications_total",
		Help: "Total number of change notifications received, labelled by result (queued, rejected, invalid).",
	}, []string{"result"})

	TruncatedNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_cdc_truncated_notifications_total",
		Help: "Total number of change notifications whose row images were truncated, labelled by outcome (refetched, unavailable).",
	}, []string{"outcome"})

	ScheduledTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleflow_scheduled_ticks_total",
		Help: "Total number of time_based events emitted by the scheduler.",
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ruleflow_queue_utilization_ratio",
		Help: "Current event queue utilization (0–1).",
	})
)
