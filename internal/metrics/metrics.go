package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huiying_tasks_submitted_total",
			Help: "Total number of tasks submitted to the backend",
		},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huiying_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal state",
		},
		[]string{"status"},
	)

	TasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huiying_tasks_active",
			Help: "Number of tasks currently tracked by the registry",
		},
	)

	TasksSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huiying_tasks_swept_total",
			Help: "Total number of stale tasks removed by the sweep",
		},
	)

	// Mailbox metrics
	MailboxEventsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huiying_mailbox_events_enqueued_total",
			Help: "Total number of events enqueued to client mailboxes",
		},
	)

	MailboxEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huiying_mailbox_events_dropped_total",
			Help: "Total number of events evicted from full mailboxes",
		},
	)

	MailboxClientsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huiying_mailbox_clients_active",
			Help: "Number of client mailboxes currently held",
		},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huiying_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huiying_sessions_active",
			Help: "Number of active session tokens",
		},
	)

	SessionsSuperseded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huiying_sessions_superseded_total",
			Help: "Total number of tokens invalidated by a newer login",
		},
	)

	// Merge metrics
	MergeParamFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huiying_merge_param_failures_total",
			Help: "Total number of override parameters skipped due to path errors",
		},
	)

	// Poll/HTTP metrics
	PollRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huiying_poll_requests_total",
			Help: "Total number of client poll requests",
		},
	)

	BackendPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huiying_backend_polls_total",
			Help: "Total number of backend history polls",
		},
		[]string{"outcome"},
	)

	WorkflowCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huiying_workflow_cache_hits_total",
			Help: "Total number of workflow template cache hits",
		},
	)

	WorkflowCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huiying_workflow_cache_misses_total",
			Help: "Total number of workflow template cache misses",
		},
	)
)
