package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// latencyBuckets covers sub-millisecond device completions up to multi-second timeouts
var latencyBuckets = []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5, 30, 60}

var (
	// Controller metrics
	ControllersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nvmpath_controllers_total",
			Help: "Number of controllers by state",
		},
		[]string{"state"},
	)

	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmpath_controller_state_transitions_total",
			Help: "Committed controller state transitions",
		},
		[]string{"from", "to"},
	)

	ControllerResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nvmpath_controller_resets_total",
			Help: "Controller resets performed",
		},
	)

	KeepAliveFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nvmpath_keepalive_failures_total",
			Help: "Keep-alive commands that failed or timed out",
		},
	)

	AsyncEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmpath_async_events_total",
			Help: "Asynchronous events received by type",
		},
		[]string{"type"},
	)

	NamespaceScansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nvmpath_namespace_scans_total",
			Help: "Namespace scans completed",
		},
	)

	// Command metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmpath_commands_total",
			Help: "Terminal command completions by queue type and outcome",
		},
		[]string{"queue", "outcome"},
	)

	CommandRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmpath_command_retries_total",
			Help: "Command resubmissions by queue type",
		},
		[]string{"queue"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nvmpath_command_duration_seconds",
			Help:    "Time from submission to terminal completion",
			Buckets: latencyBuckets,
		},
		[]string{"queue"},
	)

	// Multipath metrics
	FailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmpath_failovers_total",
			Help: "Failover attempts by result",
		},
		[]string{"result"},
	)

	FailoverDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nvmpath_failover_duration_seconds",
			Help:    "Time from failover start to the new path becoming active",
			Buckets: prometheus.DefBuckets,
		},
	)

	CongestionDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nvmpath_congestion_queue_depth",
			Help: "I/Os parked on a group's congestion queue",
		},
		[]string{"group"},
	)

	ContextsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nvmpath_io_contexts_in_use",
			Help: "Multipath I/O contexts allocated from a group's pool",
		},
		[]string{"group"},
	)

	MultipathIOTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmpath_multipath_io_total",
			Help: "Multipath I/Os completed by operation and result",
		},
		[]string{"op", "result"},
	)

	MultipathIODuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nvmpath_multipath_io_duration_seconds",
			Help:    "Multipath I/O latency including time parked for failover",
			Buckets: latencyBuckets,
		},
		[]string{"op"},
	)

	ResubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nvmpath_resubmitted_total",
			Help: "I/Os drained from congestion queues onto an active path",
		},
	)
)

func init() {
	prometheus.MustRegister(ControllersTotal)
	prometheus.MustRegister(StateTransitionsTotal)
	prometheus.MustRegister(ControllerResetsTotal)
	prometheus.MustRegister(KeepAliveFailuresTotal)
	prometheus.MustRegister(AsyncEventsTotal)
	prometheus.MustRegister(NamespaceScansTotal)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandRetriesTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(FailoversTotal)
	prometheus.MustRegister(FailoverDuration)
	prometheus.MustRegister(CongestionDepth)
	prometheus.MustRegister(ContextsInUse)
	prometheus.MustRegister(MultipathIOTotal)
	prometheus.MustRegister(MultipathIODuration)
	prometheus.MustRegister(ResubmittedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
