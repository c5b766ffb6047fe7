/*
Package metrics exposes Prometheus metrics and a component health registry
for the control plane.

# Metrics

All collectors are registered in init() with the default registry and
served by Handler (promhttp).

Controllers:
  - nvmpath_controllers_total{state}: gauge, sampled by the Collector
  - nvmpath_controller_state_transitions_total{from,to}
  - nvmpath_controller_resets_total
  - nvmpath_keepalive_failures_total
  - nvmpath_async_events_total{type}
  - nvmpath_namespace_scans_total

Commands:
  - nvmpath_commands_total{queue,outcome}
  - nvmpath_command_retries_total{queue}
  - nvmpath_command_duration_seconds{queue}

Multipath:
  - nvmpath_failovers_total{result}
  - nvmpath_failover_duration_seconds
  - nvmpath_congestion_queue_depth{group}
  - nvmpath_io_contexts_in_use{group}
  - nvmpath_multipath_io_total{op,result}
  - nvmpath_multipath_io_duration_seconds{op}
  - nvmpath_resubmitted_total

# Health

The health registry tracks named components. An unhealthy critical
component makes /health unhealthy and /ready not ready; any other
unhealthy component only degrades /health.

The Collector samples a Source every interval. It registers one component
per controller (healthy while Live) and one critical component per group
(healthy while it has an active, non-degraded path), and drops components
that disappeared.

	collector := metrics.NewCollector(host, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())

# Timing

	timer := metrics.NewTimer()
	err := doWork()
	timer.ObserveDurationVec(metrics.CommandDuration, "io")
*/
package metrics
