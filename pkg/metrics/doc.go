/*
Package metrics exposes Prometheus metrics and health endpoints for the
control plane.

Metrics:

	colony_services_total{type, state}         services by type and state
	colony_workers_total{state}                workers by machine state
	colony_cluster_status{status}              1 for the current status
	colony_filesystem_usage_ratio{filesystem}  used / total per filesystem
	colony_reconcile_cycles_total              reconciler passes
	colony_reconcile_duration_seconds          reconciler pass duration
	colony_messages_total{type, result}        worker messages dispatched
	colony_instance_escalations_total{action}  reboots and terminations
	colony_filesystem_expansions_total{result} filesystem resizes
	colony_config_persist_duration_seconds     configuration writes

The gauges are filled by a Collector reading a Source every 15 seconds; the
counters and histograms are updated where the work happens.

HealthHandler, ReadyHandler and LivenessHandler serve /health, /ready and
/live. Components register themselves with RegisterComponent and report
changes with UpdateComponent.
*/
package metrics
