/*
Package metrics provides Prometheus metrics and health reporting for tierd.

All metrics are package level variables registered with the default
Prometheus registry at init, so any package can update them without
plumbing a registry through constructors. The daemon exposes them on the
status server's /metrics endpoint.

# Metric Catalog

Control loop:

	tierd_passes_total                    counter
	tierd_pass_duration_seconds           histogram
	tierd_pass_errors_total{step}         counter
	tierd_task_runs_total{task,result}    counter

Drive lifecycle:

	tierd_drive_transitions_total{from,to}  counter
	tierd_mounted_drives                    gauge
	tierd_unrecoverable_drives              gauge

Tiering:

	tierd_overlay_active{dir,mode}        gauge (mode is overlay or fallback)
	tierd_overflow_files_total{dir}       counter
	tierd_flushed_bytes_total{dir}        counter
	tierd_pruned_files_total{dir}         counter
	tierd_move_failures_total             counter
	tierd_durable_free_ratio              gauge

# Health

The health checker tracks named components (inventory, drives, tier, store).
GetHealth reports unhealthy when any registered component is unhealthy.
GetReadiness only looks at the critical set, which defaults to store and
tier and can be replaced with SetCriticalComponents.

	metrics.RegisterComponent(metrics.ComponentStore, true, "")
	metrics.UpdateComponent(metrics.ComponentTier, false, "no durable layer")

LivenessHandler answers 200 for as long as the process runs.

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PassDuration)
*/
package metrics
