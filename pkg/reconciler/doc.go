/*
Package reconciler runs the daemon's control loop.

A single goroutine runs one pass immediately at startup, then one pass per
interval (180 seconds by default). A hot-plug wakeup can trigger an extra
pass, but passes never overlap.

# Architecture

Every pass runs the same steps in order, each to completion:

	┌──────────────────────────────────────────────────────────┐
	│                     Control Loop Pass                    │
	└──────────────┬───────────────────────────────────────────┘
	               │
	   1. migrate   one-shot legacy corrections still pending
	   2. store     reload UUID → mount path assignments
	   3. drives    inventory, partition/format/mount, repair
	   4. tier      overlay or tmpfs setup for managed directories
	   5. overflow  move large files from RAM to the durable volume
	   6. services  enable and start required units
	   7. tasks     periodic tasks that were due when the pass began

The drive and tier steps never call each other. The tier step re-reads the
live mount table, so a drive mounted in step 3 becomes the durable layer
within the same pass.

# Periodic Tasks

Flush, prune and large-log cleanup are built in. Other tasks, such as the
self-update check and the journald drop-in, are added with AddTask. Each
has its own cron.Schedule, and due tasks are picked at the top of the pass
against the injected clock:

	flush     every 12h
	prune     every 1h
	logclean  every 24h, and on the first pass
	update    every 24h, when a release repository is configured

A task that missed several windows runs once. It is then rescheduled from
the moment it ran.

# Failure Handling

Every step and every task runs under panic recovery. A failure is logged,
counted in tierd_pass_errors_total{step} and recorded in the pass Report.
The component health used by /health and /ready is updated, and the pass
moves on to the next step. Nothing a device or filesystem does can stop
the loop.

# Usage

	rec := reconciler.NewReconciler(reconciler.Options{
		Interval:  cfg.ScanInterval,
		Schedules: schedules,
		Store:     store,
		Drives:    drives,
		Tier:      tiers,
		Journal:   journal,
		Wake:      watcher.C(),
	})
	rec.Start(ctx)
	defer rec.Stop()

RunOnce performs a single pass and is what `tierd run --once` uses.
*/
package reconciler
