/*
Package events broadcasts lifecycle events from the control loop.

Drive and tier managers publish through the Publisher interface. In the
daemon that is a Broker, whose only standing subscriber is the bbolt
journal; tests use a Recorder, and code that does not care uses Discard.

# Architecture

	drive.Manager ─┐
	tier.Manager  ─┼─▶ Broker ──(buffer 100)──▶ subscribers
	reconciler    ─┘                              │
	migrate       ─┘                              └─▶ storage.Record

Publish never blocks. When the buffer is full the event is dropped and
counted; Dropped reports the count. A slow subscriber loses events rather
than stalling a pass.

# Event Types

	drive.assigned       new UUID received a mount path
	drive.mounted        partition mounted at its assigned path
	drive.repaired       fsck fixed a partition that failed to mount
	drive.reformatted    partition was reformatted and got a new UUID
	drive.skipped        partition left alone this pass
	drive.unrecoverable  repair escalation exhausted
	tier.activated       overlay mounted over a managed directory
	tier.fallback        plain tmpfs mounted, no durable volume found
	tier.flushed         RAM layer moved to the durable volume
	tier.low_space       durable volume below the free space floor
	task.run             periodic task finished
	migration.applied    one-shot correction completed
*/
package events
