/*
Package drive brings qualifying block devices to a mounted state.

Each pass walks every qualifying device from the inventory and drives each
partition through an explicit state machine:

	NoPartition ──partitioned──▶ Partitioned ──target_fs / formatted──▶ Formatted
	                                                                      │
	                                                                  assigned
	                                                                      ▼
	  Mounted ◀──mount_ok / already_mounted── Assigned ──mount_failed──▶ MountFailed
	     ▲                                       ▲                         │  │  │
	     │                                       │                 repaired  │  exhausted
	     └──mount_ok── Repaired ◀────────────────┼─────────────────────┘     │     ▼
	                                             └──assigned── Reformatted ◀─┘ Unrecoverable

Skipped is reached when a partition has no UUID, when a partition with a
foreign filesystem is already mounted (in_use), or when partitioning or
formatting would be required but AllowReformat is off.

A partition's journal record and its skipped or unrecoverable event are
written only when its outcome changes from the previous pass.

# Repair Escalation

A failed mount is repaired at most once per step per pass:

 1. If the partition still carries the target filesystem and nothing was
    formatted this pass, run fsck and mount again.
 2. Otherwise, or if that still fails, reformat (when allowed). The new
    filesystem has a new UUID and so receives a new mount assignment.
 3. Otherwise the partition is Unrecoverable for this pass. It is logged,
    journaled with a failure count and retried on the next pass.

Every successful mount made by the daemon is recorded in fstab as
"UUID=<uuid> <path> <fs> defaults,nofail 0 2", once.
*/
package drive
