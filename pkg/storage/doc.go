/*
Package storage keeps the daemon's state journal in BoltDB.

The journal is a history for operators. The control loop writes to it and
never reads it back to make decisions. The UUID → mount path assignments
live in the JSON store of package identity, not here.

# Architecture

	┌──────────────────── BOLTDB JOURNAL ──────────────────────┐
	│  File: /run/tierd/journal.db                             │
	│                                                          │
	│  drives   device path → DriveRecord (JSON)               │
	│           last lifecycle state, error and failure count  │
	│                                                          │
	│  tasks    task name → TaskRun (JSON)                     │
	│           last run, duration and error of each task      │
	│                                                          │
	│  events   big-endian sequence → Event (JSON)             │
	│           bounded tail, oldest trimmed on append         │
	└──────────────────────────────────────────────────────────┘

The default file lives on tmpfs and is lost at reboot. Drive records are
written only when a device's state, error or failure count changes.

The event bucket keeps DefaultEventRetention entries. Keys come from the
bucket sequence, so cursor order is insertion order and RecentEvents walks
backwards from the end.

# Concurrency

BoltDB allows one writer process. The daemon holds the file open for its
lifetime; other processes use OpenReadOnly, which waits at most five
seconds for the lock. `tierd status` asks the running daemon over HTTP and
only falls back to the file when the daemon is down.

# Usage

	journal, err := storage.NewBoltStore(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	sub := broker.Subscribe()
	go journal.Record(sub)
*/
package storage
