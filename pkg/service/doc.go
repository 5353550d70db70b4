// Package service keeps systemd units running and owns the journald
// drop-in that bounds the system journal.
package service
