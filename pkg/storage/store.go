package storage

import (
	"errors"

	"github.com/cuemby/tierd/pkg/events"
	"github.com/cuemby/tierd/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Journal is the operator-facing history of the daemon: the last observed
// state of each partition, the last run of each periodic task and a bounded
// tail of lifecycle events. Nothing in the control loop reads it back to
// make decisions.
type Journal interface {
	// Drives
	PutDrive(rec *types.DriveRecord) error
	GetDrive(devicePath string) (*types.DriveRecord, error)
	ListDrives() ([]*types.DriveRecord, error)

	// Tasks
	PutTaskRun(run *types.TaskRun) error
	ListTaskRuns() ([]*types.TaskRun, error)

	// Events
	AppendEvent(ev *events.Event) error
	RecentEvents(limit int) ([]*events.Event, error)

	// Utility
	Close() error
}
