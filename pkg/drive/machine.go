package drive

import (
	"fmt"

	"github.com/cuemby/tierd/pkg/metrics"
)

// State is the lifecycle state of one partition within a pass
type State string

const (
	StateNoPartition   State = "no_partition"
	StatePartitioned   State = "partitioned"
	StateFormatted     State = "formatted"
	StateAssigned      State = "assigned"
	StateMounted       State = "mounted"
	StateMountFailed   State = "mount_failed"
	StateRepaired      State = "repaired"
	StateReformatted   State = "reformatted"
	StateSkipped       State = "skipped"
	StateUnrecoverable State = "unrecoverable"
)

// Terminal reports whether no further events are accepted in s
func (s State) Terminal() bool {
	return s == StateMounted || s == StateSkipped || s == StateUnrecoverable
}

// Event drives a transition
type Event string

const (
	EventPartitioned      Event = "partitioned"
	EventTargetFS         Event = "target_fs"
	EventFormatted        Event = "formatted"
	EventReformatDisabled Event = "reformat_disabled"
	EventInUse            Event = "in_use"
	EventAssigned         Event = "assigned"
	EventNoUUID           Event = "no_uuid"
	EventAlreadyMounted   Event = "already_mounted"
	EventMountOK          Event = "mount_ok"
	EventMountFailed      Event = "mount_failed"
	EventRepaired         Event = "repaired"
	EventRepairFailed     Event = "repair_failed"
	EventReformatted      Event = "reformatted"
	EventExhausted        Event = "exhausted"
	EventFailed           Event = "failed"
)

var transitions = map[State]map[Event]State{
	StateNoPartition: {
		EventPartitioned:      StatePartitioned,
		EventReformatDisabled: StateSkipped,
		EventFailed:           StateUnrecoverable,
	},
	StatePartitioned: {
		EventTargetFS:         StateFormatted,
		EventFormatted:        StateFormatted,
		EventReformatDisabled: StateSkipped,
		EventInUse:            StateSkipped,
		EventFailed:           StateUnrecoverable,
	},
	StateFormatted: {
		EventAssigned: StateAssigned,
		EventNoUUID:   StateSkipped,
		EventFailed:   StateUnrecoverable,
	},
	StateAssigned: {
		EventAlreadyMounted: StateMounted,
		EventMountOK:        StateMounted,
		EventMountFailed:    StateMountFailed,
	},
	StateMountFailed: {
		EventRepaired:     StateRepaired,
		EventRepairFailed: StateMountFailed,
		EventReformatted:  StateReformatted,
		EventExhausted:    StateUnrecoverable,
		EventFailed:       StateUnrecoverable,
	},
	StateRepaired: {
		EventMountOK:     StateMounted,
		EventMountFailed: StateMountFailed,
	},
	StateReformatted: {
		EventAssigned: StateAssigned,
		EventNoUUID:   StateSkipped,
		EventFailed:   StateUnrecoverable,
	},
}

// Next returns the state reached from s on ev
func Next(s State, ev Event) (State, error) {
	next, ok := transitions[s][ev]
	if !ok {
		return s, fmt.Errorf("invalid transition from %s on %s", s, ev)
	}
	return next, nil
}

// machine tracks one partition through a pass
type machine struct {
	state State
	trace []State
}

func newMachine(start State) *machine {
	return &machine{state: start, trace: []State{start}}
}

func (m *machine) fire(ev Event) error {
	next, err := Next(m.state, ev)
	if err != nil {
		return err
	}
	metrics.DriveTransitionsTotal.WithLabelValues(string(m.state), string(next)).Inc()
	m.state = next
	m.trace = append(m.trace, next)
	return nil
}
