// internal/sched/schedulerEvent.go

package sched

import (
	"time"
)

// StatusKind represents the type of scheduler event
type StatusKind int

const (
	StatusIdle StatusKind = iota
	StatusActivate
	StatusPreempt
	StatusDispatch
	StatusWait
	StatusSuspend
	StatusRetire
	StatusTimeout
	StatusFault
	StatusSleep
	StatusWake
	StatusDrain
)

// StatusEvent is emitted on key scheduler actions
type StatusEvent struct {
	Time   time.Time
	Tick   int64
	Kind   StatusKind
	TaskID TaskID
	Event  uint16
	Wait   int64     // ticks requested (Wait), ticks until wake (Sleep)
	Mode   SleepMode // Sleep only
	Err    error
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusIdle:
		return "Idle"
	case StatusActivate:
		return "Activate"
	case StatusPreempt:
		return "Preempt"
	case StatusDispatch:
		return "Dispatch"
	case StatusWait:
		return "Wait"
	case StatusSuspend:
		return "Suspend"
	case StatusRetire:
		return "Retire"
	case StatusTimeout:
		return "Timeout"
	case StatusFault:
		return "Fault"
	case StatusSleep:
		return "Sleep"
	case StatusWake:
		return "Wake"
	case StatusDrain:
		return "Drain"
	default:
		return "Unknown"
	}
}
