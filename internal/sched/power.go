package sched

// SleepMode is the power state the dispatcher may enter until its next wake.
type SleepMode int

const (
	// SleepNone: work is still due, do not sleep.
	SleepNone SleepMode = iota
	// SleepIdle: core clock off, peripherals and high-speed clocks kept.
	SleepIdle
	// SleepStop: deepest state; only the low-power timer runs.
	SleepStop
)

func (m SleepMode) String() string {
	switch m {
	case SleepNone:
		return "none"
	case SleepIdle:
		return "idle"
	case SleepStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Plan is the outcome of one dispatcher pass.
type Plan struct {
	Wake int64 // absolute tick, Never if nothing is scheduled
	Mode SleepMode
}

// SpeedHolder is satisfied by the clock-regime controller: while any
// above-default regime is requested the core cannot drop into stop mode.
type SpeedHolder interface {
	Holding() bool
}

type busyFlag struct {
	name string
	fn   func() bool
}

// RegisterBusy adds a peripheral busy flag. While fn reports true the
// dispatcher never enters SleepStop: a transaction is mid-flight.
func (k *Kernel) RegisterBusy(name string, fn func() bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.busy = append(k.busy, busyFlag{name: name, fn: fn})
}

// Busy lists the peripherals that currently veto deep sleep.
func (k *Kernel) Busy() []string {
	k.mu.Lock()
	flags := append([]busyFlag(nil), k.busy...)
	k.mu.Unlock()

	var out []string
	for _, b := range flags {
		if b.fn() {
			out = append(out, b.name)
		}
	}
	return out
}

func (k *Kernel) sleepMode() SleepMode {
	k.mu.Lock()
	sp := k.speed
	k.mu.Unlock()
	if sp != nil && sp.Holding() {
		return SleepIdle
	}
	if len(k.Busy()) > 0 {
		return SleepIdle
	}
	return SleepStop
}
