package sched

import (
	"errors"
	"math"
	"sync/atomic"
)

// TaskID indexes the fixed task table. Lower ids win latency ties.
type TaskID uint8

// Never is the due tick of a task that waits for an interrupt without a
// watchdog budget.
const Never int64 = math.MaxInt64

var (
	ErrUnknownEvent = errors.New("sched: unrecognized event code")
	ErrWatchdog     = errors.New("sched: interrupt wait exceeded its budget")
	ErrPanic        = errors.New("sched: process panicked")
	ErrDrained      = errors.New("sched: kernel drained")
)

// Process is the External-Process callback of one cooperating subsystem.
// Dispatch must map t.Event() to behaviour and leave a directive on t
// before returning: SetEvent(0), SetNext, Suspend or WaitInterrupt.
// Returning with no directive and a non-zero event suspends the task.
type Process interface {
	Dispatch(t *Task)
}

// ProcessFunc adapts a plain function to Process.
type ProcessFunc func(t *Task)

func (f ProcessFunc) Dispatch(t *Task) { f(t) }

// Releaser is implemented by processes holding hardware between steps.
// The kernel calls Release when it forces the task idle (watchdog, panic,
// drain). Release must free every peripheral the task was holding.
type Releaser interface {
	Release(t *Task, why error)
}

type directive uint8

const (
	dirNone directive = iota
	dirTimed
	dirSuspend
	dirWaitIRQ
)

// Task is a fixed-lifetime descriptor. Fields shared with interrupt context
// are guarded by the interrupt controller's critical section; the event code
// is additionally packed with a generation counter in one atomic word so
// readers never see a torn value.
type Task struct {
	ID   TaskID
	Name string

	k    *Kernel
	proc Process

	state atomic.Uint64 // generation<<32 | event

	// guarded by k.irq
	reserve int64
	latency uint8
	due     int64
	watch   bool // due is a watchdog deadline for an interrupt wait
	woken   bool // last reschedule came from Preempt
	active  bool // present in the run queue
	running bool
	dir     directive
	pending bool // Preempt arrived while running
	pendDue int64

	// valid inside Dispatch only
	byIRQ bool
}

// Event returns the current event code. Safe from any context.
func (t *Task) Event() uint16 {
	return uint16(t.state.Load())
}

// Generation counts event writes. A dispatcher can compare generations to
// notice an interrupt rewrote the event behind its back.
func (t *Task) Generation() uint32 {
	return uint32(t.state.Load() >> 32)
}

func (t *Task) snapshot() (uint16, uint32) {
	v := t.state.Load()
	return uint16(v), uint32(v >> 32)
}

// Reserve returns the configured execution budget in ticks.
func (t *Task) Reserve() int64 {
	t.k.irq.Lock()
	defer t.k.irq.Unlock()
	return t.reserve
}

// Latency returns the tie-break rank.
func (t *Task) Latency() uint8 {
	t.k.irq.Lock()
	defer t.k.irq.Unlock()
	return t.latency
}

// Woken reports whether the current dispatch was triggered by an interrupt
// preempt rather than by a timed wait running out.
func (t *Task) Woken() bool { return t.byIRQ }

// Now is the kernel tick count.
func (t *Task) Now() int64 { return t.k.clock.Now() }

// ---- task-context directives ----
// These take the critical section and must not be called from an ISR;
// handlers use the Frame they are given instead.

// SetEvent writes the event code. Zero retires the task.
func (t *Task) SetEvent(code uint16) {
	t.k.irq.Lock()
	defer t.k.irq.Unlock()
	t.k.setEventLocked(t, code)
}

// SetNext asks to be dispatched again after ticks (0 = next pass).
func (t *Task) SetNext(ticks int64) {
	if ticks < 0 {
		ticks = 0
	}
	t.k.irq.Lock()
	defer t.k.irq.Unlock()
	t.due = t.k.clock.Now() + ticks
	t.watch = false
	t.dir = dirTimed
}

// Suspend parks the task until an interrupt preempts it.
func (t *Task) Suspend() {
	t.k.irq.Lock()
	defer t.k.irq.Unlock()
	t.due = Never
	t.watch = false
	t.dir = dirSuspend
}

// WaitInterrupt parks the task until an interrupt preempts it, for at most
// maxWait ticks. If the budget runs out the kernel forces the task idle.
func (t *Task) WaitInterrupt(maxWait int64) {
	if maxWait <= 0 {
		t.Suspend()
		return
	}
	t.k.irq.Lock()
	defer t.k.irq.Unlock()
	t.due = t.k.clock.Now() + maxWait
	t.watch = true
	t.dir = dirWaitIRQ
}

func (t *Task) SetReserve(ticks int64) {
	t.k.irq.Lock()
	defer t.k.irq.Unlock()
	t.k.setReserveLocked(t, ticks)
}

func (t *Task) SetLatency(rank uint8) {
	t.k.irq.Lock()
	defer t.k.irq.Unlock()
	t.k.setLatencyLocked(t, rank)
}

// Unrecognized retires the task after a protocol violation: the process was
// dispatched with an event code it does not handle.
func (t *Task) Unrecognized() {
	code := t.Event()
	t.SetEvent(0)
	t.k.fault(t, code, ErrUnknownEvent)
}
