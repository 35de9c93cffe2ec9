package sched

import (
	"fmt"
	"sync"
)

// Source identifies one interrupt line.
type Source uint8

// MaxSources bounds the vector table.
const MaxSources = 16

// Handler is an interrupt service routine. It runs inside the global
// critical section and may only touch task state through f. It must
// acknowledge its cause first and stay short.
type Handler func(f *Frame)

type line struct {
	name     string
	handler  Handler
	enabled  bool
	pending  bool
	serviced uint64
}

// IRQ is the interrupt controller. Its mutex is the global interrupt mask:
// holding it is "interrupts disabled". Task code and the speed controller
// use it as a sync.Locker for their short critical sections.
type IRQ struct {
	mu      sync.Mutex
	k       *Kernel
	started bool
	lines   [MaxSources]line
}

var _ sync.Locker = (*IRQ)(nil)

// Lock disables interrupts.
func (c *IRQ) Lock() { c.mu.Lock() }

// Unlock re-enables interrupts.
func (c *IRQ) Unlock() { c.mu.Unlock() }

// Attach installs a handler. The line starts disabled.
func (c *IRQ) Attach(src Source, name string, h Handler) error {
	if int(src) >= MaxSources {
		return fmt.Errorf("irq: source %d out of range", src)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lines[src].handler != nil {
		return fmt.Errorf("irq: source %d (%s) already attached", src, c.lines[src].name)
	}
	c.lines[src] = line{name: name, handler: h}
	return nil
}

// Enable unmasks a source. A cause latched while it was masked is serviced
// immediately.
func (c *IRQ) Enable(src Source) {
	if int(src) >= MaxSources {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enableLocked(src)
}

// Disable masks a source. Causes raised while masked stay pending.
func (c *IRQ) Disable(src Source) {
	if int(src) >= MaxSources {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines[src].enabled = false
}

// Clear drops a pending cause without servicing it.
func (c *IRQ) Clear(src Source) {
	if int(src) >= MaxSources {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines[src].pending = false
}

// Raise asserts a source, as the hardware would. It reports whether the
// handler ran; otherwise the cause was latched as pending.
func (c *IRQ) Raise(src Source) bool {
	if int(src) >= MaxSources {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ln := &c.lines[src]
	if ln.handler == nil {
		return false
	}
	if !c.started || !ln.enabled {
		ln.pending = true
		return false
	}
	c.serviceLocked(src)
	return true
}

// Serviced returns how many times the source's handler has run.
func (c *IRQ) Serviced(src Source) uint64 {
	if int(src) >= MaxSources {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines[src].serviced
}

// Pending reports a latched, unserviced cause.
func (c *IRQ) Pending(src Source) bool {
	if int(src) >= MaxSources {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines[src].pending
}

func (c *IRQ) enableLocked(src Source) {
	ln := &c.lines[src]
	ln.enabled = true
	if c.started && ln.pending && ln.handler != nil {
		c.serviceLocked(src)
	}
}

// start opens the gate after Kernel.Init and delivers anything latched.
func (c *IRQ) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	for i := range c.lines {
		if c.lines[i].enabled && c.lines[i].pending {
			c.serviceLocked(Source(i))
		}
	}
}

func (c *IRQ) serviceLocked(src Source) {
	ln := &c.lines[src]
	ln.pending = false
	ln.serviced++
	f := Frame{c: c, src: src}
	ln.handler(&f)
	f.done = true
}

// Frame is the interrupt-context view of the kernel. It is the only way an
// ISR may touch a task descriptor and it is valid only while the handler
// runs.
type Frame struct {
	c    *IRQ
	src  Source
	done bool
}

func (f *Frame) Source() Source { return f.src }

// Now is the kernel tick count.
func (f *Frame) Now() int64 { return f.c.k.clock.Now() }

// DisableSelf masks the running source. Use it when the owning task
// re-enables the line once its sequence finishes.
func (f *Frame) DisableSelf() {
	f.check()
	f.c.lines[f.src].enabled = false
}

// Enable unmasks another source from interrupt context. A cause latched on
// that line is serviced before Enable returns.
func (f *Frame) Enable(src Source) {
	f.check()
	if int(src) >= MaxSources {
		return
	}
	f.c.enableLocked(src)
}

// Disable masks another source from interrupt context.
func (f *Frame) Disable(src Source) {
	f.check()
	if int(src) >= MaxSources {
		return
	}
	f.c.lines[src].enabled = false
}

func (f *Frame) SetEvent(t *Task, code uint16) {
	f.check()
	f.c.k.setEventLocked(t, code)
}

func (f *Frame) SetReserve(t *Task, ticks int64) {
	f.check()
	f.c.k.setReserveLocked(t, ticks)
}

func (f *Frame) SetLatency(t *Task, rank uint8) {
	f.check()
	f.c.k.setLatencyLocked(t, rank)
}

// Preempt makes t due after delay ticks and wakes the dispatcher if that is
// sooner than its armed timer. An idle task is left alone.
func (f *Frame) Preempt(t *Task, delay int64) {
	f.check()
	f.c.k.preemptLocked(t, delay)
}

func (f *Frame) check() {
	if f.done {
		panic("sched: interrupt frame used after its handler returned")
	}
}
