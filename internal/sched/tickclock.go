// internal/sched/tickclock.go

package sched

import (
	"sync/atomic"
	"time"
)

// Clock is the kernel time base. Now counts ticks since boot; C delivers a
// signal per tick (it may coalesce when the reader is slow).
type Clock interface {
	Now() int64
	C() <-chan struct{}
}

// TickClock emits ticks and counts them atomically.
type TickClock struct {
	ch    chan struct{}
	count atomic.Int64
	stop  chan struct{}
}

// NewTickClock creates a clock but does not start it.
func NewTickClock(buffer int) *TickClock {
	return &TickClock{
		ch:   make(chan struct{}, buffer),
		stop: make(chan struct{}),
	}
}

// Start begins emitting ticks at the given interval.
func (c *TickClock) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.count.Add(1)
				select {
				case c.ch <- struct{}{}:
				default:
				}
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop signals the clock to stop emitting ticks.
func (c *TickClock) Stop() {
	close(c.stop)
}

// Now returns the current tick count atomically.
func (c *TickClock) Now() int64 {
	return c.count.Load()
}

func (c *TickClock) C() <-chan struct{} { return c.ch }

// ManualClock only moves when told to. Tests and replay use it to get
// reproducible schedules.
type ManualClock struct {
	ch    chan struct{}
	count atomic.Int64
}

func NewManualClock() *ManualClock {
	return &ManualClock{ch: make(chan struct{}, 1)}
}

// Advance moves time forward by n ticks.
func (c *ManualClock) Advance(n int64) {
	if n <= 0 {
		return
	}
	c.count.Add(n)
	select {
	case c.ch <- struct{}{}:
	default:
	}
}

func (c *ManualClock) Now() int64         { return c.count.Load() }
func (c *ManualClock) C() <-chan struct{} { return c.ch }
