// Package diag keeps the fault counters that survive reset. They are loaded
// from the hardware fault status record at boot, logged, bumped by the
// kernel and the speed controller, and flushed back on housekeeping and at
// shutdown.
package diag

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"apek/internal/store"
	"apek/pkg/logx"
)

const recordVersion = 1

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Boots              uint32
	ProtocolFaults     uint32
	WatchdogTimeouts   uint32
	OscillatorFailures uint32
	Panics             uint32
}

// Total counts faults, boots excluded.
func (s Snapshot) Total() uint32 {
	return s.ProtocolFaults + s.WatchdogTimeouts + s.OscillatorFailures + s.Panics
}

// Counters implements sched.Recorder and speed.Recorder.
type Counters struct {
	st  store.Store
	log logx.Logger

	boots      atomic.Uint32
	protocol   atomic.Uint32
	watchdog   atomic.Uint32
	oscillator atomic.Uint32
	panics     atomic.Uint32
	dirty      atomic.Bool
}

func New(st store.Store, log logx.Logger) *Counters {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Counters{st: st, log: log}
}

func (c *Counters) ProtocolFault()     { c.protocol.Add(1); c.dirty.Store(true) }
func (c *Counters) WatchdogTimeout()   { c.watchdog.Add(1); c.dirty.Store(true) }
func (c *Counters) ProcessPanic()      { c.panics.Add(1); c.dirty.Store(true) }
func (c *Counters) OscillatorFailure() { c.oscillator.Add(1); c.dirty.Store(true) }

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Boots:              c.boots.Load(),
		ProtocolFaults:     c.protocol.Load(),
		WatchdogTimeouts:   c.watchdog.Load(),
		OscillatorFailures: c.oscillator.Load(),
		Panics:             c.panics.Load(),
	}
}

// Load restores the persisted counters and counts this boot. A missing
// record starts from zero.
func (c *Counters) Load(ctx context.Context) error {
	if c.st != nil {
		b, ok, err := c.st.Get(ctx, store.RecordFaultStatus)
		if err != nil {
			return fmt.Errorf("diag: load: %w", err)
		}
		if ok {
			s, err := decode(b)
			if err != nil {
				c.log.Warn("fault status record ignored", logx.Err(err))
			} else {
				c.boots.Store(s.Boots)
				c.protocol.Store(s.ProtocolFaults)
				c.watchdog.Store(s.WatchdogTimeouts)
				c.oscillator.Store(s.OscillatorFailures)
				c.panics.Store(s.Panics)
			}
		}
	}
	c.boots.Add(1)
	c.dirty.Store(true)

	s := c.Snapshot()
	fields := []logx.Field{
		logx.Uint32("boots", s.Boots),
		logx.Uint32("protocol", s.ProtocolFaults),
		logx.Uint32("watchdog", s.WatchdogTimeouts),
		logx.Uint32("oscillator", s.OscillatorFailures),
		logx.Uint32("panic", s.Panics),
	}
	if s.Total() > 0 {
		c.log.Warn("fault counters carried over reset", fields...)
	} else {
		c.log.Info("fault counters", fields...)
	}
	return nil
}

// Flush writes the counters if anything changed since the last flush.
func (c *Counters) Flush(ctx context.Context) error {
	if c.st == nil || !c.dirty.Swap(false) {
		return nil
	}
	if err := c.st.Put(ctx, store.RecordFaultStatus, encode(c.Snapshot())); err != nil {
		c.dirty.Store(true)
		return fmt.Errorf("diag: flush: %w", err)
	}
	return nil
}

// record layout: version(1) pad(3) then five big-endian uint32.
func encode(s Snapshot) []byte {
	b := make([]byte, 24)
	b[0] = recordVersion
	binary.BigEndian.PutUint32(b[4:], s.Boots)
	binary.BigEndian.PutUint32(b[8:], s.ProtocolFaults)
	binary.BigEndian.PutUint32(b[12:], s.WatchdogTimeouts)
	binary.BigEndian.PutUint32(b[16:], s.OscillatorFailures)
	binary.BigEndian.PutUint32(b[20:], s.Panics)
	return b
}

func decode(b []byte) (Snapshot, error) {
	if len(b) < 24 {
		return Snapshot{}, fmt.Errorf("diag: short fault record (%d bytes)", len(b))
	}
	if b[0] != recordVersion {
		return Snapshot{}, fmt.Errorf("diag: fault record version %d", b[0])
	}
	return Snapshot{
		Boots:              binary.BigEndian.Uint32(b[4:]),
		ProtocolFaults:     binary.BigEndian.Uint32(b[8:]),
		WatchdogTimeouts:   binary.BigEndian.Uint32(b[12:]),
		OscillatorFailures: binary.BigEndian.Uint32(b[16:]),
		Panics:             binary.BigEndian.Uint32(b[20:]),
	}, nil
}
