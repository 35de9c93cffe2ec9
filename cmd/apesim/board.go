package main

import (
	"context"
	"math/rand"
	"time"

	"apek/internal/palfi"
	"apek/internal/sched"
	"apek/internal/session"
	"apek/internal/speed"
	"apek/pkg/logx"
)

// simPlatform switches regimes instantly.
type simPlatform struct {
	log logx.Logger
	mv  int
}

func (p *simPlatform) SetVoltage(mv int) error {
	p.mv = mv
	return nil
}

func (p *simPlatform) StartOscillator(r speed.Regime, timeout int) error {
	_ = timeout
	return nil
}

func (p *simPlatform) SelectClock(r speed.Regime, hz uint32) error {
	p.log.Trace("clock", logx.String("regime", r.String()), logx.Uint32("hz", hz), logx.Int("mv", p.mv))
	return nil
}

// radioSink holds the full-speed regime for the duration of a transmission.
type radioSink struct {
	ctrl *speed.Controller
	out  session.Sink
}

func (r radioSink) Send(ctx context.Context, f session.Frame) error {
	h, err := r.ctrl.Request(speed.Full)
	if err == nil {
		defer func() { _ = r.ctrl.Dismiss(h) }()
	}
	return r.out.Send(ctx, f)
}

// injector plays the LF base station and the operator.
type injector struct {
	board *palfi.Sim
	irq   *sched.IRQ
	wake  sched.Source
	capt  sched.Source
	log   logx.Logger
}

// wakeLoop raises a wakeup per period: an LF wake A/B, a button press, or
// (rarely) a press with SW2 held to trigger trimming.
func (in *injector) wakeLoop(ctx context.Context, every time.Duration) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		var status [4]byte
		status[3] = byte(rng.Intn(3)) // LF payload
		switch n := rng.Intn(10); {
		case n < 5:
			status[0] = byte(1 + rng.Intn(2)) // wake A or B
		default:
			status[2] = byte(1 << rng.Intn(2)) // SW0 or SW1
		}
		in.board.SetStatus(status)
		in.board.SetSW2(rng.Intn(10) == 0)
		if !in.irq.Raise(in.wake) {
			in.log.Debug("wakeup latched", logx.Any("status", status))
		}
	}
}

// edgeLoop feeds CLKOUT edges to the capture timer, a few per millisecond.
// Edges while the capture line is masked only latch, and the application
// clears the latch before unmasking.
func (in *injector) edgeLoop(ctx context.Context) {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for i := 0; i < 4; i++ {
			in.board.Edge()
			in.irq.Raise(in.capt)
		}
	}
}
