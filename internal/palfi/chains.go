package palfi

import (
	"context"
	"errors"
	"fmt"

	"apek/internal/chain"
	"apek/pkg/logx"
)

var ErrMeasureIncomplete = errors.New("palfi: capture ended before the measurement window closed")

type spiChain = chain.Chain[step, spiScratch]

// SPI trimming: for each channel measure the resonance period with every
// trim switch off and then on, and program the interpolated setting.

func (a *App) spiTrim0(c *spiChain) chain.Directive {
	a.board.SetBypass(true)
	a.board.SetVCLD(true)
	c.Data.channel = 1
	return c.Continue(spiTrim1)
}

func (a *App) spiTrim1(c *spiChain) chain.Directive {
	c.Goto(spiTrim2)
	if err := a.progTrimSwitch(c.Data.channel, 0); err != nil {
		return a.stop(err)
	}
	return chain.WaitTicks(TrimSettle)
}

func (a *App) spiTrim2(c *spiChain) chain.Directive {
	c.Goto(spiTrim3)
	return a.measureInit(c.Data.channel, 0)
}

func (a *App) spiTrim3(c *spiChain) chain.Directive {
	c.Goto(spiTrim4)
	tl, err := a.measureFinish()
	if err != nil {
		return a.stop(err)
	}
	c.Data.tlow[c.Data.channel] = tl
	return chain.WaitTicks(TrimSettle)
}

func (a *App) spiTrim4(c *spiChain) chain.Directive {
	c.Goto(spiTrim5)
	return a.measureInit(c.Data.channel, 0x7f)
}

func (a *App) spiTrim5(c *spiChain) chain.Directive {
	ch := c.Data.channel
	th, err := a.measureFinish()
	if err != nil {
		return a.stop(err)
	}
	c.Data.thigh[ch] = th
	a.trimval[ch] = TrimValue(c.Data.tlow[ch], th)
	if err := a.progTrimSwitch(ch, a.trimval[ch]); err != nil {
		return a.stop(err)
	}
	a.log.Debug("channel trimmed", logx.Int("chan", ch),
		logx.Float64("tlow", c.Data.tlow[ch]), logx.Float64("thigh", th), logx.Int("trim", int(a.trimval[ch])))

	if ch == 3 {
		a.board.SetVCLD(false)
		a.board.SetBypass(false)
		a.saveCalibration(c.Data)
		return chain.Done()
	}
	c.Data.channel++
	c.Goto(spiTrim1)
	return chain.WaitTicks(1)
}

// Switch trimming: clear every channel and hold the LED for the operator.

func (a *App) swTrim0(c *chain.Chain[step, struct{}]) chain.Directive {
	c.Goto(swTrim1)
	a.board.SetBypass(true)
	a.board.SetVCLD(true)
	for ch := 1; ch <= 3; ch++ {
		if err := a.progTrimSwitch(ch, 0); err != nil {
			return a.stop(err)
		}
		a.trimval[ch] = 0
	}
	a.board.SetLED(true)
	return chain.WaitTicks(SwitchHold)
}

func (a *App) swTrim1(c *chain.Chain[step, struct{}]) chain.Directive {
	a.board.SetLED(false)
	a.board.SetVCLD(false)
	a.board.SetBypass(false)
	return chain.Done()
}

// stop ends the chain early; runChain picks up the recorded error.
func (a *App) stop(err error) chain.Directive {
	if a.abort == nil {
		a.abort = err
	}
	return chain.Done()
}

// measureInit arms the capture timer and programs the channel for
// measurement. The capture ISR preempts the task once the window closes;
// the kernel's watchdog covers a core that never clocks.
func (a *App) measureInit(channel int, trim uint8) chain.Directive {
	a.board.TimerReset()
	a.board.TimerStart()

	irq := a.k.IRQ()
	irq.Lock()
	a.cap = capture{Measurement: Measurement{StartCount: StartCount, EndCount: EndCount}}
	irq.Unlock()

	if err := a.board.Write(programFrame(channel, trim, baseMeasure)); err != nil {
		return a.stop(err)
	}
	irq.Clear(a.capSrc)
	irq.Enable(a.capSrc)
	return chain.WaitInterrupt(MeasureBudget)
}

func (a *App) measureFinish() (float64, error) {
	a.board.TimerReset()

	irq := a.k.IRQ()
	irq.Disable(a.capSrc)
	irq.Lock()
	c := a.cap
	irq.Unlock()

	if !c.done {
		return 0, fmt.Errorf("%w (%d of %d edges)", ErrMeasureIncomplete, c.count, c.EndCount)
	}
	if err := a.board.Read(a.rxdata[:]); err != nil {
		return 0, err
	}
	return PulseWidth(c.Measurement, a.cfg.RefHz), nil
}

func (a *App) saveCalibration(s spiScratch) {
	if a.st == nil {
		return
	}
	var cal Calibration
	copy(cal.Trim[:], a.trimval[1:])
	for i := 0; i < 3; i++ {
		cal.TLow[i] = s.tlow[i+1]
	}
	if err := SaveCalibration(context.Background(), a.st, cal); err != nil {
		a.log.Warn("calibration not saved", logx.Err(err))
	}
}
