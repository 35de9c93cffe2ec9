// Package palfi is the LF-wakeup keyfob application. The PaLFi core wakes
// the MCU over a port interrupt; the application then reads the core's
// status over SPI and, depending on the wake source and the buttons, reports
// over the radio or runs one of the trimming sequences.
//
// The task's event code doubles as the application state and as its mutex:
// while it is non-zero the core needs port IO and the board must not enter
// deep sleep.
package palfi

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"apek/internal/chain"
	"apek/internal/sched"
	"apek/internal/session"
	"apek/internal/store"
	"apek/pkg/logx"
)

// Event codes.
const (
	EventIdle       uint16 = 0
	EventNormal     uint16 = 1
	EventTrimming   uint16 = 2
	EventExitLF     uint16 = 3 // apply LF data to the bypass, then exit
	EventExit       uint16 = 4 // power down and report
	EventBypassOn   uint16 = 5
	EventSPITrim    uint16 = 6
	EventBypassOff  uint16 = 7
	EventSwitchTrim uint16 = 8
)

// Timing, in ticks.
const (
	WakeReserve   = 64
	WakeLatency   = 1
	TrimSettle    = 5
	MeasureBudget = 1024
	SwitchHold    = 52
)

// Alert channels: odd wake codes use Chan1, even ones Chan2.
const (
	AlertChan1 uint8 = 0x07
	AlertChan2 uint8 = 0x07
)

// Config mirrors the `palfi:` block of config.yml.
type Config struct {
	Enabled    bool    `yaml:"enabled"`
	WakeIRQ    uint8   `yaml:"wake_irq"`    // 1 (by default)
	CaptureIRQ uint8   `yaml:"capture_irq"` // 2 (by default)
	RefHz      float64 `yaml:"ref_hz"`      // 2.5 MHz (by default), capture timer clock
	Switches   int     `yaml:"switches"`    // 2 (by default), buttons wired to the core
	Chan1      uint8   `yaml:"chan1"`
	Chan2      uint8   `yaml:"chan2"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		WakeIRQ:    1,
		CaptureIRQ: 2,
		RefHz:      2_500_000,
		Switches:   2,
		Chan1:      AlertChan1,
		Chan2:      AlertChan2,
	}
}

// Sanitize clamps nonsense values back to defaults.
func (c Config) Sanitize() Config {
	def := DefaultConfig()
	if c.WakeIRQ == 0 || int(c.WakeIRQ) >= sched.MaxSources {
		c.WakeIRQ = def.WakeIRQ
	}
	if c.CaptureIRQ == 0 || int(c.CaptureIRQ) >= sched.MaxSources || c.CaptureIRQ == c.WakeIRQ {
		c.CaptureIRQ = c.WakeIRQ + 1
		if int(c.CaptureIRQ) >= sched.MaxSources {
			c.CaptureIRQ = 1
		}
	}
	if c.RefHz <= 0 {
		c.RefHz = def.RefHz
	}
	if c.Switches <= 0 || c.Switches > 8 {
		c.Switches = def.Switches
	}
	if c.Chan1 == 0 {
		c.Chan1 = def.Chan1
	}
	if c.Chan2 == 0 {
		c.Chan2 = def.Chan2
	}
	return c
}

// Emitter starts downstream dialogs.
type Emitter interface {
	Immediate(tmpl session.Template, applet session.Applet) (uuid.UUID, error)
}

type step uint8

const (
	spiTrim0 step = iota
	spiTrim1
	spiTrim2
	spiTrim3
	spiTrim4
	spiTrim5
	swTrim0
	swTrim1
)

// spiScratch is owned by the SPI trimming chain between steps.
type spiScratch struct {
	channel int
	tlow    [4]float64
	thigh   [4]float64
}

// capture is shared with the capture ISR; guarded by the interrupt lock.
type capture struct {
	Measurement
	count int
	done  bool
}

// App is the PaLFi process.
type App struct {
	cfg   Config
	board Board
	k     *sched.Kernel
	task  *sched.Task
	out   Emitter
	st    store.Store
	adc   session.ADC
	model session.TempModel
	log   logx.Logger

	wakeSrc, capSrc sched.Source

	// owned by the task while it is non-idle
	status  [4]byte
	rssi    [6]byte
	rxdata  [8]byte
	wake    byte
	trimval [4]int8
	abort   error

	spitrim *chain.Chain[step, spiScratch]
	swtrim  *chain.Chain[step, struct{}]

	cap capture
}

var _ sched.Releaser = (*App)(nil)

// Deps are the collaborators of the application.
type Deps struct {
	Board  Board
	Out    Emitter
	Store  store.Store
	ADC    session.ADC
	Logger logx.Logger
}

// New registers the PaLFi task and its two interrupt handlers with k, which
// must not be initialized yet. Stored calibration, if any, is loaded.
func New(ctx context.Context, cfg Config, k *sched.Kernel, d Deps) (*App, error) {
	if d.Board == nil || d.Out == nil {
		return nil, errors.New("palfi: board and emitter are required")
	}
	cfg = cfg.Sanitize()
	log := d.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &App{
		cfg:     cfg,
		board:   d.Board,
		k:       k,
		out:     d.Out,
		st:      d.Store,
		adc:     d.ADC,
		log:     log.With(logx.String("comp", "palfi")),
		wakeSrc: sched.Source(cfg.WakeIRQ),
		capSrc:  sched.Source(cfg.CaptureIRQ),
	}
	a.spitrim = chain.New("spitrim", chain.Table[step, spiScratch]{
		spiTrim0: a.spiTrim0,
		spiTrim1: a.spiTrim1,
		spiTrim2: a.spiTrim2,
		spiTrim3: a.spiTrim3,
		spiTrim4: a.spiTrim4,
		spiTrim5: a.spiTrim5,
	})
	a.swtrim = chain.New("swtrim", chain.Table[step, struct{}]{
		swTrim0: a.swTrim0,
		swTrim1: a.swTrim1,
	})

	t, err := k.AddTask("palfi", a)
	if err != nil {
		return nil, err
	}
	a.task = t

	irq := k.IRQ()
	if err := irq.Attach(a.wakeSrc, "palfi-wake", a.wakeISR); err != nil {
		return nil, err
	}
	if err := irq.Attach(a.capSrc, "palfi-capture", a.captureISR); err != nil {
		return nil, err
	}
	irq.Enable(a.wakeSrc)

	// Port IO must stay powered while the application is engaged.
	k.RegisterBusy("palfi", func() bool { return t.Event() != EventIdle })

	a.model, _, err = session.LoadTempModel(ctx, a.st)
	if err != nil {
		a.log.Warn("temperature model unavailable, using default", logx.Err(err))
	}
	if cal, ok, err := LoadCalibration(ctx, a.st); err != nil {
		a.log.Warn("calibration unavailable", logx.Err(err))
	} else if ok {
		copy(a.trimval[1:], cal.Trim[:])
		a.log.Info("calibration loaded", logx.Any("trim", cal.Trim))
	}
	return a, nil
}

func (a *App) Task() *sched.Task { return a.task }

// WakeSource and CaptureSource are the interrupt lines the application owns.
func (a *App) WakeSource() sched.Source    { return a.wakeSrc }
func (a *App) CaptureSource() sched.Source { return a.capSrc }

// Trim returns the programmed trim value of channel 1..3.
func (a *App) Trim(channel int) int8 {
	if channel < 1 || channel > 3 {
		return 0
	}
	return a.trimval[channel]
}

// ---- interrupt context ----

func (a *App) wakeISR(f *sched.Frame) {
	// The wake source stays masked until powerdown re-arms it.
	f.DisableSelf()

	code := EventNormal
	if a.board.SW2Held() {
		code = EventTrimming
	}
	f.SetEvent(a.task, code)
	f.SetReserve(a.task, WakeReserve)
	f.SetLatency(a.task, WakeLatency)
	f.Preempt(a.task, sched.DefaultSettle)
}

func (a *App) captureISR(f *sched.Frame) {
	c := &a.cap
	if c.done {
		f.DisableSelf()
		return
	}
	if c.count == c.StartCount {
		c.StartVal = a.board.Capture()
	}
	c.count++
	if c.count == c.EndCount {
		c.EndVal = a.board.Capture()
		c.done = true
		f.DisableSelf()
		f.Preempt(a.task, 0)
	}
}

// ---- task context ----

type handler func(a *App, t *sched.Task) (more bool)

// transitions maps each event to its handler. A handler that returns true
// has already moved the task to the next event, which runs in the same
// invocation.
var transitions = map[uint16]handler{
	EventNormal:     (*App).readStatus,
	EventTrimming:   (*App).readStatus,
	EventExitLF:     (*App).exitLF,
	EventExit:       (*App).exit,
	EventBypassOn:   (*App).bypassOn,
	EventSPITrim:    (*App).runSPITrim,
	EventBypassOff:  (*App).bypassOff,
	EventSwitchTrim: (*App).runSwitchTrim,
}

// Dispatch implements sched.Process.
func (a *App) Dispatch(t *sched.Task) {
	for {
		code := t.Event()
		if code == EventIdle {
			// cancelled from outside
			a.release()
			return
		}
		h, ok := transitions[code]
		if !ok {
			t.Unrecognized()
			a.release()
			return
		}
		if !h(a, t) {
			return
		}
	}
}

// Release implements sched.Releaser.
func (a *App) Release(t *sched.Task, why error) {
	a.log.Warn("forced idle", logx.Uint64("event", uint64(t.Event())), logx.Err(why))
	a.release()
}

func (a *App) readStatus(t *sched.Task) bool {
	code := t.Event()
	if err := a.board.SPIStartup(); err != nil {
		return a.fail(t, err)
	}
	a.k.IRQ().Disable(a.wakeSrc)
	if err := a.cmdStatus(); err != nil {
		return a.fail(t, err)
	}

	// Wake A/B on status[0] bits 0/1; they never happen together.
	if w := a.status[0] & 3; w != 0 {
		a.wake = w + 'A' - 1
		t.SetEvent(code + 2)
		if err := a.cmdRSSI(); err != nil {
			return a.fail(t, err)
		}
		return true
	}

	a.wake = 0
	i := 0
	for ; i < a.cfg.Switches; i++ {
		if a.status[2]&(1<<i) != 0 {
			a.wake = '1' + byte(i)
			break
		}
	}
	for j := range a.rssi {
		a.rssi[j] = 0xFF
	}
	if a.wake == 0 {
		a.powerdown(t)
		return false
	}
	t.SetEvent(code + 4 + uint16(i)<<1)
	t.SetNext(0)
	return false
}

// exitLF applies the LF payload: 1 enables the DC/DC converter, 2 bypasses it.
func (a *App) exitLF(t *sched.Task) bool {
	switch a.status[3] {
	case 1:
		a.board.SetBypass(false)
	case 2:
		a.board.SetBypass(true)
	}
	t.SetEvent(EventExit)
	return true
}

func (a *App) exit(t *sched.Task) bool {
	a.finish(t)
	return false
}

func (a *App) bypassOn(t *sched.Task) bool {
	a.board.SetBypass(true)
	a.board.SetVCLD(false)
	t.SetEvent(EventExitLF)
	return true
}

func (a *App) bypassOff(t *sched.Task) bool {
	a.board.SetBypass(false)
	t.SetEvent(EventExitLF)
	return true
}

func (a *App) runSPITrim(t *sched.Task) bool {
	return runChain(a, t, a.spitrim, spiTrim0)
}

func (a *App) runSwitchTrim(t *sched.Task) bool {
	return runChain(a, t, a.swtrim, swTrim0)
}

// runChain starts the chain on first entry, runs one step and turns its
// directive into the task's wait. A completed chain exits through the
// report path.
func runChain[D any](a *App, t *sched.Task, c *chain.Chain[step, D], first step) bool {
	if !c.Running() {
		if err := c.Start(first); err != nil {
			return a.fail(t, err)
		}
	}
	d, err := c.Run()
	if err == nil {
		err = a.abort
	}
	if err != nil {
		return a.fail(t, fmt.Errorf("palfi: %s: %w", c.Name, err))
	}
	if d.Apply(t) {
		t.SetEvent(EventExit)
		return true
	}
	return false
}

// finish reports the wakeup and returns the task to idle.
func (a *App) finish(t *sched.Task) {
	rep := a.report()
	ch := a.cfg.Chan2
	if a.wake&1 != 0 {
		ch = a.cfg.Chan1
	}
	a.powerdown(t)

	tmpl := session.Template{Channel: ch, Addressing: session.Broadcast}
	id, err := a.out.Immediate(tmpl, session.ADCPacket(a.adc, a.model, a.st, rep))
	if err != nil {
		a.log.Warn("report not queued", logx.Err(err))
		return
	}
	a.log.Debug("report queued", logx.String("session", id.String()), logx.Int("chan", int(ch)))
}

func (a *App) report() session.Report {
	var r session.Report
	copy(r.RSSI[:], a.rssi[1:4])
	r.WakeEvent = a.wake
	r.RxData = a.rxdata
	return r
}

// fail abandons the run after a hardware error.
func (a *App) fail(t *sched.Task, err error) bool {
	a.log.Error("palfi run failed", logx.Uint64("event", uint64(t.Event())), logx.Err(err))
	t.SetEvent(EventIdle)
	a.release()
	return false
}

// powerdown parks the core and re-arms the wake interrupt. The event is
// cleared first so a wakeup racing the re-arm is not lost.
func (a *App) powerdown(t *sched.Task) {
	if err := a.board.Write(cmdPowerdown); err != nil {
		a.log.Warn("core powerdown failed", logx.Err(err))
	}
	a.board.SPIShutdown()
	a.wake = 0
	a.abort = nil
	t.SetEvent(EventIdle)
	a.rearm()
}

// release frees every peripheral the task may hold, without touching the
// event code.
func (a *App) release() {
	a.board.TimerReset()
	a.k.IRQ().Disable(a.capSrc)
	a.k.IRQ().Clear(a.capSrc)
	a.board.SetLED(false)
	a.board.SetVCLD(false)
	a.board.SetBypass(false)
	a.spitrim.Reset()
	a.swtrim.Reset()
	if err := a.board.Write(cmdPowerdown); err != nil {
		a.log.Debug("core powerdown failed", logx.Err(err))
	}
	a.board.SPIShutdown()
	a.wake = 0
	a.abort = nil
	a.rearm()
}

func (a *App) rearm() {
	irq := a.k.IRQ()
	irq.Clear(a.wakeSrc)
	irq.Enable(a.wakeSrc)
}

// ---- SPI helpers ----

func (a *App) cmdStatus() error {
	if err := a.board.Write(cmdStatus); err != nil {
		return err
	}
	return a.board.Read(a.status[:])
}

func (a *App) cmdRSSI() error {
	if err := a.board.Write(cmdRSSI); err != nil {
		return err
	}
	return a.board.Read(a.rssi[:])
}

func (a *App) progTrimSwitch(channel int, trim int8) error {
	if err := a.board.Write(programFrame(channel, uint8(trim), baseTrimSwitch)); err != nil {
		return err
	}
	return a.board.Read(a.rxdata[:])
}
