// Package speed negotiates the CPU clock regime. Components request a
// regime and get a handle back; the controller runs the highest regime with
// an outstanding request and drops back to the low-power default once every
// handle is dismissed.
package speed

import (
	"errors"
	"fmt"
	"sync"

	"apek/pkg/logx"
)

var (
	ErrOscillatorTimeout = errors.New("speed: oscillator did not become ready")
	ErrRegimeFailed      = errors.New("speed: regime disabled after oscillator failure")
	ErrUnknownHandle     = errors.New("speed: dismiss without matching request")
	ErrUnsupported       = errors.New("speed: regime not available on this board")
)

// Regime is a discrete clock/voltage operating point, lowest first.
type Regime uint8

const (
	Standard Regime = iota // low power
	Full
	Flank // boost
	numRegimes
)

func (r Regime) String() string {
	switch r {
	case Standard:
		return "standard"
	case Full:
		return "full"
	case Flank:
		return "flank"
	default:
		return fmt.Sprintf("regime(%d)", uint8(r))
	}
}

// Profile describes one regime on a board.
type Profile struct {
	Enabled   bool   `yaml:"enabled"`
	ClockHz   uint32 `yaml:"clock_hz"`
	VoltageMV int    `yaml:"voltage_mv"`
	Startup   int    `yaml:"startup"` // oscillator ready timeout, in polls
}

// Config mirrors the `speed:` block of config.yml.
type Config struct {
	Standard Profile `yaml:"standard"`
	Full     Profile `yaml:"full"`
	Flank    Profile `yaml:"flank"`
}

// DefaultConfig: MSI 4.2 MHz at 1.2 V, HSI 16 MHz at 1.5 V, PLL 32 MHz at 1.8 V.
func DefaultConfig() Config {
	return Config{
		Standard: Profile{Enabled: true, ClockHz: 4_200_000, VoltageMV: 1200, Startup: 300},
		Full:     Profile{Enabled: true, ClockHz: 16_000_000, VoltageMV: 1500, Startup: 300},
		Flank:    Profile{Enabled: true, ClockHz: 32_000_000, VoltageMV: 1800, Startup: 3000},
	}
}

// Platform performs the physical switch. Calls arrive with interrupts
// disabled.
type Platform interface {
	SetVoltage(mv int) error
	// StartOscillator must return ErrOscillatorTimeout (or wrap it) when
	// the ready flag does not show within timeout polls.
	StartOscillator(r Regime, timeout int) error
	SelectClock(r Regime, hz uint32) error
}

// Recorder receives oscillator failures for the persisted fault log.
type Recorder interface {
	OscillatorFailure()
}

// Handle pairs a request with its dismissal. The zero Handle is invalid.
type Handle struct {
	regime Regime
	id     uint64
}

func (h Handle) Regime() Regime { return h.regime }
func (h Handle) Valid() bool    { return h.id != 0 }

// Controller owns the speed request ledger.
type Controller struct {
	crit sync.Locker // interrupt mask held across a transition
	plat Platform
	rec  Recorder
	log  logx.Logger

	mu       sync.Mutex
	profiles [numRegimes]Profile
	counts   [numRegimes]int
	failed   [numRegimes]bool
	live     map[uint64]Regime
	seq      uint64
	active   Regime
}

// New builds a controller that starts in Standard. crit is normally the
// kernel's interrupt controller.
func New(cfg Config, crit sync.Locker, plat Platform, log logx.Logger, rec Recorder) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Controller{
		crit: crit,
		plat: plat,
		rec:  rec,
		log:  log,
		live: make(map[uint64]Regime),
	}
	c.profiles[Standard] = cfg.Standard
	c.profiles[Full] = cfg.Full
	c.profiles[Flank] = cfg.Flank
	c.profiles[Standard].Enabled = true
	return c
}

// Active is the regime currently clocking the core.
func (c *Controller) Active() Regime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// ClockHz is the core clock of the active regime; timing assumptions
// (instructions per tick) derive from it.
func (c *Controller) ClockHz() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profiles[c.active].ClockHz
}

// Count returns outstanding requests for r.
func (c *Controller) Count(r Regime) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r >= numRegimes {
		return 0
	}
	return c.counts[r]
}

// Failed reports a regime disabled by an oscillator failure.
func (c *Controller) Failed(r Regime) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return r < numRegimes && c.failed[r]
}

// Holding reports whether any above-default regime is requested. The
// dispatcher avoids stop mode while it is.
func (c *Controller) Holding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for r := Standard + 1; r < numRegimes; r++ {
		if c.counts[r] > 0 {
			return true
		}
	}
	return false
}

// Request registers interest in r and switches to it if it becomes the
// highest requested regime. The switch is complete when Request returns.
func (c *Controller) Request(r Regime) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r >= numRegimes || !c.profiles[r].Enabled {
		return Handle{}, fmt.Errorf("%w: %s", ErrUnsupported, r)
	}
	if c.failed[r] {
		return Handle{}, fmt.Errorf("%w: %s", ErrRegimeFailed, r)
	}

	c.seq++
	h := Handle{regime: r, id: c.seq}
	c.counts[r]++
	c.live[h.id] = r

	err := c.settleLocked()
	if c.failed[r] {
		c.counts[r]--
		delete(c.live, h.id)
		return Handle{}, err
	}
	return h, nil
}

// Dismiss releases a request. The handle must come from Request and may
// be dismissed once.
func (c *Controller) Dismiss(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.live[h.id]
	if !ok || !h.Valid() || r != h.regime {
		return ErrUnknownHandle
	}
	delete(c.live, h.id)
	c.counts[r]--
	return c.settleLocked()
}

// Resume re-applies the active regime, e.g. after the core came back from
// stop mode with only the low-power oscillator running.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == Standard {
		return nil
	}
	want := c.active
	c.active = Standard
	if err := c.switchLocked(want); err != nil {
		return c.settleLocked()
	}
	return nil
}

// desiredLocked is the highest requested, working regime.
func (c *Controller) desiredLocked() Regime {
	for r := numRegimes - 1; r > Standard; r-- {
		if c.counts[r] > 0 && c.profiles[r].Enabled && !c.failed[r] {
			return r
		}
	}
	return Standard
}

// settleLocked moves to the desired regime, falling back one step at a time
// past regimes whose oscillator fails. It never spins on a dead oscillator.
func (c *Controller) settleLocked() error {
	var first error
	for {
		target := c.desiredLocked()
		if target == c.active {
			return first
		}
		err := c.switchLocked(target)
		if err == nil {
			return first
		}
		if first == nil {
			first = err
		}
		if target == Standard {
			// nowhere lower to go
			return first
		}
	}
}

// switchLocked performs the transition with interrupts disabled, so the
// dispatcher never observes a half-applied tick rate.
func (c *Controller) switchLocked(target Regime) error {
	c.crit.Lock()
	defer c.crit.Unlock()

	from := c.profiles[c.active]
	to := c.profiles[target]

	if to.VoltageMV > from.VoltageMV {
		if err := c.plat.SetVoltage(to.VoltageMV); err != nil {
			return c.failLocked(target, err)
		}
	}
	if err := c.plat.StartOscillator(target, to.Startup); err != nil {
		if to.VoltageMV > from.VoltageMV {
			_ = c.plat.SetVoltage(from.VoltageMV)
		}
		return c.failLocked(target, err)
	}
	if err := c.plat.SelectClock(target, to.ClockHz); err != nil {
		return c.failLocked(target, err)
	}
	if to.VoltageMV < from.VoltageMV {
		if err := c.plat.SetVoltage(to.VoltageMV); err != nil {
			c.log.Warn("down-volt failed", logx.String("regime", target.String()), logx.Err(err))
		}
	}

	c.log.Debug("speed regime", logx.String("from", c.active.String()), logx.String("to", target.String()),
		logx.Uint32("hz", to.ClockHz))
	c.active = target
	return nil
}

func (c *Controller) failLocked(r Regime, err error) error {
	if r != Standard {
		c.failed[r] = true
	}
	if c.rec != nil {
		c.rec.OscillatorFailure()
	}
	c.log.Error("speed regime failed", logx.String("regime", r.String()), logx.Err(err))
	return fmt.Errorf("speed: switch to %s: %w", r, err)
}
