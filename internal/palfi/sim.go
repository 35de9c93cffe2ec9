package palfi

import (
	"bytes"
	"errors"
	"sync"
)

var ErrSPIOff = errors.New("palfi: spi peripheral in reset")

// Sim is an in-memory keyfob. The simulator and the tests drive it; the
// core answers reads according to the last command written.
type Sim struct {
	mu sync.Mutex

	// core state returned by reads
	Status   [4]byte
	RSSIInfo [6]byte
	RxData   [8]byte

	// Period is the capture timer delta between two edges.
	Period uint16

	SW2    bool
	Bypass bool
	VCLD   bool
	LED    bool

	spiOn      bool
	timerOn    bool
	counter    uint16
	last       []byte
	writes     [][]byte
	powerdowns int
	failWrites error
}

var _ Board = (*Sim)(nil)

// NewSim returns a board whose core clocks about 139 kHz against a 2.5 MHz
// timer.
func NewSim() *Sim {
	return &Sim{Period: 18}
}

func (s *Sim) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	if !s.spiOn && !bytes.Equal(frame, cmdPowerdown) {
		return ErrSPIOff
	}
	cp := append([]byte(nil), frame...)
	s.last = cp
	s.writes = append(s.writes, cp)
	if bytes.Equal(frame, cmdPowerdown) {
		s.powerdowns++
	}
	return nil
}

func (s *Sim) Read(dst []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.spiOn {
		return ErrSPIOff
	}
	var src []byte
	switch {
	case bytes.Equal(s.last, cmdStatus):
		src = s.Status[:]
	case bytes.Equal(s.last, cmdRSSI):
		src = s.RSSIInfo[:]
	default:
		src = s.RxData[:]
	}
	n := copy(dst, src)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

func (s *Sim) SPIStartup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spiOn = true
	return nil
}

func (s *Sim) SPIShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spiOn = false
}

func (s *Sim) SW2Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SW2
}

func (s *Sim) SetBypass(on bool) { s.mu.Lock(); s.Bypass = on; s.mu.Unlock() }
func (s *Sim) SetVCLD(on bool)   { s.mu.Lock(); s.VCLD = on; s.mu.Unlock() }
func (s *Sim) SetLED(on bool)    { s.mu.Lock(); s.LED = on; s.mu.Unlock() }

func (s *Sim) TimerReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timerOn = false
	s.counter = 0
}

func (s *Sim) TimerStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timerOn = true
}

// Capture returns the timer value latched on the current edge.
func (s *Sim) Capture() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// Edge advances the timer by one CLKOUT period, as an edge arriving would.
// The caller then raises the capture interrupt.
func (s *Sim) Edge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timerOn {
		s.counter += s.Period
	}
}

// Pins returns bypass, VCLD and LED.
func (s *Sim) Pins() (bypass, vcld, led bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Bypass, s.VCLD, s.LED
}

// SPIOn reports whether the SPI peripheral is out of reset.
func (s *Sim) SPIOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spiOn
}

// Writes returns every frame written so far.
func (s *Sim) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

func (s *Sim) Powerdowns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powerdowns
}

// FailWrites makes every following write return err; nil clears it.
func (s *Sim) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = err
}

// SetStatus replaces the core status bytes.
func (s *Sim) SetStatus(status [4]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
}

func (s *Sim) SetSW2(held bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SW2 = held
}
