package sched

import "time"

// Config mirrors the `kernel:` block of config.yml.
type Config struct {
	TickHz       int    `yaml:"tick_hz"`       // 1024 (by default)
	MaxDispatch  int    `yaml:"max_dispatch"`  // 64 (by default), dispatches per pass
	StatusBuffer int    `yaml:"status_buffer"` // 256 (by default)
	CSVPath      string `yaml:"csv_path"`      // empty = no CSV trace
}

// DefaultSettle is the wait slot an interrupt bridge attaches before a
// task's first step, letting the hardware stabilize.
const DefaultSettle = 32

func DefaultConfig() Config {
	return Config{
		TickHz:       1024,
		MaxDispatch:  64,
		StatusBuffer: 256,
	}
}

// Sanitize clamps nonsense values back to defaults.
func (c Config) Sanitize() Config {
	def := DefaultConfig()
	if c.TickHz <= 0 {
		c.TickHz = def.TickHz
	}
	if c.MaxDispatch <= 0 {
		c.MaxDispatch = def.MaxDispatch
	}
	if c.StatusBuffer <= 0 {
		c.StatusBuffer = def.StatusBuffer
	}
	return c
}

// TickInterval is the wall-clock length of one tick.
func (c Config) TickInterval() time.Duration {
	hz := c.TickHz
	if hz <= 0 {
		hz = DefaultConfig().TickHz
	}
	return time.Second / time.Duration(hz)
}
