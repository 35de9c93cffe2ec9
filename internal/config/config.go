// Package config loads config.yml for the simulator.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"

	"apek/internal/palfi"
	"apek/internal/sched"
	"apek/internal/session"
	"apek/internal/speed"
	"apek/internal/store"
	"apek/pkg/logx"
)

// Config mirrors config.yml.
type Config struct {
	Log     logx.Config    `yaml:"log"`
	Kernel  sched.Config   `yaml:"kernel"`
	Speed   speed.Config   `yaml:"speed"`
	Store   store.Config   `yaml:"store"`
	Session session.Config `yaml:"session"`
	PaLFi   palfi.Config   `yaml:"palfi"`
	Sim     Sim            `yaml:"sim"`
}

// Sim drives the simulated board.
type Sim struct {
	WakeEvery    string `yaml:"wake_every"`   // "5s" (by default), LF wakeup period
	Housekeeping string `yaml:"housekeeping"` // "@every 30s" (by default), cron spec of the diagnostics flush
	ADCTemp      uint16 `yaml:"adc_temp"`
	ADCVolt      uint16 `yaml:"adc_volt"`
}

// WakeInterval parses WakeEvery; Sanitize guarantees it is valid.
func (s Sim) WakeInterval() time.Duration {
	d, err := time.ParseDuration(s.WakeEvery)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// Default is the configuration used when no file is given.
func Default() Config {
	return Config{
		Log:     logx.Config{Level: "info", Console: true},
		Kernel:  sched.DefaultConfig(),
		Speed:   speed.DefaultConfig(),
		Store:   store.Config{Driver: "memory"},
		Session: session.Config{QueueSize: 8, RatePerSec: 4},
		PaLFi:   palfi.DefaultConfig(),
		Sim: Sim{
			WakeEvery:    "5s",
			Housekeeping: "@every 30s",
			ADCTemp:      2000,
			ADCVolt:      3100,
		},
	}
}

// Load reads YAML over the defaults; empty path = defaults only. Unlike a
// missing file, a malformed one is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := Parse(data, &cfg); err != nil {
		return Default(), fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over cfg and applies the sanity clamps.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	cfg.Sanitize()
	return nil
}

// Sanitize applies the sanity clamps in place.
func (c *Config) Sanitize() {
	def := Default()

	c.Kernel = c.Kernel.Sanitize()
	c.PaLFi = c.PaLFi.Sanitize()
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Session.QueueSize <= 0 {
		c.Session.QueueSize = def.Session.QueueSize
	}
	if c.Session.RatePerSec <= 0 {
		c.Session.RatePerSec = def.Session.RatePerSec
	}
	if d, err := time.ParseDuration(c.Sim.WakeEvery); err != nil || d <= 0 {
		c.Sim.WakeEvery = def.Sim.WakeEvery
	}
	if strings.TrimSpace(c.Sim.Housekeeping) == "" {
		c.Sim.Housekeeping = def.Sim.Housekeeping
	}
	if c.Sim.ADCTemp == 0 {
		c.Sim.ADCTemp = def.Sim.ADCTemp
	}
	if c.Sim.ADCVolt == 0 {
		c.Sim.ADCVolt = def.Sim.ADCVolt
	}
	if !c.Speed.Standard.Enabled || c.Speed.Standard.ClockHz == 0 {
		c.Speed.Standard = def.Speed.Standard
	}
}
