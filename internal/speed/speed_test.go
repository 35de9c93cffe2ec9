package speed

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

// critLock is a sync.Locker that remembers whether it is held.
type critLock struct {
	mu   sync.Mutex
	held bool
}

func (l *critLock) Lock()   { l.mu.Lock(); l.held = true }
func (l *critLock) Unlock() { l.held = false; l.mu.Unlock() }

type fakePlatform struct {
	crit     *critLock
	fail     map[Regime]error
	calls    []string
	unlocked int
}

func (p *fakePlatform) note(s string) {
	if !p.crit.held {
		p.unlocked++
	}
	p.calls = append(p.calls, s)
}

func (p *fakePlatform) SetVoltage(mv int) error {
	p.note(fmt.Sprintf("volt %d", mv))
	return nil
}

func (p *fakePlatform) StartOscillator(r Regime, timeout int) error {
	p.note("osc " + r.String())
	if err := p.fail[r]; err != nil {
		return err
	}
	return nil
}

func (p *fakePlatform) SelectClock(r Regime, hz uint32) error {
	p.note("clock " + r.String())
	return nil
}

type oscCounter struct{ n int }

func (c *oscCounter) OscillatorFailure() { c.n++ }

func newTestController(t *testing.T, cfg Config) (*Controller, *fakePlatform, *oscCounter) {
	t.Helper()
	crit := &critLock{}
	plat := &fakePlatform{crit: crit, fail: map[Regime]error{}}
	rec := &oscCounter{}
	return New(cfg, crit, plat, testLogger(), rec), plat, rec
}

func mustRequest(t *testing.T, c *Controller, r Regime) Handle {
	t.Helper()
	h, err := c.Request(r)
	if err != nil {
		t.Fatalf("Request(%s): %v", r, err)
	}
	return h
}

func TestRequestAndDismiss(t *testing.T) {
	c, plat, _ := newTestController(t, DefaultConfig())
	if c.Active() != Standard || c.Holding() {
		t.Fatalf("initial active=%s holding=%v", c.Active(), c.Holding())
	}

	h := mustRequest(t, c, Full)
	if c.Active() != Full || !c.Holding() || c.ClockHz() != 16_000_000 {
		t.Fatalf("after Request(Full): active=%s holding=%v hz=%d", c.Active(), c.Holding(), c.ClockHz())
	}
	if err := c.Dismiss(h); err != nil {
		t.Fatal(err)
	}
	if c.Active() != Standard || c.Holding() {
		t.Fatalf("after Dismiss: active=%s holding=%v", c.Active(), c.Holding())
	}
	if plat.unlocked != 0 {
		t.Fatalf("%d platform calls ran with interrupts enabled", plat.unlocked)
	}
}

func TestHighestRequestWins(t *testing.T) {
	c, _, _ := newTestController(t, DefaultConfig())
	full := mustRequest(t, c, Full)
	flank := mustRequest(t, c, Flank)
	if c.Active() != Flank {
		t.Fatalf("active = %s, want flank", c.Active())
	}
	if err := c.Dismiss(flank); err != nil {
		t.Fatal(err)
	}
	if c.Active() != Full {
		t.Fatalf("active = %s, want full after dropping flank", c.Active())
	}
	if err := c.Dismiss(full); err != nil {
		t.Fatal(err)
	}
	if c.Active() != Standard {
		t.Fatalf("active = %s, want standard", c.Active())
	}
}

func TestBalancedPairsRestoreStandard(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		c, _, _ := newTestController(t, DefaultConfig())
		var hs []Handle
		for i := 0; i < 16; i++ {
			hs = append(hs, mustRequest(t, c, Regime(rng.Intn(int(numRegimes)))))
		}
		rng.Shuffle(len(hs), func(i, j int) { hs[i], hs[j] = hs[j], hs[i] })
		for _, h := range hs {
			if err := c.Dismiss(h); err != nil {
				t.Fatalf("round %d: Dismiss: %v", round, err)
			}
		}
		if c.Active() != Standard || c.Holding() {
			t.Fatalf("round %d: active=%s holding=%v", round, c.Active(), c.Holding())
		}
		for r := Standard; r < numRegimes; r++ {
			if n := c.Count(r); n != 0 {
				t.Fatalf("round %d: %s count = %d", round, r, n)
			}
		}
	}
}

func TestBalancedPairsRestoreHeldRegime(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for round := 0; round < 20; round++ {
		c, _, _ := newTestController(t, DefaultConfig())
		held := mustRequest(t, c, Full)
		var hs []Handle
		for i := 0; i < 16; i++ {
			hs = append(hs, mustRequest(t, c, Regime(rng.Intn(int(numRegimes)))))
		}
		rng.Shuffle(len(hs), func(i, j int) { hs[i], hs[j] = hs[j], hs[i] })
		for _, h := range hs {
			if err := c.Dismiss(h); err != nil {
				t.Fatalf("round %d: Dismiss: %v", round, err)
			}
		}
		if c.Active() != Full || c.Count(Full) != 1 {
			t.Fatalf("round %d: active=%s full=%d, want full held once", round, c.Active(), c.Count(Full))
		}
		if err := c.Dismiss(held); err != nil {
			t.Fatal(err)
		}
		if c.Active() != Standard || c.Holding() {
			t.Fatalf("round %d: after releasing hold active=%s holding=%v", round, c.Active(), c.Holding())
		}
	}
}

func TestDismissMustMatchRequest(t *testing.T) {
	c, _, _ := newTestController(t, DefaultConfig())
	if err := c.Dismiss(Handle{}); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("Dismiss(zero) = %v", err)
	}
	h := mustRequest(t, c, Full)
	if err := c.Dismiss(h); err != nil {
		t.Fatal(err)
	}
	if err := c.Dismiss(h); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("double Dismiss = %v", err)
	}
	if c.Count(Full) != 0 {
		t.Fatalf("count went negative: %d", c.Count(Full))
	}
}

func TestOscillatorFailureFallsBack(t *testing.T) {
	c, plat, rec := newTestController(t, DefaultConfig())
	plat.fail[Flank] = fmt.Errorf("pll: %w", ErrOscillatorTimeout)

	full := mustRequest(t, c, Full)
	if _, err := c.Request(Flank); !errors.Is(err, ErrOscillatorTimeout) {
		t.Fatalf("Request(Flank) = %v, want ErrOscillatorTimeout", err)
	}
	if c.Active() != Full {
		t.Fatalf("active = %s, want fallback to full", c.Active())
	}
	if !c.Failed(Flank) || rec.n != 1 || c.Count(Flank) != 0 {
		t.Fatalf("failed=%v recorded=%d count=%d", c.Failed(Flank), rec.n, c.Count(Flank))
	}
	if _, err := c.Request(Flank); !errors.Is(err, ErrRegimeFailed) {
		t.Fatalf("second Request(Flank) = %v, want ErrRegimeFailed", err)
	}
	if err := c.Dismiss(full); err != nil {
		t.Fatal(err)
	}
	if c.Active() != Standard {
		t.Fatalf("active = %s", c.Active())
	}
}

func TestVoltageSequencing(t *testing.T) {
	c, plat, _ := newTestController(t, DefaultConfig())
	h := mustRequest(t, c, Flank)
	up := []string{"volt 1800", "osc flank", "clock flank"}
	if fmt.Sprint(plat.calls) != fmt.Sprint(up) {
		t.Fatalf("up-switch calls = %v, want %v", plat.calls, up)
	}

	plat.calls = nil
	if err := c.Dismiss(h); err != nil {
		t.Fatal(err)
	}
	down := []string{"osc standard", "clock standard", "volt 1200"}
	if fmt.Sprint(plat.calls) != fmt.Sprint(down) {
		t.Fatalf("down-switch calls = %v, want %v", plat.calls, down)
	}
}

func TestUnsupportedRegime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Flank.Enabled = false
	c, _, _ := newTestController(t, cfg)
	if _, err := c.Request(Flank); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Request(disabled) = %v", err)
	}
	if _, err := c.Request(Regime(9)); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Request(9) = %v", err)
	}
}

func TestResumeReappliesActive(t *testing.T) {
	c, plat, _ := newTestController(t, DefaultConfig())
	mustRequest(t, c, Full)
	plat.calls = nil
	if err := c.Resume(); err != nil {
		t.Fatal(err)
	}
	if c.Active() != Full || len(plat.calls) == 0 || plat.calls[0] != "volt 1500" {
		t.Fatalf("active=%s calls=%v", c.Active(), plat.calls)
	}
}
