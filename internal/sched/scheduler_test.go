package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

type fakeRecorder struct {
	protocol atomic.Int32
	watchdog atomic.Int32
	panics   atomic.Int32
	loaded   atomic.Bool
	flushed  atomic.Bool
}

func (r *fakeRecorder) ProtocolFault()   { r.protocol.Add(1) }
func (r *fakeRecorder) WatchdogTimeout() { r.watchdog.Add(1) }
func (r *fakeRecorder) ProcessPanic()    { r.panics.Add(1) }

func (r *fakeRecorder) Load(ctx context.Context) error  { r.loaded.Store(true); return nil }
func (r *fakeRecorder) Flush(ctx context.Context) error { r.flushed.Store(true); return nil }

// releasing wraps a process with a Releaser that records why it was called.
type releasing struct {
	fn  func(t *Task)
	why []error
}

func (r *releasing) Dispatch(t *Task)            { r.fn(t) }
func (r *releasing) Release(t *Task, why error) { r.why = append(r.why, why) }

type holder bool

func (h holder) Holding() bool { return bool(h) }

func newTestKernel(t *testing.T, opts ...Option) (*Kernel, *ManualClock) {
	t.Helper()
	clk := NewManualClock()
	return New(DefaultConfig(), clk, opts...), clk
}

func mustAdd(t *testing.T, k *Kernel, name string, p Process) *Task {
	t.Helper()
	task, err := k.AddTask(name, p)
	if err != nil {
		t.Fatalf("AddTask(%s): %v", name, err)
	}
	return task
}

func mustInit(t *testing.T, k *Kernel) {
	t.Helper()
	if err := k.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

// kick activates a task from test context and makes it due now.
func kick(task *Task, code uint16) {
	task.SetEvent(code)
	task.SetNext(0)
}

func drainStatus(k *Kernel) []StatusEvent {
	var out []StatusEvent
	for {
		select {
		case ev := <-k.StatusChannel():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasKind(evs []StatusEvent, kind StatusKind, id TaskID) bool {
	for _, ev := range evs {
		if ev.Kind == kind && ev.TaskID == id {
			return true
		}
	}
	return false
}

func TestInterruptWakeFallsThroughToSwitchBranch(t *testing.T) {
	k, clk := newTestKernel(t)

	type call struct {
		event uint16
		tick  int64
		woken bool
	}
	var calls []call
	var task *Task
	task = mustAdd(t, k, "app", ProcessFunc(func(tk *Task) {
		calls = append(calls, call{tk.Event(), tk.Now(), tk.Woken()})
		switch tk.Event() {
		case 1:
			// no wake event sampled: move to the switch branch
			tk.SetEvent('1')
			tk.SetNext(0)
		case '1':
			tk.SetEvent(0)
		default:
			tk.Unrecognized()
		}
	}))

	irq := k.IRQ()
	if err := irq.Attach(1, "wake", func(f *Frame) {
		f.DisableSelf()
		f.SetEvent(task, 1)
		f.SetReserve(task, 64)
		f.SetLatency(task, 1)
		f.Preempt(task, 32)
	}); err != nil {
		t.Fatal(err)
	}
	irq.Enable(1)
	mustInit(t, k)

	if !irq.Raise(1) {
		t.Fatal("Raise: handler did not run")
	}
	if task.Event() != 1 || task.Reserve() != 64 || task.Latency() != 1 {
		t.Fatalf("descriptor after ISR: event=%d reserve=%d latency=%d", task.Event(), task.Reserve(), task.Latency())
	}

	plan := k.RunDueTasks()
	if len(calls) != 0 {
		t.Fatalf("dispatched before the wait slot elapsed: %+v", calls)
	}
	if plan.Wake != 32 || plan.Mode != SleepStop {
		t.Fatalf("plan = %+v, want wake 32 in stop", plan)
	}

	clk.Advance(31)
	k.RunDueTasks()
	if len(calls) != 0 {
		t.Fatalf("dispatched at tick 31: %+v", calls)
	}

	clk.Advance(1)
	plan = k.RunDueTasks()
	want := []call{{1, 32, true}, {'1', 32, false}}
	if len(calls) != len(want) {
		t.Fatalf("calls = %+v, want %+v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d = %+v, want %+v", i, calls[i], want[i])
		}
	}
	if task.Event() != 0 {
		t.Fatalf("event = %d, want idle", task.Event())
	}
	if plan.Wake != Never {
		t.Fatalf("plan.Wake = %d, want Never", plan.Wake)
	}
}

func TestLatencyThenIDOrdering(t *testing.T) {
	k, _ := newTestKernel(t)
	var order []TaskID
	proc := ProcessFunc(func(tk *Task) {
		order = append(order, tk.ID)
		tk.SetEvent(0)
	})
	a := mustAdd(t, k, "a", proc)
	b := mustAdd(t, k, "b", proc)
	c := mustAdd(t, k, "c", proc)
	mustInit(t, k)

	a.SetLatency(5)
	b.SetLatency(1)
	c.SetLatency(1)
	kick(c, 1)
	kick(a, 1)
	kick(b, 1)

	k.RunDueTasks()
	want := []TaskID{b.ID, c.ID, a.ID}
	if len(order) != 3 || order[0] != want[0] || order[1] != want[1] || order[2] != want[2] {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestTimedWaitNeverEarly(t *testing.T) {
	k, clk := newTestKernel(t)
	var runs []int64
	task := mustAdd(t, k, "timed", ProcessFunc(func(tk *Task) {
		runs = append(runs, tk.Now())
		if len(runs) == 1 {
			tk.SetNext(10)
			return
		}
		tk.SetEvent(0)
	}))
	mustInit(t, k)
	kick(task, 1)

	k.RunDueTasks()
	for i := 0; i < 9; i++ {
		clk.Advance(1)
		if plan := k.RunDueTasks(); plan.Wake != 10 {
			t.Fatalf("tick %d: plan.Wake = %d, want 10", clk.Now(), plan.Wake)
		}
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %v, woke early", runs)
	}
	clk.Advance(1)
	k.RunDueTasks()
	if len(runs) != 2 || runs[1] != 10 {
		t.Fatalf("runs = %v, want second run at 10", runs)
	}
}

func TestWatchdogForcesIdleAndReleases(t *testing.T) {
	rec := &fakeRecorder{}
	k, clk := newTestKernel(t, WithRecorder(rec))
	p := &releasing{}
	p.fn = func(tk *Task) { tk.WaitInterrupt(100) }
	task := mustAdd(t, k, "measure", p)
	mustInit(t, k)
	kick(task, 3)

	if plan := k.RunDueTasks(); plan.Wake != 100 {
		t.Fatalf("plan.Wake = %d, want watchdog at 100", plan.Wake)
	}
	clk.Advance(99)
	k.RunDueTasks()
	if task.Event() != 3 || len(p.why) != 0 {
		t.Fatalf("timed out early: event=%d why=%v", task.Event(), p.why)
	}

	clk.Advance(1)
	plan := k.RunDueTasks()
	if task.Event() != 0 {
		t.Fatalf("event = %d after watchdog, want 0", task.Event())
	}
	if len(p.why) != 1 || !errors.Is(p.why[0], ErrWatchdog) {
		t.Fatalf("release reasons = %v, want one ErrWatchdog", p.why)
	}
	if rec.watchdog.Load() != 1 {
		t.Fatalf("watchdog counter = %d", rec.watchdog.Load())
	}
	if plan.Wake != Never {
		t.Fatalf("plan.Wake = %d, want Never", plan.Wake)
	}
	if !hasKind(drainStatus(k), StatusTimeout, task.ID) {
		t.Fatal("no timeout status emitted")
	}
}

func TestInterruptBeatsWatchdog(t *testing.T) {
	rec := &fakeRecorder{}
	k, clk := newTestKernel(t, WithRecorder(rec))
	p := &releasing{}
	runs := 0
	p.fn = func(tk *Task) {
		runs++
		if runs == 1 {
			tk.WaitInterrupt(100)
			return
		}
		tk.SetEvent(0)
	}
	task := mustAdd(t, k, "measure", p)
	irq := k.IRQ()
	if err := irq.Attach(4, "capture", func(f *Frame) { f.Preempt(task, 0) }); err != nil {
		t.Fatal(err)
	}
	irq.Enable(4)
	mustInit(t, k)
	kick(task, 1)
	k.RunDueTasks()

	clk.Advance(50)
	irq.Raise(4)
	k.RunDueTasks()
	clk.Advance(100)
	k.RunDueTasks()

	if runs != 2 || len(p.why) != 0 || rec.watchdog.Load() != 0 {
		t.Fatalf("runs=%d releases=%v watchdog=%d", runs, p.why, rec.watchdog.Load())
	}
}

// hookRecorder runs onWatchdog when a timeout is counted, before the task
// is forced idle.
type hookRecorder struct {
	fakeRecorder
	onWatchdog func()
}

func (r *hookRecorder) WatchdogTimeout() {
	r.fakeRecorder.WatchdogTimeout()
	if r.onWatchdog != nil {
		r.onWatchdog()
	}
}

func TestFreshEventAfterExpiryKeepsHardware(t *testing.T) {
	rec := &hookRecorder{}
	k, clk := newTestKernel(t, WithRecorder(rec))
	p := &releasing{}
	var seen []uint16
	p.fn = func(tk *Task) {
		seen = append(seen, tk.Event())
		if tk.Event() == 1 {
			tk.WaitInterrupt(5)
			return
		}
		tk.SetEvent(0)
	}
	task := mustAdd(t, k, "measure", p)
	irq := k.IRQ()
	if err := irq.Attach(1, "wake", func(f *Frame) {
		f.SetEvent(task, 2)
		f.Preempt(task, 0)
	}); err != nil {
		t.Fatal(err)
	}
	irq.Enable(1)
	mustInit(t, k)
	kick(task, 1)
	k.RunDueTasks()

	// the wake lands between expiry and release
	rec.onWatchdog = func() { irq.Raise(1) }
	clk.Advance(5)
	k.RunDueTasks()

	if len(p.why) != 0 {
		t.Fatalf("Release called %d times for a superseded wait", len(p.why))
	}
	if len(seen) != 2 || seen[1] != 2 || task.Event() != 0 {
		t.Fatalf("seen=%v event=%d, fresh event must be dispatched", seen, task.Event())
	}
	if rec.watchdog.Load() != 1 {
		t.Fatalf("watchdog = %d", rec.watchdog.Load())
	}
	for _, ev := range drainStatus(k) {
		if ev.Kind == StatusRetire && errors.Is(ev.Err, ErrWatchdog) {
			t.Fatal("task forced idle although its event was rewritten")
		}
	}
}

func TestUnrecognizedEventFaults(t *testing.T) {
	rec := &fakeRecorder{}
	k, _ := newTestKernel(t, WithRecorder(rec))
	task := mustAdd(t, k, "strict", ProcessFunc(func(tk *Task) {
		if tk.Event() != 1 {
			tk.Unrecognized()
			return
		}
		tk.SetEvent(0)
	}))
	mustInit(t, k)
	kick(task, 9)

	k.RunDueTasks()
	if task.Event() != 0 {
		t.Fatalf("event = %d, want idle", task.Event())
	}
	if rec.protocol.Load() != 1 {
		t.Fatalf("protocol faults = %d, want 1", rec.protocol.Load())
	}
	found := false
	for _, ev := range drainStatus(k) {
		if ev.Kind == StatusFault && ev.Event == 9 && errors.Is(ev.Err, ErrUnknownEvent) {
			found = true
		}
	}
	if !found {
		t.Fatal("no fault status for event 9")
	}
}

func TestPanickingProcessIsRecovered(t *testing.T) {
	rec := &fakeRecorder{}
	k, _ := newTestKernel(t, WithRecorder(rec))
	p := &releasing{fn: func(tk *Task) { panic("boom") }}
	task := mustAdd(t, k, "bad", p)
	other := 0
	peer := mustAdd(t, k, "peer", ProcessFunc(func(tk *Task) { other++; tk.SetEvent(0) }))
	mustInit(t, k)
	kick(task, 1)
	kick(peer, 1)

	k.RunDueTasks()
	if task.Event() != 0 {
		t.Fatalf("panicking task left at event %d", task.Event())
	}
	if len(p.why) != 1 || !errors.Is(p.why[0], ErrPanic) {
		t.Fatalf("release reasons = %v", p.why)
	}
	if rec.panics.Load() != 1 {
		t.Fatalf("panic counter = %d", rec.panics.Load())
	}
	if other != 1 {
		t.Fatalf("peer ran %d times, the pass must continue after a panic", other)
	}
}

func TestReserveGuard(t *testing.T) {
	k, clk := newTestKernel(t)
	var order []string
	aRuns := 0
	a := mustAdd(t, k, "a", ProcessFunc(func(tk *Task) {
		order = append(order, "a")
		aRuns++
		if aRuns == 1 {
			tk.SetNext(1)
			return
		}
		tk.SetEvent(0)
	}))
	b := mustAdd(t, k, "b", ProcessFunc(func(tk *Task) {
		order = append(order, "b")
		tk.SetEvent(0)
	}))
	c := mustAdd(t, k, "c", ProcessFunc(func(tk *Task) {
		order = append(order, "c")
		tk.SetEvent(0)
	}))
	mustInit(t, k)
	a.SetLatency(2)
	a.SetReserve(10)
	b.SetLatency(2)
	c.SetLatency(1)

	kick(a, 1)
	kick(b, 1)
	plan := k.RunDueTasks()
	if len(order) != 1 || order[0] != "a" {
		t.Fatalf("order = %v, b must wait behind the reserve guard", order)
	}
	if plan.Wake != 1 {
		t.Fatalf("plan.Wake = %d, want 1", plan.Wake)
	}

	// strictly lower rank may cut in
	kick(c, 1)
	k.RunDueTasks()
	if len(order) != 2 || order[1] != "c" {
		t.Fatalf("order = %v, c should run during the guard", order)
	}

	// a retires, releasing the guard; b follows in the same pass
	clk.Advance(1)
	k.RunDueTasks()
	if got := len(order); got != 4 || order[2] != "a" || order[3] != "b" {
		t.Fatalf("order = %v, want [a c a b]", order)
	}
}

func TestReserveGuardReleasedByInterruptWait(t *testing.T) {
	k, _ := newTestKernel(t)
	var order []string
	a := mustAdd(t, k, "a", ProcessFunc(func(tk *Task) {
		order = append(order, "a")
		tk.WaitInterrupt(500)
	}))
	b := mustAdd(t, k, "b", ProcessFunc(func(tk *Task) {
		order = append(order, "b")
		tk.SetEvent(0)
	}))
	mustInit(t, k)
	a.SetReserve(64)
	kick(a, 1)
	kick(b, 1)

	k.RunDueTasks()
	if len(order) != 2 || order[1] != "b" {
		t.Fatalf("order = %v, b should run once a waits on an interrupt", order)
	}
}

func TestPreemptWhileRunningOverridesDirective(t *testing.T) {
	k, clk := newTestKernel(t)
	runs := 0
	var task *Task
	task = mustAdd(t, k, "self", ProcessFunc(func(tk *Task) {
		runs++
		if runs == 1 {
			k.IRQ().Raise(2)
			tk.SetNext(100)
			return
		}
		tk.SetEvent(0)
	}))
	irq := k.IRQ()
	if err := irq.Attach(2, "kick", func(f *Frame) { f.Preempt(task, 5) }); err != nil {
		t.Fatal(err)
	}
	irq.Enable(2)
	mustInit(t, k)
	kick(task, 1)

	plan := k.RunDueTasks()
	if plan.Wake != 5 {
		t.Fatalf("plan.Wake = %d, want the preempt at 5", plan.Wake)
	}
	clk.Advance(5)
	k.RunDueTasks()
	if runs != 2 {
		t.Fatalf("runs = %d, want 2", runs)
	}
}

func TestPreemptIgnoresIdleTask(t *testing.T) {
	k, _ := newTestKernel(t)
	runs := 0
	task := mustAdd(t, k, "idle", ProcessFunc(func(tk *Task) { runs++; tk.SetEvent(0) }))
	irq := k.IRQ()
	if err := irq.Attach(3, "stray", func(f *Frame) { f.Preempt(task, 0) }); err != nil {
		t.Fatal(err)
	}
	irq.Enable(3)
	mustInit(t, k)

	irq.Raise(3)
	k.RunDueTasks()
	if runs != 0 {
		t.Fatalf("idle task dispatched %d times", runs)
	}
}

func TestDispatchCapBoundsOnePass(t *testing.T) {
	k, _ := newTestKernel(t)
	runs := 0
	task := mustAdd(t, k, "spin", ProcessFunc(func(tk *Task) {
		runs++
		tk.SetNext(0)
	}))
	mustInit(t, k)
	kick(task, 1)

	plan := k.RunDueTasks()
	if runs != k.Config().MaxDispatch {
		t.Fatalf("runs = %d, want cap %d", runs, k.Config().MaxDispatch)
	}
	if plan.Mode != SleepNone {
		t.Fatalf("plan.Mode = %s, work is still due", plan.Mode)
	}
}

func TestNoDirectiveSuspends(t *testing.T) {
	k, clk := newTestKernel(t)
	runs := 0
	task := mustAdd(t, k, "lazy", ProcessFunc(func(tk *Task) { runs++ }))
	mustInit(t, k)
	kick(task, 1)

	k.RunDueTasks()
	clk.Advance(1000)
	plan := k.RunDueTasks()
	if runs != 1 || task.Event() != 1 || plan.Wake != Never {
		t.Fatalf("runs=%d event=%d wake=%d", runs, task.Event(), plan.Wake)
	}
}

func TestSleepModeHonoursBusyAndSpeed(t *testing.T) {
	tests := []struct {
		name    string
		busy    bool
		holding bool
		want    SleepMode
	}{
		{"quiet", false, false, SleepStop},
		{"peripheral busy", true, false, SleepIdle},
		{"speed held", false, true, SleepIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, _ := newTestKernel(t, WithSpeed(holder(tt.holding)))
			task := mustAdd(t, k, "timed", ProcessFunc(func(tk *Task) { tk.SetNext(50) }))
			busy := tt.busy
			k.RegisterBusy("spi", func() bool { return busy })
			mustInit(t, k)
			kick(task, 1)

			plan := k.RunDueTasks()
			if plan.Wake != 50 || plan.Mode != tt.want {
				t.Fatalf("plan = %+v, want wake 50 mode %s", plan, tt.want)
			}
		})
	}
}

func TestDrainReleasesAndReportsBusy(t *testing.T) {
	rec := &fakeRecorder{}
	k, _ := newTestKernel(t, WithRecorder(rec))
	p := &releasing{fn: func(tk *Task) { tk.WaitInterrupt(1000) }}
	task := mustAdd(t, k, "holder", p)
	var busy atomic.Bool
	busy.Store(true)
	k.RegisterBusy("spi", busy.Load)
	mustInit(t, k)
	if !rec.loaded.Load() {
		t.Fatal("Init did not load diagnostics")
	}
	kick(task, 2)
	k.RunDueTasks()

	if err := k.Drain(context.Background()); err == nil {
		t.Fatal("Drain succeeded with a busy peripheral")
	}
	if task.Event() != 0 || len(p.why) != 1 || !errors.Is(p.why[0], ErrDrained) {
		t.Fatalf("event=%d why=%v", task.Event(), p.why)
	}
	if !rec.flushed.Load() {
		t.Fatal("Drain did not flush diagnostics")
	}

	busy.Store(false)
	if err := k.Drain(context.Background()); err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if len(p.why) != 1 {
		t.Fatalf("idle task released again: %v", p.why)
	}
}

func TestAddTaskAfterInit(t *testing.T) {
	k, _ := newTestKernel(t)
	mustInit(t, k)
	if _, err := k.AddTask("late", ProcessFunc(func(*Task) {})); err == nil {
		t.Fatal("AddTask after Init succeeded")
	}
	if err := k.Init(); err == nil {
		t.Fatal("second Init succeeded")
	}
}

func TestTaskTableIsBounded(t *testing.T) {
	k, _ := newTestKernel(t)
	for i := 0; i < MaxTasks; i++ {
		mustAdd(t, k, "t", ProcessFunc(func(*Task) {}))
	}
	if _, err := k.AddTask("overflow", ProcessFunc(func(*Task) {})); err == nil {
		t.Fatal("task table accepted more than MaxTasks")
	}
}

func TestGenerationCountsEventWrites(t *testing.T) {
	k, _ := newTestKernel(t)
	task := mustAdd(t, k, "gen", ProcessFunc(func(tk *Task) { tk.SetEvent(0) }))
	mustInit(t, k)

	g0 := task.Generation()
	task.SetEvent(1)
	task.SetEvent(2)
	task.SetEvent(0)
	if got := task.Generation() - g0; got != 3 {
		t.Fatalf("generation advanced by %d, want 3", got)
	}
}
