// internal/sched/scheduler.go

package sched

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"

	"apek/pkg/logx"
)

// MaxTasks bounds the fixed task table.
const MaxTasks = 16

// Recorder receives the kernel's diagnostic conditions. The diag package
// persists them across resets.
type Recorder interface {
	ProtocolFault()
	WatchdogTimeout()
	ProcessPanic()
}

// Persister is implemented by recorders that survive reset. Init loads it
// and Drain flushes it.
type Persister interface {
	Load(ctx context.Context) error
	Flush(ctx context.Context) error
}

// Option customizes a Kernel.
type Option func(*Kernel)

func WithLogger(l logx.Logger) Option { return func(k *Kernel) { k.log = l } }
func WithSpeed(s SpeedHolder) Option { return func(k *Kernel) { k.speed = s } }
func WithRecorder(r Recorder) Option { return func(k *Kernel) { k.rec = r } }

// Kernel is the asynchronous pre-emptive dispatcher: a fixed task table,
// an interrupt controller and a run queue ordered by (latency, id).
type Kernel struct {
	mu     sync.Mutex // protects busy, sealed, drained
	busy   []busyFlag
	sealed bool

	cfg   Config
	clock Clock
	irq   IRQ
	tasks []*Task

	// guarded by irq
	rbt        *redblacktree.Tree // active tasks ordered by latency and id
	guard      *Task
	guardUntil int64
	armed      int64

	wake  chan struct{}
	speed SpeedHolder
	rec   Recorder
	log   logx.Logger

	statMu     sync.RWMutex
	statusCh   chan StatusEvent
	statClosed bool
	dropped    atomic.Uint64

	// logging-related
	csvFile   *os.File
	csvWriter *csv.Writer
}

// New creates a Kernel over clock. Tasks are added before Init.
func New(cfg Config, clock Clock, opts ...Option) *Kernel {
	cfg = cfg.Sanitize()
	k := &Kernel{
		cfg:      cfg,
		clock:    clock,
		rbt:      redblacktree.NewWith(cmp),
		armed:    Never,
		wake:     make(chan struct{}, 1),
		statusCh: make(chan StatusEvent, cfg.StatusBuffer),
		log:      logx.Nop(),
	}
	k.irq.k = k
	for _, o := range opts {
		o(k)
	}
	return k
}

// AddTask registers a cooperating subsystem. The table is sealed by Init.
func (k *Kernel) AddTask(name string, p Process) (*Task, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.sealed {
		return nil, fmt.Errorf("sched: task %q added after Init", name)
	}
	if len(k.tasks) >= MaxTasks {
		return nil, fmt.Errorf("sched: task table full (%d)", MaxTasks)
	}
	if p == nil {
		return nil, fmt.Errorf("sched: task %q has no process", name)
	}
	t := &Task{
		ID:   TaskID(len(k.tasks)),
		Name: name,
		k:    k,
		proc: p,
		due:  Never,
	}
	k.tasks = append(k.tasks, t)
	return t, nil
}

// Init seals the task table and opens the interrupt gate. Interrupts raised
// before Init stay latched and are delivered now.
func (k *Kernel) Init() error {
	k.mu.Lock()
	if k.sealed {
		k.mu.Unlock()
		return errors.New("sched: Init called twice")
	}
	k.sealed = true
	k.mu.Unlock()

	if p, ok := k.rec.(Persister); ok {
		if err := p.Load(context.Background()); err != nil {
			k.log.Warn("diagnostics not loaded", logx.Err(err))
		}
	}

	k.log.Info("kernel init", logx.Int("tasks", len(k.tasks)), logx.Int("tick_hz", k.cfg.TickHz))
	k.irq.start()
	return nil
}

// SetSpeed installs the speed ledger consulted before sleeping. The speed
// controller needs the kernel's interrupt lock, so it is built after New.
func (k *Kernel) SetSpeed(s SpeedHolder) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.speed = s
}

func (k *Kernel) IRQ() *IRQ { return &k.irq }
func (k *Kernel) Clock() Clock { return k.clock }
func (k *Kernel) Tasks() []*Task { return append([]*Task(nil), k.tasks...) }
func (k *Kernel) Dropped() uint64 { return k.dropped.Load() }
func (k *Kernel) Config() Config { return k.cfg }

// EnableCSVLogging opens the given file path for CSV logging of events.
// Must be called before Run().
func (k *Kernel) EnableCSVLogging(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)

	// write header
	if err := w.Write([]string{"timestamp", "tick", "event", "task_id", "code", "wait", "mode", "err"}); err != nil {
		_ = f.Close()
		return err
	}
	w.Flush()
	k.csvFile = f
	k.csvWriter = w
	return nil
}

// StatusChannel exposes read-only stream (optional consumers).
func (k *Kernel) StatusChannel() <-chan StatusEvent { return k.statusCh }

// Run drives the dispatcher until ctx ends and renders the status stream.
func (k *Kernel) Run(ctx context.Context) error {
	// start loop
	go k.loop(ctx)

	// consume events
	for ev := range k.statusCh {
		k.handleEvent(ev)
	}

	if k.csvFile != nil {
		k.csvWriter.Flush()
		return k.csvFile.Close()
	}
	return nil
}

// loop alternates dispatcher passes and low-power waits.
func (k *Kernel) loop(ctx context.Context) {
	defer k.closeStatus()

	for {
		if ctx.Err() != nil {
			return
		}
		plan := k.RunDueTasks()
		if plan.Mode == SleepNone {
			continue
		}
		k.emit(StatusEvent{Kind: StatusSleep, Wait: until(plan.Wake, k.clock.Now()), Mode: plan.Mode})
		k.sleep(ctx, plan)
		k.emit(StatusEvent{Kind: StatusWake})
	}
}

// sleep blocks until the planned wake tick, a preempt, or shutdown.
func (k *Kernel) sleep(ctx context.Context, plan Plan) {
	for {
		if plan.Wake != Never && k.clock.Now() >= plan.Wake {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-k.wake:
			return
		case <-k.clock.C():
		}
	}
}

// RunDueTasks is one dispatcher pass. It repeatedly dispatches the due task
// with the lowest latency rank (ties by id) until nothing is due or the
// per-pass cap is reached, then plans the next wake.
func (k *Kernel) RunDueTasks() Plan {
	select {
	case <-k.wake:
	default:
	}

	for n := 0; n < k.cfg.MaxDispatch; {
		now := k.clock.Now()

		k.irq.Lock()
		expired := k.expireLocked(now)
		t := k.pickLocked(now)
		if t != nil {
			k.beginLocked(t, now)
		}
		k.irq.Unlock()

		for _, x := range expired {
			k.timeout(x.t, x.gen)
		}
		if t == nil {
			if len(expired) > 0 {
				continue
			}
			break
		}
		k.dispatch(t, now)
		n++
	}
	return k.plan()
}

type expiry struct {
	t   *Task
	gen uint32
}

// expireLocked collects interrupt waits whose watchdog budget ran out.
func (k *Kernel) expireLocked(now int64) []expiry {
	var out []expiry
	it := k.rbt.Iterator()
	for it.Next() {
		t := it.Value().(*Task)
		if t.running || !t.watch || t.due > now {
			continue
		}
		t.watch = false
		t.due = Never
		_, gen := t.snapshot()
		out = append(out, expiry{t: t, gen: gen})
	}
	return out
}

func (k *Kernel) guardBlocks(t *Task, now int64) bool {
	g := k.guard
	return g != nil && t != g && now < k.guardUntil && t.latency >= g.latency
}

func (k *Kernel) pickLocked(now int64) *Task {
	if g := k.guard; g != nil {
		if now >= k.guardUntil || !g.active || (!g.running && (g.due == Never || g.watch)) {
			k.guard = nil
		}
	}

	it := k.rbt.Iterator()
	for it.Next() {
		t := it.Value().(*Task)
		if t.running || t.due > now {
			continue
		}
		if k.guardBlocks(t, now) {
			continue
		}
		return t
	}
	return nil
}

func (k *Kernel) beginLocked(t *Task, now int64) {
	t.running = true
	t.dir = dirNone
	t.byIRQ = t.woken
	t.woken = false
	t.pending = false
	t.due = Never
	t.watch = false
	if t.reserve > 0 && k.guard == nil {
		k.guard = t
		k.guardUntil = now + t.reserve
	}
}

func (k *Kernel) dispatch(t *Task, now int64) {
	code, gen := t.snapshot()
	k.emit(StatusEvent{Kind: StatusDispatch, TaskID: t.ID, Event: code})

	perr := k.invoke(t)

	k.irq.Lock()
	ev := k.finishLocked(t, now)
	k.irq.Unlock()

	if perr != nil {
		k.log.Error("process panicked", logx.String("task", t.Name), logx.Uint64("event", uint64(code)), logx.Err(perr))
		if k.rec != nil {
			k.rec.ProcessPanic()
		}
		k.forceIdle(t, gen, perr)
		k.emit(StatusEvent{Kind: StatusFault, TaskID: t.ID, Event: code, Err: perr})
		return
	}
	k.emit(ev)
}

func (k *Kernel) invoke(t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	t.proc.Dispatch(t)
	return nil
}

// finishLocked applies the directive the process left on t.
func (k *Kernel) finishLocked(t *Task, now int64) StatusEvent {
	t.running = false
	ev := StatusEvent{TaskID: t.ID, Event: t.Event()}

	if ev.Event == 0 {
		k.deactivateLocked(t)
		ev.Kind = StatusRetire
		return ev
	}
	if t.pending {
		t.pending = false
		t.due = t.pendDue
		t.watch = false
		t.woken = true
		ev.Kind = StatusPreempt
		ev.Wait = until(t.due, now)
		return ev
	}
	switch t.dir {
	case dirTimed:
		ev.Kind = StatusWait
		ev.Wait = until(t.due, now)
	case dirWaitIRQ:
		ev.Kind = StatusSuspend
		ev.Wait = until(t.due, now)
	default:
		t.due = Never
		t.watch = false
		ev.Kind = StatusSuspend
	}
	return ev
}

// timeout retires a task whose interrupt never came.
func (k *Kernel) timeout(t *Task, gen uint32) {
	code := t.Event()
	k.log.Warn("interrupt wait timed out", logx.String("task", t.Name), logx.Uint64("event", uint64(code)))
	if k.rec != nil {
		k.rec.WatchdogTimeout()
	}
	k.emit(StatusEvent{Kind: StatusTimeout, TaskID: t.ID, Event: code, Err: ErrWatchdog})

	k.irq.Lock()
	_, g := t.snapshot()
	k.irq.Unlock()
	if g != gen {
		k.log.Debug("event rewritten since expiry, hardware kept", logx.String("task", t.Name))
		return
	}
	// Release masks lines itself so it runs unlocked; an ISR landing inside
	// it still keeps its event, but the new sequence starts on idle hardware.
	k.forceIdle(t, gen, ErrWatchdog)
}

// forceIdle lets the process release its hardware, then retires the task
// unless an interrupt has already written a fresh event.
func (k *Kernel) forceIdle(t *Task, gen uint32, why error) {
	if r, ok := t.proc.(Releaser); ok {
		func() {
			defer func() {
				if p := recover(); p != nil {
					k.log.Error("release panicked", logx.String("task", t.Name), logx.Any("panic", p))
				}
			}()
			r.Release(t, why)
		}()
	}

	k.irq.Lock()
	code, g := t.snapshot()
	if code != 0 && g == gen {
		k.setEventLocked(t, 0)
	}
	k.irq.Unlock()
	k.emit(StatusEvent{Kind: StatusRetire, TaskID: t.ID, Err: why})
}

// fault records a protocol violation reported by a process.
func (k *Kernel) fault(t *Task, code uint16, why error) {
	k.log.Warn("protocol violation", logx.String("task", t.Name), logx.Uint64("event", uint64(code)), logx.Err(why))
	if k.rec != nil {
		k.rec.ProtocolFault()
	}
	k.emit(StatusEvent{Kind: StatusFault, TaskID: t.ID, Event: code, Err: why})
}

// plan computes the next wake tick and the deepest allowed sleep mode.
func (k *Kernel) plan() Plan {
	now := k.clock.Now()

	k.irq.Lock()
	wake := Never
	it := k.rbt.Iterator()
	for it.Next() {
		t := it.Value().(*Task)
		if t.running || t.due == Never {
			continue
		}
		d := t.due
		if k.guardBlocks(t, now) && d < k.guardUntil {
			d = k.guardUntil
		}
		if d < wake {
			wake = d
		}
	}
	k.armed = wake
	k.irq.Unlock()

	if wake <= now {
		return Plan{Wake: wake, Mode: SleepNone}
	}
	return Plan{Wake: wake, Mode: k.sleepMode()}
}

// Drain masks all interrupts and forces every non-idle task idle through
// its Releaser. It fails if a peripheral is still busy afterwards.
func (k *Kernel) Drain(ctx context.Context) error {
	k.irq.Lock()
	k.irq.started = false
	k.irq.Unlock()

	for _, t := range k.tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		code, gen := t.snapshot()
		if code == 0 {
			continue
		}
		k.emit(StatusEvent{Kind: StatusDrain, TaskID: t.ID, Event: code})
		k.forceIdle(t, gen, ErrDrained)
	}

	var ferr error
	if p, ok := k.rec.(Persister); ok {
		ferr = p.Flush(ctx)
	}
	if busy := k.Busy(); len(busy) > 0 {
		return fmt.Errorf("sched: drain left peripherals busy: %v", busy)
	}
	return ferr
}

// ---- locked field writers shared by task and interrupt context ----

func (k *Kernel) setEventLocked(t *Task, code uint16) {
	_, gen := t.snapshot()
	t.state.Store(uint64(gen+1)<<32 | uint64(code))

	switch {
	case code != 0 && !t.active:
		t.active = true
		t.due = Never
		t.watch = false
		k.rbt.Put(nodeKey{t.latency, t.ID}, t)
		k.emit(StatusEvent{Kind: StatusActivate, TaskID: t.ID, Event: code})
	case code == 0 && t.active && !t.running:
		k.deactivateLocked(t)
	}
}

func (k *Kernel) deactivateLocked(t *Task) {
	if t.active {
		k.rbt.Remove(nodeKey{t.latency, t.ID})
	}
	t.active = false
	t.due = Never
	t.watch = false
	t.pending = false
	t.woken = false
	if k.guard == t {
		k.guard = nil
	}
}

func (k *Kernel) setReserveLocked(t *Task, ticks int64) {
	if ticks < 0 {
		ticks = 0
	}
	t.reserve = ticks
}

// setLatencyLocked re-keys the run queue entry, as the rank is part of the key.
func (k *Kernel) setLatencyLocked(t *Task, rank uint8) {
	if t.latency == rank {
		return
	}
	if t.active {
		k.rbt.Remove(nodeKey{t.latency, t.ID})
	}
	t.latency = rank
	if t.active {
		k.rbt.Put(nodeKey{t.latency, t.ID}, t)
	}
}

func (k *Kernel) preemptLocked(t *Task, delay int64) {
	code := t.Event()
	if code == 0 {
		return
	}
	if delay < 0 {
		delay = 0
	}
	due := k.clock.Now() + delay
	if t.running {
		t.pending = true
		t.pendDue = due
	} else {
		t.due = due
		t.watch = false
		t.woken = true
	}
	k.emit(StatusEvent{Kind: StatusPreempt, TaskID: t.ID, Event: code, Wait: delay})

	if due < k.armed {
		k.armed = due
	}
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

// ---- status stream ----

func (k *Kernel) emit(ev StatusEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.Tick = k.clock.Now()

	k.statMu.RLock()
	defer k.statMu.RUnlock()
	if k.statClosed {
		return
	}
	select {
	case k.statusCh <- ev:
	default:
		k.dropped.Add(1)
	}
}

func (k *Kernel) closeStatus() {
	k.statMu.Lock()
	defer k.statMu.Unlock()
	if !k.statClosed {
		k.statClosed = true
		close(k.statusCh)
	}
}

func (k *Kernel) handleEvent(ev StatusEvent) {
	name := "-"
	if ev.Kind != StatusSleep && ev.Kind != StatusWake && int(ev.TaskID) < len(k.tasks) {
		name = k.tasks[ev.TaskID].Name
	}
	if k.log.Enabled(logx.LevelDebug) {
		k.log.Debug(ev.Kind.String(),
			logx.Int64("tick", ev.Tick),
			logx.String("task", name),
			logx.Uint64("event", uint64(ev.Event)),
			logx.Int64("wait", ev.Wait),
			logx.String("mode", ev.Mode.String()),
			logx.Err(ev.Err),
		)
	}

	// CSV output
	if k.csvWriter != nil {
		errText := ""
		if ev.Err != nil {
			errText = ev.Err.Error()
		}
		rec := []string{
			ev.Time.Format(time.RFC3339Nano),
			strconv.FormatInt(ev.Tick, 10),
			ev.Kind.String(),
			strconv.FormatInt(int64(ev.TaskID), 10),
			strconv.FormatUint(uint64(ev.Event), 10),
			strconv.FormatInt(ev.Wait, 10),
			ev.Mode.String(),
			errText,
		}
		_ = k.csvWriter.Write(rec)
		k.csvWriter.Flush()
	}
}

func until(due, now int64) int64 {
	if due == Never {
		return -1
	}
	if due < now {
		return 0
	}
	return due - now
}

// nodeKey is used as a key in the red-black tree.
type nodeKey struct {
	latency uint8
	id      TaskID
}

// cmp orders the run queue: lower latency rank first, then lower id.
func cmp(a, b any) int {
	ka, kb := a.(nodeKey), b.(nodeKey)
	switch {
	case ka.latency < kb.latency:
		return -1
	case ka.latency > kb.latency:
		return 1
	case ka.id < kb.id:
		return -1
	case ka.id > kb.id:
		return 1
	default:
		return 0
	}
}
