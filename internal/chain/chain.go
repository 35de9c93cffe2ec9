// Package chain runs multi-step hardware sequences as resumable action
// chains. Each step runs on its own dispatcher pass, picks the step that
// follows it and returns a Directive saying how the owning task should wait.
package chain

import (
	"errors"
	"fmt"
)

var (
	ErrNoNextStep  = errors.New("chain: no valid next step")
	ErrChainClosed = errors.New("chain: not running")
)

// Kind tags a Directive.
type Kind uint8

const (
	// KindDone: the sequence is complete; Next is never consulted again.
	KindDone Kind = iota
	// KindWaitInterrupt: an interrupt must advance the chain. Ticks carries
	// the watchdog budget.
	KindWaitInterrupt
	// KindWaitTicks: resume after Ticks.
	KindWaitTicks
)

// Directive is the tri-state result of a step.
type Directive struct {
	Kind  Kind
	Ticks int64
}

func Done() Directive { return Directive{Kind: KindDone} }

func WaitTicks(n int64) Directive {
	if n < 0 {
		n = 0
	}
	return Directive{Kind: KindWaitTicks, Ticks: n}
}

// WaitInterrupt suspends until an interrupt, failing after maxWait ticks.
// maxWait <= 0 means no watchdog.
func WaitInterrupt(maxWait int64) Directive {
	return Directive{Kind: KindWaitInterrupt, Ticks: maxWait}
}

func (d Directive) String() string {
	switch d.Kind {
	case KindDone:
		return "done"
	case KindWaitInterrupt:
		return fmt.Sprintf("wait-irq(%d)", d.Ticks)
	case KindWaitTicks:
		return fmt.Sprintf("wait(%d)", d.Ticks)
	default:
		return "invalid"
	}
}

// Waiter is the part of a task descriptor a directive is applied to.
type Waiter interface {
	SetNext(ticks int64)
	WaitInterrupt(maxWait int64)
}

// Apply turns the directive into a task wait and reports whether the chain
// finished. A finished chain leaves the task's terminal transition to the
// caller.
func (d Directive) Apply(w Waiter) (done bool) {
	switch d.Kind {
	case KindWaitTicks:
		w.SetNext(d.Ticks)
	case KindWaitInterrupt:
		w.WaitInterrupt(d.Ticks)
	default:
		return true
	}
	return false
}

// StepFunc is one phase of a chain.
type StepFunc[S comparable, D any] func(c *Chain[S, D]) Directive

// Table maps the closed set of step identifiers to their functions.
type Table[S comparable, D any] map[S]StepFunc[S, D]

// Chain holds the next step and the scratch data a sequence owns between
// steps. Data is reset on Start and discarded on Done.
type Chain[S comparable, D any] struct {
	Name string
	Data D

	table Table[S, D]
	next  S
	open  bool
	steps uint64
}

// New builds a closed chain over table.
func New[S comparable, D any](name string, table Table[S, D]) *Chain[S, D] {
	return &Chain[S, D]{Name: name, table: table}
}

// Start resets scratch data and makes first the next step.
func (c *Chain[S, D]) Start(first S) error {
	if _, ok := c.table[first]; !ok {
		return fmt.Errorf("%w: %s start %v", ErrNoNextStep, c.Name, first)
	}
	var zero D
	c.Data = zero
	c.next = first
	c.open = true
	c.steps = 0
	return nil
}

// Running reports whether the chain has a live sequence.
func (c *Chain[S, D]) Running() bool { return c.open }

// Next is the step the following Run invokes.
func (c *Chain[S, D]) Next() S { return c.next }

// Steps counts step invocations since Start.
func (c *Chain[S, D]) Steps() uint64 { return c.steps }

// Goto selects the step that runs after the current one returns.
func (c *Chain[S, D]) Goto(s S) { c.next = s }

// Continue jumps straight into s within the same pass, for steps that
// imply an immediate follow-up with no wait.
func (c *Chain[S, D]) Continue(s S) Directive {
	c.next = s
	fn, ok := c.table[s]
	if !ok {
		// Run reports the invalid step on return.
		return WaitTicks(0)
	}
	c.steps++
	return fn(c)
}

// Run invokes the next step once. On Done the chain closes and its scratch
// data is dropped; on a wait the next step must be valid.
func (c *Chain[S, D]) Run() (Directive, error) {
	if !c.open {
		return Done(), ErrChainClosed
	}
	fn, ok := c.table[c.next]
	if !ok {
		c.Reset()
		return Done(), fmt.Errorf("%w: %s at %v", ErrNoNextStep, c.Name, c.next)
	}
	c.steps++
	d := fn(c)
	if d.Kind == KindDone {
		c.Reset()
		return d, nil
	}
	if _, ok := c.table[c.next]; !ok {
		bad := c.next
		c.Reset()
		return Done(), fmt.Errorf("%w: %s returned %s towards %v", ErrNoNextStep, c.Name, d, bad)
	}
	return d, nil
}

// Reset discards the sequence. A reset chain never runs a step again until
// the next Start.
func (c *Chain[S, D]) Reset() {
	var zero D
	c.Data = zero
	c.open = false
}
