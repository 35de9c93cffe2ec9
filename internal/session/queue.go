package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"apek/pkg/logx"
)

var (
	ErrQueueFull = errors.New("session: queue full")
	ErrStopped   = errors.New("session: queue stopped")
	ErrNoRequest = errors.New("session: applet opened no request")
)

// Queue is the dialog FIFO with a single rate-limited worker.
//
// It is safe for concurrent use; Immediate may be called from task context.
type Queue struct {
	log  logx.Logger
	sink Sink

	limiter *rate.Limiter
	queue   chan *Session

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	// taken by the worker but cut off by Stop while rate limited
	carried *Session

	sent   atomic.Uint64
	failed atomic.Uint64
}

func NewQueue(cfg Config, sink Sink, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	// Defaults
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 4
	}
	return &Queue{
		log:     log,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan *Session, cfg.QueueSize),
	}
}

// Immediate enqueues a new dialog and returns its id. It never blocks.
func (q *Queue) Immediate(tmpl Template, applet Applet) (uuid.UUID, error) {
	if applet == nil {
		return uuid.Nil, errors.New("session: nil applet")
	}
	s := &Session{
		ID:       uuid.New(),
		Template: tmpl,
		Queued:   time.Now(),
		applet:   applet,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return uuid.Nil, ErrStopped
	}
	select {
	case q.queue <- s:
		q.log.Debug("session queued", logx.String("id", s.ID.String()), logx.Int("chan", int(tmpl.Channel)))
		return s.ID, nil
	default:
		return uuid.Nil, ErrQueueFull
	}
}

// Pending is the number of dialogs waiting for the worker.
func (q *Queue) Pending() int { return len(q.queue) }

func (q *Queue) Sent() uint64   { return q.sent.Load() }
func (q *Queue) Failed() uint64 { return q.failed.Load() }

// Start launches the worker. It is idempotent.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil || q.stopped {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-q.queue:
				if err := q.limiter.Wait(ctx); err != nil {
					q.mu.Lock()
					q.carried = s
					q.mu.Unlock()
					return
				}
				_ = q.deliver(ctx, s)
			}
		}
	}()
}

// Stop refuses new dialogs, stops the worker and then delivers whatever is
// still queued, ignoring the rate limit. A dialog the worker was holding
// for the limiter goes first.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()

	q.mu.Lock()
	s := q.carried
	q.carried = nil
	q.mu.Unlock()
	if s != nil {
		_ = q.deliver(ctx, s)
	}

	for {
		select {
		case s := <-q.queue:
			_ = q.deliver(ctx, s)
		default:
			return
		}
	}
}

// RunOnce delivers the oldest queued dialog, if any, on the caller's
// goroutine. It reports whether a dialog was taken.
func (q *Queue) RunOnce(ctx context.Context) (bool, error) {
	select {
	case s := <-q.queue:
		return true, q.deliver(ctx, s)
	default:
		return false, nil
	}
}

func (q *Queue) deliver(ctx context.Context, s *Session) error {
	log := q.log.With(logx.String("session", s.ID.String()))

	err := q.runApplet(ctx, s)
	if err == nil && s.req == nil {
		err = ErrNoRequest
	}
	if err == nil {
		err = s.req.Err()
	}
	if err == nil {
		err = q.sink.Send(ctx, Frame{
			SessionID:  s.ID,
			Channel:    s.Template.Channel,
			SubnetMask: s.Template.SubnetMask,
			FlagMask:   s.Template.FlagMask,
			Addressing: s.req.Addressing,
			Data:       s.req.Bytes(),
		})
	}
	if err != nil {
		q.failed.Add(1)
		log.Warn("session failed", logx.Err(err))
		return err
	}
	q.sent.Add(1)
	log.Debug("session sent", logx.Int("chan", int(s.Template.Channel)), logx.Duration("queued", time.Since(s.Queued)))
	return nil
}

func (q *Queue) runApplet(ctx context.Context, s *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session: applet panicked: %v", r)
		}
	}()
	// The applet is detached once it has run.
	a := s.applet
	s.applet = nil
	return a(ctx, s)
}

// LogSink renders frames to the log; the simulator uses it in place of a
// radio.
type LogSink struct {
	Log logx.Logger
}

func (l LogSink) Send(ctx context.Context, f Frame) error {
	_ = ctx
	l.Log.Info("tx",
		logx.String("session", f.SessionID.String()),
		logx.Int("chan", int(f.Channel)),
		logx.String("addr", f.Addressing.String()),
		logx.String("data", fmt.Sprintf("% X", f.Data)),
	)
	return nil
}
