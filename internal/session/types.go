package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Addressing selects how the request is routed.
type Addressing uint8

const (
	Broadcast Addressing = iota
	Anycast
	Multicast
	Unicast
)

func (a Addressing) String() string {
	switch a {
	case Broadcast:
		return "broadcast"
	case Anycast:
		return "anycast"
	case Multicast:
		return "multicast"
	case Unicast:
		return "unicast"
	default:
		return fmt.Sprintf("addressing(%d)", uint8(a))
	}
}

// Template carries the dialog parameters chosen by the producer.
type Template struct {
	Channel    uint8
	SubnetMask uint8
	FlagMask   uint8
	Addressing Addressing
}

// Applet fills the session's request. It runs on the queue worker, after
// every earlier dialog has completed.
type Applet func(ctx context.Context, s *Session) error

// Session is one queued dialog.
type Session struct {
	ID       uuid.UUID
	Template Template
	Queued   time.Time

	applet Applet
	req    *Request
}

// OpenRequest starts the request this session will transmit. Calling it
// again discards the previous request.
func (s *Session) OpenRequest(addr Addressing) *Request {
	s.req = &Request{Addressing: addr}
	return s.req
}

// Request returns the open request, or nil if the applet never opened one.
func (s *Session) Request() *Request { return s.req }

// Frame is what reaches the radio boundary.
type Frame struct {
	SessionID  uuid.UUID
	Channel    uint8
	SubnetMask uint8
	FlagMask   uint8
	Addressing Addressing
	Data       []byte
}

// Sink transmits frames.
type Sink interface {
	Send(ctx context.Context, f Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, f Frame) error

func (fn SinkFunc) Send(ctx context.Context, f Frame) error { return fn(ctx, f) }

// Config mirrors the `session:` block of config.yml.
type Config struct {
	QueueSize  int `yaml:"queue_size"`   // 8 (by default)
	RatePerSec int `yaml:"rate_per_sec"` // 4 (by default), dialogs per second
}
