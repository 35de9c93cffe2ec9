package session

import (
	"encoding/binary"
	"errors"
)

// Command fields of the transport header.
const (
	CmdTypeRequest   uint8 = 0x02 // request, no addressing ack
	OpUDPOnFile      uint8 = 0x0F
	ExtNoResponse    uint8 = 0x02
	DefaultDialogLen uint8 = 0x00
)

// MaxPayload bounds a request body.
const MaxPayload = 96

var ErrPayloadFull = errors.New("session: request payload full")

// Request is a transport request under construction: command template,
// dialog template, UDP ports and the application payload.
type Request struct {
	Addressing Addressing
	CmdType    uint8
	Opcode     uint8
	Extension  uint8
	Timeout    uint8

	SrcPort, DstPort uint8

	payload []byte
	err     error
}

// Command sets the command template.
func (r *Request) Command(cmdType, opcode, ext uint8) *Request {
	r.CmdType, r.Opcode, r.Extension = cmdType, opcode, ext
	return r
}

// Ports sets the UDP header.
func (r *Request) Ports(src, dst uint8) *Request {
	r.SrcPort, r.DstPort = src, dst
	return r
}

func (r *Request) grow(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.payload)+n > MaxPayload {
		r.err = ErrPayloadFull
		return false
	}
	return true
}

func (r *Request) WriteByte(b byte) error {
	if r.grow(1) {
		r.payload = append(r.payload, b)
	}
	return r.err
}

// WriteShort writes v big-endian.
func (r *Request) WriteShort(v int16) error {
	if r.grow(2) {
		r.payload = binary.BigEndian.AppendUint16(r.payload, uint16(v))
	}
	return r.err
}

func (r *Request) Write(p []byte) (int, error) {
	if !r.grow(len(p)) {
		return 0, r.err
	}
	r.payload = append(r.payload, p...)
	return len(p), nil
}

// Payload is the UDP body written so far.
func (r *Request) Payload() []byte { return r.payload }

// Err is the first write error, if any.
func (r *Request) Err() error { return r.err }

// Bytes encodes the request: command template, dialog timeout, UDP ports,
// then the payload.
func (r *Request) Bytes() []byte {
	out := make([]byte, 0, 6+len(r.payload))
	out = append(out, r.CmdType, r.Opcode, r.Extension, r.Timeout, r.SrcPort, r.DstPort)
	return append(out, r.payload...)
}
