package rpc

import (
	"fmt"

	"github.com/kbirk/gamenet/pkg/serialize"
)

type KindType uint8

const (
	// KindFixedLength frames carry exactly Size payload bytes, no length prefix.
	KindFixedLength KindType = iota + 1
	// KindVariable frames carry a correlation id and a length prefix.
	KindVariable
	// KindStub marks the caller side of a call-only protocol. Inbound frames
	// are read in variable form and dropped.
	KindStub
)

// Kind describes how a protocol's payload is delimited on the wire.
type Kind struct {
	typ  KindType
	size int
}

func FixedLength(size int) Kind {
	return Kind{typ: KindFixedLength, size: size}
}

var (
	Variable = Kind{typ: KindVariable}
	Stub     = Kind{typ: KindStub}
)

func (k Kind) Type() KindType {
	return k.typ
}

// Size returns the payload size of a fixed-length kind.
func (k Kind) Size() int {
	return k.size
}

func (k Kind) String() string {
	switch k.typ {
	case KindFixedLength:
		return fmt.Sprintf("fixed(%d)", k.size)
	case KindVariable:
		return "variable"
	case KindStub:
		return "stub"
	}
	return "invalid"
}

func (k Kind) validate() error {
	switch k.typ {
	case KindFixedLength:
		if k.size < 0 {
			return fmt.Errorf("invalid fixed length: %d", k.size)
		}
		return nil
	case KindVariable, KindStub:
		return nil
	}
	return fmt.Errorf("invalid protocol kind")
}

// HandlerFunc handles one decoded frame.
type HandlerFunc func(req *Request) error

// Protocol is a registered handler bound to an id on one connection.
type Protocol struct {
	ID      uint32
	Name    string
	Kind    Kind
	handler HandlerFunc
}

// Request is one inbound frame being dispatched.
type Request struct {
	Conn     *Connection
	Protocol *Protocol
	// SessionID is the correlation id of a variable-length frame. It is NoReply
	// for one-way and fixed-length frames.
	SessionID uint32
	// Payload aliases the session receive buffer and is only valid for the
	// duration of the handler.
	Payload *serialize.Reader
}

// Bytes returns a copy of the unread payload.
func (r *Request) Bytes() []byte {
	return r.Payload.Copy()
}

// ExpectsReply reports whether the sender is waiting on a reply.
func (r *Request) ExpectsReply() bool {
	return r.Protocol.Kind.typ != KindFixedLength && r.SessionID != NoReply
}

// Reply sends payload back to the caller, resolving its pending call.
func (r *Request) Reply(payload []byte) error {
	if !r.ExpectsReply() {
		return ErrNoReplyExpected
	}
	return r.Conn.reply(r.SessionID, payload)
}
