package session

import (
	"github.com/kbirk/gamenet/pkg/serialize"
	"github.com/kbirk/gamenet/pkg/wire"
)

// Message is an outbound frame under construction. It owns the session's send
// lock until Flush or Discard is called.
type Message struct {
	s    *Session
	w    *serialize.Writer
	done bool
}

// Writer exposes the underlying buffer for the serialize helpers.
func (m *Message) Writer() *serialize.Writer {
	return m.w
}

// Len returns the number of payload bytes written so far.
func (m *Message) Len() int {
	return m.w.Len() - wire.HeaderSize
}

func (m *Message) WriteUInt8(v uint8)     { serialize.SerializeUInt8(m.w, v) }
func (m *Message) WriteUInt16(v uint16)   { serialize.SerializeUInt16(m.w, v) }
func (m *Message) WriteUInt32(v uint32)   { serialize.SerializeUInt32(m.w, v) }
func (m *Message) WriteUInt64(v uint64)   { serialize.SerializeUInt64(m.w, v) }
func (m *Message) WriteInt32(v int32)     { serialize.SerializeInt32(m.w, v) }
func (m *Message) WriteFloat32(v float32) { serialize.SerializeFloat32(m.w, v) }
func (m *Message) WriteBool(v bool)       { serialize.SerializeBool(m.w, v) }
func (m *Message) WriteString(v string)   { serialize.SerializeString(m.w, v) }

// WriteBytes appends raw bytes.
func (m *Message) WriteBytes(bs []byte) { serialize.SerializeBytes(m.w, bs) }

// WriteBlob appends a u32 length prefix followed by bs.
func (m *Message) WriteBlob(bs []byte) { serialize.SerializeBlob(m.w, bs) }

// Reserve32 appends a placeholder u32 and returns its payload offset for
// Patch32.
func (m *Message) Reserve32() int {
	offset := m.Len()
	serialize.SerializeUInt32(m.w, 0)
	return offset
}

// Patch32 overwrites a u32 previously reserved at payload offset.
func (m *Message) Patch32(offset int, v uint32) {
	serialize.PutUInt32(m.w.At(wire.HeaderSize+offset, 4), v)
}

// Flush hands the frame to the write pipeline and releases the send lock.
func (m *Message) Flush() error {
	if m.done {
		return ErrMessageDone
	}
	m.done = true
	w := m.w
	m.w = nil
	err := m.s.pipeline.enqueue(w)
	m.s.sendMu.Unlock()
	return err
}

// Discard drops the frame and releases the send lock. It is a no-op after
// Flush, so it can be deferred.
func (m *Message) Discard() {
	if m.done {
		return
	}
	m.done = true
	putWriter(m.w)
	m.w = nil
	m.s.sendMu.Unlock()
}
