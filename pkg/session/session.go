// Package session implements the framed duplex channel over one raw stream.
//
// A Session has a single-writer send side and a single-reader receive side.
// Outbound messages are built under the send lock and handed to an ordered
// write pipeline; inbound frames are decoded by exactly one goroutine, which
// owns the receive buffer.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbirk/gamenet/pkg/log"
	"github.com/kbirk/gamenet/pkg/serialize"
	"github.com/kbirk/gamenet/pkg/wire"
)

const (
	DefaultInitialReceiveSize = 256
	DefaultShutdownTimeout    = time.Second
)

type Config struct {
	Magic              wire.Magic
	InitialReceiveSize int
	MaxPayloadSize     int
	Logger             log.Logger
}

func (c Config) withDefaults() Config {
	if c.Magic == (wire.Magic{}) {
		c.Magic = wire.DefaultMagic
	}
	if c.InitialReceiveSize <= 0 {
		c.InitialReceiveSize = DefaultInitialReceiveSize
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = wire.DefaultMaxPayloadSize
	}
	return c
}

type Session struct {
	conf   Config
	stream io.ReadWriteCloser

	sendMu   sync.Mutex
	pipeline *pipeline

	// receive side, owned by the single reader
	header   [wire.HeaderSize]byte
	preamble [wire.PreambleSize]byte
	recv     []byte

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func New(stream io.ReadWriteCloser, conf Config) *Session {
	conf = conf.withDefaults()
	s := &Session{
		conf:   conf,
		stream: stream,
		recv:   make([]byte, NextPowerOfTwo(conf.InitialReceiveSize)),
	}
	s.pipeline = newPipeline(stream, s.onWriteError)
	return s
}

func (s *Session) logDebug(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Debug(msg)
	}
}

func (s *Session) logWarn(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Warn(msg)
	}
}

func (s *Session) onWriteError(err error) {
	if !s.closed.Load() {
		s.logWarn("Write failed, closing session: " + err.Error())
	}
	s.Close()
}

func (s *Session) Magic() wire.Magic {
	return s.conf.Magic
}

// RemoteAddr returns the peer address when the stream exposes one.
func (s *Session) RemoteAddr() string {
	if c, ok := s.stream.(interface{ RemoteAddr() net.Addr }); ok && c.RemoteAddr() != nil {
		return c.RemoteAddr().String()
	}
	return ""
}

// IsLive reports whether the session has not been closed.
func (s *Session) IsLive() bool {
	return !s.closed.Load()
}

// Close closes the stream, which unblocks a pending read with an error. It is
// safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.stream.Close()
		s.logDebug("Session closed")
	})
	return s.closeErr
}

// Shutdown waits for the write pipeline to drain, then closes.
func (s *Session) Shutdown(ctx context.Context) error {
	if s.IsLive() {
		if err := s.pipeline.drain(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			s.logDebug("Pipeline drained with error: " + err.Error())
		}
	}
	return s.Close()
}

// Drain blocks until every flushed message has been written to the stream.
func (s *Session) Drain(ctx context.Context) error {
	return s.pipeline.drain(ctx)
}

// Begin acquires the send lock and starts a message for protocolID. The lock
// is held until Flush or Discard.
func (s *Session) Begin(protocolID uint32) (*Message, error) {
	s.sendMu.Lock()
	if s.closed.Load() {
		s.sendMu.Unlock()
		return nil, ErrClosed
	}
	if err := s.pipeline.failed(); err != nil {
		s.sendMu.Unlock()
		return nil, err
	}
	w := getWriter(wire.HeaderSize)
	wire.PutHeader(w.Next(wire.HeaderSize), s.conf.Magic, protocolID)
	return &Message{
		s: s,
		w: w,
	}, nil
}

// Write builds a message with fn and flushes it when fn returns. If fn returns
// an error or panics the message is discarded.
func (s *Session) Write(protocolID uint32, fn func(*Message) error) error {
	msg, err := s.Begin(protocolID)
	if err != nil {
		return err
	}
	defer msg.Discard()

	if err := fn(msg); err != nil {
		return err
	}
	return msg.Flush()
}

// Send writes a frame whose payload is exactly payload.
func (s *Session) Send(protocolID uint32, payload []byte) error {
	return s.Write(protocolID, func(m *Message) error {
		m.WriteBytes(payload)
		return nil
	})
}

// SendVariable writes a variable-length frame tagged with correlationID.
func (s *Session) SendVariable(protocolID uint32, correlationID uint32, payload []byte) error {
	if len(payload) > s.conf.MaxPayloadSize {
		return &wire.FramingError{Err: wire.ErrPayloadTooLarge, Size: uint32(len(payload))}
	}
	return s.Write(protocolID, func(m *Message) error {
		m.WriteUInt32(correlationID)
		m.WriteUInt32(uint32(len(payload)))
		m.WriteBytes(payload)
		return nil
	})
}

func (s *Session) readFull(buf []byte, op string) error {
	if _, err := io.ReadFull(s.stream, buf); err != nil {
		if s.closed.Load() {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

// ReadHeader blocks for the next frame header, validates the magic and
// returns the protocol id.
func (s *Session) ReadHeader() (uint32, error) {
	if err := s.readFull(s.header[:], "read header"); err != nil {
		return 0, err
	}
	return wire.ParseHeader(s.header[:], s.conf.Magic)
}

// ReadPayload reads exactly n bytes. The returned reader aliases the receive
// buffer and is only valid until the next read.
func (s *Session) ReadPayload(n int) (*serialize.Reader, error) {
	if n < 0 {
		return nil, ErrLengthInvalid
	}
	if n > s.conf.MaxPayloadSize {
		return nil, &wire.FramingError{Err: wire.ErrPayloadTooLarge, Size: uint32(n)}
	}
	s.reserve(n)
	buf := s.recv[:n]
	if err := s.readFull(buf, "read payload"); err != nil {
		return nil, err
	}
	return serialize.NewReader(buf), nil
}

// ReadVariable reads a variable-length preamble and the payload it declares.
func (s *Session) ReadVariable() (uint32, *serialize.Reader, error) {
	if err := s.readFull(s.preamble[:], "read preamble"); err != nil {
		return 0, nil, err
	}
	correlationID, length, err := wire.ParsePreamble(s.preamble[:], uint32(s.conf.MaxPayloadSize))
	if err != nil {
		return 0, nil, err
	}
	reader, err := s.ReadPayload(int(length))
	if err != nil {
		return 0, nil, err
	}
	return correlationID, reader, nil
}

// ReceiveCapacity returns the current receive buffer size.
func (s *Session) ReceiveCapacity() int {
	return len(s.recv)
}

func (s *Session) reserve(n int) {
	if n <= len(s.recv) {
		return
	}
	capacity := NextPowerOfTwo(n)
	s.logDebug(fmt.Sprintf("Growing receive buffer from %d to %d bytes", len(s.recv), capacity))
	s.recv = make([]byte, capacity)
}

// NextPowerOfTwo returns the smallest power of two >= n, and 1 for n <= 1.
func NextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
