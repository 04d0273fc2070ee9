package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/gamenet/pkg/serialize"
	"github.com/kbirk/gamenet/pkg/wire"
)

func newPair(t *testing.T, conf Config) (*Session, *Session) {
	c1, c2 := net.Pipe()
	a := New(c1, conf)
	b := New(c2, conf)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestSendReceiveFixed(t *testing.T) {
	a, b := newPair(t, Config{})

	payloads := [][]byte{
		{},
		[]byte("x"),
		[]byte("hello world"),
		bytes.Repeat([]byte{0xab}, 4096),
	}

	go func() {
		for i, p := range payloads {
			require.NoError(t, a.Send(uint32(i+10), p))
		}
	}()

	for i, p := range payloads {
		id, err := b.ReadHeader()
		require.NoError(t, err)
		assert.Equal(t, uint32(i+10), id)

		reader, err := b.ReadPayload(len(p))
		require.NoError(t, err)
		assert.Equal(t, p, reader.Copy())
	}
}

func TestSendReceiveVariable(t *testing.T) {
	a, b := newPair(t, Config{})

	go func() {
		require.NoError(t, a.SendVariable(0, 7, []byte("hello")))
	}()

	id, err := b.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), id)

	correlationID, reader, err := b.ReadVariable()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), correlationID)
	assert.Equal(t, []byte("hello"), reader.Copy())
}

func TestMessageBuilder(t *testing.T) {
	a, b := newPair(t, Config{})

	go func() {
		err := a.Write(3, func(m *Message) error {
			offset := m.Reserve32()
			m.WriteUInt8(1)
			m.WriteUInt16(2)
			m.WriteInt32(-3)
			m.WriteFloat32(4.5)
			m.WriteBool(true)
			m.WriteString("five")
			m.WriteBlob([]byte{6})
			m.WriteUInt64(7)
			m.Patch32(offset, uint32(m.Len()))
			return nil
		})
		require.NoError(t, err)
	}()

	id, err := b.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), id)

	// 4 + 1 + 2 + 4 + 4 + 1 + (4+4) + (4+1) + 8
	const size = 37
	reader, err := b.ReadPayload(size)
	require.NoError(t, err)

	var length uint32
	var u8 uint8
	var u16 uint16
	var i32 int32
	var f32 float32
	var flag bool
	var str string
	var blob []byte
	var u64 uint64
	require.NoError(t, serialize.DeserializeUInt32(&length, reader))
	require.NoError(t, serialize.DeserializeUInt8(&u8, reader))
	require.NoError(t, serialize.DeserializeUInt16(&u16, reader))
	require.NoError(t, serialize.DeserializeInt32(&i32, reader))
	require.NoError(t, serialize.DeserializeFloat32(&f32, reader))
	require.NoError(t, serialize.DeserializeBool(&flag, reader))
	require.NoError(t, serialize.DeserializeString(&str, reader))
	require.NoError(t, serialize.DeserializeBlob(&blob, reader))
	require.NoError(t, serialize.DeserializeUInt64(&u64, reader))

	assert.Equal(t, uint32(size), length)
	assert.Equal(t, uint8(1), u8)
	assert.Equal(t, uint16(2), u16)
	assert.Equal(t, int32(-3), i32)
	assert.Equal(t, float32(4.5), f32)
	assert.True(t, flag)
	assert.Equal(t, "five", str)
	assert.Equal(t, []byte{6}, blob)
	assert.Equal(t, uint64(7), u64)
}

func TestWriteDiscardsOnError(t *testing.T) {
	a, b := newPair(t, Config{})

	go func() {
		err := a.Write(1, func(m *Message) error {
			m.WriteString("never sent")
			return errors.New("abort")
		})
		assert.EqualError(t, err, "abort")

		// the send lock was released
		require.NoError(t, a.Send(2, []byte("sent")))
	}()

	id, err := b.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id)

	reader, err := b.ReadPayload(4)
	require.NoError(t, err)
	assert.Equal(t, []byte("sent"), reader.Copy())
}

func TestFlushTwice(t *testing.T) {
	a, _ := newPair(t, Config{})

	msg, err := a.Begin(1)
	require.NoError(t, err)
	msg.Discard()
	assert.ErrorIs(t, msg.Flush(), ErrMessageDone)
	msg.Discard()
}

func TestReceiveBufferGrowth(t *testing.T) {
	a, b := newPair(t, Config{InitialReceiveSize: 100})
	assert.Equal(t, 128, b.ReceiveCapacity())

	sizes := []int{10, 129, 1000, 50, 5000, 1024, 3}
	expected := []int{128, 256, 1024, 1024, 8192, 8192, 8192}

	go func() {
		for _, n := range sizes {
			require.NoError(t, a.Send(1, bytes.Repeat([]byte{byte(n)}, n)))
		}
	}()

	for i, n := range sizes {
		_, err := b.ReadHeader()
		require.NoError(t, err)

		before := b.ReceiveCapacity()
		reader, err := b.ReadPayload(n)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte(n)}, n), reader.Copy())

		capacity := b.ReceiveCapacity()
		assert.Equal(t, expected[i], capacity)
		assert.GreaterOrEqual(t, capacity, n)
		assert.GreaterOrEqual(t, capacity, before, "capacity must never shrink")
		assert.Equal(t, 0, capacity&(capacity-1), "capacity must be a power of two")
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	cases := map[int]int{
		-5:        1,
		0:         1,
		1:         1,
		2:         2,
		3:         4,
		255:       256,
		256:       256,
		257:       512,
		1<<20 + 1: 1 << 21,
	}
	for n, expected := range cases {
		assert.Equal(t, expected, NextPowerOfTwo(n), "n=%d", n)
	}
}

func TestOrderingSequential(t *testing.T) {
	a, b := newPair(t, Config{})

	const count = 200

	go func() {
		for i := 0; i < count; i++ {
			require.NoError(t, a.Send(uint32(i), nil))
		}
	}()

	for i := 0; i < count; i++ {
		id, err := b.ReadHeader()
		require.NoError(t, err)
		require.Equal(t, uint32(i), id)
	}
}

func TestOrderingConcurrentSenders(t *testing.T) {
	a, b := newPair(t, Config{})

	const senders = 8
	const perSender = 100

	wg := &sync.WaitGroup{}
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(sender uint32) {
			defer wg.Done()
			for seq := uint32(0); seq < perSender; seq++ {
				err := a.Write(sender, func(m *Message) error {
					m.WriteUInt32(sender)
					m.WriteUInt32(seq)
					return nil
				})
				require.NoError(t, err)
			}
		}(uint32(s))
	}

	next := make([]uint32, senders)
	for i := 0; i < senders*perSender; i++ {
		id, err := b.ReadHeader()
		require.NoError(t, err)

		reader, err := b.ReadPayload(8)
		require.NoError(t, err)

		var sender, seq uint32
		require.NoError(t, serialize.DeserializeUInt32(&sender, reader))
		require.NoError(t, serialize.DeserializeUInt32(&seq, reader))

		// frames were never interleaved
		require.Equal(t, id, sender)
		// each sender's frames arrive in program order
		require.Equal(t, next[sender], seq)
		next[sender]++
	}

	wg.Wait()
}

func TestBadMagic(t *testing.T) {
	c1, c2 := net.Pipe()
	a := New(c1, Config{Magic: wire.ComputeMagic("someone-else")})
	b := New(c2, Config{})
	defer a.Close()
	defer b.Close()

	go a.Send(1, nil)

	_, err := b.ReadHeader()
	var ferr *wire.FramingError
	require.True(t, errors.As(err, &ferr))
	assert.ErrorIs(t, err, wire.ErrBadMagic)
}

func TestPayloadTooLarge(t *testing.T) {
	a, b := newPair(t, Config{MaxPayloadSize: 16})

	_, err := b.ReadPayload(17)
	assert.ErrorIs(t, err, wire.ErrPayloadTooLarge)

	err = a.SendVariable(0, 1, make([]byte, 17))
	assert.ErrorIs(t, err, wire.ErrPayloadTooLarge)

	go func() {
		// declares more than the receiver accepts
		msg, err := a.Begin(0)
		require.NoError(t, err)
		msg.WriteUInt32(1)
		msg.WriteUInt32(1000)
		msg.Flush()
	}()

	_, err = b.ReadHeader()
	require.NoError(t, err)
	_, _, err = b.ReadVariable()
	assert.ErrorIs(t, err, wire.ErrPayloadTooLarge)
}

func TestCloseUnblocksRead(t *testing.T) {
	_, b := newPair(t, Config{})

	errCh := make(chan error, 1)
	go func() {
		_, err := b.ReadHeader()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())
	assert.False(t, b.IsLive())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("read was not unblocked by close")
	}

	_, err := b.Begin(1)
	assert.ErrorIs(t, err, ErrClosed)

	// idempotent
	b.Close()
}

func TestPeerClose(t *testing.T) {
	a, b := newPair(t, Config{})

	require.NoError(t, a.Close())

	_, err := b.ReadHeader()
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.True(t, b.IsLive())
}

type brokenStream struct {
	closed atomic.Bool
	writes atomic.Int32
}

func (s *brokenStream) Read(p []byte) (int, error) {
	return 0, io.EOF
}

func (s *brokenStream) Write(p []byte) (int, error) {
	s.writes.Add(1)
	return 0, errors.New("broken pipe")
}

func (s *brokenStream) Close() error {
	s.closed.Store(true)
	return nil
}

func TestWriteErrorIsSticky(t *testing.T) {
	stream := &brokenStream{}
	s := New(stream, Config{})

	// the producer does not wait on the socket
	require.NoError(t, s.Send(1, []byte("a")))

	err := s.Drain(context.Background())
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "write", terr.Op)

	assert.True(t, stream.closed.Load())
	assert.False(t, s.IsLive())

	assert.Error(t, s.Send(1, []byte("b")))
	assert.Equal(t, int32(1), stream.writes.Load())
}

type recordingStream struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	delay  time.Duration
	closed bool
}

func (s *recordingStream) Read(p []byte) (int, error) {
	return 0, io.EOF
}

func (s *recordingStream) Write(p []byte) (int, error) {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *recordingStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestShutdownDrainsPipeline(t *testing.T) {
	stream := &recordingStream{delay: 2 * time.Millisecond}
	s := New(stream, Config{})

	var expected []byte
	for i := 0; i < 20; i++ {
		payload := []byte(fmt.Sprintf("msg-%02d", i))
		require.NoError(t, s.Send(9, payload))
		expected = append(expected, wire.EncodeFrame(wire.DefaultMagic, 9, payload)...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	stream.mu.Lock()
	defer stream.mu.Unlock()
	assert.True(t, stream.closed)
	assert.Equal(t, expected, stream.buf.Bytes())
}
