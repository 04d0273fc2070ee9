// Package wire defines the frame layout shared by both ends of a connection.
//
// Every frame starts with an 8-byte header:
//
//	[4 bytes] magic, identifies the protocol family
//	[4 bytes] protocol id (big-endian uint32)
//
// Fixed-length protocols follow the header with exactly the number of bytes
// the protocol declares. Variable-length protocols follow it with a preamble
// and a payload:
//
//	[4 bytes] correlation id (big-endian uint32)
//	[4 bytes] payload length (big-endian uint32)
//	[N bytes] payload
package wire

import (
	"errors"
	"fmt"

	"github.com/kbirk/gamenet/internal/util"
	"github.com/kbirk/gamenet/pkg/serialize"
)

const (
	MagicSize    = 4
	IDSize       = 4
	HeaderSize   = MagicSize + IDSize
	PreambleSize = 8

	// DefaultMaxPayloadSize bounds the length a peer may declare (16 MiB).
	DefaultMaxPayloadSize = 16 << 20
)

// DefaultFamily is the protocol family name the default magic is computed from.
const DefaultFamily = "gamenet"

var (
	ErrBadMagic        = errors.New("bad magic bytes")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrShortBuffer     = errors.New("buffer too short")
)

type Magic [MagicSize]byte

func (m Magic) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x", m[0], m[1], m[2], m[3])
}

// ComputeMagic derives the magic bytes for a protocol family from the FNV-1a
// hash of its name.
func ComputeMagic(family string) Magic {
	var m Magic
	serialize.PutUInt32(m[:], util.HashStringToUInt32(family))
	return m
}

var DefaultMagic = ComputeMagic(DefaultFamily)

// FramingError reports a frame that does not conform to the wire format.
type FramingError struct {
	Err  error
	Got  Magic
	Want Magic
	Size uint32
}

func (e *FramingError) Error() string {
	switch {
	case errors.Is(e.Err, ErrBadMagic):
		return fmt.Sprintf("framing error: %v: got %s, want %s", e.Err, e.Got, e.Want)
	case errors.Is(e.Err, ErrPayloadTooLarge):
		return fmt.Sprintf("framing error: %v: %d bytes", e.Err, e.Size)
	}
	return fmt.Sprintf("framing error: %v", e.Err)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// PutHeader writes a frame header into the first HeaderSize bytes of dst.
func PutHeader(dst []byte, magic Magic, protocolID uint32) {
	_ = dst[HeaderSize-1]
	copy(dst[:MagicSize], magic[:])
	serialize.PutUInt32(dst[MagicSize:HeaderSize], protocolID)
}

// ParseHeader validates the magic bytes and returns the protocol id.
func ParseHeader(src []byte, magic Magic) (uint32, error) {
	if len(src) < HeaderSize {
		return 0, &FramingError{Err: ErrShortBuffer}
	}
	var got Magic
	copy(got[:], src[:MagicSize])
	if got != magic {
		return 0, &FramingError{Err: ErrBadMagic, Got: got, Want: magic}
	}
	return serialize.UInt32(src[MagicSize:HeaderSize]), nil
}

// PutPreamble writes the variable-length preamble into the first
// PreambleSize bytes of dst.
func PutPreamble(dst []byte, correlationID uint32, length uint32) {
	_ = dst[PreambleSize-1]
	serialize.PutUInt32(dst[0:4], correlationID)
	serialize.PutUInt32(dst[4:8], length)
}

// ParsePreamble returns the correlation id and payload length, rejecting
// lengths above max.
func ParsePreamble(src []byte, max uint32) (correlationID uint32, length uint32, err error) {
	if len(src) < PreambleSize {
		return 0, 0, &FramingError{Err: ErrShortBuffer}
	}
	correlationID = serialize.UInt32(src[0:4])
	length = serialize.UInt32(src[4:8])
	if length > max {
		return 0, 0, &FramingError{Err: ErrPayloadTooLarge, Size: length}
	}
	return correlationID, length, nil
}

// EncodeFrame returns a complete fixed-length frame.
func EncodeFrame(magic Magic, protocolID uint32, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	PutHeader(out, magic, protocolID)
	copy(out[HeaderSize:], payload)
	return out
}

// EncodeVariable returns a complete variable-length frame.
func EncodeVariable(magic Magic, protocolID uint32, correlationID uint32, payload []byte) []byte {
	out := make([]byte, HeaderSize+PreambleSize+len(payload))
	PutHeader(out, magic, protocolID)
	PutPreamble(out[HeaderSize:], correlationID, uint32(len(payload)))
	copy(out[HeaderSize+PreambleSize:], payload)
	return out
}
