package serialize

import (
	"fmt"
)

// Writer is an append-only byte buffer that grows on demand.
type Writer struct {
	bytes []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{
		bytes: make([]byte, 0, capacity),
	}
}

// Next extends the buffer by n bytes and returns the new region for the caller
// to fill.
func (w *Writer) Next(n int) []byte {
	if n < 0 {
		panic(fmt.Sprintf("invalid write length: %d", n))
	}
	w.Grow(n)
	start := len(w.bytes)
	w.bytes = w.bytes[:start+n]
	return w.bytes[start : start+n]
}

// Grow ensures there is room for another n bytes without reallocating.
func (w *Writer) Grow(n int) {
	if len(w.bytes)+n <= cap(w.bytes) {
		return
	}
	size := cap(w.bytes) * 2
	if size < len(w.bytes)+n {
		size = len(w.bytes) + n
	}
	bs := make([]byte, len(w.bytes), size)
	copy(bs, w.bytes)
	w.bytes = bs
}

// At returns n already written bytes starting at offset, for back-filling.
func (w *Writer) At(offset int, n int) []byte {
	if offset < 0 || offset+n > len(w.bytes) {
		panic(fmt.Sprintf("out of range, offset %d length %d with %d bytes written", offset, n, len(w.bytes)))
	}
	return w.bytes[offset : offset+n]
}

func (w *Writer) Bytes() []byte {
	return w.bytes
}

func (w *Writer) Len() int {
	return len(w.bytes)
}

func (w *Writer) Capacity() int {
	return cap(w.bytes)
}

func (w *Writer) Reset() {
	w.bytes = w.bytes[:0]
}
