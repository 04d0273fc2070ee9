package serialize

import (
	"fmt"
)

// Reader is a forward-only cursor over a byte slice. The returned slices alias
// the underlying data.
type Reader struct {
	bytes []byte
	pos   int
}

func NewReader(data []byte) *Reader {
	return &Reader{
		bytes: data,
	}
}

func (r *Reader) Read(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid read length: %d", n)
	}
	if r.pos+n > len(r.bytes) {
		return nil, fmt.Errorf("Reader does not contain enough data to fill the argument, num bytes available: %d, num bytes needed: %d", len(r.bytes)-r.pos, n)
	}
	bs := r.bytes[r.pos : r.pos+n]
	r.pos += n
	return bs, nil
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.bytes) - r.pos
}

// Bytes returns the unread bytes without advancing the cursor.
func (r *Reader) Bytes() []byte {
	return r.bytes[r.pos:]
}

// Copy returns a copy of the unread bytes and advances the cursor to the end.
func (r *Reader) Copy() []byte {
	bs := make([]byte, len(r.bytes)-r.pos)
	copy(bs, r.bytes[r.pos:])
	r.pos = len(r.bytes)
	return bs
}
