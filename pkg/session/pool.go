package session

import (
	"sync"

	"github.com/kbirk/gamenet/pkg/serialize"
)

// segments larger than this are left for the garbage collector
const maxPooledSegment = 256 << 10

var writerPool = &sync.Pool{
	New: func() interface{} {
		return serialize.NewWriter(256)
	},
}

// getWriter returns an empty pooled writer able to hold size bytes.
func getWriter(size int) *serialize.Writer {
	w := writerPool.Get().(*serialize.Writer)
	w.Grow(size)
	return w
}

func putWriter(w *serialize.Writer) {
	w.Reset()
	if w.Capacity() < maxPooledSegment {
		writerPool.Put(w)
	}
}
