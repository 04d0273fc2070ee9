package rpc

import (
	"sync"

	"github.com/kbirk/gamenet/pkg/serialize"
)

func newReader(bs []byte) *serialize.Reader {
	return serialize.NewReader(bs)
}

type errorCollector struct {
	mu   sync.Mutex
	errs []error
	ch   chan error
}

func newErrorCollector() *errorCollector {
	return &errorCollector{
		ch: make(chan error, 64),
	}
}

func (c *errorCollector) handle(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()

	select {
	case c.ch <- err:
	default:
	}
}

func (c *errorCollector) all() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}
