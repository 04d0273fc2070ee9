package session

import (
	"context"
	"io"
	"sync"

	"github.com/kbirk/gamenet/pkg/serialize"
)

// pipeline chains asynchronous writes so that each one starts only after the
// previous one completed. Producers hand segments off and return immediately.
type pipeline struct {
	w       io.Writer
	onError func(error)

	mu   sync.Mutex
	tail chan struct{}
	err  error
}

func newPipeline(w io.Writer, onError func(error)) *pipeline {
	tail := make(chan struct{})
	close(tail)
	return &pipeline{
		w:       w,
		onError: onError,
		tail:    tail,
	}
}

// enqueue takes ownership of seg. Segments are written in enqueue order.
// Every segment holds one goroutine until it is written and the number in
// flight is not capped: against a peer that stops reading they accumulate
// until a write fails or the session is closed.
func (p *pipeline) enqueue(seg *serialize.Writer) error {
	p.mu.Lock()
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		putWriter(seg)
		return err
	}
	prev := p.tail
	done := make(chan struct{})
	p.tail = done
	p.mu.Unlock()

	go p.write(prev, done, seg)
	return nil
}

func (p *pipeline) write(prev <-chan struct{}, done chan<- struct{}, seg *serialize.Writer) {
	defer close(done)
	defer putWriter(seg)

	<-prev

	if p.failed() != nil {
		return
	}
	if _, err := p.w.Write(seg.Bytes()); err != nil {
		p.fail(&TransportError{Op: "write", Err: err})
	}
}

func (p *pipeline) failed() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// fail records the first error; later writes are skipped.
func (p *pipeline) fail(err error) {
	p.mu.Lock()
	first := p.err == nil
	if first {
		p.err = err
	}
	p.mu.Unlock()

	if first && p.onError != nil {
		p.onError(err)
	}
}

// drain blocks until every segment enqueued so far has been written.
func (p *pipeline) drain(ctx context.Context) error {
	p.mu.Lock()
	tail := p.tail
	p.mu.Unlock()

	select {
	case <-tail:
		return p.failed()
	case <-ctx.Done():
		return ctx.Err()
	}
}
