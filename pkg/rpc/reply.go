package rpc

import (
	"context"
	"sync"
)

// Future is the single-assignment result of an outstanding call.
type Future struct {
	sessionID uint32
	done      chan struct{}
	once      sync.Once
	payload   []byte
	err       error
}

func newFuture(sessionID uint32) *Future {
	return &Future{
		sessionID: sessionID,
		done:      make(chan struct{}),
	}
}

func (f *Future) resolve(payload []byte, err error) {
	f.once.Do(func() {
		f.payload = payload
		f.err = err
		close(f.done)
	})
}

// SessionID returns the correlation id the call was sent with.
func (f *Future) SessionID() uint32 {
	return f.sessionID
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Ready reports whether the future is resolved.
func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the reply arrives, the connection closes or ctx is done.
// Giving up on ctx does not retire the correlation id; it stays reserved until
// the reply arrives or the connection closes.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.payload, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// replyTable correlates replies with pending calls. The free list and the
// pending map share one lock so an id is only reissued after its previous
// call was removed.
type replyTable struct {
	mu      sync.Mutex
	pending map[uint32]*Future
	free    []uint32
	next    uint32
	err     error
}

func newReplyTable() *replyTable {
	return &replyTable{
		pending: make(map[uint32]*Future),
	}
}

// acquire reserves a correlation id, reusing a retired one when available.
func (t *replyTable) acquire() (*Future, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.err != nil {
		return nil, t.err
	}

	var id uint32
	if n := len(t.free); n > 0 {
		id = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		if t.next == NoReply {
			return nil, ErrCorrelationExhausted
		}
		id = t.next
		t.next++
	}

	f := newFuture(id)
	t.pending[id] = f
	return f, nil
}

// complete fulfills and removes the pending call for id, then retires the id.
func (t *replyTable) complete(id uint32, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.pending[id]
	if !ok {
		return &CorrelationMissError{SessionID: id}
	}
	delete(t.pending, id)
	f.resolve(payload, nil)
	t.free = append(t.free, id)
	return nil
}

// abandon fails a pending call whose request never made it onto the wire.
func (t *replyTable) abandon(f *Future, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending[f.sessionID] != f {
		return
	}
	delete(t.pending, f.sessionID)
	f.resolve(nil, err)
	t.free = append(t.free, f.sessionID)
}

// close fails every pending call with err and rejects further acquires.
func (t *replyTable) close(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.err != nil {
		return
	}
	t.err = err
	for id, f := range t.pending {
		f.resolve(nil, err)
		delete(t.pending, id)
	}
	t.free = nil
}

func (t *replyTable) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
