package rpc

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Host is the registry of a process's connections. Closed connections stay in
// the backing list until fewer than a quarter of its entries are valid, then
// the list is compacted under the same lock that guards appends.
type Host struct {
	conf        ConnectionConfig
	mu          *sync.Mutex
	conns       []*Connection
	closed      bool
	live        atomic.Int64
	compactions atomic.Int64
}

func NewHost(conf ConnectionConfig) *Host {
	return &Host{
		conf: conf,
		mu:   &sync.Mutex{},
	}
}

// Add wraps stream in a connection bound to table and starts its receive
// loop. The table is treated as final. Once CloseAll has run, the stream is
// closed and ErrHostClosed is returned.
func (h *Host) Add(stream io.ReadWriteCloser, table *Table) (*Connection, error) {
	return h.add(stream, table, true)
}

func (h *Host) add(stream io.ReadWriteCloser, table *Table, negotiated bool) (*Connection, error) {
	c := newConnection(h, stream, table, h.conf, negotiated)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.discard()
		return nil, ErrHostClosed
	}
	h.conns = append(h.conns, c)
	h.live.Add(1)
	h.mu.Unlock()

	go c.run()
	return c, nil
}

// retire is called once per connection, as soon as it is marked invalid.
func (h *Host) retire() {
	h.live.Add(-1)
}

func (h *Host) compact() {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := len(h.conns)
	if total == 0 {
		return
	}
	// live tracks the valid entries, so only a rebuild needs to scan
	valid := int(h.live.Load())
	if valid*4 >= total {
		return
	}

	kept := make([]*Connection, 0, valid)
	for _, c := range h.conns {
		if c.IsValid() {
			kept = append(kept, c)
		}
	}
	// drop references held by the old backing array
	for i := range h.conns {
		h.conns[i] = nil
	}
	h.conns = kept
	h.compactions.Add(1)
}

// Count returns the number of valid connections.
func (h *Host) Count() int {
	return int(h.live.Load())
}

// Len returns the size of the backing list, including closed entries not yet
// compacted away.
func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Compactions returns how many times the backing list has been rebuilt.
func (h *Host) Compactions() int64 {
	return h.compactions.Load()
}

// Connections returns a snapshot of the valid connections.
func (h *Host) Connections() []*Connection {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		if c.IsValid() {
			out = append(out, c)
		}
	}
	return out
}

// SweepIdle closes connections that have not received a frame within maxIdle
// and returns how many were closed.
func (h *Host) SweepIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	closed := 0
	for _, c := range h.Connections() {
		if c.LastActive().Before(cutoff) {
			c.logInfo("Closing idle connection")
			c.Close()
			closed++
		}
	}
	return closed
}

// CloseAll closes every valid connection and refuses further adds.
func (h *Host) CloseAll() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		if c.IsValid() {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
