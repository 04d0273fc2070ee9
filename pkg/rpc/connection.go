package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kbirk/gamenet/pkg/log"
	"github.com/kbirk/gamenet/pkg/session"
	"github.com/kbirk/gamenet/pkg/wire"
)

// RateLimit throttles how fast a connection's receive loop reads frames.
type RateLimit struct {
	FramesPerSecond rate.Limit
	Burst           int
}

type ConnectionConfig struct {
	Session    session.Config
	Logger     log.Logger
	ErrHandler func(error)
	RateLimit  *RateLimit
}

// Connection is one peer association. It owns a Session and runs a single
// receive loop for its whole lifetime.
type Connection struct {
	id         uuid.UUID
	conf       ConnectionConfig
	host       *Host
	session    *session.Session
	table      atomic.Pointer[Table]
	negotiated atomic.Bool
	replies    *replyTable
	limiter    *rate.Limiter
	valid      atomic.Bool
	lastActive atomic.Int64
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

func newConnection(host *Host, stream io.ReadWriteCloser, table *Table, conf ConnectionConfig, negotiated bool) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if conf.RateLimit != nil && conf.RateLimit.FramesPerSecond > 0 {
		burst := conf.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(conf.RateLimit.FramesPerSecond, burst)
	}

	c := &Connection{
		id:      uuid.New(),
		conf:    conf,
		host:    host,
		session: session.New(stream, conf.Session),
		replies: newReplyTable(),
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.table.Store(table)
	c.negotiated.Store(negotiated)
	c.valid.Store(true)
	c.lastActive.Store(time.Now().UnixNano())
	return c
}

func (c *Connection) logDebug(msg string) {
	if c.conf.Logger != nil {
		c.conf.Logger.Debug(c.prefix() + msg)
	}
}

func (c *Connection) logInfo(msg string) {
	if c.conf.Logger != nil {
		c.conf.Logger.Info(c.prefix() + msg)
	}
}

func (c *Connection) logError(msg string) {
	if c.conf.Logger != nil {
		c.conf.Logger.Error(c.prefix() + msg)
	}
}

func (c *Connection) prefix() string {
	return "[conn " + c.id.String()[:8] + "] "
}

func (c *Connection) reportError(err error) {
	c.logError("Encountered error: " + err.Error())
	if c.conf.ErrHandler != nil {
		c.conf.ErrHandler(err)
	}
}

func (c *Connection) ID() uuid.UUID {
	return c.id
}

// Table returns the connection's current protocol table.
func (c *Connection) Table() *Table {
	return c.table.Load()
}

// Negotiated reports whether the protocol table is final.
func (c *Connection) Negotiated() bool {
	return c.negotiated.Load()
}

func (c *Connection) negotiate(t *Table) error {
	if !c.negotiated.CompareAndSwap(false, true) {
		return ErrAlreadyNegotiated
	}
	c.table.Store(t)
	return nil
}

// IsValid reports whether the connection is open. Once false it stays false.
func (c *Connection) IsValid() bool {
	return c.valid.Load()
}

// LastActive returns when the last frame was received.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) RemoteAddr() string {
	return c.session.RemoteAddr()
}

func (c *Connection) Session() *session.Session {
	return c.session
}

// Done is closed when the receive loop has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Outstanding returns the number of calls awaiting a reply.
func (c *Connection) Outstanding() int {
	return c.replies.outstanding()
}

// Close marks the connection invalid, drains pending writes, closes the
// session and fails every pending call with ErrConnectionClosed.
func (c *Connection) Close() error {
	if !c.valid.CompareAndSwap(true, false) {
		return nil
	}
	if c.host != nil {
		c.host.retire()
	}
	c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), session.DefaultShutdownTimeout)
	defer cancel()
	err := c.session.Shutdown(ctx)

	c.replies.close(ErrConnectionClosed)
	if c.host != nil {
		c.host.compact()
	}
	c.logDebug("Connection closed")
	return err
}

// discard tears down a connection whose receive loop was never started.
func (c *Connection) discard() {
	c.valid.Store(false)
	c.cancel()
	c.session.Close()
	c.replies.close(ErrConnectionClosed)
	close(c.done)
}

func (c *Connection) run() {
	defer close(c.done)
	defer c.Close()

	c.logDebug("Receive loop started")
	for c.IsValid() {
		err := c.receive()
		if err == nil {
			continue
		}
		if !c.handleReceiveError(err) {
			return
		}
	}
}

// handleReceiveError reports err and returns whether the loop may continue.
func (c *Connection) handleReceiveError(err error) bool {
	var transportErr *session.TransportError
	var framingErr *wire.FramingError
	var unknownErr *UnknownProtocolError

	switch {
	case !c.IsValid() || !c.session.IsLive() || errors.Is(err, session.ErrClosed):
		c.logDebug("Receive loop stopped, connection closed")
		return false
	case errors.As(err, &transportErr):
		if errors.Is(err, io.EOF) {
			c.logInfo("Peer disconnected")
			return false
		}
		c.reportError(err)
		return false
	case errors.As(err, &framingErr), errors.As(err, &unknownErr):
		c.reportError(err)
		return false
	}

	// failures local to one frame
	c.reportError(err)
	return true
}

func (c *Connection) receive() error {
	if c.limiter != nil {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return err
		}
	}

	id, err := c.session.ReadHeader()
	if err != nil {
		return err
	}
	c.lastActive.Store(time.Now().UnixNano())

	p, ok := c.Table().Lookup(id)
	if !ok {
		return &UnknownProtocolError{ID: id}
	}

	req := &Request{
		Conn:      c,
		Protocol:  p,
		SessionID: NoReply,
	}
	switch p.Kind.typ {
	case KindFixedLength:
		req.Payload, err = c.session.ReadPayload(p.Kind.size)
	default:
		req.SessionID, req.Payload, err = c.session.ReadVariable()
	}
	if err != nil {
		return err
	}

	if p.Kind.typ == KindStub {
		c.logDebug("Dropped frame for stub protocol " + p.Name)
		return nil
	}
	return c.dispatch(p, req)
}

func (c *Connection) dispatch(p *Protocol, req *Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Protocol: p.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := p.handler(req); err != nil {
		return &HandlerError{Protocol: p.Name, Err: err}
	}
	return nil
}

func (c *Connection) lookup(name string) (*Protocol, error) {
	p, ok := c.Table().Protocol(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrProtocolNotNegotiated)
	}
	return p, nil
}

func (c *Connection) sendError(err error) error {
	if errors.Is(err, session.ErrClosed) || !c.IsValid() {
		return ErrConnectionClosed
	}
	return err
}

// Send writes a one-way frame. Fixed-length protocols require a payload of
// exactly the declared size.
func (c *Connection) Send(name string, payload []byte) error {
	p, err := c.lookup(name)
	if err != nil {
		return err
	}
	if p.Kind.typ == KindFixedLength {
		if len(payload) != p.Kind.size {
			return fmt.Errorf("%s: payload is %d bytes, protocol requires %d", name, len(payload), p.Kind.size)
		}
		return c.sendError(c.session.Send(p.ID, payload))
	}
	return c.sendError(c.session.SendVariable(p.ID, NoReply, payload))
}

// Build writes a one-way frame through the session's message builder. For
// variable-length protocols the length prefix is filled in after fn returns.
func (c *Connection) Build(name string, fn func(*session.Message) error) error {
	p, err := c.lookup(name)
	if err != nil {
		return err
	}
	err = c.session.Write(p.ID, func(m *session.Message) error {
		if p.Kind.typ == KindFixedLength {
			if err := fn(m); err != nil {
				return err
			}
			if m.Len() != p.Kind.size {
				return fmt.Errorf("%s: payload is %d bytes, protocol requires %d", name, m.Len(), p.Kind.size)
			}
			return nil
		}
		m.WriteUInt32(NoReply)
		offset := m.Reserve32()
		if err := fn(m); err != nil {
			return err
		}
		m.Patch32(offset, uint32(m.Len()-wire.PreambleSize))
		return nil
	})
	return c.sendError(err)
}

// Go sends a tagged request and returns the future resolved by its reply.
func (c *Connection) Go(name string, payload []byte) (*Future, error) {
	p, err := c.lookup(name)
	if err != nil {
		return nil, err
	}
	if p.Kind.typ == KindFixedLength {
		return nil, fmt.Errorf("%s: fixed-length protocols cannot carry calls", name)
	}
	return c.GoID(p.ID, payload)
}

// GoID is Go addressed by protocol id, usable before negotiation.
func (c *Connection) GoID(id uint32, payload []byte) (*Future, error) {
	f, err := c.replies.acquire()
	if err != nil {
		return nil, err
	}
	if err := c.session.SendVariable(id, f.SessionID(), payload); err != nil {
		err = c.sendError(err)
		c.replies.abandon(f, err)
		return nil, err
	}
	return f, nil
}

// Call sends a tagged request and waits for its reply.
func (c *Connection) Call(ctx context.Context, name string, payload []byte) ([]byte, error) {
	f, err := c.Go(name, payload)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

func (c *Connection) CallID(ctx context.Context, id uint32, payload []byte) ([]byte, error) {
	f, err := c.GoID(id, payload)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

func (c *Connection) reply(sessionID uint32, payload []byte) error {
	return c.sendError(c.session.SendVariable(ReplyID, sessionID, payload))
}
