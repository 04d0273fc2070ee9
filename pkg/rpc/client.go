package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/kbirk/gamenet/pkg/log"
	"github.com/kbirk/gamenet/pkg/serialize"
	"github.com/kbirk/gamenet/pkg/session"
)

type ClientConfig struct {
	Transport  ClientTransport
	Registry   *Registry
	Session    session.Config
	ErrHandler func(error)
	Logger     log.Logger
	RateLimit  *RateLimit

	// Host registers the client's connection; a private host is used if nil.
	Host *Host
}

type Client struct {
	conf      ClientConfig
	transport ClientTransport
	registry  *Registry
	host      *Host
	mu        *sync.Mutex
	conn      *Connection
}

func NewClient(conf ClientConfig) *Client {
	registry := conf.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	host := conf.Host
	if host == nil {
		host = NewHost(ConnectionConfig{
			Session:    conf.Session,
			Logger:     conf.Logger,
			ErrHandler: conf.ErrHandler,
			RateLimit:  conf.RateLimit,
		})
	}
	return &Client{
		conf:      conf,
		transport: conf.Transport,
		registry:  registry,
		host:      host,
		mu:        &sync.Mutex{},
	}
}

func (c *Client) logDebug(msg string) {
	if c.conf.Logger != nil {
		c.conf.Logger.Debug(msg)
	}
}

func (c *Client) logInfo(msg string) {
	if c.conf.Logger != nil {
		c.conf.Logger.Info(msg)
	}
}

// Registry returns the client's registry. Protocols must be registered before
// Connect.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Connect dials the server and starts the receive loop. Only the reply and
// handshake protocols are usable until NegotiateProtocols returns.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.IsValid() {
		return nil
	}

	c.logDebug("Connecting to server")
	stream, err := c.transport.Connect(ctx)
	if err != nil {
		return err
	}
	conn, err := c.host.add(stream, c.registry.bootstrap(), false)
	if err != nil {
		return err
	}
	c.conn = conn
	c.logInfo(fmt.Sprintf("Connected to %s", c.conn.RemoteAddr()))
	return nil
}

// Connection returns the current connection.
func (c *Client) Connection() (*Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsValid() {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// NegotiateProtocols asks the server for its name to id mapping and rebinds
// the local protocols accordingly.
func (c *Client) NegotiateProtocols(ctx context.Context) error {
	conn, err := c.Connection()
	if err != nil {
		return err
	}

	bs, err := conn.CallID(ctx, HandshakeID, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	assignments, err := DecodeAssignments(serialize.NewReader(bs))
	if err != nil {
		return err
	}
	table, err := c.registry.Negotiate(assignments)
	if err != nil {
		return err
	}
	if err := conn.negotiate(table); err != nil {
		return err
	}

	for _, name := range c.registry.Names() {
		if _, ok := table.ID(name); !ok {
			c.logInfo("Protocol " + name + " is not offered by the server")
		}
	}
	c.logDebug(fmt.Sprintf("Negotiated %d protocols", table.Len()))
	return nil
}

// Dial connects and negotiates.
func (c *Client) Dial(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.NegotiateProtocols(ctx)
}

func (c *Client) Call(ctx context.Context, name string, payload []byte) ([]byte, error) {
	conn, err := c.Connection()
	if err != nil {
		return nil, err
	}
	return conn.Call(ctx, name, payload)
}

func (c *Client) Go(name string, payload []byte) (*Future, error) {
	conn, err := c.Connection()
	if err != nil {
		return nil, err
	}
	return conn.Go(name, payload)
}

func (c *Client) Send(name string, payload []byte) error {
	conn, err := c.Connection()
	if err != nil {
		return err
	}
	return conn.Send(name, payload)
}

// Close closes the connection and waits for its receive loop to exit. Pending
// calls fail with ErrConnectionClosed. It must not be called from a handler
// running on this client's connection; use req.Conn.Close there.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-conn.Done()
	return err
}
