package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kbirk/gamenet/pkg/log"
	"github.com/kbirk/gamenet/pkg/session"
)

type ServerConfig struct {
	Transport  ServerTransport
	Registry   *Registry
	Session    session.Config
	ErrHandler func(error)
	Logger     log.Logger
	RateLimit  *RateLimit
	// IdleTimeout closes connections that received nothing for this long.
	// Zero disables the idle sweep.
	IdleTimeout time.Duration
	// SweepInterval defaults to half of IdleTimeout.
	SweepInterval time.Duration
}

type Server struct {
	conf      ServerConfig
	transport ServerTransport
	registry  *Registry
	host      *Host
	table     *Table
	mu        *sync.Mutex
	running   bool
	started   bool
	cancel    context.CancelFunc
	group     *errgroup.Group
}

func NewServer(conf ServerConfig) *Server {
	registry := conf.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	s := &Server{
		conf:      conf,
		transport: conf.Transport,
		registry:  registry,
		mu:        &sync.Mutex{},
	}
	s.host = NewHost(ConnectionConfig{
		Session:    conf.Session,
		Logger:     conf.Logger,
		ErrHandler: conf.ErrHandler,
		RateLimit:  conf.RateLimit,
	})
	return s
}

func (s *Server) handleError(err error) {
	s.logError("Encountered error: " + err.Error())
	if s.conf.ErrHandler != nil {
		s.conf.ErrHandler(err)
	}
}

func (s *Server) logDebug(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Debug(msg)
	}
}

func (s *Server) logInfo(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Info(msg)
	}
}

func (s *Server) logError(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Error(msg)
	}
}

// Registry returns the server's registry. Protocols must be registered before
// Start.
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Host() *Host {
	return s.host
}

// Table returns the server's protocol table, nil before Start.
func (s *Server) Table() *Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table
}

func (s *Server) Addr() net.Addr {
	return s.transport.Addr()
}

// CountConnections returns the number of live connections.
func (s *Server) CountConnections() int {
	return s.host.Count()
}

// Start assigns protocol ids and starts listening. No connection is accepted
// until RunAsync.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("server is already started")
	}

	s.table = s.registry.Freeze()
	for _, a := range s.table.Assignments() {
		s.logDebug(fmt.Sprintf("Protocol %s assigned id %d", a.Name, a.ID))
	}

	if err := s.transport.Listen(); err != nil {
		return err
	}
	s.started = true
	s.logInfo(fmt.Sprintf("Listening on %v", s.transport.Addr()))
	return nil
}

// RunAsync starts the accept loop, and the idle sweep when configured, in the
// background.
func (s *Server) RunAsync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return fmt.Errorf("server is not started")
	}
	if s.running {
		return fmt.Errorf("server is already running")
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptLoop(ctx)
	})
	if s.conf.IdleTimeout > 0 {
		g.Go(func() error {
			return s.sweepLoop(ctx)
		})
	}
	s.group = g
	return nil
}

// Wait blocks until the background loops exit.
func (s *Server) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()

	if g == nil {
		return nil
	}
	return g.Wait()
}

// ListenAndServe starts the server and blocks until it is stopped.
func (s *Server) ListenAndServe() error {
	if err := s.Start(); err != nil {
		return err
	}
	if err := s.RunAsync(); err != nil {
		return err
	}
	return s.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		stream, err := s.transport.Accept()
		if err != nil {
			// If the transport is closed (during shutdown), don't treat it as an error
			if errors.Is(err, ErrTransportClosed) || ctx.Err() != nil {
				return nil
			}
			s.handleError(err)
			continue
		}

		// streams still buffered in the transport after Stop are closed until
		// Accept reports the transport closed
		if ctx.Err() != nil {
			stream.Close()
			continue
		}

		c, err := s.host.Add(stream, s.table)
		if err != nil {
			continue
		}
		s.logDebug(fmt.Sprintf("Accepted connection %s from %s", c.ID(), c.RemoteAddr()))
	}
}

func (s *Server) sweepLoop(ctx context.Context) error {
	interval := s.conf.SweepInterval
	if interval <= 0 {
		interval = s.conf.IdleTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.host.SweepIdle(s.conf.IdleTimeout); n > 0 {
				s.logInfo(fmt.Sprintf("Closed %d idle connections", n))
			}
		}
	}
}

// Stop closes the transport and every connection, then waits for the
// background loops until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	cancel := s.cancel
	g := s.group
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := s.transport.Close()
	s.host.CloseAll()

	if g == nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()
	select {
	case werr := <-done:
		if err == nil {
			err = werr
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logInfo("Server stopped")
	return err
}
