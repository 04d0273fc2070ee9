package rpc_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/gamenet/pkg/rpc"
	"github.com/kbirk/gamenet/pkg/rpc/tcp"
	"github.com/kbirk/gamenet/pkg/rpc/unix"
)

const testTimeout = 5 * time.Second

func startServer(t *testing.T, registry *rpc.Registry, conf rpc.ServerConfig) *rpc.Server {
	if conf.Transport == nil {
		conf.Transport = tcp.NewServerTransport(tcp.ServerTransportConfig{
			Host:    "127.0.0.1",
			Port:    0,
			NoDelay: true,
		})
	}
	conf.Registry = registry

	server := rpc.NewServer(conf)
	require.NoError(t, server.Start())
	require.NoError(t, server.RunAsync())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		server.Stop(ctx)
	})
	return server
}

func newClient(t *testing.T, server *rpc.Server, registry *rpc.Registry) *rpc.Client {
	client := rpc.NewClient(rpc.ClientConfig{
		Transport: tcp.NewClientTransport(tcp.ClientTransportConfig{
			Host:    "127.0.0.1",
			Port:    server.Addr().(*net.TCPAddr).Port,
			NoDelay: true,
		}),
		Registry: registry,
	})
	t.Cleanup(func() {
		client.Close()
	})
	return client
}

func dialClient(t *testing.T, server *rpc.Server, registry *rpc.Registry) *rpc.Client {
	client := newClient(t, server, registry)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, client.Dial(ctx))
	return client
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), testTimeout)
}

func echoRegistry() *rpc.Registry {
	r := rpc.NewRegistry()
	r.MustRegister("demo.echo", rpc.Variable, func(req *rpc.Request) error {
		return req.Reply(req.Bytes())
	})
	return r
}

func TestHandshakeAndCall(t *testing.T) {
	serverRegistry := rpc.NewRegistry()
	serverRegistry.MustRegister("server.only", rpc.Variable, func(req *rpc.Request) error {
		return req.Reply(nil)
	})
	serverRegistry.MustRegister("game.position", rpc.FixedLength(12), func(req *rpc.Request) error {
		return nil
	})
	serverRegistry.MustRegister("demo.echo", rpc.Variable, func(req *rpc.Request) error {
		return req.Reply(req.Bytes())
	})
	server := startServer(t, serverRegistry, rpc.ServerConfig{})

	// registered in a different order than on the server
	clientRegistry := rpc.NewRegistry()
	clientRegistry.MustRegister("demo.echo", rpc.Stub, nil)
	clientRegistry.MustRegister("client.only", rpc.Stub, nil)
	clientRegistry.MustRegister("game.position", rpc.FixedLength(12), func(req *rpc.Request) error {
		return nil
	})

	client := newClient(t, server, clientRegistry)

	ctx, cancel := withTimeout()
	defer cancel()

	require.NoError(t, client.Connect(ctx))

	// only the reserved protocols are usable before negotiation
	_, err := client.Call(ctx, "demo.echo", []byte("early"))
	assert.True(t, errors.Is(err, rpc.ErrProtocolNotNegotiated))

	require.NoError(t, client.NegotiateProtocols(ctx))

	conn, err := client.Connection()
	require.NoError(t, err)
	assert.True(t, conn.Negotiated())

	for _, name := range []string{"demo.echo", "game.position"} {
		clientID, ok := conn.Table().ID(name)
		require.True(t, ok, name)
		serverID, ok := server.Table().ID(name)
		require.True(t, ok, name)
		assert.Equal(t, serverID, clientID, name)
	}
	_, ok := conn.Table().ID("client.only")
	assert.False(t, ok)
	_, ok = conn.Table().ID("server.only")
	assert.False(t, ok)

	reply, err := client.Call(ctx, "demo.echo", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), reply)

	err = client.Send("game.position", make([]byte, 12))
	assert.NoError(t, err)

	_, err = client.Call(ctx, "client.only", nil)
	assert.True(t, errors.Is(err, rpc.ErrProtocolNotNegotiated))

	err = client.NegotiateProtocols(ctx)
	assert.True(t, errors.Is(err, rpc.ErrAlreadyNegotiated))
}

func TestConcurrentCallsCompleteOutOfOrder(t *testing.T) {
	r := rpc.NewRegistry()
	r.MustRegister("demo.delayed", rpc.Variable, func(req *rpc.Request) error {
		payload := req.Bytes()
		go func() {
			time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
			req.Reply(payload)
		}()
		return nil
	})
	server := startServer(t, r, rpc.ServerConfig{})

	clientRegistry := rpc.NewRegistry()
	clientRegistry.MustRegister("demo.delayed", rpc.Stub, nil)
	client := dialClient(t, server, clientRegistry)

	const workers = 32
	const calls = 20

	var failures atomic.Int64
	wg := &sync.WaitGroup{}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			ctx, cancel := withTimeout()
			defer cancel()

			for i := 0; i < calls; i++ {
				payload := []byte(fmt.Sprintf("worker %d call %d", w, i))
				reply, err := client.Call(ctx, "demo.delayed", payload)
				if err != nil || !bytes.Equal(payload, reply) {
					failures.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, int64(0), failures.Load())

	conn, err := client.Connection()
	require.NoError(t, err)
	assert.Equal(t, 0, conn.Outstanding())
}

func TestConcurrentFuturesOnOneConnection(t *testing.T) {
	server := startServer(t, echoRegistry(), rpc.ServerConfig{})
	client := dialClient(t, server, echoRegistry())

	var futures []*rpc.Future
	for i := 0; i < 100; i++ {
		f, err := client.Go("demo.echo", []byte{byte(i)})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	ctx, cancel := withTimeout()
	defer cancel()

	seen := make(map[uint32]bool)
	for i, f := range futures {
		assert.False(t, seen[f.SessionID()])
		seen[f.SessionID()] = true

		reply, err := f.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, reply)
	}
}

func TestServerCallsClient(t *testing.T) {
	positions := make(chan []byte, 1)

	serverRegistry := rpc.NewRegistry()
	serverRegistry.MustRegister("client.status", rpc.Stub, nil)
	serverRegistry.MustRegister("game.position", rpc.FixedLength(12), func(req *rpc.Request) error {
		return nil
	})
	server := startServer(t, serverRegistry, rpc.ServerConfig{})

	clientRegistry := rpc.NewRegistry()
	clientRegistry.MustRegister("game.position", rpc.FixedLength(12), func(req *rpc.Request) error {
		positions <- req.Bytes()
		return nil
	})
	clientRegistry.MustRegister("client.status", rpc.Variable, func(req *rpc.Request) error {
		return req.Reply([]byte("ready"))
	})
	dialClient(t, server, clientRegistry)

	require.Eventually(t, func() bool {
		return server.CountConnections() == 1
	}, testTimeout, 5*time.Millisecond)

	conn := server.Host().Connections()[0]

	position := []byte{0, 0, 128, 63, 0, 0, 0, 64, 0, 0, 64, 64}
	require.NoError(t, conn.Send("game.position", position))

	select {
	case got := <-positions:
		assert.Equal(t, position, got)
	case <-time.After(testTimeout):
		t.Fatal("position was not delivered")
	}

	ctx, cancel := withTimeout()
	defer cancel()
	status, err := conn.Call(ctx, "client.status", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("ready"), status)
}

func TestClientCloseFailsPendingCalls(t *testing.T) {
	r := rpc.NewRegistry()
	r.MustRegister("demo.blackhole", rpc.Variable, func(req *rpc.Request) error {
		return nil
	})
	server := startServer(t, r, rpc.ServerConfig{})
	client := dialClient(t, server, r)

	f, err := client.Go("demo.blackhole", []byte("lost"))
	require.NoError(t, err)

	require.NoError(t, client.Close())

	ctx, cancel := withTimeout()
	defer cancel()
	_, err = f.Wait(ctx)
	assert.True(t, errors.Is(err, rpc.ErrConnectionClosed))

	_, err = client.Call(ctx, "demo.blackhole", nil)
	assert.True(t, errors.Is(err, rpc.ErrNotConnected))

	assert.Eventually(t, func() bool {
		return server.CountConnections() == 0
	}, testTimeout, 5*time.Millisecond)
}

func TestServerStopClosesClients(t *testing.T) {
	r := rpc.NewRegistry()
	r.MustRegister("demo.blackhole", rpc.Variable, func(req *rpc.Request) error {
		return nil
	})

	server := rpc.NewServer(rpc.ServerConfig{
		Transport: tcp.NewServerTransport(tcp.ServerTransportConfig{Host: "127.0.0.1"}),
		Registry:  r,
	})
	require.NoError(t, server.Start())
	require.NoError(t, server.RunAsync())

	client := dialClient(t, server, r)
	conn, err := client.Connection()
	require.NoError(t, err)

	f, err := client.Go("demo.blackhole", nil)
	require.NoError(t, err)

	ctx, cancel := withTimeout()
	defer cancel()
	require.NoError(t, server.Stop(ctx))
	assert.Equal(t, 0, server.CountConnections())

	_, err = f.Wait(ctx)
	assert.True(t, errors.Is(err, rpc.ErrConnectionClosed))

	select {
	case <-conn.Done():
	case <-time.After(testTimeout):
		t.Fatal("client connection was not closed")
	}
}

func TestCountConnections(t *testing.T) {
	server := startServer(t, echoRegistry(), rpc.ServerConfig{})

	var clients []*rpc.Client
	for i := 0; i < 3; i++ {
		clients = append(clients, dialClient(t, server, echoRegistry()))
	}

	assert.Eventually(t, func() bool {
		return server.CountConnections() == 3
	}, testTimeout, 5*time.Millisecond)

	require.NoError(t, clients[0].Close())
	require.NoError(t, clients[1].Close())

	assert.Eventually(t, func() bool {
		return server.CountConnections() == 1
	}, testTimeout, 5*time.Millisecond)
}

func TestIdleTimeout(t *testing.T) {
	server := startServer(t, echoRegistry(), rpc.ServerConfig{
		IdleTimeout:   100 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})
	client := dialClient(t, server, echoRegistry())

	conn, err := client.Connection()
	require.NoError(t, err)

	select {
	case <-conn.Done():
	case <-time.After(testTimeout):
		t.Fatal("idle connection was not closed")
	}
	assert.Equal(t, 0, server.CountConnections())
}

func TestMiddlewareWrapsHandlers(t *testing.T) {
	var calls atomic.Int64

	r := echoRegistry()
	require.NoError(t, r.Use(func(req *rpc.Request, next rpc.HandlerFunc) error {
		calls.Add(1)
		return next(req)
	}))
	server := startServer(t, r, rpc.ServerConfig{})
	client := dialClient(t, server, echoRegistry())

	ctx, cancel := withTimeout()
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := client.Call(ctx, "demo.echo", nil)
		require.NoError(t, err)
	}
	// the handshake is not counted
	assert.Equal(t, int64(3), calls.Load())
}

func TestHandlerErrorReported(t *testing.T) {
	errs := make(chan error, 4)
	errRejected := errors.New("rejected")

	r := echoRegistry()
	r.MustRegister("demo.reject", rpc.Variable, func(req *rpc.Request) error {
		return errRejected
	})
	server := startServer(t, r, rpc.ServerConfig{
		ErrHandler: func(err error) {
			errs <- err
		},
	})

	clientRegistry := echoRegistry()
	clientRegistry.MustRegister("demo.reject", rpc.Stub, nil)
	client := dialClient(t, server, clientRegistry)

	require.NoError(t, client.Send("demo.reject", nil))

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, errRejected))
	case <-time.After(testTimeout):
		t.Fatal("handler error was not reported")
	}

	// the connection survives the failed frame
	ctx, cancel := withTimeout()
	defer cancel()
	reply, err := client.Call(ctx, "demo.echo", []byte("still here"))
	require.NoError(t, err)
	assert.Equal(t, []byte("still here"), reply)
}

func TestLargePayloadGrowsReceiveBuffer(t *testing.T) {
	server := startServer(t, echoRegistry(), rpc.ServerConfig{})
	client := dialClient(t, server, echoRegistry())

	payload := make([]byte, 100_000)
	for i := range payload {
		payload[i] = byte(i)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	reply, err := client.Call(ctx, "demo.echo", payload)
	require.NoError(t, err)
	assert.Equal(t, payload, reply)

	conn, err := client.Connection()
	require.NoError(t, err)
	assert.Equal(t, 131072, conn.Session().ReceiveCapacity())
}

func TestUnixTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gamenet.sock")

	server := startServer(t, echoRegistry(), rpc.ServerConfig{
		Transport: unix.NewServerTransport(unix.ServerTransportConfig{SocketPath: path}),
	})

	client := rpc.NewClient(rpc.ClientConfig{
		Transport: unix.NewClientTransport(unix.ClientTransportConfig{SocketPath: path}),
		Registry:  echoRegistry(),
	})
	defer client.Close()

	ctx, cancel := withTimeout()
	defer cancel()
	require.NoError(t, client.Dial(ctx))

	reply, err := client.Call(ctx, "demo.echo", []byte("over unix"))
	require.NoError(t, err)
	assert.Equal(t, []byte("over unix"), reply)
	assert.Equal(t, 1, server.CountConnections())
}

func TestServerLifecycleErrors(t *testing.T) {
	server := rpc.NewServer(rpc.ServerConfig{
		Transport: tcp.NewServerTransport(tcp.ServerTransportConfig{Host: "127.0.0.1"}),
	})
	assert.Error(t, server.RunAsync())
	assert.Nil(t, server.Table())

	require.NoError(t, server.Start())
	assert.Error(t, server.Start())

	// registration is closed once ids are assigned
	err := server.Registry().Register("late", rpc.Variable, func(*rpc.Request) error { return nil })
	assert.True(t, errors.Is(err, rpc.ErrRegistryFrozen))

	require.NoError(t, server.RunAsync())
	assert.Error(t, server.RunAsync())

	ctx, cancel := withTimeout()
	defer cancel()
	require.NoError(t, server.Stop(ctx))
}

func TestStopDuringConcurrentDials(t *testing.T) {
	for round := 0; round < 5; round++ {
		server := rpc.NewServer(rpc.ServerConfig{
			Transport: tcp.NewServerTransport(tcp.ServerTransportConfig{Host: "127.0.0.1"}),
			Registry:  echoRegistry(),
		})
		require.NoError(t, server.Start())
		require.NoError(t, server.RunAsync())
		addr := server.Addr().String()

		mu := &sync.Mutex{}
		var dialed []net.Conn
		stop := make(chan struct{})

		wg := &sync.WaitGroup{}
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					conn, err := net.Dial("tcp", addr)
					if err != nil {
						return
					}
					mu.Lock()
					dialed = append(dialed, conn)
					mu.Unlock()
				}
			}()
		}

		time.Sleep(20 * time.Millisecond)

		ctx, cancel := withTimeout()
		require.NoError(t, server.Stop(ctx))
		cancel()

		assert.Equal(t, 0, server.CountConnections(), "round %d", round)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 0, server.CountConnections(), "round %d", round)
		assert.Empty(t, server.Host().Connections(), "round %d", round)

		close(stop)
		wg.Wait()
		for _, conn := range dialed {
			conn.Close()
		}
	}
}
