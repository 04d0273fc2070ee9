package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kbirk/gamenet/pkg/rpc"
)

const DefaultPath = "/gamenet"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Stream exposes a WebSocket connection as a byte stream. Each Write is sent
// as one binary message; Read concatenates inbound binary messages, so frame
// boundaries need not align with message boundaries.
type Stream struct {
	conn               *websocket.Conn
	mu                 *sync.Mutex
	reader             io.Reader
	closeOnce          sync.Once
	closeErr           error
	maxSendMessageSize uint32
}

func newStream(conn *websocket.Conn, maxSend uint32, maxRecv uint32) *Stream {
	if maxRecv > 0 {
		conn.SetReadLimit(int64(maxRecv))
	}
	return &Stream{
		conn:               conn,
		mu:                 &sync.Mutex{},
		maxSendMessageSize: maxSend,
	}
}

func (s *Stream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			messageType, r, err := s.conn.NextReader()
			if err != nil {
				// Check if this is a normal close error
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}

		n, err := s.reader.Read(p)
		if errors.Is(err, io.EOF) {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxSendMessageSize > 0 && uint32(len(p)) > s.maxSendMessageSize {
		return 0, fmt.Errorf("message size %d exceeds send limit %d", len(p), s.maxSendMessageSize)
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		// Send a proper close frame before closing the connection
		// Use a short deadline to avoid blocking indefinitely
		deadline := time.Now().Add(time.Second)
		err := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)

		// Close the underlying connection regardless of whether the close frame was sent
		closeErr := s.conn.Close()

		if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
			return
		}
		s.closeErr = closeErr
	})
	return s.closeErr
}

// ServerTransport implements ServerTransport for WebSocket
type ServerTransport struct {
	Host               string
	Port               int
	Path               string
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
	listener           net.Listener
	server             *http.Server
	connCh             chan *Stream
	mu                 *sync.Mutex
	closed             bool
}

type ServerTransportConfig struct {
	Host               string
	Port               int
	Path               string // Optional: defaults to DefaultPath
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	path := config.Path
	if path == "" {
		path = DefaultPath
	}
	return &ServerTransport{
		Host:               config.Host,
		Port:               config.Port,
		Path:               path,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
		connCh:             make(chan *Stream, 16), // buffered channel for connections
		mu:                 &sync.Mutex{},
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.server != nil {
		return fmt.Errorf("transport is already listening")
	}
	if t.closed {
		return rpc.ErrTransportClosed
	}

	l, err := net.Listen("tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
	if err != nil {
		return err
	}
	t.listener = l

	mux := http.NewServeMux()
	mux.HandleFunc(t.Path, t.handleWebSocket)

	t.server = &http.Server{
		Handler: mux,
	}

	go t.server.Serve(l)

	return nil
}

func (t *ServerTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	stream := newStream(conn, t.MaxSendMessageSize, t.MaxRecvMessageSize)

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		select {
		case t.connCh <- stream:
		default:
			// Channel is full, close the connection
			conn.Close()
		}
	} else {
		conn.Close()
	}
}

func (t *ServerTransport) Accept() (io.ReadWriteCloser, error) {
	stream, ok := <-t.connCh
	if !ok {
		return nil, rpc.ErrTransportClosed
	}
	return stream, nil
}

func (t *ServerTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *ServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil // Already closed
	}

	t.closed = true
	close(t.connCh)

	if t.server != nil {
		return t.server.Close()
	}
	return nil
}

// ClientTransport implements ClientTransport for WebSocket
type ClientTransport struct {
	Host               string
	Port               int
	Path               string
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
}

type ClientTransportConfig struct {
	Host               string
	Port               int
	Path               string // Optional: defaults to DefaultPath
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	path := config.Path
	if path == "" {
		path = DefaultPath
	}
	return &ClientTransport{
		Host:               config.Host,
		Port:               config.Port,
		Path:               path,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
	}
}

func (t *ClientTransport) Connect(ctx context.Context) (io.ReadWriteCloser, error) {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(t.Host, strconv.Itoa(t.Port)), Path: t.Path}

	// connect to the WebSocket server
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	return newStream(conn, t.MaxSendMessageSize, t.MaxRecvMessageSize), nil
}
