package rpc

import (
	"context"
	"errors"
	"io"
	"net"
)

// ErrTransportClosed is returned by Accept once the transport is closed.
var ErrTransportClosed = errors.New("transport is closed")

// ServerTransport handles incoming connections for the server
type ServerTransport interface {
	// Listen starts listening for incoming connections
	Listen() error

	// Accept blocks until a new raw stream is available
	Accept() (io.ReadWriteCloser, error)

	// Addr returns the listening address, nil before Listen
	Addr() net.Addr

	// Close stops listening and closes the transport
	Close() error
}

// ClientTransport handles outgoing connections for the client
type ClientTransport interface {
	// Connect establishes a raw stream to the server
	Connect(ctx context.Context) (io.ReadWriteCloser, error)
}
