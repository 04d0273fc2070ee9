package session

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a session that has been closed
	// locally.
	ErrClosed = errors.New("session closed")

	ErrMessageDone   = errors.New("message already flushed or discarded")
	ErrLengthInvalid = errors.New("invalid payload length")
)

// TransportError wraps a failure of the underlying stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
