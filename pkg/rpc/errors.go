package rpc

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionClosed      = errors.New("connection closed")
	ErrProtocolNotNegotiated = errors.New("protocol not negotiated")
	ErrAlreadyNegotiated     = errors.New("protocols already negotiated")
	ErrRegistryFrozen        = errors.New("registry is frozen")
	ErrDuplicateProtocol     = errors.New("protocol already registered")
	ErrNoReplyExpected       = errors.New("request does not expect a reply")
	ErrCorrelationExhausted  = errors.New("correlation ids exhausted")
	ErrHandshake             = errors.New("handshake failed")
	ErrNotConnected          = errors.New("not connected")
	ErrHostClosed            = errors.New("host is closed")
)

// UnknownProtocolError is returned when a frame references an id that is not
// in the connection's negotiated table. It is fatal to the connection.
type UnknownProtocolError struct {
	ID uint32
}

func (e *UnknownProtocolError) Error() string {
	return fmt.Sprintf("unknown protocol id: %d", e.ID)
}

// CorrelationMissError is returned when a reply arrives for a correlation id
// with no pending call.
type CorrelationMissError struct {
	SessionID uint32
}

func (e *CorrelationMissError) Error() string {
	return fmt.Sprintf("no pending call for correlation id: %d", e.SessionID)
}

// HandlerError wraps an error returned (or a panic raised) by a protocol
// handler. It only affects the frame being handled.
type HandlerError struct {
	Protocol string
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Protocol, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
