package mcp

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionClosed is returned by sessions and clients after Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotReady is returned when a request is issued before the handshake completed
	// or after the client stopped.
	ErrNotReady = errors.New("client not ready")
)

// ConnectionError reports that a transport could not be established or died unexpectedly.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// HandshakeError reports a failed capability negotiation.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err == nil {
		return "handshake failed: " + e.Reason
	}
	return fmt.Sprintf("handshake failed: %s: %v", e.Reason, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or uncorrelated frame. It is not fatal to a session.
type ProtocolError struct {
	Frame string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError is returned when no response arrived within the call timeout.
type TimeoutError struct {
	Method string
	Limit  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.Method, e.Limit)
}

// Timeout implements the net.Error style timeout check.
func (e *TimeoutError) Timeout() bool { return true }

// truncateFrame keeps logged frames readable.
func truncateFrame(b []byte) string {
	const limit = 512
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
