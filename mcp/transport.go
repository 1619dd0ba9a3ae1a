package mcp

import (
	"context"
)

// ClientTransport provides the client-side communication layer in the MCP protocol.
type ClientTransport interface {
	// StartSession establishes the physical channel to a server, spawning a process or
	// opening a stream, and returns the Session bound to it. Establishment is bounded by ctx,
	// but the returned Session outlives ctx and must be released with Close.
	// Failures are reported as *ConnectionError.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents one live channel between the client and a server.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the server.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Receive blocks until the next inbound message arrives. A frame that can't be decoded is
	// reported as a *ProtocolError and the session stays usable; any other error means the
	// channel is gone and is reported as *ConnectionError.
	Receive(ctx context.Context) (JSONRPCMessage, error)

	// Abandon is called when nobody waits for the response to request id anymore. It
	// reports whether the session remains usable for further requests.
	Abandon(id MustString) bool

	// Close releases the underlying transport resource. It is safe to call more than once,
	// only the first call does any work.
	Close() error
}
