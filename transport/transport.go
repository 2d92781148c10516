// Package transport defines the Connection contract the network core
// consumes and ships a deterministic in-memory implementation for tests
// plus a thin adapter over net.Conn for real use.
package transport

import "context"

// Connection is the interface the peer state machine drives. Real traffic
// flows over TCP; tests drive it over SimulatedConn.
type Connection interface {
	// Send hands bytes to the transport for delivery. It does not block on
	// the remote peer consuming them.
	Send(b []byte) error

	// Close tears down the connection. Idempotent.
	Close() error

	// SetReceiveHandler installs the callback invoked with bytes as they
	// arrive. Must be called once before traffic flows.
	SetReceiveHandler(func(b []byte))

	// SetDisconnectHandler installs the callback invoked exactly once when
	// the connection goes away, whatever the cause.
	SetDisconnectHandler(func(reason error))

	// RemoteAddr identifies the peer for logging and AddrMan bookkeeping.
	RemoteAddr() string
}

// Dialer establishes outbound connections.
type Dialer interface {
	Dial(ctx context.Context, address string) (Connection, error)
}
