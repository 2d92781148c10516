// Package peer implements the per-connection state machine: handshake,
// ping/pong keepalive, inactivity timeout, and message deframing. One Peer
// owns one transport.Connection and is driven single-threaded by its own
// callbacks; the lifecycle manager owns the registry of Peers.
package peer

import "fmt"

// State is a peer's position in the handshake/keepalive state machine.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateVersionSent
	StateVerackReceived
	StateReady
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateVersionSent:
		return "VERSION_SENT"
	case StateVerackReceived:
		return "VERACK_RECEIVED"
	case StateReady:
		return "READY"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}
