package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrConnClosed is returned by Send on a closed SimulatedConn.
var ErrConnClosed = errors.New("transport: connection closed")

// SimulatedConn is a deterministic in-memory Connection used by tests. Bytes
// sent on one end are delivered, in order, to the receive handler on the
// other end via a dedicated delivery goroutine so callers never block the
// reactor they're simulating.
type SimulatedConn struct {
	mtx    sync.Mutex
	closed bool
	peer   *SimulatedConn
	local  string
	remote string

	onRecv       func([]byte)
	onDisconnect func(error)

	deliverCh chan []byte
	done      chan struct{}
}

// NewSimulatedPair builds two connected SimulatedConns, a-side and b-side,
// addressed as given.
func NewSimulatedPair(aAddr, bAddr string) (a, b *SimulatedConn) {
	a = &SimulatedConn{local: aAddr, remote: bAddr, deliverCh: make(chan []byte, 256), done: make(chan struct{})}
	b = &SimulatedConn{local: bAddr, remote: aAddr, deliverCh: make(chan []byte, 256), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	go a.pump()
	go b.pump()
	return a, b
}

func (c *SimulatedConn) pump() {
	for {
		select {
		case b := <-c.deliverCh:
			c.mtx.Lock()
			h := c.onRecv
			c.mtx.Unlock()
			if h != nil {
				h(b)
			}
		case <-c.done:
			return
		}
	}
}

func (c *SimulatedConn) Send(b []byte) error {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return ErrConnClosed
	}
	peer := c.peer
	c.mtx.Unlock()

	cp := make([]byte, len(b))
	copy(cp, b)

	peer.mtx.Lock()
	if peer.closed {
		peer.mtx.Unlock()
		return ErrConnClosed
	}
	ch := peer.deliverCh
	peer.mtx.Unlock()

	select {
	case ch <- cp:
		return nil
	default:
		return fmt.Errorf("transport: delivery queue full for %s", peer.local)
	}
}

func (c *SimulatedConn) Close() error {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return nil
	}
	c.closed = true
	handler := c.onDisconnect
	c.mtx.Unlock()

	close(c.done)
	if handler != nil {
		handler(ErrConnClosed)
	}

	// Notify and tear down the peer side too, so a single Close on either
	// end is enough to simulate a real socket going away.
	peer := c.peer
	peer.mtx.Lock()
	if !peer.closed {
		peer.closed = true
		peerHandler := peer.onDisconnect
		peer.mtx.Unlock()
		close(peer.done)
		if peerHandler != nil {
			peerHandler(ErrConnClosed)
		}
	} else {
		peer.mtx.Unlock()
	}
	return nil
}

func (c *SimulatedConn) SetReceiveHandler(f func([]byte)) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.onRecv = f
}

func (c *SimulatedConn) SetDisconnectHandler(f func(error)) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.onDisconnect = f
}

func (c *SimulatedConn) RemoteAddr() string {
	return c.remote
}

// SimulatedDialer hands out SimulatedConn pairs, used to stand in for a real
// Dialer in lifecycle-manager tests. The accept function given to
// NewSimulatedDialer supplies the acceptor side.
type SimulatedDialer struct {
	mtx     sync.Mutex
	accept  func(ctx context.Context, address string) (*SimulatedConn, error)
	localID string
}

func NewSimulatedDialer(localID string, accept func(ctx context.Context, address string) (*SimulatedConn, error)) *SimulatedDialer {
	return &SimulatedDialer{localID: localID, accept: accept}
}

func (d *SimulatedDialer) Dial(ctx context.Context, address string) (Connection, error) {
	d.mtx.Lock()
	accept := d.accept
	d.mtx.Unlock()
	if accept == nil {
		return nil, fmt.Errorf("transport: no acceptor configured for %s", address)
	}
	return accept(ctx, address)
}
