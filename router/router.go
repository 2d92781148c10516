// Package router dispatches post-handshake messages to the collaborators
// that own them: discovery for ADDR/GETADDR, and injected header-sync /
// block-relay interfaces for INV/HEADERS/GETHEADERS. VERACK's state-machine
// effects live in the peer package itself; VERSION is handshake-owned;
// PING/PONG are handled at the Peer layer. Everything else reaching here is
// already known to be post-handshake, because Peer drops unrecognized
// commands silently until it reaches StateReady.
package router

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/juju/loggo"

	"github.com/sakuyama2024/coinbasechain-sub002/discovery"
	"github.com/sakuyama2024/coinbasechain-sub002/misbehavior"
	"github.com/sakuyama2024/coinbasechain-sub002/p2pwire"
)

var log = loggo.GetLogger("router")

// verbose gates a full spew.Dump of unrouted commands falling through to
// the default case, off by default; see peer.verbose for the same pattern
// on the decode side.
const verbose = false

// HeaderSync is the external collaborator that owns header/block-locator
// sync state. INV/HEADERS/GETHEADERS are forwarded here.
type HeaderSync interface {
	HandleInv(peerID uint64, m *wire.MsgInv)
	HandleHeaders(peerID uint64, m *wire.MsgHeaders)
	HandleGetHeaders(peerID uint64, m *wire.MsgGetHeaders)
}

// PeerView is the minimal peer-facing surface the router needs: identity,
// whether it is inbound, its remote address, and a way to send a reply or
// report misbehavior. The lifecycle manager's PerPeerState satisfies this.
type PeerView interface {
	ID() uint64
	IsInboundPeer() bool
	NetworkAddress() p2pwire.NetworkAddress
	Send(msg p2pwire.Message) error
	ReportMisbehavior(v misbehavior.Violation)
	Disconnect()
}

type connState struct {
	mtx            sync.Mutex
	getaddrReplied bool
}

// Router holds the GETADDR once-per-connection latches and forwards
// everything else to its collaborators.
type Router struct {
	discovery *discovery.Manager
	sync      HeaderSync

	mtx    sync.Mutex
	states map[uint64]*connState
}

// New builds a Router around a discovery manager and header-sync
// collaborator.
func New(d *discovery.Manager, sync HeaderSync) *Router {
	return &Router{
		discovery: d,
		sync:      sync,
		states:    make(map[uint64]*connState),
	}
}

func (r *Router) stateFor(peerID uint64) *connState {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	cs, ok := r.states[peerID]
	if !ok {
		cs = &connState{}
		r.states[peerID] = cs
	}
	return cs
}

// ForgetPeer drops per-connection router state and the corresponding
// discovery learned-map entry, on peer disconnect.
func (r *Router) ForgetPeer(peerID uint64) {
	r.mtx.Lock()
	delete(r.states, peerID)
	r.mtx.Unlock()
	r.discovery.ForgetPeer(peerID)
}

// Dispatch routes one post-handshake message from peer. It returns true if
// the command was recognized (including "silently ignored" outcomes);
// false for genuinely unknown commands, which the caller should also treat
// as handled per the routing table's "unknown commands return success"
// rule; callers are free to ignore the return value entirely.
func (r *Router) Dispatch(peer PeerView, msg p2pwire.Message) bool {
	switch m := msg.(type) {
	case *wire.MsgGetAddr:
		r.handleGetAddr(peer)
		return true
	case *wire.MsgAddr:
		r.handleAddr(peer, m)
		return true
	case *wire.MsgInv:
		if r.sync != nil {
			r.sync.HandleInv(peer.ID(), m)
		}
		return true
	case *wire.MsgHeaders:
		if r.sync != nil {
			r.sync.HandleHeaders(peer.ID(), m)
		}
		return true
	case *wire.MsgGetHeaders:
		if r.sync != nil {
			r.sync.HandleGetHeaders(peer.ID(), m)
		}
		return true
	default:
		if verbose {
			spew.Dump(msg)
		}
		log.Debugf("peer %d: unrouted command %s ignored", peer.ID(), msg.Command())
		return false
	}
}

func (r *Router) handleGetAddr(peer PeerView) {
	if !peer.IsInboundPeer() {
		log.Debugf("peer %d: ignoring GETADDR from outbound peer", peer.ID())
		return
	}
	cs := r.stateFor(peer.ID())
	cs.mtx.Lock()
	if cs.getaddrReplied {
		cs.mtx.Unlock()
		log.Debugf("peer %d: ignoring repeated GETADDR on connection", peer.ID())
		return
	}
	cs.getaddrReplied = true
	cs.mtx.Unlock()

	res := r.discovery.HandleGetAddr(peer.ID(), peer.NetworkAddress())
	msg := p2pwire.BuildAddrMsg(res.Addresses)
	if err := peer.Send(msg); err != nil {
		log.Debugf("peer %d: failed to send ADDR reply: %v", peer.ID(), err)
	}
}

func (r *Router) handleAddr(peer PeerView, m *wire.MsgAddr) {
	truncated := false
	if len(m.AddrList) > p2pwire.MaxAddrSize {
		truncated = true
		m.AddrList = m.AddrList[:p2pwire.MaxAddrSize]
	}
	addrs := p2pwire.AddrsFromMsg(m, time.Now())
	if truncated {
		peer.ReportMisbehavior(misbehavior.OversizedMessage)
	}
	added := r.discovery.HandleAddr(peer.ID(), addrs)
	log.Debugf("peer %d: ADDR ingested %d/%d (new to addrman: %d)", peer.ID(), len(addrs), len(m.AddrList), added)
}
