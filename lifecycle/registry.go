package lifecycle

import (
	"sync"

	"github.com/sakuyama2024/coinbasechain-sub002/banmgr"
	"github.com/sakuyama2024/coinbasechain-sub002/misbehavior"
	"github.com/sakuyama2024/coinbasechain-sub002/p2pwire"
	"github.com/sakuyama2024/coinbasechain-sub002/peer"
)

// Permissions are the grants a peer connection was admitted with.
type Permissions struct {
	// NoBan exempts the peer from ban/discourage admission checks. Used
	// for anchor reconnection and operator-configured allowlists.
	NoBan bool
}

// PerPeerState is everything the lifecycle manager and router track about
// one connection, keyed by the underlying Peer's id.
type PerPeerState struct {
	Peer        *peer.Peer
	Address     p2pwire.NetworkAddress
	Permissions Permissions
	Misbehavior *misbehavior.Record
}

// ID satisfies router.PeerView.
func (s *PerPeerState) ID() uint64 { return s.Peer.ID }

// IsInboundPeer satisfies router.PeerView.
func (s *PerPeerState) IsInboundPeer() bool { return s.Peer.IsInbound }

// NetworkAddress satisfies router.PeerView.
func (s *PerPeerState) NetworkAddress() p2pwire.NetworkAddress { return s.Address }

// Send satisfies router.PeerView.
func (s *PerPeerState) Send(msg p2pwire.Message) error { return s.Peer.Send(msg) }

// Disconnect satisfies router.PeerView.
func (s *PerPeerState) Disconnect() { s.Peer.Disconnect() }

// ReportMisbehavior satisfies router.PeerView, recording against this
// peer's own misbehavior record.
func (s *PerPeerState) ReportMisbehavior(v misbehavior.Violation) {
	s.Misbehavior.Report(s.Address.String(), v)
}

// Registry is the peer-id -> PerPeerState map. A single RWMutex guards it;
// admission/removal/iteration are atomic with respect to each other.
type Registry struct {
	mtx   sync.RWMutex
	peers map[uint64]*PerPeerState
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[uint64]*PerPeerState)}
}

// Insert adds a newly-admitted peer.
func (r *Registry) Insert(s *PerPeerState) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.peers[s.ID()] = s
}

// Remove drops a peer, returning it if present.
func (r *Registry) Remove(id uint64) (*PerPeerState, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	s, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	return s, ok
}

// Get looks up a peer by id.
func (r *Registry) Get(id uint64) (*PerPeerState, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	s, ok := r.peers[id]
	return s, ok
}

// ForEach calls fn for a consistent snapshot of the registry. The lock is
// released before fn runs, so fn may call back into the Registry; peers
// added or removed meanwhile do not change the snapshot.
func (r *Registry) ForEach(fn func(*PerPeerState)) {
	r.mtx.RLock()
	snapshot := make([]*PerPeerState, 0, len(r.peers))
	for _, s := range r.peers {
		snapshot = append(snapshot, s)
	}
	r.mtx.RUnlock()
	for _, s := range snapshot {
		fn(s)
	}
}

// Counts reports inbound and outbound-non-feeler peer counts, for
// admission and the outbound filler.
func (r *Registry) Counts() (inbound, outboundNonFeeler int) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	for _, s := range r.peers {
		if s.Peer.IsInbound {
			inbound++
		} else if !s.Peer.IsFeeler {
			outboundNonFeeler++
		}
	}
	return inbound, outboundNonFeeler
}

// CountByIP counts inbound peers whose normalized address matches ip.
func (r *Registry) CountByIP(ip string) int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	n := 0
	for _, s := range r.peers {
		if s.Peer.IsInbound && normalizeAddrIP(s.Address) == ip {
			n++
		}
	}
	return n
}

// HasNonce reports whether any successfully-connected peer's remote nonce
// equals nonce, for self-connection detection.
func (r *Registry) HasNonce(nonce uint64) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	for _, s := range r.peers {
		if s.Peer.SuccessfullyConnected() && s.Peer.RemoteNonce() == nonce {
			return true
		}
	}
	return false
}

// Size returns the total number of tracked peers.
func (r *Registry) Size() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.peers)
}

func normalizeAddrIP(addr p2pwire.NetworkAddress) string {
	return banmgr.NormalizeIP(addr.IP)
}
