// Package discovery owns everything peer address gossip touches: the
// address manager, a global recently-learned ring, per-peer learned-address
// maps, and the GETADDR response composition (echo suppression, fallback
// order, shuffle). The inbound-only and once-per-connection gates that
// decide whether a GETADDR is answered at all are held by the router.
package discovery

import (
	"math/rand"
	"sync"
	"time"

	"github.com/juju/loggo"

	"github.com/sakuyama2024/coinbasechain-sub002/addrmgr"
	"github.com/sakuyama2024/coinbasechain-sub002/p2pwire"
)

var log = loggo.GetLogger("discovery")

const (
	// RecentAddrsMax bounds the global recently-learned ring.
	RecentAddrsMax = 5000
	// MaxLearnedPerPeer bounds each peer's learned-address map.
	MaxLearnedPerPeer = 2000
	// EchoSuppressTTL is how long a learned entry suppresses echoing the
	// same address back to the peer that taught it to us.
	EchoSuppressTTL = 600 * time.Second
	// MaxAnchors bounds the anchors.json snapshot.
	MaxAnchors = 2
)

type learnedEntry struct {
	addr     p2pwire.TimestampedAddress
	lastSeen time.Time
}

// PeerLearned is one peer's learned-address map, capped and TTL-pruned.
type PeerLearned struct {
	mtx   sync.Mutex
	order []addrmgr.Key
	data  map[addrmgr.Key]learnedEntry
}

func newPeerLearned() *PeerLearned {
	return &PeerLearned{data: make(map[addrmgr.Key]learnedEntry)}
}

// Add records that this peer taught us about addr at now. Entries last seen
// EchoSuppressTTL or more before now are dropped first; then the oldest
// entry is evicted if the map is still at capacity.
func (pl *PeerLearned) Add(addr p2pwire.TimestampedAddress, now time.Time) {
	k := keyOf(addr.Addr)
	pl.mtx.Lock()
	defer pl.mtx.Unlock()
	kept := pl.order[:0]
	for _, ok := range pl.order {
		if now.Sub(pl.data[ok].lastSeen) >= EchoSuppressTTL {
			delete(pl.data, ok)
			continue
		}
		kept = append(kept, ok)
	}
	pl.order = kept
	if _, ok := pl.data[k]; !ok {
		if len(pl.order) >= MaxLearnedPerPeer {
			oldest := pl.order[0]
			pl.order = pl.order[1:]
			delete(pl.data, oldest)
		}
		pl.order = append(pl.order, k)
	}
	pl.data[k] = learnedEntry{addr: addr, lastSeen: now}
}

// HasRecent reports whether addr was learned from this peer within
// EchoSuppressTTL of now.
func (pl *PeerLearned) HasRecent(addr p2pwire.NetworkAddress, now time.Time) bool {
	k := keyOf(addr)
	pl.mtx.Lock()
	defer pl.mtx.Unlock()
	e, ok := pl.data[k]
	if !ok {
		return false
	}
	return now.Sub(e.lastSeen) < EchoSuppressTTL
}

// All returns every learned entry, for the GETADDR learned-map fallback.
func (pl *PeerLearned) All() []p2pwire.TimestampedAddress {
	pl.mtx.Lock()
	defer pl.mtx.Unlock()
	out := make([]p2pwire.TimestampedAddress, 0, len(pl.order))
	for _, k := range pl.order {
		out = append(out, pl.data[k].addr)
	}
	return out
}

func keyOf(addr p2pwire.NetworkAddress) addrmgr.Key {
	var k addrmgr.Key
	ip16 := addr.IP.To16()
	copy(k.IP[:], ip16)
	k.Port = addr.Port
	return k
}

// recentRing is the global most-recent-first ring of learned addresses,
// shared across all peers.
type recentRing struct {
	mtx   sync.Mutex
	order []addrmgr.Key
	data  map[addrmgr.Key]p2pwire.TimestampedAddress
}

func newRecentRing() *recentRing {
	return &recentRing{data: make(map[addrmgr.Key]p2pwire.TimestampedAddress)}
}

func (r *recentRing) Add(addr p2pwire.TimestampedAddress) {
	k := keyOf(addr.Addr)
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, ok := r.data[k]; !ok {
		if len(r.order) >= RecentAddrsMax {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.data, oldest)
		}
		r.order = append(r.order, k)
	} else {
		r.order = removeKey(r.order, k)
		r.order = append(r.order, k)
	}
	r.data[k] = addr
}

// MostRecentFirst returns up to max entries, most-recently-added first.
func (r *recentRing) MostRecentFirst(max int) []p2pwire.TimestampedAddress {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	n := len(r.order)
	if max > n {
		max = n
	}
	out := make([]p2pwire.TimestampedAddress, 0, max)
	for i := n - 1; i >= 0 && len(out) < max; i-- {
		out = append(out, r.data[r.order[i]])
	}
	return out
}

func removeKey(keys []addrmgr.Key, k addrmgr.Key) []addrmgr.Key {
	for i, kk := range keys {
		if kk == k {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

// Manager owns AddrMan, the recent ring, per-peer learned maps, and
// anchors. It is the sole collaborator the router calls for ADDR/GETADDR
// handling.
type Manager struct {
	AddrMan *addrmgr.AddrMan

	mtx         sync.Mutex
	ring        *recentRing
	learnedByID map[uint64]*PeerLearned
	rng         *rand.Rand

	now func() time.Time
}

// New constructs a discovery Manager around an existing AddrMan.
func New(am *addrmgr.AddrMan) *Manager {
	return &Manager{
		AddrMan:     am,
		ring:        newRecentRing(),
		learnedByID: make(map[uint64]*PeerLearned),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         time.Now,
	}
}

// SeedRNG overrides the shuffle RNG for deterministic tests.
func (m *Manager) SeedRNG(seed int64) {
	m.rng = rand.New(rand.NewSource(seed))
}

func (m *Manager) learnedFor(peerID uint64) *PeerLearned {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	pl, ok := m.learnedByID[peerID]
	if !ok {
		pl = newPeerLearned()
		m.learnedByID[peerID] = pl
	}
	return pl
}

// ForgetPeer drops a disconnected peer's learned-address map.
func (m *Manager) ForgetPeer(peerID uint64) {
	m.mtx.Lock()
	delete(m.learnedByID, peerID)
	m.mtx.Unlock()
}

// HandleAddr ingests an ADDR message's addresses: feeds AddrMan, records
// them in the sender's learned map and the global ring.
func (m *Manager) HandleAddr(peerID uint64, addrs []p2pwire.TimestampedAddress) int {
	now := m.now()
	added := m.AddrMan.AddMultiple(addrs)

	pl := m.learnedFor(peerID)
	for _, a := range addrs {
		pl.Add(a, now)
		m.ring.Add(a)
	}
	return added
}

// GetAddrResult is what HandleGetAddr composed, with enough detail for the
// router to build the response message and log debug stats.
type GetAddrResult struct {
	Addresses      []p2pwire.TimestampedAddress
	FromRecent     int
	FromAddrMan    int
	FromLearnedMap int
}

// HandleGetAddr composes the GETADDR response for requesterID, whose own
// address is requesterAddr. It is the caller's responsibility to have
// already checked the inbound-only and once-per-connection gates.
func (m *Manager) HandleGetAddr(requesterID uint64, requesterAddr p2pwire.NetworkAddress) GetAddrResult {
	now := m.now()
	requesterLearned := m.learnedFor(requesterID)

	seen := make(map[addrmgr.Key]bool)
	var result []p2pwire.TimestampedAddress

	accept := func(a p2pwire.TimestampedAddress) bool {
		k := keyOf(a.Addr)
		if seen[k] {
			return false
		}
		if a.Addr.Equal(requesterAddr) {
			return false
		}
		if requesterLearned.HasRecent(a.Addr, now) {
			return false
		}
		seen[k] = true
		return true
	}

	var res GetAddrResult

	for _, a := range m.ring.MostRecentFirst(RecentAddrsMax) {
		if len(result) >= p2pwire.MaxAddrSize {
			break
		}
		if accept(a) {
			result = append(result, a)
			res.FromRecent++
		}
	}

	for _, a := range m.AddrMan.GetAddresses(p2pwire.MaxAddrSize) {
		if len(result) >= p2pwire.MaxAddrSize {
			break
		}
		if accept(a) {
			result = append(result, a)
			res.FromAddrMan++
		}
	}

	if len(result) == 0 {
		m.mtx.Lock()
		var others []*PeerLearned
		for id, pl := range m.learnedByID {
			if id != requesterID {
				others = append(others, pl)
			}
		}
		m.mtx.Unlock()
		for _, pl := range others {
			for _, a := range pl.All() {
				if len(result) >= p2pwire.MaxAddrSize {
					break
				}
				if accept(a) {
					result = append(result, a)
					res.FromLearnedMap++
				}
			}
		}
	}

	m.rng.Shuffle(len(result), func(i, j int) {
		result[i], result[j] = result[j], result[i]
	})

	if len(result) > p2pwire.MaxAddrSize {
		result = result[:p2pwire.MaxAddrSize]
	}
	res.Addresses = result
	log.Debugf("getaddr for peer %d: %d recent + %d addrman + %d learned = %d total",
		requesterID, res.FromRecent, res.FromAddrMan, res.FromLearnedMap, len(result))
	return res
}
