// Package lifecycle owns the peer registry, admission and eviction
// policy, and the periodic maintenance/outbound-fill/feeler tasks that
// keep the peer set healthy. It is the glue between transport, AddrMan,
// the ban manager, the router, and discovery.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/juju/loggo"

	"github.com/sakuyama2024/coinbasechain-sub002/addrmgr"
	"github.com/sakuyama2024/coinbasechain-sub002/banmgr"
	"github.com/sakuyama2024/coinbasechain-sub002/discovery"
	"github.com/sakuyama2024/coinbasechain-sub002/misbehavior"
	"github.com/sakuyama2024/coinbasechain-sub002/p2pwire"
	"github.com/sakuyama2024/coinbasechain-sub002/peer"
	"github.com/sakuyama2024/coinbasechain-sub002/router"
	"github.com/sakuyama2024/coinbasechain-sub002/transport"
)

var log = loggo.GetLogger("lifecycle")

var (
	// ErrShuttingDown is returned by AddPeer once shutdown has begun.
	ErrShuttingDown = errors.New("lifecycle: shutting down")
	// ErrBanned is returned when the remote address is banned or
	// discouraged and the caller lacks NoBan.
	ErrBanned = errors.New("lifecycle: address banned or discouraged")
	// ErrOutboundCapReached is returned when max_outbound_peers is met.
	ErrOutboundCapReached = errors.New("lifecycle: outbound peer cap reached")
	// ErrInboundCapReached is returned when max_inbound_peers is met and
	// eviction didn't free a slot.
	ErrInboundCapReached = errors.New("lifecycle: inbound peer cap reached")
	// ErrTooManyFromIP is returned when MAX_INBOUND_PER_IP is exceeded.
	ErrTooManyFromIP = errors.New("lifecycle: too many inbound peers from this address")
)

// Config bundles the lifecycle manager's tunables.
type Config struct {
	MaxOutboundPeers     int
	TargetOutboundPeers  int
	MaxInboundPeers      int
	MaxInboundPerIP      int
	ConnectInterval      time.Duration
	MaintenanceInterval  time.Duration
	FeelerInterval       time.Duration
	MaxConnectAttempts   int
	AnchorsPath          string
}

// DefaultConfig returns the standard peer-limit and timing defaults.
func DefaultConfig() Config {
	return Config{
		MaxOutboundPeers:    8,
		TargetOutboundPeers: 8,
		MaxInboundPeers:     125,
		MaxInboundPerIP:     2,
		ConnectInterval:     5 * time.Second,
		MaintenanceInterval: 30 * time.Second,
		FeelerInterval:      2 * time.Minute,
		MaxConnectAttempts:  100,
	}
}

func normalizeIP(ip net.IP) string { return banmgr.NormalizeIP(ip) }

// Manager owns the peer registry and drives admission, eviction, and the
// periodic outbound-fill/feeler/maintenance tasks.
type Manager struct {
	cfg        Config
	registry   *Registry
	addrMan    *addrmgr.AddrMan
	banMan     *banmgr.Manager
	discovery  *discovery.Manager
	router     *router.Router
	dialer     transport.Dialer
	magic      wire.BitcoinNet
	localNonce uint64

	mtx          sync.Mutex
	shuttingDown bool

	wg     sync.WaitGroup
	stopCh chan struct{}
	now    func() time.Time
}

// New builds a Manager. localNonce is this node's own VERSION nonce, used
// for self-connection detection in addition to the registry's
// already-connected-peer check.
func New(cfg Config, am *addrmgr.AddrMan, bm *banmgr.Manager, disc *discovery.Manager, r *router.Router, dialer transport.Dialer, magic wire.BitcoinNet, localNonce uint64) *Manager {
	return &Manager{
		cfg:        cfg,
		registry:   NewRegistry(),
		addrMan:    am,
		banMan:     bm,
		discovery:  disc,
		router:     r,
		dialer:     dialer,
		magic:      magic,
		localNonce: localNonce,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Registry exposes the peer registry for external iteration (metrics,
// debug endpoints).
func (m *Manager) Registry() *Registry { return m.registry }

// SetRouter installs the message router after construction, breaking the
// initialization cycle between the router's header-sync collaborator
// (which needs a *Manager to report misbehavior and send replies) and the
// Manager (which needs a *router.Router to dispatch incoming messages).
func (m *Manager) SetRouter(r *router.Router) { m.router = r }

// AddPeer admits a newly-accepted or newly-dialed connection, running the
// full admission policy: ban/discouragement check, per-IP and slot-count
// caps, self-connection nonce check, then registry insertion and handshake
// start.
func (m *Manager) AddPeer(conn transport.Connection, isInbound bool, addr p2pwire.NetworkAddress, perms Permissions, isFeeler bool) (*PerPeerState, error) {
	return m.addPeerWithID(peer.AllocateID(), conn, isInbound, addr, perms, isFeeler)
}

func (m *Manager) addPeerWithID(id uint64, conn transport.Connection, isInbound bool, addr p2pwire.NetworkAddress, perms Permissions, isFeeler bool) (*PerPeerState, error) {
	m.mtx.Lock()
	shuttingDown := m.shuttingDown
	m.mtx.Unlock()
	if shuttingDown {
		return nil, ErrShuttingDown
	}

	normIP := normalizeIP(addr.IP)
	if m.banMan.ShouldReject(addr.IP, perms.NoBan) {
		return nil, ErrBanned
	}

	inboundCount, outboundNonFeeler := m.registry.Counts()

	if !isInbound && !isFeeler && outboundNonFeeler >= m.cfg.MaxOutboundPeers {
		return nil, ErrOutboundCapReached
	}

	if isInbound {
		if inboundCount >= m.cfg.MaxInboundPeers {
			m.evictOne()
			inboundCount, _ = m.registry.Counts()
			if inboundCount >= m.cfg.MaxInboundPeers {
				return nil, ErrInboundCapReached
			}
		}
		if m.registry.CountByIP(normIP) >= m.cfg.MaxInboundPerIP {
			return nil, ErrTooManyFromIP
		}
	}

	state := &PerPeerState{
		Address:     addr,
		Permissions: perms,
		Misbehavior: misbehavior.NewRecord(),
	}

	p := peer.New(id, isInbound, conn, m.magic, m.localNonce, peer.Callbacks{
		OnReady:             func(pp *peer.Peer) { m.onPeerReady(state, isFeeler, isInbound) },
		OnMessage:           func(pp *peer.Peer, msg p2pwire.Message) { m.router.Dispatch(state, msg) },
		OnDisconnect:        func(pp *peer.Peer, reason error) { m.onPeerDisconnect(state, isFeeler, isInbound, reason) },
		CheckNonceCollision: m.registry.HasNonce,
	})
	if isFeeler {
		p.IsFeeler = true
	}
	state.Peer = p

	m.registry.Insert(state)
	log.Infof("peer %d connected (%s, inbound=%v feeler=%v)", id, addr, isInbound, isFeeler)

	if err := p.Start(); err != nil {
		m.registry.Remove(id)
		return nil, fmt.Errorf("lifecycle: start peer %d: %w", id, err)
	}
	return state, nil
}

func (m *Manager) onPeerReady(state *PerPeerState, isFeeler, isInbound bool) {
	if isFeeler {
		m.addrMan.Good(state.Address)
		state.Peer.Disconnect()
		return
	}
	if !isInbound {
		m.addrMan.Good(state.Address)
	}
}

// onPeerDisconnect runs whenever a peer disconnects, whatever triggered it:
// a transport error, an instant disconnect for a latched violation like
// INVALID_POW, or the maintenance sweep. (addPeerWithID and runMaintenance
// also remove registry entries directly, for a peer that fails to start and
// for one already seen DISCONNECTED.) The discourage-set
// update and the AddrMan Good bookkeeping live here, keyed off the same
// misbehavior/permissions state the sweep used to check on its own, so they
// apply uniformly instead of only when runMaintenance happens to be the one
// removing the peer.
func (m *Manager) onPeerDisconnect(state *PerPeerState, isFeeler, isInbound bool, reason error) {
	m.router.ForgetPeer(state.ID())
	m.registry.Remove(state.ID())

	discourage := state.Misbehavior.ShouldDisconnect() && !state.Permissions.NoBan
	switch {
	case discourage:
		m.banMan.Discourage(state.Address.IP)
	case !isInbound && !isFeeler && state.Peer.SuccessfullyConnected():
		m.addrMan.Good(state.Address)
	}

	log.Debugf("peer %d disconnected: %v", state.ID(), reason)
}

func (m *Manager) evictOne() {
	var candidates []*PerPeerState
	m.registry.ForEach(func(s *PerPeerState) {
		if s.Peer.IsInbound {
			candidates = append(candidates, s)
		}
	})
	victim := selectEvictionVictim(m.now(), candidates)
	if victim == nil {
		return
	}
	log.Infof("evicting peer %d to free an inbound slot", victim.ID())
	victim.Peer.Disconnect()
}

// Shutdown stops periodic tasks, rejects new admissions, and disconnects
// every current peer.
func (m *Manager) Shutdown() {
	m.mtx.Lock()
	if m.shuttingDown {
		m.mtx.Unlock()
		return
	}
	m.shuttingDown = true
	m.mtx.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	m.registry.ForEach(func(s *PerPeerState) {
		s.Peer.Disconnect()
	})
}

// Start launches the periodic maintenance, outbound-filler, and feeler
// goroutines. ctx cancellation is an alternative shutdown trigger to
// Shutdown().
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(3)
	go m.maintenanceLoop(ctx)
	go m.outboundFillerLoop(ctx)
	go m.feelerLoop(ctx)
}

func (m *Manager) maintenanceLoop(ctx context.Context) {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.MaintenanceInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-t.C:
			m.runMaintenance()
		}
	}
}

// runMaintenance implements the periodic sweep: drop disconnected/stale
// feelers/discouraged peers, then let AddrMan prune its new table.
func (m *Manager) runMaintenance() {
	now := m.now()
	var toRemove []*PerPeerState
	m.registry.ForEach(func(s *PerPeerState) {
		state := s.Peer.State()
		if state == peer.StateDisconnected {
			toRemove = append(toRemove, s)
			return
		}
		if s.Peer.IsFeeler && !s.Peer.ConnectedAt().IsZero() && now.Sub(s.Peer.ConnectedAt()) > peer.FeelerMaxLifetime {
			toRemove = append(toRemove, s)
			return
		}
		if s.Misbehavior.ShouldDisconnect() && !s.Permissions.NoBan {
			toRemove = append(toRemove, s)
			return
		}
		// Ping/inactivity/feeler-lifetime timeouts: CheckTimeouts disconnects
		// the peer itself (so OnDisconnect fires and the transport closes);
		// the now-DISCONNECTED state is swept out on the next tick.
		s.Peer.CheckTimeouts(now)
	})

	for _, s := range toRemove {
		if s.Peer.State() == peer.StateDisconnected {
			// Already torn down (onPeerDisconnect either already ran or is
			// mid-flight on another goroutine); Disconnect would be a no-op
			// here, so sweep the registry/router entries directly instead of
			// leaving them stuck.
			m.router.ForgetPeer(s.ID())
			m.registry.Remove(s.ID())
			continue
		}
		// Disconnect synchronously invokes onPeerDisconnect (registered as
		// this peer's OnDisconnect callback), which removes it from the
		// registry/router and applies the discourage/Good bookkeeping.
		s.Peer.Disconnect()
	}

	m.addrMan.CleanupStale()
}

func (m *Manager) outboundFillerLoop(ctx context.Context) {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.ConnectInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-t.C:
			m.fillOutbound(ctx)
		}
	}
}

func (m *Manager) fillOutbound(ctx context.Context) {
	_, outboundNonFeeler := m.registry.Counts()
	attempts := 0
	for outboundNonFeeler < m.cfg.TargetOutboundPeers && attempts < m.cfg.MaxConnectAttempts {
		attempts++
		addr, ok := m.addrMan.Select()
		if !ok {
			return
		}
		if m.alreadyConnected(addr) {
			continue
		}
		m.addrMan.Attempt(addr)
		m.dialAndAdmit(ctx, addr, false, false, Permissions{})
		_, outboundNonFeeler = m.registry.Counts()
	}
}

func (m *Manager) feelerLoop(ctx context.Context) {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.FeelerInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-t.C:
			m.runFeeler(ctx)
		}
	}
}

func (m *Manager) runFeeler(ctx context.Context) {
	addr, ok := m.addrMan.SelectNewForFeeler()
	if !ok {
		return
	}
	if m.alreadyConnected(addr) {
		return
	}
	m.addrMan.Attempt(addr)
	m.dialAndAdmit(ctx, addr, false, true, Permissions{})
}

func (m *Manager) alreadyConnected(addr p2pwire.NetworkAddress) bool {
	found := false
	m.registry.ForEach(func(s *PerPeerState) {
		if s.Address.Equal(addr) {
			found = true
		}
	})
	return found
}

// dialAndAdmit connects to addr and admits it as an outbound (possibly
// feeler) peer. Connect failures due to ban/discouragement are marked
// Failed in AddrMan; transient failures are left alone so a short outage
// doesn't poison the address table.
func (m *Manager) dialAndAdmit(ctx context.Context, addr p2pwire.NetworkAddress, isInbound, isFeeler bool, perms Permissions) {
	conn, err := m.dialer.Dial(ctx, addr.String())
	if err != nil {
		// Transient dial failure: leave AddrMan alone beyond the Attempt
		// already recorded, so a short outage doesn't poison the table.
		log.Debugf("dial %s failed: %v", addr, err)
		return
	}
	if _, err := m.AddPeer(conn, isInbound, addr, perms, isFeeler); err != nil {
		if errors.Is(err, ErrBanned) {
			m.addrMan.Failed(addr)
		}
		log.Debugf("admit %s failed: %v", addr, err)
		_ = conn.Close()
	}
}

// ReconnectAnchors dials the addresses loaded from anchors.json with
// NoBan permission, on startup.
func (m *Manager) ReconnectAnchors(ctx context.Context, addrs []p2pwire.NetworkAddress) {
	for _, a := range addrs {
		m.dialAndAdmit(ctx, a, false, false, Permissions{NoBan: true})
	}
}

// ReportMisbehavior records v against peerID's misbehavior ledger, for
// collaborators (header sync, block relay) that only hold a peer id and
// not a full PeerView. A missing peer is a silent no-op: it disconnected
// between the violation occurring and the report arriving.
func (m *Manager) ReportMisbehavior(peerID uint64, v misbehavior.Violation) {
	s, ok := m.registry.Get(peerID)
	if !ok {
		return
	}
	s.ReportMisbehavior(v)
}

// DisconnectPeer tears down peerID immediately, for violations that warrant
// an instant disconnect (e.g. invalid proof of work) rather than a
// threshold-latched penalty.
func (m *Manager) DisconnectPeer(peerID uint64) {
	s, ok := m.registry.Get(peerID)
	if !ok {
		return
	}
	s.Peer.Disconnect()
}

// SendToPeer delivers msg to peerID, e.g. a HEADERS reply to a GETHEADERS
// request. Returns an error if the peer is gone or the send fails.
func (m *Manager) SendToPeer(peerID uint64, msg p2pwire.Message) error {
	s, ok := m.registry.Get(peerID)
	if !ok {
		return fmt.Errorf("lifecycle: peer %d not found", peerID)
	}
	return s.Peer.Send(msg)
}

// SaveAnchors snapshots up to discovery.MaxAnchors currently-READY
// outbound peers to path, for the next startup's ReconnectAnchors.
func (m *Manager) SaveAnchors(path string) error {
	var addrs []p2pwire.NetworkAddress
	m.registry.ForEach(func(s *PerPeerState) {
		if len(addrs) >= discovery.MaxAnchors {
			return
		}
		if !s.Peer.IsInbound && !s.Peer.IsFeeler && s.Peer.State() == peer.StateReady {
			addrs = append(addrs, s.Address)
		}
	})
	return discovery.SaveAnchors(path, addrs)
}
