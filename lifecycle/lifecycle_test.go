package lifecycle

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakuyama2024/coinbasechain-sub002/addrmgr"
	"github.com/sakuyama2024/coinbasechain-sub002/banmgr"
	"github.com/sakuyama2024/coinbasechain-sub002/discovery"
	"github.com/sakuyama2024/coinbasechain-sub002/misbehavior"
	"github.com/sakuyama2024/coinbasechain-sub002/p2pwire"
	"github.com/sakuyama2024/coinbasechain-sub002/peer"
	"github.com/sakuyama2024/coinbasechain-sub002/router"
	"github.com/sakuyama2024/coinbasechain-sub002/transport"
)

func newTestManager(cfg Config) *Manager {
	am := addrmgr.New()
	bm := banmgr.New()
	disc := discovery.New(am)
	rtr := router.New(disc, nil)
	return New(cfg, am, bm, disc, rtr, nil, p2pwire.MagicRegtest, 1)
}

func addr(ip string, port uint16) p2pwire.NetworkAddress {
	return p2pwire.NetworkAddress{IP: net.ParseIP(ip), Port: port}
}

func TestAdmitInboundPeerRegistersIt(t *testing.T) {
	cfg := DefaultConfig()
	mgr := newTestManager(cfg)

	connMgr, _ := transport.NewSimulatedPair("mgr:1", "remote:1")
	state, err := mgr.AddPeer(connMgr, true, addr("1.2.3.4", 8333), Permissions{}, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(state.Peer.ID), state.ID())
	assert.Equal(t, 1, mgr.Registry().Size())
}

func TestAdmissionRejectsOutboundCapReached(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOutboundPeers = 1
	mgr := newTestManager(cfg)

	c1, _ := transport.NewSimulatedPair("mgr:1", "r1:1")
	_, err := mgr.AddPeer(c1, false, addr("1.1.1.1", 8333), Permissions{}, false)
	require.NoError(t, err)

	c2, _ := transport.NewSimulatedPair("mgr:2", "r2:1")
	_, err = mgr.AddPeer(c2, false, addr("2.2.2.2", 8333), Permissions{}, false)
	assert.ErrorIs(t, err, ErrOutboundCapReached)
}

func TestAdmissionRejectsBannedAddress(t *testing.T) {
	cfg := DefaultConfig()
	mgr := newTestManager(cfg)
	mgr.banMan.Ban(net.ParseIP("1.2.3.4"), 0, "test")

	c, _ := transport.NewSimulatedPair("mgr:1", "r:1")
	_, err := mgr.AddPeer(c, true, addr("1.2.3.4", 8333), Permissions{}, false)
	assert.ErrorIs(t, err, ErrBanned)
}

func TestAdmissionNoBanBypassesBan(t *testing.T) {
	cfg := DefaultConfig()
	mgr := newTestManager(cfg)
	mgr.banMan.Ban(net.ParseIP("1.2.3.4"), 0, "test")

	c, _ := transport.NewSimulatedPair("mgr:1", "r:1")
	_, err := mgr.AddPeer(c, true, addr("1.2.3.4", 8333), Permissions{NoBan: true}, false)
	assert.NoError(t, err)
}

func TestAdmissionRejectsTooManyFromSameIP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInboundPerIP = 1
	mgr := newTestManager(cfg)

	c1, _ := transport.NewSimulatedPair("mgr:1", "r1:1")
	_, err := mgr.AddPeer(c1, true, addr("9.9.9.9", 1001), Permissions{}, false)
	require.NoError(t, err)

	c2, _ := transport.NewSimulatedPair("mgr:2", "r2:1")
	_, err = mgr.AddPeer(c2, true, addr("9.9.9.9", 1002), Permissions{}, false)
	assert.ErrorIs(t, err, ErrTooManyFromIP)
}

func TestInboundCapTriggersEvictionThenAdmits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInboundPeers = 1
	cfg.MaxInboundPerIP = 10
	mgr := newTestManager(cfg)
	future := time.Now().Add(time.Minute)
	mgr.now = func() time.Time { return future }

	c1, _ := transport.NewSimulatedPair("mgr:1", "r1:1")
	first, err := mgr.AddPeer(c1, true, addr("1.1.1.1", 1001), Permissions{}, false)
	require.NoError(t, err)

	c2, _ := transport.NewSimulatedPair("mgr:2", "r2:1")
	_, err = mgr.AddPeer(c2, true, addr("2.2.2.2", 1002), Permissions{}, false)
	require.NoError(t, err)

	assert.True(t, waitForDisconnect(first))
}

func waitForDisconnect(s *PerPeerState) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		switch s.Peer.State().String() {
		case "DISCONNECTED", "DISCONNECTING":
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestSelectEvictionVictimTieBreaksOnOldestConnectedAt(t *testing.T) {
	cfg := DefaultConfig()
	mgr := newTestManager(cfg)
	future := time.Now().Add(time.Minute)

	c1, _ := transport.NewSimulatedPair("mgr:1", "r1:1")
	s1, err := mgr.AddPeer(c1, true, addr("1.1.1.1", 1001), Permissions{}, false)
	require.NoError(t, err)
	c2, _ := transport.NewSimulatedPair("mgr:2", "r2:1")
	s2, err := mgr.AddPeer(c2, true, addr("2.2.2.2", 1002), Permissions{}, false)
	require.NoError(t, err)

	victim := selectEvictionVictim(future, []*PerPeerState{s1, s2})
	require.NotNil(t, victim)
	// Neither has a measured ping; tie-break is oldest connected_at, then
	// lowest id. s1 was admitted first so it's older.
	assert.Equal(t, s1.ID(), victim.ID())
}

func TestInstantDisconnectDiscouragesAddressWithoutMaintenanceSweep(t *testing.T) {
	cfg := DefaultConfig()
	mgr := newTestManager(cfg)

	c1, _ := transport.NewSimulatedPair("mgr:1", "r1:1")
	s1, err := mgr.AddPeer(c1, true, addr("6.6.6.6", 8333), Permissions{}, false)
	require.NoError(t, err)

	// Mirrors netcore.headerRouter.HandleHeaders on INVALID_POW: latch the
	// violation, then disconnect directly, bypassing runMaintenance
	// entirely.
	mgr.ReportMisbehavior(s1.ID(), misbehavior.InvalidPoW)
	mgr.DisconnectPeer(s1.ID())

	require.True(t, waitForDisconnect(s1))
	assert.True(t, mgr.banMan.IsDiscouraged(net.ParseIP("6.6.6.6")))

	c2, _ := transport.NewSimulatedPair("mgr:2", "r2:1")
	_, err = mgr.AddPeer(c2, true, addr("6.6.6.6", 8333), Permissions{}, false)
	assert.ErrorIs(t, err, ErrBanned, "subsequent connect attempts from a discouraged address must be rejected")
}

func TestSaveAnchorsRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	mgr := newTestManager(cfg)

	// Only READY outbound peers are anchored, so the remote end runs a real
	// Peer to complete the handshake before the snapshot is taken.
	c1, remote := transport.NewSimulatedPair("mgr:1", "r1:1")
	remotePeer := peer.New(peer.AllocateID(), true, remote, p2pwire.MagicRegtest, 2, peer.Callbacks{})
	require.NoError(t, remotePeer.Start())
	s1, err := mgr.AddPeer(c1, false, addr("3.3.3.3", 8333), Permissions{}, false)
	require.NoError(t, err)
	deadline := time.Now().Add(time.Second)
	for s1.Peer.State() != peer.StateReady && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, peer.StateReady, s1.Peer.State())

	dir := t.TempDir()
	path := dir + "/anchors.json"
	require.NoError(t, mgr.SaveAnchors(path))

	loaded, err := discovery.LoadAndDeleteAnchors(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "3.3.3.3", loaded[0].IP.String())
}
