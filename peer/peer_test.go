package peer

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakuyama2024/coinbasechain-sub002/p2pwire"
	"github.com/sakuyama2024/coinbasechain-sub002/transport"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func newPair(t *testing.T) (a, b *Peer, connA, connB transport.Connection) {
	t.Helper()
	connA, connB = transport.NewSimulatedPair("a:1", "b:1")
	var readyA, readyB bool
	a = New(AllocateID(), false, connA, p2pwire.MagicRegtest, 1, Callbacks{
		OnReady: func(p *Peer) { readyA = true },
	})
	b = New(AllocateID(), true, connB, p2pwire.MagicRegtest, 2, Callbacks{
		OnReady: func(p *Peer) { readyB = true },
	})
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	waitFor(t, time.Second, func() bool { return readyA && readyB })
	return a, b, connA, connB
}

func TestHandshakeReachesReady(t *testing.T) {
	a, b, _, _ := newPair(t)
	defer a.Disconnect()
	defer b.Disconnect()

	assert.Equal(t, StateReady, a.State())
	assert.Equal(t, StateReady, b.State())
	assert.True(t, a.SuccessfullyConnected())
	assert.True(t, b.SuccessfullyConnected())
}

func TestSelfConnectionNonceCollisionDisconnects(t *testing.T) {
	connA, connB := transport.NewSimulatedPair("a:1", "b:1")
	var disconnectedA bool
	a := New(AllocateID(), false, connA, p2pwire.MagicRegtest, 42, Callbacks{
		OnDisconnect: func(p *Peer, reason error) { disconnectedA = true },
	})
	b := New(AllocateID(), true, connB, p2pwire.MagicRegtest, 42, Callbacks{})

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	waitFor(t, time.Second, func() bool { return disconnectedA })
	assert.NotEqual(t, StateReady, a.State())
}

func TestLowProtocolVersionDisconnects(t *testing.T) {
	connA, connB := transport.NewSimulatedPair("a:1", "b:1")
	var disconnected bool
	a := New(AllocateID(), false, connA, p2pwire.MagicRegtest, 7, Callbacks{})
	b := New(AllocateID(), true, connB, p2pwire.MagicRegtest, 8, Callbacks{
		OnDisconnect: func(p *Peer, reason error) { disconnected = true },
	})

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	// Manually inject a too-low version in place of the real handshake: since
	// Start already drives a real exchange, instead directly call handleVersion
	// to verify the guard in isolation.
	b.handleVersion(&wire.MsgVersion{ProtocolVersion: 1, Nonce: 999})
	assert.True(t, disconnected)
}

func TestUserAgentTooLongDisconnects(t *testing.T) {
	connA, connB := transport.NewSimulatedPair("a:1", "b:1")
	var disconnected bool
	b := New(AllocateID(), true, connB, p2pwire.MagicRegtest, 8, Callbacks{
		OnDisconnect: func(p *Peer, reason error) { disconnected = true },
	})
	_ = connA
	require.NoError(t, b.Start())

	longUA := make([]byte, p2pwire.MaxSubversionLength+1)
	for i := range longUA {
		longUA[i] = 'a'
	}
	b.handleVersion(&wire.MsgVersion{
		ProtocolVersion: p2pwire.ProtocolVersion,
		Nonce:           999,
		UserAgent:       string(longUA),
	})
	assert.True(t, disconnected)
}

func TestPingPongUpdatesLatency(t *testing.T) {
	a, b, _, _ := newPair(t)
	defer a.Disconnect()
	defer b.Disconnect()

	a.sendPing()
	waitFor(t, time.Second, func() bool { return a.PingMS() >= 0 })
}

func TestCheckTimeoutsDisconnectsOnInactivity(t *testing.T) {
	a, b, _, _ := newPair(t)
	defer b.Disconnect()

	var disconnected bool
	a.cb.OnDisconnect = func(p *Peer, reason error) { disconnected = true }

	future := time.Now().Add(InactivityTimeout + time.Second)
	a.CheckTimeouts(future)
	assert.True(t, disconnected)
}

func TestCheckTimeoutsDisconnectsFeelerPastLifetime(t *testing.T) {
	connA, connB := transport.NewSimulatedPair("a:1", "b:1")
	var disconnected bool
	a := New(AllocateID(), false, connA, p2pwire.MagicRegtest, 1, Callbacks{
		OnDisconnect: func(p *Peer, reason error) { disconnected = true },
	})
	a.IsFeeler = true
	_ = connB
	require.NoError(t, a.Start())

	future := time.Now().Add(FeelerMaxLifetime + time.Second)
	a.CheckTimeouts(future)
	assert.True(t, disconnected)
}
