package peer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/juju/loggo"

	"github.com/sakuyama2024/coinbasechain-sub002/p2pwire"
	"github.com/sakuyama2024/coinbasechain-sub002/transport"
)

var log = loggo.GetLogger("peer")

// verbose gates a full spew.Dump of every decoded message, off by default;
// flip it during a debugging session the way tbc.go's read loop does.
const verbose = false

func init() {
	if err := loggo.ConfigureLoggers("peer=INFO"); err != nil {
		panic(err)
	}
}

const (
	// VersionHandshakeTimeout bounds how long a peer has to complete the
	// VERSION/VERACK exchange before it's disconnected with no penalty.
	VersionHandshakeTimeout = 60 * time.Second
	// PingInterval is how often a READY peer is pinged.
	PingInterval = 120 * time.Second
	// PingTimeout is how long an outstanding ping may go unanswered before
	// the peer is considered dead.
	PingTimeout = 1200 * time.Second
	// InactivityTimeout disconnects a peer that has sent nothing at all
	// for this long.
	InactivityTimeout = 1200 * time.Second
	// FeelerMaxLifetime caps how long a feeler connection is kept open
	// regardless of handshake progress.
	FeelerMaxLifetime = 120 * time.Second
)

var nextID uint64

// AllocateID hands out the next monotonic peer ID.
func AllocateID() uint64 {
	return atomic.AddUint64(&nextID, 1)
}

// VersionInfo is what a peer learns about the remote side from its VERSION
// message.
type VersionInfo struct {
	ProtocolVersion int32
	Services        wire.ServiceFlag
	UserAgent       string
	StartHeight     int32
	Nonce           uint64
}

// Callbacks are the collaborator hooks a Peer invokes. OnReady, OnMessage
// and CheckNonceCollision are called from the transport's receive handler.
// OnDisconnect runs on whichever goroutine triggers the disconnect (the
// receive handler, the transport's disconnect handler, the handshake timer,
// or a caller of Disconnect or CheckTimeouts).
type Callbacks struct {
	// OnReady fires once after the handshake completes and the peer
	// transitions to READY.
	OnReady func(p *Peer)
	// OnMessage fires for every post-handshake application message
	// (everything except VERSION/VERACK/PING/PONG, which Peer itself
	// handles).
	OnMessage func(p *Peer, msg p2pwire.Message)
	// OnDisconnect fires exactly once, whatever the cause.
	OnDisconnect func(p *Peer, reason error)
	// CheckNonceCollision lets the owner reject a VERSION whose nonce
	// matches our own node or another already-successfully-connected peer.
	CheckNonceCollision func(nonce uint64) bool
}

// Peer drives one connection's handshake, keepalive, and message
// deframing.
type Peer struct {
	ID         uint64
	IsInbound  bool
	IsFeeler   bool
	IsManual   bool
	LocalNonce uint64

	conn  transport.Connection
	magic wire.BitcoinNet
	cb    Callbacks

	mtx                sync.Mutex
	state              State
	remoteNonce        uint64
	remoteVersion      VersionInfo
	successfullyConn   bool
	hasSentGetAddr     bool
	connectedAt        time.Time
	lastSend           time.Time
	lastRecv           time.Time
	lastPingNonce      uint64
	lastPingSentAt     time.Time
	pingMS             int64
	pingPending        bool

	reader       *p2pwire.Reader
	handshakeTmr *time.Timer
	pingTicker   *time.Ticker
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// New constructs a Peer bound to conn. The caller must call Start to begin
// the handshake.
func New(id uint64, isInbound bool, conn transport.Connection, magic wire.BitcoinNet, localNonce uint64, cb Callbacks) *Peer {
	p := &Peer{
		ID:         id,
		IsInbound:  isInbound,
		LocalNonce: localNonce,
		conn:       conn,
		magic:      magic,
		cb:         cb,
		state:      StateConnecting,
		pingMS:     -1,
		reader:     p2pwire.NewReader(magic),
		stopCh:     make(chan struct{}),
	}
	conn.SetReceiveHandler(p.onReceive)
	conn.SetDisconnectHandler(p.onTransportDisconnect)
	return p
}

// Start transitions CONNECTING -> CONNECTED and arms the handshake
// timeout. Outbound peers send their VERSION immediately; inbound peers
// wait for the remote VERSION before sending their own (see
// handleVersion).
func (p *Peer) Start() error {
	log.Tracef("Start peer=%d", p.ID)
	defer log.Tracef("Start exit peer=%d", p.ID)

	p.mtx.Lock()
	p.state = StateConnected
	p.connectedAt = time.Now()
	p.mtx.Unlock()

	if !p.IsInbound {
		if err := p.sendVersion(); err != nil {
			return fmt.Errorf("peer %d: send version: %w", p.ID, err)
		}
		p.mtx.Lock()
		p.state = StateVersionSent
		p.mtx.Unlock()
	}

	p.handshakeTmr = time.AfterFunc(VersionHandshakeTimeout, func() {
		p.failHandshake(fmt.Errorf("peer %d: handshake timeout", p.ID))
	})
	return nil
}

func (p *Peer) failHandshake(err error) {
	p.mtx.Lock()
	already := p.successfullyConn
	p.mtx.Unlock()
	if already {
		return
	}
	log.Debugf("peer %d handshake failed: %v", p.ID, err)
	p.disconnect(err)
}

func (p *Peer) sendVersion() error {
	v := wire.NewMsgVersion(
		&wire.NetAddress{},
		&wire.NetAddress{},
		p.LocalNonce,
		0,
	)
	v.ProtocolVersion = p2pwire.ProtocolVersion
	v.Services = p2pwire.NodeNetwork
	return p.sendMessage(v)
}

func (p *Peer) sendMessage(msg p2pwire.Message) error {
	raw, err := p2pwire.EncodeFullMessage(p.magic, msg)
	if err != nil {
		return err
	}
	if err := p.conn.Send(raw); err != nil {
		return err
	}
	p.mtx.Lock()
	p.lastSend = time.Now()
	p.mtx.Unlock()
	return nil
}

// Send transmits an application-level message once the peer is READY.
func (p *Peer) Send(msg p2pwire.Message) error {
	return p.sendMessage(msg)
}

func (p *Peer) onReceive(b []byte) {
	p.mtx.Lock()
	p.lastRecv = time.Now()
	p.mtx.Unlock()

	p.reader.Feed(b)
	for {
		h, msg, err := p.reader.Next()
		if err != nil {
			p.disconnect(fmt.Errorf("peer %d: framing error: %w", p.ID, err))
			return
		}
		if h == nil {
			return
		}
		if verbose {
			spew.Dump(msg)
		}
		p.dispatch(msg)
	}
}

func (p *Peer) dispatch(msg p2pwire.Message) {
	switch m := msg.(type) {
	case *wire.MsgVersion:
		p.handleVersion(m)
	case *wire.MsgVerAck:
		p.handleVerAck()
	case *wire.MsgPing:
		p.handlePing(m)
	case *wire.MsgPong:
		p.handlePong(m)
	default:
		p.mtx.Lock()
		ready := p.state == StateReady
		p.mtx.Unlock()
		if !ready {
			log.Debugf("peer %d: pre-ready message %s dropped", p.ID, msg.Command())
			return
		}
		if p.cb.OnMessage != nil {
			p.cb.OnMessage(p, msg)
		}
	}
}

func (p *Peer) handleVersion(v *wire.MsgVersion) {
	if v.Nonce == p.LocalNonce {
		p.disconnect(fmt.Errorf("peer %d: self-connection (nonce collision)", p.ID))
		return
	}
	if p.cb.CheckNonceCollision != nil && p.cb.CheckNonceCollision(v.Nonce) {
		p.disconnect(fmt.Errorf("peer %d: nonce collision with existing peer", p.ID))
		return
	}
	if v.ProtocolVersion < p2pwire.MinPeerProtoVersion {
		p.disconnect(fmt.Errorf("peer %d: protocol version %d below minimum", p.ID, v.ProtocolVersion))
		return
	}
	if len(v.UserAgent) > p2pwire.MaxSubversionLength {
		p.disconnect(fmt.Errorf("peer %d: user agent too long", p.ID))
		return
	}

	p.mtx.Lock()
	p.remoteNonce = v.Nonce
	p.remoteVersion = VersionInfo{
		ProtocolVersion: v.ProtocolVersion,
		Services:        v.Services,
		UserAgent:       v.UserAgent,
		StartHeight:     v.LastBlock,
		Nonce:           v.Nonce,
	}
	inbound := p.IsInbound
	state := p.state
	p.mtx.Unlock()

	if inbound && state == StateConnected {
		if err := p.sendVersion(); err != nil {
			p.disconnect(err)
			return
		}
		p.mtx.Lock()
		p.state = StateVersionSent
		p.mtx.Unlock()
	}

	if err := p.sendMessage(wire.NewMsgVerAck()); err != nil {
		p.disconnect(err)
		return
	}
}

func (p *Peer) handleVerAck() {
	p.mtx.Lock()
	p.state = StateVerackReceived
	haveRemoteVersion := p.remoteVersion.Nonce != 0 || p.remoteNonce != 0
	p.mtx.Unlock()

	if !haveRemoteVersion {
		p.disconnect(fmt.Errorf("peer %d: verack before version", p.ID))
		return
	}

	if p.handshakeTmr != nil {
		p.handshakeTmr.Stop()
	}

	p.mtx.Lock()
	p.state = StateReady
	p.successfullyConn = true
	shouldGetAddr := !p.IsInbound && !p.IsFeeler && !p.hasSentGetAddr
	if shouldGetAddr {
		p.hasSentGetAddr = true
	}
	p.mtx.Unlock()

	p.armKeepalive()

	if shouldGetAddr {
		if err := p.sendMessage(wire.NewMsgGetAddr()); err != nil {
			log.Debugf("peer %d: getaddr send failed: %v", p.ID, err)
		}
	}

	if p.cb.OnReady != nil {
		p.cb.OnReady(p)
	}
}

func (p *Peer) armKeepalive() {
	p.pingTicker = time.NewTicker(PingInterval)
	go p.pingLoop()
}

func (p *Peer) pingLoop() {
	for {
		select {
		case <-p.pingTicker.C:
			p.sendPing()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Peer) sendPing() {
	nonce := AllocateID()
	p.mtx.Lock()
	p.lastPingNonce = nonce
	p.lastPingSentAt = time.Now()
	p.pingPending = true
	p.mtx.Unlock()
	if err := p.sendMessage(wire.NewMsgPing(nonce)); err != nil {
		log.Debugf("peer %d: ping send failed: %v", p.ID, err)
	}
}

func (p *Peer) handlePing(m *wire.MsgPing) {
	_ = p.sendMessage(wire.NewMsgPong(m.Nonce))
}

func (p *Peer) handlePong(m *wire.MsgPong) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if m.Nonce != p.lastPingNonce {
		return
	}
	p.pingMS = time.Since(p.lastPingSentAt).Milliseconds()
	p.pingPending = false
}

func (p *Peer) onTransportDisconnect(reason error) {
	p.disconnect(reason)
}

// Disconnect begins an orderly shutdown, invoking OnDisconnect exactly
// once.
func (p *Peer) Disconnect() {
	p.disconnect(nil)
}

func (p *Peer) disconnect(reason error) {
	p.mtx.Lock()
	if p.state == StateDisconnecting || p.state == StateDisconnected {
		p.mtx.Unlock()
		return
	}
	p.state = StateDisconnecting
	p.mtx.Unlock()

	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.handshakeTmr != nil {
		p.handshakeTmr.Stop()
	}
	if p.pingTicker != nil {
		p.pingTicker.Stop()
	}
	_ = p.conn.Close()

	p.mtx.Lock()
	p.state = StateDisconnected
	p.mtx.Unlock()

	if p.cb.OnDisconnect != nil {
		p.cb.OnDisconnect(p, reason)
	}
}

// State returns the current handshake/lifecycle state.
func (p *Peer) State() State {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.state
}

// SuccessfullyConnected reports whether this peer ever completed the
// handshake.
func (p *Peer) SuccessfullyConnected() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.successfullyConn
}

// RemoteNonce returns the nonce the remote side sent in its VERSION.
func (p *Peer) RemoteNonce() uint64 {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.remoteNonce
}

// RemoteVersion returns what we learned from the remote VERSION message.
func (p *Peer) RemoteVersion() VersionInfo {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.remoteVersion
}

// PingMS returns the last measured round-trip ping latency in
// milliseconds, or -1 if never measured.
func (p *Peer) PingMS() int64 {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.lastPingSentAt.IsZero() {
		return -1
	}
	return p.pingMS
}

// ConnectedAt returns when the peer entered CONNECTED.
func (p *Peer) ConnectedAt() time.Time {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.connectedAt
}

// LastRecv returns the last time any bytes were received.
func (p *Peer) LastRecv() time.Time {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.lastRecv
}

// RemoteAddr reports the transport-level address of the peer.
func (p *Peer) RemoteAddr() string {
	return p.conn.RemoteAddr()
}

// CheckTimeouts is called from the lifecycle manager's periodic sweep. It
// disconnects the peer if the outstanding ping has gone unanswered past
// PingTimeout, if nothing has been received within InactivityTimeout, or
// if it's a feeler past FeelerMaxLifetime. now is the sweep's reference
// time so the check is deterministic in tests.
func (p *Peer) CheckTimeouts(now time.Time) {
	p.mtx.Lock()
	state := p.state
	isFeeler := p.IsFeeler
	connectedAt := p.connectedAt
	lastRecv := p.lastRecv
	lastPingSentAt := p.lastPingSentAt
	pingPending := p.pingPending
	p.mtx.Unlock()

	if state == StateDisconnecting || state == StateDisconnected {
		return
	}

	if isFeeler && !connectedAt.IsZero() && now.Sub(connectedAt) > FeelerMaxLifetime {
		p.disconnect(fmt.Errorf("peer %d: feeler lifetime exceeded", p.ID))
		return
	}

	if !lastRecv.IsZero() && now.Sub(lastRecv) > InactivityTimeout {
		p.disconnect(fmt.Errorf("peer %d: inactivity timeout", p.ID))
		return
	}

	if pingPending && !lastPingSentAt.IsZero() && now.Sub(lastPingSentAt) > PingTimeout {
		p.disconnect(fmt.Errorf("peer %d: ping timeout", p.ID))
		return
	}
}
