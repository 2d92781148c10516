package netcore

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sakuyama2024/coinbasechain-sub002/addrmgr"
	"github.com/sakuyama2024/coinbasechain-sub002/banmgr"
	"github.com/sakuyama2024/coinbasechain-sub002/discovery"
	"github.com/sakuyama2024/coinbasechain-sub002/lifecycle"
	"github.com/sakuyama2024/coinbasechain-sub002/p2pwire"
	"github.com/sakuyama2024/coinbasechain-sub002/router"
	"github.com/sakuyama2024/coinbasechain-sub002/transport"
)

const promSubsystem = "netcore"

func randomNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is an environment problem. Rather than crash
		// here, fall back to a fixed, clearly-wrong value that is easy to
		// spot in logs and self-connection tests; the server keeps running.
		return 0xdeadbeefdeadbeef
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Server wires every network-core component behind one Config/Run(ctx)
// surface, the way tbc.Server wires TBC's collaborators around one
// Config/Run(pctx).
type Server struct {
	cfg *Config

	addrMan   *addrmgr.AddrMan
	banMan    *banmgr.Manager
	lifecycle *lifecycle.Manager

	listener net.Listener

	mtx       sync.Mutex
	isRunning bool
}

// NewServer validates cfg and wires the component graph, but does not
// start listening, dialing, or running any periodic task; that happens
// in Run. validator/relay/sync may be nil; with a nil ChainValidator,
// HEADERS/GETHEADERS are accepted unchecked and GETHEADERS goes
// unanswered, which is only appropriate for tests that don't exercise
// header sync.
func NewServer(cfg *Config, validator ChainValidator, relay BlockRelayHandler, sync HeaderSyncHandler) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("netcore: cfg is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	nonce := cfg.LocalNonce
	if nonce == 0 {
		nonce = randomNonce()
	}

	am := addrmgr.New()
	bm := banmgr.New()
	disc := discovery.New(am)

	lcCfg := lifecycle.DefaultConfig()
	lcCfg.ConnectInterval = cfg.ConnectInterval
	lcCfg.MaintenanceInterval = cfg.MaintenanceInterval
	lcCfg.FeelerInterval = cfg.FeelerInterval
	lcCfg.MaxOutboundPeers = cfg.MaxOutboundPeers
	lcCfg.MaxInboundPeers = cfg.MaxInboundPeers
	lcCfg.TargetOutboundPeers = cfg.TargetOutboundPeers
	lcCfg.MaxInboundPerIP = cfg.MaxInboundPerIP
	lcCfg.AnchorsPath = filepath.Join(cfg.DataDir, "anchors.json")

	lc := lifecycle.New(lcCfg, am, bm, disc, nil, transport.NewTCPDialer(), cfg.NetworkMagic, nonce)
	r := router.New(disc, newHeaderRouter(lc, validator, relay, sync))
	lc.SetRouter(r)

	return &Server{
		cfg:       cfg,
		addrMan:   am,
		banMan:    bm,
		lifecycle: lc,
	}, nil
}

func (s *Server) peersPath() string   { return filepath.Join(s.cfg.DataDir, "peers.json") }
func (s *Server) banlistPath() string { return filepath.Join(s.cfg.DataDir, "banlist.json") }
func (s *Server) anchorsPath() string { return filepath.Join(s.cfg.DataDir, "anchors.json") }

func (s *Server) testAndSetRunning(b bool) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	old := s.isRunning
	s.isRunning = b
	return old != s.isRunning
}

func (s *Server) running() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.isRunning
}

func (s *Server) promRunning() float64 {
	if s.running() {
		return 1
	}
	return 0
}

// Run loads persisted state, starts the inbound listener (if enabled) and
// the lifecycle manager's periodic tasks, reconnects saved anchors, and
// blocks until ctx is canceled. On return it saves AddrMan, ban list, and
// anchors back to disk and disconnects every peer.
func (s *Server) Run(pctx context.Context) error {
	if !s.testAndSetRunning(true) {
		return fmt.Errorf("netcore: already running")
	}
	defer s.testAndSetRunning(false)

	if err := os.MkdirAll(s.cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("netcore: create datadir: %w", err)
	}

	if err := s.addrMan.Load(s.peersPath()); err != nil {
		log.Errorf("peers.json load failed, starting empty: %v", err)
	}
	if err := s.banMan.Load(s.banlistPath()); err != nil {
		log.Errorf("banlist.json load failed, starting empty: %v", err)
	}

	ctx, cancel := context.WithCancel(pctx)
	defer cancel()

	anchors, err := discovery.LoadAndDeleteAnchors(s.anchorsPath())
	if err != nil {
		log.Errorf("anchors.json load failed: %v", err)
	}

	errC := make(chan error, 1)

	if s.cfg.ListenEnabled {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ListenPort))
		if err != nil {
			return fmt.Errorf("netcore: listen: %w", err)
		}
		s.listener = ln
		go s.acceptLoop(ctx, ln, errC)
	}

	s.lifecycle.Start(ctx)
	s.lifecycle.ReconnectAnchors(ctx, anchors)

	select {
	case <-ctx.Done():
		err = ctx.Err()
	case e := <-errC:
		err = e
	}
	cancel()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	if saveErr := s.lifecycle.SaveAnchors(s.anchorsPath()); saveErr != nil {
		log.Errorf("anchors.json save failed: %v", saveErr)
	}
	s.lifecycle.Shutdown()

	if saveErr := s.addrMan.Save(s.peersPath()); saveErr != nil {
		log.Errorf("peers.json save failed: %v", saveErr)
	}
	if saveErr := s.banMan.Save(s.banlistPath()); saveErr != nil {
		log.Errorf("banlist.json save failed: %v", saveErr)
	}

	log.Infof("netcore clean shutdown")
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, errC chan<- error) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			select {
			case errC <- fmt.Errorf("netcore: accept: %w", err):
			default:
			}
			return
		}
		addr, perr := parseNetworkAddress(conn.RemoteAddr())
		if perr != nil {
			log.Debugf("rejecting inbound with unparseable address: %v", perr)
			_ = conn.Close()
			continue
		}
		tc := transport.NewTCPConn(conn)
		if _, err := s.lifecycle.AddPeer(tc, true, addr, lifecycle.Permissions{}, false); err != nil {
			log.Debugf("rejecting inbound from %s: %v", addr, err)
			_ = tc.Close()
		}
	}
}

func parseNetworkAddress(a net.Addr) (p2pwire.NetworkAddress, error) {
	return parseHostPort(a.String())
}

func parseHostPort(address string) (p2pwire.NetworkAddress, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return p2pwire.NetworkAddress{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return p2pwire.NetworkAddress{}, fmt.Errorf("netcore: unparseable ip %q", host)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return p2pwire.NetworkAddress{}, err
	}
	return p2pwire.NetworkAddress{IP: ip, Port: port}, nil
}

// RegisterMetrics registers this server's collectors (running state, peer
// count, addrman table sizes) against reg. The core owns no HTTP listener
// of its own; the embedder wires these into whatever registry and handler
// it already exposes, the same shape tbc.go hands its collectors to
// deucalion rather than serving /metrics itself.
func (s *Server) RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "running",
			Help:      "Is the network core running.",
		}, s.promRunning),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "peers_total",
			Help:      "Current tracked peer count.",
		}, func() float64 { return float64(s.lifecycle.Registry().Size()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "addrman_tried",
			Help:      "AddrMan tried-table entry count.",
		}, func() float64 { return float64(s.addrMan.TriedCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "addrman_new",
			Help:      "AddrMan new-table entry count.",
		}, func() float64 { return float64(s.addrMan.NewCount()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("netcore: register metrics: %w", err)
		}
	}
	return nil
}

// AddrMan exposes the underlying address manager (admin surface: seeding
// fixed bootstrap addresses, inspecting table sizes).
func (s *Server) AddrMan() *addrmgr.AddrMan { return s.addrMan }

// BanMan exposes the underlying ban manager (admin surface: ban/unban/
// list-bans).
func (s *Server) BanMan() *banmgr.Manager { return s.banMan }

// Lifecycle exposes the peer-lifecycle manager (admin surface: list-peers).
func (s *Server) Lifecycle() *lifecycle.Manager { return s.lifecycle }

// Dial connects to address as a manual (non-feeler) outbound peer,
// bypassing AddrMan selection, for operator-driven connects.
func (s *Server) Dial(ctx context.Context, address string) (*lifecycle.PerPeerState, error) {
	conn, err := transport.NewTCPDialer().Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	na, err := parseHostPort(address)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	state, err := s.lifecycle.AddPeer(conn, false, na, lifecycle.Permissions{}, false)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return state, nil
}
