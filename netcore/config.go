// Package netcore wires the protocol codec, address manager, ban manager,
// misbehavior engine, peer state machine, peer-lifecycle manager,
// discovery manager, and message router into the single Config/Server
// surface an embedder drives, the way tbc.Config/tbc.Server wire a TBC
// node's collaborators behind one Run(ctx) call.
package netcore

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/juju/loggo"

	"github.com/sakuyama2024/coinbasechain-sub002/lifecycle"
)

var log = loggo.GetLogger("netcore")

// Config bundles every tunable the network core needs. NetworkMagic and
// ListenPort have no default; NewDefaultConfig leaves them zero-valued and
// NewServer rejects a magic of zero.
type Config struct {
	NetworkMagic wire.BitcoinNet
	ListenPort   uint16
	ListenEnabled bool

	// IOThreads is informational only in this Go port: connections run one
	// goroutine each plus lifecycle's timer goroutines, not a fixed-size
	// thread pool, but the field is retained so callers porting a config
	// file don't need a special case.
	IOThreads int

	DataDir string

	ConnectInterval     time.Duration
	MaintenanceInterval time.Duration
	FeelerInterval      time.Duration

	MaxOutboundPeers    int
	MaxInboundPeers     int
	TargetOutboundPeers int
	MaxInboundPerIP     int

	// LocalNonce seeds self-connection detection. Zero means "generate
	// one", handled by NewServer.
	LocalNonce uint64
}

// NewDefaultConfig returns sensible defaults for every option that has one.
// NetworkMagic, ListenPort, and DataDir are left zero-valued; the caller
// must set them.
func NewDefaultConfig() *Config {
	lc := lifecycle.DefaultConfig()
	return &Config{
		IOThreads:           4,
		ConnectInterval:     lc.ConnectInterval,
		MaintenanceInterval: lc.MaintenanceInterval,
		FeelerInterval:      lc.FeelerInterval,
		MaxOutboundPeers:    lc.MaxOutboundPeers,
		MaxInboundPeers:     lc.MaxInboundPeers,
		TargetOutboundPeers: lc.TargetOutboundPeers,
		MaxInboundPerIP:     lc.MaxInboundPerIP,
	}
}

func (c *Config) validate() error {
	if c.NetworkMagic == 0 {
		return fmt.Errorf("netcore: network_magic is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("netcore: datadir is required")
	}
	if c.ListenEnabled && c.ListenPort == 0 {
		return fmt.Errorf("netcore: listen_port is required when listen_enabled")
	}
	return nil
}
