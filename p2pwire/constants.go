// Package p2pwire implements the bit-exact wire framing and payload codec
// described in the network core's protocol specification: a 24-byte header
// (magic/command/length/checksum) followed by a typed payload. Payload
// types are the same wire format Bitcoin-derived chains use, so this
// package is a thin, bounds-checked wrapper around btcsuite/btcd/wire's
// message structs rather than a reimplementation of them.
package p2pwire

import (
	"time"

	"github.com/btcsuite/btcd/wire"
)

// Protocol versions.
const (
	ProtocolVersion    = 70016
	MinPeerProtoVersion = 70001
)

// Network magics (little-endian on the wire).
const (
	MagicMainNet wire.BitcoinNet = 0xC0C0C0C0
	MagicTestNet wire.BitcoinNet = 0xC0C0C0C1
	MagicRegtest wire.BitcoinNet = 0xC0C0C0C2
)

// Service flags.
const (
	NodeNone    wire.ServiceFlag = 0
	NodeNetwork wire.ServiceFlag = wire.SFNodeNetwork
)

// Size and count limits.
const (
	HeaderSize            = 24
	CommandSize           = 12
	MaxMessageSize        = 32 * 1024 * 1024
	MaxInvSize            = 50000
	MaxHeadersSize        = 2000
	MaxAddrSize           = 1000
	MaxSubversionLength   = 256
	ChecksumSize          = 4
)

// Inventory types used by this protocol. No transaction relay.
const (
	InvTypeBlock = wire.InvTypeBlock // 2
)

// Command strings, twelve bytes null-padded ASCII on the wire. Reused
// directly from btcd/wire since this protocol's command set matches
// Bitcoin's verbatim.
const (
	CmdVersion     = wire.CmdVersion
	CmdVerAck      = wire.CmdVerAck
	CmdAddr        = wire.CmdAddr
	CmdGetAddr     = wire.CmdGetAddr
	CmdInv         = wire.CmdInv
	CmdGetData     = wire.CmdGetData
	CmdNotFound    = wire.CmdNotFound
	CmdGetHeaders  = wire.CmdGetHeaders
	CmdHeaders     = wire.CmdHeaders
	CmdSendHeaders = wire.CmdSendHeaders
	CmdPing        = wire.CmdPing
	CmdPong        = wire.CmdPong
)

// wireEncoding is the btcd wire.MessageEncoding used for all BtcEncode/
// BtcDecode calls. This protocol carries no witness data.
const wireEncoding = wire.BaseEncoding

// clampTimestamp clamps an address timestamp to [now-10y, now+10m] on
// ingest.
func clampTimestamp(ts, now time.Time) time.Time {
	min := now.AddDate(-10, 0, 0)
	max := now.Add(10 * time.Minute)
	if ts.Before(min) {
		return min
	}
	if ts.After(max) {
		return max
	}
	return ts
}
