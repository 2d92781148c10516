package p2pwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// NetworkAddress identifies a peer by IP and port only. Services/timestamp
// are carried separately because AddrMan equality and lookups key on
// IP+Port alone.
type NetworkAddress struct {
	IP   net.IP
	Port uint16
}

// String renders the address the way log lines and persisted files expect.
func (a NetworkAddress) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// Equal compares by IP+Port only.
func (a NetworkAddress) Equal(o NetworkAddress) bool {
	return a.IP.Equal(o.IP) && a.Port == o.Port
}

// TimestampedAddress is a NetworkAddress plus the services and timestamp
// carried over the wire in ADDR messages.
type TimestampedAddress struct {
	Addr      NetworkAddress
	Services  wire.ServiceFlag
	Timestamp time.Time
}

// FromWireNetAddress converts a btcd wire.NetAddress, clamping its
// timestamp into the accepted ingest window.
func FromWireNetAddress(na *wire.NetAddress, now time.Time) TimestampedAddress {
	return TimestampedAddress{
		Addr: NetworkAddress{
			IP:   na.IP,
			Port: na.Port,
		},
		Services:  na.Services,
		Timestamp: clampTimestamp(na.Timestamp, now),
	}
}

// ToWireNetAddress converts back to the wire representation used when
// building an outgoing MsgAddr.
func (t TimestampedAddress) ToWireNetAddress() *wire.NetAddress {
	return wire.NewNetAddressTimestamp(t.Timestamp, t.Services, t.Addr.IP, t.Addr.Port)
}

// AddrsFromMsg extracts and clamps every address out of a decoded MsgAddr.
func AddrsFromMsg(m *wire.MsgAddr, now time.Time) []TimestampedAddress {
	out := make([]TimestampedAddress, 0, len(m.AddrList))
	for _, na := range m.AddrList {
		out = append(out, FromWireNetAddress(na, now))
	}
	return out
}

// BuildAddrMsg packs addrs (already truncated to MaxAddrSize by the
// caller) into a MsgAddr ready for EncodeFullMessage.
func BuildAddrMsg(addrs []TimestampedAddress) *wire.MsgAddr {
	m := wire.NewMsgAddr()
	for _, a := range addrs {
		// The error from AddAddress is discarded; it only fails once the
		// message is already at MaxAddrPerMsg, which callers have already
		// enforced via MaxAddrSize.
		_ = m.AddAddress(a.ToWireNetAddress())
	}
	return m
}

// netAddressSize is the fixed on-wire size of one timestamped NetworkAddress
// entry in an ADDR message: timestamp(4) + services(8) + ip(16) + port(2).
const netAddressSize = 4 + 8 + 16 + 2

// decodeAddrPayload parses an ADDR payload's entries directly instead of
// delegating to wire.MsgAddr.BtcDecode, which hard-rejects any declared
// count over wire.MaxAddrPerMsg (== MaxAddrSize). A count over that cap is
// a policy violation the router must see and penalize/truncate (spec
// §4.6), not a framing error that disconnects the peer for free. The
// declared count still drives how many entries are read - a truncated
// payload fails with the natural io.ReadFull error instead of silently
// decoding fewer entries - but the slice's initial capacity is bounded by
// what the remaining payload can actually hold, so a huge declared count
// paired with a short payload can't force an oversized up-front allocation.
func decodeAddrPayload(payload []byte) (*wire.MsgAddr, error) {
	r := bytes.NewReader(payload)
	count, err := wire.ReadVarInt(r, ProtocolVersion)
	if err != nil {
		return nil, fmt.Errorf("p2pwire: addr count: %w", err)
	}

	allocHint := count
	if maxHint := uint64(r.Len()) / netAddressSize; maxHint < allocHint {
		allocHint = maxHint
	}

	msg := &wire.MsgAddr{AddrList: make([]*wire.NetAddress, 0, allocHint)}
	for i := uint64(0); i < count; i++ {
		na, err := decodeNetAddress(r)
		if err != nil {
			return nil, fmt.Errorf("p2pwire: addr entry %d: %w", i, err)
		}
		msg.AddrList = append(msg.AddrList, na)
	}
	return msg, nil
}

// decodeNetAddress reads one fixed-size timestamped NetworkAddress entry:
// 4-byte LE unix timestamp, 8-byte LE service flags, 16-byte IP, and a
// 2-byte big-endian port (Bitcoin's wire format always big-endians the
// port, unlike every other integer field).
func decodeNetAddress(r io.Reader) (*wire.NetAddress, error) {
	var buf [netAddressSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	ts := binary.LittleEndian.Uint32(buf[0:4])
	services := binary.LittleEndian.Uint64(buf[4:12])
	ip := make(net.IP, 16)
	copy(ip, buf[12:28])
	port := binary.BigEndian.Uint16(buf[28:30])
	return &wire.NetAddress{
		Timestamp: time.Unix(int64(ts), 0),
		Services:  wire.ServiceFlag(services),
		IP:        ip,
		Port:      port,
	}, nil
}

