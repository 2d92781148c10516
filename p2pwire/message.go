package p2pwire

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// Message is anything btcd/wire knows how to encode/decode: the payload
// types for every command this protocol speaks.
type Message = wire.Message

// newEmptyMessage returns the zero-value wire.Message for command, the same
// way wire.MakeEmptyMessage does internally, restricted to the command set
// this protocol actually speaks (no transaction, block, or filter messages).
func newEmptyMessage(command string) (Message, error) {
	switch command {
	case CmdVersion:
		return &wire.MsgVersion{}, nil
	case CmdVerAck:
		return &wire.MsgVerAck{}, nil
	case CmdAddr:
		return &wire.MsgAddr{}, nil
	case CmdGetAddr:
		return &wire.MsgGetAddr{}, nil
	case CmdInv:
		return &wire.MsgInv{}, nil
	case CmdGetData:
		return &wire.MsgGetData{}, nil
	case CmdNotFound:
		return &wire.MsgNotFound{}, nil
	case CmdGetHeaders:
		return &wire.MsgGetHeaders{}, nil
	case CmdHeaders:
		return &wire.MsgHeaders{}, nil
	case CmdSendHeaders:
		return &wire.MsgSendHeaders{}, nil
	case CmdPing:
		return &wire.MsgPing{}, nil
	case CmdPong:
		return &wire.MsgPong{}, nil
	default:
		return nil, fmt.Errorf("p2pwire: unsupported command %q", command)
	}
}

// DecodePayload decodes payload according to h.Command, enforcing this
// protocol's limits (MaxInvSize/MaxHeadersSize/MaxSubversionLength) on top
// of whatever btcd/wire itself enforces. ADDR is handled separately
// (decodeAddrPayload): unlike the other caps, an oversized ADDR is a
// policy violation the router reports and truncates (spec §4.6), not a
// parse-time rejection, so it must not fail here the way btcd/wire's own
// MsgAddr.BtcDecode would.
func DecodePayload(h *Header, payload []byte) (Message, error) {
	if h.Command == CmdAddr {
		return decodeAddrPayload(payload)
	}

	msg, err := newEmptyMessage(h.Command)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(payload)
	if err := msg.BtcDecode(r, ProtocolVersion, wireEncoding); err != nil {
		return nil, fmt.Errorf("p2pwire: decode %s: %w", h.Command, err)
	}

	if err := checkPayloadLimits(msg); err != nil {
		return nil, err
	}

	return msg, nil
}

func checkPayloadLimits(msg Message) error {
	switch m := msg.(type) {
	case *wire.MsgInv:
		if len(m.InvList) > MaxInvSize {
			return fmt.Errorf("p2pwire: inv count %d exceeds %d", len(m.InvList), MaxInvSize)
		}
	case *wire.MsgHeaders:
		if len(m.Headers) > MaxHeadersSize {
			return fmt.Errorf("p2pwire: headers count %d exceeds %d", len(m.Headers), MaxHeadersSize)
		}
	case *wire.MsgVersion:
		if len(m.UserAgent) > MaxSubversionLength {
			return fmt.Errorf("p2pwire: user agent length %d exceeds %d", len(m.UserAgent), MaxSubversionLength)
		}
	}
	return nil
}

// EncodePayload encodes msg's payload body (not including the 24-byte
// header).
func EncodePayload(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := msg.BtcEncode(&buf, ProtocolVersion, wireEncoding); err != nil {
		return nil, fmt.Errorf("p2pwire: encode %s: %w", msg.Command(), err)
	}
	return buf.Bytes(), nil
}

// EncodeFullMessage frames msg into header+payload bytes ready to hand to a
// transport.Connection.
func EncodeFullMessage(magic wire.BitcoinNet, msg Message) ([]byte, error) {
	payload, err := EncodePayload(msg)
	if err != nil {
		return nil, err
	}
	return EncodeMessage(magic, msg.Command(), payload)
}

// Reader incrementally deframes a byte stream into Messages. It is not
// safe for concurrent use; each peer owns one.
type Reader struct {
	magic wire.BitcoinNet
	buf   []byte
}

// NewReader constructs a Reader bound to the given network magic.
func NewReader(magic wire.BitcoinNet) *Reader {
	return &Reader{magic: magic}
}

// Feed appends newly-received bytes to the internal buffer.
func (r *Reader) Feed(b []byte) {
	r.buf = append(r.buf, b...)
}

// Next extracts the next complete message from the buffer, if any. It
// returns (nil, nil, nil) when more bytes are needed. A non-nil error is
// fatal to the connection (framing violation).
func (r *Reader) Next() (*Header, Message, error) {
	if len(r.buf) < HeaderSize {
		return nil, nil, nil
	}

	h, err := DeserializeHeader(r.buf[:HeaderSize], r.magic)
	if err != nil {
		return nil, nil, err
	}

	total := HeaderSize + int(h.Length)
	if len(r.buf) < total {
		return nil, nil, nil
	}

	payload := r.buf[HeaderSize:total]
	if err := h.VerifyChecksum(payload); err != nil {
		return nil, nil, err
	}

	msg, err := DecodePayload(h, payload)
	if err != nil {
		return nil, nil, err
	}

	r.buf = r.buf[total:]
	return h, msg, nil
}
