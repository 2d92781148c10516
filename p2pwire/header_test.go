package p2pwire

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	raw, err := EncodeMessage(MagicTestNet, CmdPing, payload)
	require.NoError(t, err)
	require.Len(t, raw, HeaderSize+len(payload))

	h, err := DeserializeHeader(raw[:HeaderSize], MagicTestNet)
	require.NoError(t, err)
	assert.Equal(t, CmdPing, h.Command)
	assert.EqualValues(t, len(payload), h.Length)
	require.NoError(t, h.VerifyChecksum(raw[HeaderSize:]))
}

func TestDeserializeHeaderTooShort(t *testing.T) {
	_, err := DeserializeHeader(make([]byte, HeaderSize-1), MagicTestNet)
	assert.ErrorIs(t, err, ErrHeaderTooShort)
}

func TestDeserializeHeaderBadMagic(t *testing.T) {
	raw, err := EncodeMessage(MagicTestNet, CmdPing, nil)
	require.NoError(t, err)
	_, err = DeserializeHeader(raw[:HeaderSize], MagicMainNet)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestDeserializeHeaderOversizedLength(t *testing.T) {
	raw, err := EncodeMessage(MagicTestNet, CmdPing, nil)
	require.NoError(t, err)
	// corrupt the length field to exceed MaxMessageSize
	raw[19] = 0xFF
	raw[18] = 0xFF
	raw[17] = 0xFF
	raw[16] = 0xFF
	_, err = DeserializeHeader(raw[:HeaderSize], MagicTestNet)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestDeserializeHeaderBadCommandPadding(t *testing.T) {
	raw, err := EncodeMessage(MagicTestNet, CmdPing, nil)
	require.NoError(t, err)
	// place a non-NUL byte after the command's NUL terminator
	raw[4+len(CmdPing)+1] = 'x'
	_, err = DeserializeHeader(raw[:HeaderSize], MagicTestNet)
	assert.ErrorIs(t, err, ErrBadCommand)
}

func TestVerifyChecksumMismatch(t *testing.T) {
	raw, err := EncodeMessage(MagicTestNet, CmdPing, []byte("payload"))
	require.NoError(t, err)
	h, err := DeserializeHeader(raw[:HeaderSize], MagicTestNet)
	require.NoError(t, err)
	err = h.VerifyChecksum([]byte("different"))
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestReaderDeframesStream(t *testing.T) {
	ping := wire.NewMsgPing(42)
	raw, err := EncodeFullMessage(MagicTestNet, ping)
	require.NoError(t, err)

	r := NewReader(MagicTestNet)
	// feed one byte at a time to exercise partial-buffer handling
	for i := 0; i < len(raw); i++ {
		r.Feed(raw[i : i+1])
		h, msg, err := r.Next()
		require.NoError(t, err)
		if i < len(raw)-1 {
			assert.Nil(t, h)
			assert.Nil(t, msg)
		} else {
			require.NotNil(t, h)
			require.NotNil(t, msg)
			got, ok := msg.(*wire.MsgPing)
			require.True(t, ok)
			assert.Equal(t, ping.Nonce, got.Nonce)
		}
	}
}

func TestReaderRejectsFramingViolation(t *testing.T) {
	raw, err := EncodeMessage(MagicTestNet, CmdPing, []byte("x"))
	require.NoError(t, err)
	raw[HeaderSize] = 'y' // corrupt payload so checksum no longer matches

	r := NewReader(MagicTestNet)
	r.Feed(raw)
	_, _, err = r.Next()
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestClampTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tooOld := now.AddDate(-20, 0, 0)
	assert.Equal(t, now.AddDate(-10, 0, 0), clampTimestamp(tooOld, now))

	tooNew := now.Add(time.Hour)
	assert.Equal(t, now.Add(10*time.Minute), clampTimestamp(tooNew, now))

	fine := now.Add(time.Minute)
	assert.Equal(t, fine, clampTimestamp(fine, now))
}

func TestDecodePayloadAllowsOversizedAddrForRouterToPolice(t *testing.T) {
	// wire.MsgAddr.BtcEncode refuses more than MaxAddrPerMsg entries, so the
	// oversized payload is built by hand: a varint count, then each entry as
	// timestamp (4, LE) + services (8, LE) + IPv6-mapped IP (16) + port (2, BE).
	var buf bytes.Buffer
	require.NoError(t, wire.WriteVarInt(&buf, ProtocolVersion, uint64(MaxAddrSize+1)))
	ts := uint32(time.Now().Unix())
	for i := 0; i < MaxAddrSize+1; i++ {
		var entry [netAddressSize]byte
		binary.LittleEndian.PutUint32(entry[0:4], ts)
		binary.LittleEndian.PutUint64(entry[4:12], uint64(NodeNetwork))
		copy(entry[12:28], net.IPv4(10, 0, byte(i>>8), byte(i)).To16())
		binary.BigEndian.PutUint16(entry[28:30], 8333)
		buf.Write(entry[:])
	}
	payload := buf.Bytes()

	h := &Header{Command: CmdAddr}
	msg, err := DecodePayload(h, payload)
	require.NoError(t, err, "an oversized but well-formed ADDR must decode so the router can penalize and truncate it, not fail as a framing error")
	got, ok := msg.(*wire.MsgAddr)
	require.True(t, ok)
	assert.Len(t, got.AddrList, MaxAddrSize+1)
}

func TestDecodePayloadAddrRejectsTruncatedEntry(t *testing.T) {
	// A declared count that promises more entries than the payload can hold
	// must still fail cleanly instead of reading past the buffer.
	payload := []byte{0xfd, 0xe8, 0x03} // varint 1000, but no entry bytes follow

	h := &Header{Command: CmdAddr}
	_, err := DecodePayload(h, payload)
	assert.Error(t, err)
}
