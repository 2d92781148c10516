package p2pwire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Header is the 24-byte wire message header.
type Header struct {
	Magic    wire.BitcoinNet
	Command  string // decoded, NUL-trimmed
	Length   uint32
	Checksum [ChecksumSize]byte
}

var (
	// ErrHeaderTooShort is returned when fewer than HeaderSize bytes are
	// available.
	ErrHeaderTooShort = errors.New("p2pwire: header too short")
	// ErrBadMagic is returned when the magic does not match the configured
	// network.
	ErrBadMagic = errors.New("p2pwire: magic mismatch")
	// ErrBadCommand is returned when the command field contains non-NUL
	// bytes after the first NUL terminator.
	ErrBadCommand = errors.New("p2pwire: malformed command")
	// ErrMessageTooLarge is returned when the declared length exceeds
	// MaxMessageSize.
	ErrMessageTooLarge = errors.New("p2pwire: message too large")
	// ErrChecksumMismatch is returned by VerifyChecksum.
	ErrChecksumMismatch = errors.New("p2pwire: checksum mismatch")
)

// DeserializeHeader parses a 24-byte wire header from b. It is pure: it
// never allocates beyond the returned Header, never panics, and never reads
// past b. magic is the network this node is configured for; any other
// magic is rejected.
func DeserializeHeader(b []byte, magic wire.BitcoinNet) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, ErrHeaderTooShort
	}

	gotMagic := wire.BitcoinNet(binary.LittleEndian.Uint32(b[0:4]))
	if gotMagic != magic {
		return nil, ErrBadMagic
	}

	cmdRaw := b[4:16]
	cmd, err := decodeCommand(cmdRaw)
	if err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(b[16:20])
	if length > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	h := &Header{Magic: gotMagic, Command: cmd, Length: length}
	copy(h.Checksum[:], b[20:24])
	return h, nil
}

// decodeCommand trims the NUL padding off a 12-byte command field,
// rejecting any non-NUL byte found after the first NUL.
func decodeCommand(raw []byte) (string, error) {
	end := len(raw)
	for i, c := range raw {
		if c == 0 {
			end = i
			break
		}
	}
	for _, c := range raw[end:] {
		if c != 0 {
			return "", ErrBadCommand
		}
	}
	return string(raw[:end]), nil
}

// Serialize encodes h back to its 24-byte wire form.
func (h *Header) Serialize() ([]byte, error) {
	if len(h.Command) > CommandSize {
		return nil, fmt.Errorf("p2pwire: command %q too long", h.Command)
	}
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Magic))
	copy(b[4:16], h.Command)
	binary.LittleEndian.PutUint32(b[16:20], h.Length)
	copy(b[20:24], h.Checksum[:])
	return b, nil
}

// Checksum computes the first 4 bytes of SHA256(SHA256(payload)).
func Checksum(payload []byte) [ChecksumSize]byte {
	sum := chainhash.DoubleHashB(payload)
	var out [ChecksumSize]byte
	copy(out[:], sum[:ChecksumSize])
	return out
}

// VerifyChecksum reports whether payload matches h.Checksum.
func (h *Header) VerifyChecksum(payload []byte) error {
	got := Checksum(payload)
	if got != h.Checksum {
		return ErrChecksumMismatch
	}
	return nil
}

// EncodeMessage frames command+payload into a full wire message: header
// followed by payload.
func EncodeMessage(magic wire.BitcoinNet, command string, payload []byte) ([]byte, error) {
	if len(payload) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	h := &Header{
		Magic:    magic,
		Command:  command,
		Length:   uint32(len(payload)),
		Checksum: Checksum(payload),
	}
	hb, err := h.Serialize()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(hb)+len(payload))
	out = append(out, hb...)
	out = append(out, payload...)
	return out, nil
}
