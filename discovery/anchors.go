package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/sakuyama2024/coinbasechain-sub002/p2pwire"
)

var errAnchorsChecksumMismatch = errors.New("discovery: anchors checksum mismatch")

func errUnsupportedAnchorsVersion(v int) error {
	return fmt.Errorf("discovery: unsupported anchors file version %d", v)
}

func parseIP(s string) net.IP {
	return net.ParseIP(s)
}

const anchorsFileVersion = 1

type persistedAnchor struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

type anchorsFile struct {
	Version        int               `json:"version"`
	Anchors        []persistedAnchor `json:"anchors"`
	SHA256Checksum string            `json:"sha256_checksum"`
}

func anchorsChecksum(anchors []persistedAnchor) string {
	b, _ := json.Marshal(anchors)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SaveAnchors snapshots up to MaxAnchors addresses (the caller picks which
// peers qualify, e.g. READY outbound non-feelers) to path atomically.
func SaveAnchors(path string, addrs []p2pwire.NetworkAddress) error {
	if len(addrs) > MaxAnchors {
		addrs = addrs[:MaxAnchors]
	}
	persisted := make([]persistedAnchor, 0, len(addrs))
	for _, a := range addrs {
		persisted = append(persisted, persistedAnchor{IP: a.IP.String(), Port: a.Port})
	}
	file := anchorsFile{
		Version:        anchorsFileVersion,
		Anchors:        persisted,
		SHA256Checksum: anchorsChecksum(persisted),
	}
	b, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".new"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	log.Infof("saved %d anchor(s) to %s", len(persisted), path)
	return nil
}

// LoadAndDeleteAnchors reads up to MaxAnchors addresses from path and then
// removes the file: anchors are meant to be consumed exactly once, at
// startup, not accumulated across runs.
func LoadAndDeleteAnchors(path string) ([]p2pwire.NetworkAddress, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var file anchorsFile
	if err := json.Unmarshal(b, &file); err != nil {
		return nil, err
	}
	if file.Version != anchorsFileVersion {
		return nil, errUnsupportedAnchorsVersion(file.Version)
	}
	if anchorsChecksum(file.Anchors) != file.SHA256Checksum {
		return nil, errAnchorsChecksumMismatch
	}

	anchors := file.Anchors
	if len(anchors) > MaxAnchors {
		anchors = anchors[:MaxAnchors]
	}
	out := make([]p2pwire.NetworkAddress, 0, len(anchors))
	for _, a := range anchors {
		out = append(out, p2pwire.NetworkAddress{IP: parseIP(a.IP), Port: a.Port})
	}

	if err := os.Remove(path); err != nil {
		return nil, err
	}
	log.Infof("loaded and removed %d anchor(s) from %s", len(out), filepath.Base(path))
	return out, nil
}
