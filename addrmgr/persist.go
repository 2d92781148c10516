package addrmgr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sakuyama2024/coinbasechain-sub002/p2pwire"
)

func parseIP(s string) net.IP {
	return net.ParseIP(s)
}

// fileVersion is the persisted schema version this package writes and
// requires on load.
const fileVersion = 1

// persistedEntry is the JSON-friendly shape of an AddrInfo.
type persistedEntry struct {
	IP            string `json:"ip"`
	Port          uint16 `json:"port"`
	FirstSeenTs   int64  `json:"first_seen_ts"`
	LastTryTs     int64  `json:"last_try_ts"`
	LastSuccessTs int64  `json:"last_success_ts"`
	Attempts      int    `json:"attempts"`
}

type persistedFile struct {
	Version        int              `json:"version"`
	Tried          []persistedEntry `json:"tried"`
	New            []persistedEntry `json:"new"`
	SHA256Checksum string           `json:"sha256_checksum"`
}

func toPersisted(info *AddrInfo) persistedEntry {
	return persistedEntry{
		IP:            info.Address.IP.String(),
		Port:          info.Address.Port,
		FirstSeenTs:   unixOrZero(info.FirstSeenTs),
		LastTryTs:     unixOrZero(info.LastTryTs),
		LastSuccessTs: unixOrZero(info.LastSuccessTs),
		Attempts:      info.Attempts,
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func fromPersisted(e persistedEntry, tried bool) (Key, *AddrInfo, error) {
	ip := parseIP(e.IP)
	if ip == nil {
		return Key{}, nil, fmt.Errorf("addrmgr: invalid persisted ip %q", e.IP)
	}
	addr := p2pwire.NetworkAddress{IP: ip, Port: e.Port}
	info := &AddrInfo{
		Address:       addr,
		FirstSeenTs:   timeOrZero(e.FirstSeenTs),
		LastTryTs:     timeOrZero(e.LastTryTs),
		LastSuccessTs: timeOrZero(e.LastSuccessTs),
		Attempts:      e.Attempts,
		Tried:         tried,
	}
	return keyOf(addr), info, nil
}

// checksumOf hashes the tried+new arrays the same way they'll be written,
// so Load can detect tampering independent of JSON field ordering.
func checksumOf(tried, newEntries []persistedEntry) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(tried)
	_ = enc.Encode(newEntries)
	return hex.EncodeToString(h.Sum(nil))
}

// Save atomically persists the manager to path: write path+".new", flush,
// rename over path.
func (m *AddrMan) Save(path string) error {
	m.mtx.Lock()
	tried := make([]persistedEntry, 0, len(m.tried))
	for _, k := range m.triedKeys {
		if info, ok := m.tried[k]; ok {
			tried = append(tried, toPersisted(info))
		}
	}
	newE := make([]persistedEntry, 0, len(m.new))
	for _, k := range m.newKeys {
		if info, ok := m.new[k]; ok {
			newE = append(newE, toPersisted(info))
		}
	}
	m.mtx.Unlock()

	file := persistedFile{
		Version:        fileVersion,
		Tried:          tried,
		New:            newE,
		SHA256Checksum: checksumOf(tried, newE),
	}

	tmp := path + ".new"
	w, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("addrmgr: opening %s: %w", tmp, err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&file); err != nil {
		w.Close()
		return fmt.Errorf("addrmgr: encoding %s: %w", tmp, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("addrmgr: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("addrmgr: renaming %s to %s: %w", tmp, path, err)
	}

	info, statErr := os.Stat(path)
	if statErr == nil {
		log.Debugf("saved %d tried + %d new addresses to %s (%s)",
			len(tried), len(newE), path, humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

// Load reads path into the manager, replacing its current contents. A
// missing file is not an error: the manager is simply left unchanged. A
// version mismatch or checksum failure is an error and leaves the manager
// untouched; callers should fall back to fixed seeds.
func (m *AddrMan) Load(path string) error {
	r, err := os.Open(path)
	if os.IsNotExist(err) {
		log.Debugf("no address file at %s, starting empty", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("addrmgr: opening %s: %w", path, err)
	}
	defer r.Close()

	var file persistedFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return fmt.Errorf("addrmgr: decoding %s: %w", path, err)
	}
	if file.Version != fileVersion {
		return fmt.Errorf("addrmgr: %s has version %d, want %d", path, file.Version, fileVersion)
	}
	if file.SHA256Checksum != "" {
		want := checksumOf(file.Tried, file.New)
		if want != file.SHA256Checksum {
			return fmt.Errorf("addrmgr: %s failed checksum verification", path)
		}
	}

	tried := make(map[Key]*AddrInfo, len(file.Tried))
	triedKeys := make([]Key, 0, len(file.Tried))
	for _, e := range file.Tried {
		k, info, err := fromPersisted(e, true)
		if err != nil {
			return err
		}
		tried[k] = info
		triedKeys = append(triedKeys, k)
	}

	newTable := make(map[Key]*AddrInfo, len(file.New))
	newKeys := make([]Key, 0, len(file.New))
	for _, e := range file.New {
		k, info, err := fromPersisted(e, false)
		if err != nil {
			return err
		}
		newTable[k] = info
		newKeys = append(newKeys, k)
	}

	m.mtx.Lock()
	m.tried = tried
	m.triedKeys = triedKeys
	m.new = newTable
	m.newKeys = newKeys
	m.mtx.Unlock()

	log.Infof("loaded %d tried + %d new addresses from %s", len(tried), len(newTable), path)
	return nil
}
