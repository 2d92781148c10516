package banmgr

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

const fileVersion = 1

type persistedBan struct {
	IP        string `json:"ip"`
	CreatedAt int64  `json:"created_at"`
	BanUntil  int64  `json:"ban_until"`
	Reason    string `json:"reason"`
}

type persistedFile struct {
	Version int            `json:"version"`
	Banned  []persistedBan `json:"banned"`
}

// Save atomically persists the banned set (discouraged entries are
// intentionally not persisted: they are a soft, session-scoped signal,
// rebuilt from fresh misbehavior as peers reconnect).
func (m *Manager) Save(path string) error {
	m.mtx.Lock()
	entries := make([]persistedBan, 0, len(m.banned))
	for ip, e := range m.banned {
		entries = append(entries, persistedBan{
			IP:        ip,
			CreatedAt: e.CreatedAt.Unix(),
			BanUntil:  unixOrZero(e.BanUntil),
			Reason:    e.Reason,
		})
	}
	m.mtx.Unlock()

	file := persistedFile{Version: fileVersion, Banned: entries}

	tmp := path + ".new"
	w, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("banmgr: opening %s: %w", tmp, err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&file); err != nil {
		w.Close()
		return fmt.Errorf("banmgr: encoding %s: %w", tmp, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("banmgr: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("banmgr: renaming %s to %s: %w", tmp, path, err)
	}

	opID := uuid.NewString()
	log.Debugf("[%s] saved %d ban entries to %s", opID, len(entries), path)
	return nil
}

// Load reads path, replacing the banned set. A missing file is not an
// error.
func (m *Manager) Load(path string) error {
	r, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("banmgr: opening %s: %w", path, err)
	}
	defer r.Close()

	var file persistedFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return fmt.Errorf("banmgr: decoding %s: %w", path, err)
	}
	if file.Version != fileVersion {
		return fmt.Errorf("banmgr: %s has version %d, want %d", path, file.Version, fileVersion)
	}

	banned := make(map[string]BanEntry, len(file.Banned))
	for _, e := range file.Banned {
		banned[e.IP] = BanEntry{
			CreatedAt: time.Unix(e.CreatedAt, 0).UTC(),
			BanUntil:  timeOrZero(e.BanUntil),
			Reason:    e.Reason,
		}
	}

	m.mtx.Lock()
	m.banned = banned
	m.mtx.Unlock()

	log.Infof("loaded %d ban entries from %s", len(banned), path)
	return nil
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
