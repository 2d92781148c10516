// Package banmgr tracks banned and discouraged addresses. Ban and
// discouragement are independent: a banned address has an explicit expiry
// (or none, for a permanent ban); a discouraged address has no expiry but
// is bounded by an LRU cap.
package banmgr

import (
	"container/list"
	"net"
	"sync"
	"time"

	"github.com/juju/loggo"
)

var log = loggo.GetLogger("banmgr")

// MaxDiscouraged bounds the discouraged set; the oldest entry is evicted
// when a new one would exceed it.
const MaxDiscouraged = 10000

// BanEntry is a persisted ban record.
type BanEntry struct {
	CreatedAt time.Time
	BanUntil  time.Time // zero value means permanent
	Reason    string
}

func (e BanEntry) expired(now time.Time) bool {
	if e.BanUntil.IsZero() {
		return false
	}
	return !now.Before(e.BanUntil)
}

// Manager holds the banned and discouraged sets.
type Manager struct {
	mtx sync.Mutex

	banned      map[string]BanEntry
	discouraged map[string]*list.Element // key -> LRU node
	lru         *list.List                // front = most recently discouraged

	now func() time.Time
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{
		banned:      make(map[string]BanEntry),
		discouraged: make(map[string]*list.Element),
		lru:         list.New(),
		now:         time.Now,
	}
}

// NormalizeIP collapses an IPv4-mapped IPv6 address to dotted-quad form;
// pure IPv6 keeps its canonical text. Port is never part of the key.
func NormalizeIP(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// Ban sets ban_until = now+offset, or permanent if offset is zero.
// Re-banning an address replaces its entry.
func (m *Manager) Ban(ip net.IP, offset time.Duration, reason string) {
	key := NormalizeIP(ip)
	now := m.now()
	entry := BanEntry{CreatedAt: now, Reason: reason}
	if offset > 0 {
		entry.BanUntil = now.Add(offset)
	}
	m.mtx.Lock()
	m.banned[key] = entry
	m.mtx.Unlock()
	log.Infof("banned %s (permanent=%v reason=%q)", key, offset == 0, reason)
}

// Unban removes any ban on ip.
func (m *Manager) Unban(ip net.IP) {
	key := NormalizeIP(ip)
	m.mtx.Lock()
	delete(m.banned, key)
	m.mtx.Unlock()
}

// IsBanned reports whether ip is currently banned, lazily treating an
// expired entry as not-banned.
func (m *Manager) IsBanned(ip net.IP) bool {
	key := NormalizeIP(ip)
	now := m.now()
	m.mtx.Lock()
	defer m.mtx.Unlock()
	entry, ok := m.banned[key]
	if !ok {
		return false
	}
	return !entry.expired(now)
}

// ClearBanned empties the banned set.
func (m *Manager) ClearBanned() {
	m.mtx.Lock()
	m.banned = make(map[string]BanEntry)
	m.mtx.Unlock()
}

// SweepBanned purges expired entries, returning how many were removed.
func (m *Manager) SweepBanned() int {
	now := m.now()
	m.mtx.Lock()
	defer m.mtx.Unlock()
	removed := 0
	for k, e := range m.banned {
		if e.expired(now) {
			delete(m.banned, k)
			removed++
		}
	}
	return removed
}

// Discourage idempotently marks ip discouraged, evicting the
// least-recently-discouraged entry if the set is at capacity.
func (m *Manager) Discourage(ip net.IP) {
	key := NormalizeIP(ip)
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if el, ok := m.discouraged[key]; ok {
		m.lru.MoveToFront(el)
		return
	}
	if len(m.discouraged) >= MaxDiscouraged {
		oldest := m.lru.Back()
		if oldest != nil {
			m.lru.Remove(oldest)
			delete(m.discouraged, oldest.Value.(string))
		}
	}
	el := m.lru.PushFront(key)
	m.discouraged[key] = el
}

// IsDiscouraged reports whether ip is in the discouraged set.
func (m *Manager) IsDiscouraged(ip net.IP) bool {
	key := NormalizeIP(ip)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	_, ok := m.discouraged[key]
	return ok
}

// ClearDiscouraged empties the discouraged set.
func (m *Manager) ClearDiscouraged() {
	m.mtx.Lock()
	m.discouraged = make(map[string]*list.Element)
	m.lru = list.New()
	m.mtx.Unlock()
}

// ShouldReject implements the connection-time contract: an address without
// NoBan is rejected if banned or discouraged.
func (m *Manager) ShouldReject(ip net.IP, hasNoBan bool) bool {
	if hasNoBan {
		return false
	}
	return m.IsBanned(ip) || m.IsDiscouraged(ip)
}
