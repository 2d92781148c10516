// Package addrmgr implements AddrMan, the two-table address database peer
// discovery draws outbound and feeler candidates from. It owns the "tried"
// and "new" tables exclusively; nothing outside this package reaches into
// either map.
package addrmgr

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/juju/loggo"

	"github.com/sakuyama2024/coinbasechain-sub002/p2pwire"
)

var log = loggo.GetLogger("addrmgr")

const (
	// MaxFailures is the attempts threshold past which a never-succeeded
	// entry is terrible.
	MaxFailures = 10
	// StaleAfter is how long an entry can go unrefreshed before it's
	// considered stale.
	StaleAfter = 30 * 24 * time.Hour
	// PTried is the probability selection prefers the tried table.
	PTried = 0.5
	// AddressCooldown is the minimum interval between dial attempts on the
	// same address.
	AddressCooldown = 60 * time.Second
	// FailureDecay is the per-attempt acceptance-probability decay applied
	// during selection.
	FailureDecay = 0.66
	// maxSelectRerolls bounds the cooldown/decay reroll loop in select so a
	// pathological table can't spin forever.
	maxSelectRerolls = 64
)

// Key is the 16-byte-IP+port identity AddrInfo entries and lookups use.
type Key struct {
	IP   [16]byte
	Port uint16
}

func keyOf(addr p2pwire.NetworkAddress) Key {
	var k Key
	ip16 := addr.IP.To16()
	copy(k.IP[:], ip16)
	k.Port = addr.Port
	return k
}

// AddrInfo is the bookkeeping record kept for one address.
type AddrInfo struct {
	Address      p2pwire.NetworkAddress
	Services     uint64
	FirstSeenTs  time.Time
	LastTryTs    time.Time
	LastSuccessTs time.Time
	Attempts     int
	Tried        bool
}

// isTerrible reports whether a has too many failures with no success ever,
// or is simply too old to keep offering to callers.
func (a *AddrInfo) isTerrible(now time.Time) bool {
	if a.Attempts >= MaxFailures && a.LastSuccessTs.IsZero() {
		return true
	}
	// The more recent of FirstSeenTs/LastTryTs being older than StaleAfter
	// is equivalent to "both are older than StaleAfter": a later LastTryTs
	// only ever moves ref forward, so this is the same staleness test as
	// requiring both timestamps individually older than StaleAfter.
	ref := a.FirstSeenTs
	if a.LastTryTs.After(ref) {
		ref = a.LastTryTs
	}
	if now.Sub(ref) > StaleAfter {
		return true
	}
	return false
}

// AddrMan is the two-table address manager. Safe for concurrent use.
type AddrMan struct {
	mtx sync.Mutex
	rng *rand.Rand

	tried     map[Key]*AddrInfo
	triedKeys []Key
	new       map[Key]*AddrInfo
	newKeys   []Key

	now func() time.Time
}

// New constructs an empty AddrMan.
func New() *AddrMan {
	return &AddrMan{
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		tried: make(map[Key]*AddrInfo),
		new:   make(map[Key]*AddrInfo),
		now:   time.Now,
	}
}

// validAddress rejects zero IPs, multicast, and zero port, mirroring the
// source's minimal hygiene check.
func validAddress(addr p2pwire.NetworkAddress) bool {
	if addr.Port == 0 {
		return false
	}
	if addr.IP == nil || addr.IP.IsUnspecified() || addr.IP.IsMulticast() {
		return false
	}
	return true
}

func clampIngest(ts, now time.Time) time.Time {
	min := now.AddDate(-10, 0, 0)
	max := now.Add(10 * time.Minute)
	if ts.IsZero() || ts.Before(min) {
		return min
	}
	if ts.After(max) {
		return max
	}
	return ts
}

// Add inserts addr into new if it is absent from both tables. Returns true
// iff newly inserted; returning false is not an error.
func (m *AddrMan) Add(addr p2pwire.NetworkAddress, ts time.Time) bool {
	if !validAddress(addr) {
		return false
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.addLocked(addr, ts)
}

func (m *AddrMan) addLocked(addr p2pwire.NetworkAddress, ts time.Time) bool {
	k := keyOf(addr)
	if _, ok := m.tried[k]; ok {
		return false
	}
	if _, ok := m.new[k]; ok {
		return false
	}
	now := m.now()
	m.new[k] = &AddrInfo{
		Address:     addr,
		FirstSeenTs: clampIngest(ts, now),
	}
	m.newKeys = append(m.newKeys, k)
	return true
}

// AddMultiple applies Add to each entry, returning how many were newly
// inserted.
func (m *AddrMan) AddMultiple(addrs []p2pwire.TimestampedAddress) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	count := 0
	for _, a := range addrs {
		if !validAddress(a.Addr) {
			continue
		}
		if m.addLocked(a.Addr, a.Timestamp) {
			count++
		}
	}
	return count
}

// Attempt records a dial attempt against addr.
func (m *AddrMan) Attempt(addr p2pwire.NetworkAddress) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	info := m.lookupLocked(addr)
	if info == nil {
		return
	}
	info.LastTryTs = m.now()
	info.Attempts++
}

// Good records a successful connection, resetting the failure count and
// promoting the entry from new to tried if needed.
func (m *AddrMan) Good(addr p2pwire.NetworkAddress) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	k := keyOf(addr)
	now := m.now()

	if info, ok := m.tried[k]; ok {
		info.LastSuccessTs = now
		info.Attempts = 0
		return
	}
	info, ok := m.new[k]
	if !ok {
		return
	}
	info.LastSuccessTs = now
	info.Attempts = 0
	info.Tried = true
	delete(m.new, k)
	m.newKeys = removeKey(m.newKeys, k)
	m.tried[k] = info
	m.triedKeys = append(m.triedKeys, k)
}

// Failed records a failed connection attempt. It never removes or demotes
// the entry; that only happens in CleanupStale.
func (m *AddrMan) Failed(addr p2pwire.NetworkAddress) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	info := m.lookupLocked(addr)
	if info == nil {
		return
	}
	info.Attempts++
}

func (m *AddrMan) lookupLocked(addr p2pwire.NetworkAddress) *AddrInfo {
	k := keyOf(addr)
	if info, ok := m.tried[k]; ok {
		return info
	}
	if info, ok := m.new[k]; ok {
		return info
	}
	return nil
}

func removeKey(keys []Key, k Key) []Key {
	for i, kk := range keys {
		if kk == k {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

// Select picks an address for an outbound dial under the bias+cooldown+
// decay policy. Returns false if no candidate is available.
func (m *AddrMan) Select() (p2pwire.NetworkAddress, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.selectFrom(true)
}

// SelectNewForFeeler picks from the new table only.
func (m *AddrMan) SelectNewForFeeler() (p2pwire.NetworkAddress, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.selectFromTable(m.newKeys, m.new)
}

func (m *AddrMan) selectFrom(allowBias bool) (p2pwire.NetworkAddress, bool) {
	preferTried := allowBias && m.rng.Float64() < PTried
	primaryKeys, primaryTable := m.newKeys, m.new
	fallbackKeys, fallbackTable := m.triedKeys, m.tried
	if preferTried {
		primaryKeys, primaryTable = m.triedKeys, m.tried
		fallbackKeys, fallbackTable = m.newKeys, m.new
	}

	if addr, ok := m.selectFromTable(primaryKeys, primaryTable); ok {
		return addr, true
	}
	return m.selectFromTable(fallbackKeys, fallbackTable)
}

// selectFromTable draws uniformly from keys/table, applying the cooldown
// filter and failure-decay acceptance test, rerolling up to
// maxSelectRerolls times.
func (m *AddrMan) selectFromTable(keys []Key, table map[Key]*AddrInfo) (p2pwire.NetworkAddress, bool) {
	if len(keys) == 0 {
		return p2pwire.NetworkAddress{}, false
	}
	now := m.now()

	for attempt := 0; attempt < maxSelectRerolls; attempt++ {
		k := keys[m.rng.Intn(len(keys))]
		info, ok := table[k]
		if !ok {
			continue
		}
		if !info.LastTryTs.IsZero() && now.Sub(info.LastTryTs) < AddressCooldown {
			continue
		}
		accept := 1.0
		if info.Attempts > 0 {
			accept = math.Pow(FailureDecay, float64(info.Attempts))
		}
		if m.rng.Float64() <= accept {
			return info.Address, true
		}
	}
	return p2pwire.NetworkAddress{}, false
}

// GetAddresses uniformly samples up to max entries across both tables,
// excluding terrible ones.
func (m *AddrMan) GetAddresses(max int) []p2pwire.TimestampedAddress {
	if max > p2pwire.MaxAddrSize {
		max = p2pwire.MaxAddrSize
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()

	now := m.now()
	var candidates []*AddrInfo
	for _, info := range m.tried {
		if !info.isTerrible(now) {
			candidates = append(candidates, info)
		}
	}
	for _, info := range m.new {
		if !info.isTerrible(now) {
			candidates = append(candidates, info)
		}
	}

	m.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	if max > len(candidates) {
		max = len(candidates)
	}
	out := make([]p2pwire.TimestampedAddress, 0, max)
	for _, info := range candidates[:max] {
		out = append(out, p2pwire.TimestampedAddress{
			Addr:      info.Address,
			Timestamp: info.FirstSeenTs,
		})
	}
	return out
}

// CleanupStale removes terrible/stale entries from new. Tried is never
// pruned.
func (m *AddrMan) CleanupStale() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	now := m.now()
	removed := 0
	for _, k := range append([]Key(nil), m.newKeys...) {
		info, ok := m.new[k]
		if !ok {
			continue
		}
		if info.isTerrible(now) {
			delete(m.new, k)
			m.newKeys = removeKey(m.newKeys, k)
			removed++
		}
	}
	if removed > 0 {
		log.Debugf("cleanup_stale removed %d entries from new", removed)
	}
	return removed
}

// Size, TriedCount, NewCount report table sizes.
func (m *AddrMan) Size() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.tried) + len(m.new)
}

func (m *AddrMan) TriedCount() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.tried)
}

func (m *AddrMan) NewCount() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.new)
}
