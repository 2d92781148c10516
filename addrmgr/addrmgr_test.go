package addrmgr

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakuyama2024/coinbasechain-sub002/p2pwire"
)

func addr(ip string, port uint16) p2pwire.NetworkAddress {
	return p2pwire.NetworkAddress{IP: net.ParseIP(ip), Port: port}
}

func TestAddAndCounts(t *testing.T) {
	m := New()
	assert.Equal(t, 0, m.Size())
	assert.False(t, func() bool { _, ok := m.Select(); return ok }())

	a := addr("192.168.1.1", 8333)
	assert.True(t, m.Add(a, time.Now()))
	assert.Equal(t, 1, m.Size())
	assert.Equal(t, 1, m.NewCount())
	assert.Equal(t, 0, m.TriedCount())

	assert.False(t, m.Add(a, time.Now()), "duplicate add should report false")
	assert.Equal(t, 1, m.Size())
}

func TestGoodPromotesNewToTried(t *testing.T) {
	m := New()
	a := addr("10.0.0.1", 8333)
	require.True(t, m.Add(a, time.Now()))

	m.Good(a)
	assert.Equal(t, 0, m.NewCount())
	assert.Equal(t, 1, m.TriedCount())

	// good again should keep it in tried, not duplicate
	m.Good(a)
	assert.Equal(t, 1, m.TriedCount())
	assert.Equal(t, 0, m.NewCount())
}

func TestFailedNeverDemotesTried(t *testing.T) {
	m := New()
	a := addr("10.0.0.2", 8333)
	require.True(t, m.Add(a, time.Now()))
	m.Good(a)
	require.Equal(t, 1, m.TriedCount())

	for i := 0; i < 20; i++ {
		m.Failed(a)
	}
	assert.Equal(t, 1, m.TriedCount())
	assert.Equal(t, 0, m.NewCount())
}

func TestFailedStaysInNewTable(t *testing.T) {
	m := New()
	a := addr("10.0.0.3", 8333)
	require.True(t, m.Add(a, time.Now()))
	for i := 0; i < 15; i++ {
		m.Failed(a)
	}
	assert.Equal(t, 1, m.NewCount())
	assert.Equal(t, 1, m.Size())
}

func TestSelectPrefersTriedAboutHalfTheTime(t *testing.T) {
	m := New()
	tried := addr("10.0.0.9", 8333)
	require.True(t, m.Add(tried, time.Now()))
	m.Good(tried)

	for i := 0; i < 100; i++ {
		a := addr("192.168.3."+strconv.Itoa(i+1), 8333)
		m.Add(a, time.Now())
	}

	triedHits := 0
	for i := 0; i < 400; i++ {
		got, ok := m.Select()
		require.True(t, ok)
		if got.Equal(tried) {
			triedHits++
		}
	}
	// expect roughly 50%, allow wide variance for determinism-free rng
	assert.Greater(t, triedHits, 120)
	assert.Less(t, triedHits, 280)
}

func TestGetAddressesUniqueAndBounded(t *testing.T) {
	m := New()
	for i := 0; i < 50; i++ {
		m.Add(addr("192.168.4."+strconv.Itoa(i+1), 8333), time.Now())
	}
	out := m.GetAddresses(20)
	assert.Len(t, out, 20)

	seen := make(map[string]bool)
	for _, ta := range out {
		seen[ta.Addr.String()] = true
	}
	assert.Len(t, seen, 20)
}

func TestCleanupStaleRemovesOnlyTerribleNewEntries(t *testing.T) {
	m := New()
	m.now = func() time.Time { return time.Unix(100000000, 0) }

	stale := addr("172.16.0.1", 8333)
	require.True(t, m.Add(stale, time.Unix(1, 0)))
	// force it stale: first_seen far in the past relative to m.now()
	m.new[keyOf(stale)].FirstSeenTs = time.Unix(1, 0)

	fresh := addr("172.16.0.2", 8333)
	require.True(t, m.Add(fresh, time.Unix(99999999, 0)))

	removed := m.CleanupStale()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, m.NewCount())
}

func TestCleanupStaleNeverTouchesTried(t *testing.T) {
	m := New()
	m.now = func() time.Time { return time.Unix(100000000, 0) }
	a := addr("10.0.0.5", 8333)
	require.True(t, m.Add(a, time.Unix(1, 0)))
	m.Good(a)
	// simulate huge attempts with no success to make it "terrible" by the
	// failure rule, but it's in tried so cleanup must leave it alone
	m.tried[keyOf(a)].Attempts = 50
	m.tried[keyOf(a)].LastSuccessTs = time.Time{}

	m.CleanupStale()
	assert.Equal(t, 1, m.TriedCount())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.json")

	m1 := New()
	for i := 0; i < 15; i++ {
		m1.Add(addr("192.168.10."+strconv.Itoa(i+1), 8333), time.Now())
	}
	for i := 0; i < 5; i++ {
		a := addr("10.0.3."+strconv.Itoa(i+1), 8333)
		m1.Add(a, time.Now())
		m1.Good(a)
	}
	require.NoError(t, m1.Save(path))

	m2 := New()
	require.NoError(t, m2.Load(path))
	assert.Equal(t, 20, m2.Size())
	assert.Equal(t, 15, m2.NewCount())
	assert.Equal(t, 5, m2.TriedCount())
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	m := New()
	err := m.Load(filepath.Join(t.TempDir(), "nonexistent.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, m.Size())
}

func TestLoadRejectsVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.json")

	m1 := New()
	m1.Add(addr("10.0.0.1", 8333), time.Now())
	require.NoError(t, m1.Save(path))

	// Overwrite the saved file with one whose version is unsupported; Load
	// must reject it before looking at the entries or the checksum.
	corrupted := []byte(`{"version":99,"tried":[],"new":[],"sha256_checksum":""}`)
	require.NoError(t, os.WriteFile(path, corrupted, 0o644))

	m2 := New()
	err := m2.Load(path)
	assert.Error(t, err)
}
