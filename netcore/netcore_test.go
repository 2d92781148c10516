package netcore

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakuyama2024/coinbasechain-sub002/p2pwire"
)

func testAddr(ip string, port uint16) p2pwire.NetworkAddress {
	return p2pwire.NetworkAddress{IP: net.ParseIP(ip), Port: port}
}

func TestNewServerRejectsMissingMagic(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.DataDir = t.TempDir()
	_, err := NewServer(cfg, nil, nil, nil)
	assert.Error(t, err)
}

func TestNewServerRejectsMissingDataDir(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.NetworkMagic = p2pwire.MagicRegtest
	_, err := NewServer(cfg, nil, nil, nil)
	assert.Error(t, err)
}

func TestNewServerRejectsListenWithoutPort(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.NetworkMagic = p2pwire.MagicRegtest
	cfg.DataDir = t.TempDir()
	cfg.ListenEnabled = true
	_, err := NewServer(cfg, nil, nil, nil)
	assert.Error(t, err)
}

func TestNewServerWiresComponents(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.NetworkMagic = p2pwire.MagicRegtest
	cfg.DataDir = t.TempDir()
	srv, err := NewServer(cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, srv.AddrMan())
	assert.NotNil(t, srv.BanMan())
	assert.NotNil(t, srv.Lifecycle())
}

func TestRunLoadsPersistedStateAndShutsDownCleanly(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.NetworkMagic = p2pwire.MagicRegtest
	cfg.DataDir = t.TempDir()
	cfg.MaintenanceInterval = 10 * time.Millisecond
	cfg.ConnectInterval = 10 * time.Millisecond
	cfg.FeelerInterval = 10 * time.Millisecond

	srv, err := NewServer(cfg, nil, nil, nil)
	require.NoError(t, err)
	srv.AddrMan().Add(testAddr("7.7.7.7", 8333), time.Now())
	require.NoError(t, srv.AddrMan().Save(srv.peersPath()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, 1, srv.AddrMan().Size())
}

func TestRegisterMetricsExposesCollectors(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.NetworkMagic = p2pwire.MagicRegtest
	cfg.DataDir = t.TempDir()
	srv, err := NewServer(cfg, nil, nil, nil)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	require.NoError(t, srv.RegisterMetrics(reg))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "netcore_running")
	assert.Contains(t, names, "netcore_peers_total")
	assert.Contains(t, names, "netcore_addrman_tried")
	assert.Contains(t, names, "netcore_addrman_new")
}

func TestRunRejectsConcurrentInvocation(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.NetworkMagic = p2pwire.MagicRegtest
	cfg.DataDir = t.TempDir()
	cfg.MaintenanceInterval = time.Hour
	cfg.ConnectInterval = time.Hour
	cfg.FeelerInterval = time.Hour

	srv, err := NewServer(cfg, nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	err = srv.Run(context.Background())
	assert.Error(t, err)
}
