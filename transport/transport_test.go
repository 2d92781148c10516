package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedConnDeliversInOrder(t *testing.T) {
	a, b := NewSimulatedPair("a:1", "b:1")
	defer a.Close()

	var got [][]byte
	done := make(chan struct{})
	b.SetReceiveHandler(func(msg []byte) {
		got = append(got, msg)
		if len(got) == 3 {
			close(done)
		}
	})

	require.NoError(t, a.Send([]byte("one")))
	require.NoError(t, a.Send([]byte("two")))
	require.NoError(t, a.Send([]byte("three")))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("messages not delivered")
	}

	require.Len(t, got, 3)
	assert.Equal(t, "one", string(got[0]))
	assert.Equal(t, "two", string(got[1]))
	assert.Equal(t, "three", string(got[2]))
}

func TestSimulatedConnRemoteAddr(t *testing.T) {
	a, b := NewSimulatedPair("a:1", "b:1")
	defer a.Close()
	assert.Equal(t, "b:1", a.RemoteAddr())
	assert.Equal(t, "a:1", b.RemoteAddr())
}

func TestSimulatedConnCloseNotifiesBothSides(t *testing.T) {
	a, b := NewSimulatedPair("a:1", "b:1")

	aDisc := make(chan error, 1)
	bDisc := make(chan error, 1)
	a.SetDisconnectHandler(func(reason error) { aDisc <- reason })
	b.SetDisconnectHandler(func(reason error) { bDisc <- reason })

	require.NoError(t, a.Close())

	select {
	case err := <-aDisc:
		assert.Equal(t, ErrConnClosed, err)
	case <-time.After(time.Second):
		t.Fatal("a never notified of its own close")
	}
	select {
	case err := <-bDisc:
		assert.Equal(t, ErrConnClosed, err)
	case <-time.After(time.Second):
		t.Fatal("b never notified of peer close")
	}
}

func TestSimulatedConnCloseIsIdempotent(t *testing.T) {
	a, _ := NewSimulatedPair("a:1", "b:1")
	require.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}

func TestSimulatedConnSendAfterCloseFails(t *testing.T) {
	a, _ := NewSimulatedPair("a:1", "b:1")
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send([]byte("x")), ErrConnClosed)
}

func TestSimulatedDialerRequiresAcceptor(t *testing.T) {
	d := NewSimulatedDialer("local", nil)
	_, err := d.Dial(context.Background(), "remote:1")
	assert.Error(t, err)
}

func TestSimulatedDialerInvokesAcceptor(t *testing.T) {
	server, client := NewSimulatedPair("server:1", "client:1")
	defer client.Close()

	d := NewSimulatedDialer("client", func(ctx context.Context, address string) (*SimulatedConn, error) {
		assert.Equal(t, "server:1", address)
		return server, nil
	})

	conn, err := d.Dial(context.Background(), "server:1")
	require.NoError(t, err)
	assert.Equal(t, "client:1", conn.RemoteAddr())
}
