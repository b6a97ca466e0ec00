package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NadavLor/windbg-mcp-bridge/internal/transport"
)

func echoTransport() *transport.InMemory {
	return transport.NewInMemory(func(server net.Conn) {
		buf := make([]byte, 4096)
		for {
			n, err := server.Read(buf)
			if err != nil {
				return
			}
			if _, err := server.Write(buf[:n]); err != nil {
				return
			}
		}
	})
}

func TestAcquireRelease_ReusesPooledHandle(t *testing.T) {
	p := New(echoTransport(), Config{MaxConnections: 2, MaxConcurrentRequests: 4})

	g1, err := p.Acquire(context.Background(), time.Second, time.Second)
	require.NoError(t, err)
	conn1 := g1.Conn()
	p.Release(g1)

	g2, err := p.Acquire(context.Background(), time.Second, time.Second)
	require.NoError(t, err)
	require.Same(t, conn1, g2.Conn())
	p.Release(g2)

	require.Equal(t, 1, p.PooledCount())
}

func TestAcquire_GrowsPoolUpToCap(t *testing.T) {
	p := New(echoTransport(), Config{MaxConnections: 2, MaxConcurrentRequests: 4})

	g1, err := p.Acquire(context.Background(), time.Second, time.Second)
	require.NoError(t, err)
	g2, err := p.Acquire(context.Background(), time.Second, time.Second)
	require.NoError(t, err)

	require.Equal(t, 2, p.PooledCount())
	p.Release(g1)
	p.Release(g2)
}

func TestAcquire_TemporaryHandleBeyondPoolCap(t *testing.T) {
	p := New(echoTransport(), Config{MaxConnections: 1, MaxConcurrentRequests: 4})

	g1, err := p.Acquire(context.Background(), time.Second, time.Second)
	require.NoError(t, err)
	g2, err := p.Acquire(context.Background(), time.Second, time.Second)
	require.NoError(t, err)

	require.Equal(t, 1, p.PooledCount())
	p.Release(g2)
	require.Equal(t, 1, p.PooledCount())
	p.Release(g1)
}

func TestAcquire_AdmissionGateBlocksBeyondConcurrencyCap(t *testing.T) {
	p := New(echoTransport(), Config{MaxConnections: 5, MaxConcurrentRequests: 1})

	g1, err := p.Acquire(context.Background(), time.Second, time.Second)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), time.Second, 20*time.Millisecond)
	require.Error(t, err)

	p.Release(g1)
}

func TestEvictStale_RemovesIdleHandles(t *testing.T) {
	p := New(echoTransport(), Config{MaxConnections: 2, MaxConcurrentRequests: 4, MaxAge: 1 * time.Millisecond})

	g1, err := p.Acquire(context.Background(), time.Second, time.Second)
	require.NoError(t, err)
	p.Release(g1)

	time.Sleep(5 * time.Millisecond)
	p.EvictStale()
	require.Equal(t, 0, p.PooledCount())
}

func TestInFlight_TracksAcquireRelease(t *testing.T) {
	p := New(echoTransport(), Config{MaxConnections: 2, MaxConcurrentRequests: 4})
	require.Equal(t, 0, p.InFlight())

	g, err := p.Acquire(context.Background(), time.Second, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, p.InFlight())

	p.Release(g)
	require.Equal(t, 0, p.InFlight())
}
