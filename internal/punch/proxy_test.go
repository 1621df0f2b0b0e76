package punch

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localListener(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWithDeadline(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestProxyForwardsBothDirections(t *testing.T) {
	remote := localListener(t)
	game := localListener(t)

	proxy, err := NewProxy(remote.LocalAddr().(*net.UDPAddr), 0)
	require.NoError(t, err)
	defer proxy.Close()

	proxyAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: proxy.LocalPort()}

	// Game side sends first; the proxy latches it as the local peer and
	// forwards to the remote.
	_, err = game.WriteToUDP([]byte("to-remote"), proxyAddr)
	require.NoError(t, err)
	assert.Equal(t, []byte("to-remote"), readWithDeadline(t, remote))

	// The remote replies through the proxy back to the game side.
	_, err = remote.WriteToUDP([]byte("to-game"), proxyAddr)
	require.NoError(t, err)
	assert.Equal(t, []byte("to-game"), readWithDeadline(t, game))
}

func TestLatchProxyNeverSendsBeforeLatch(t *testing.T) {
	proxy, err := NewLatchProxy(0)
	require.NoError(t, err)
	defer proxy.Close()

	err = proxy.SendToRemote([]byte("too early"))
	assert.ErrorIs(t, err, ErrRemoteNotLatched)
}

func TestLatchProxyLatchesFirstSender(t *testing.T) {
	remote := localListener(t)

	proxy, err := NewLatchProxy(0)
	require.NoError(t, err)
	defer proxy.Close()

	proxyAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: proxy.LocalPort()}
	_, err = remote.WriteToUDP([]byte("hello"), proxyAddr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return proxy.Remote() != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, proxy.SendToRemote([]byte("reply")))
	assert.Equal(t, []byte("reply"), readWithDeadline(t, remote))
}

func TestRegistrySweepEvictsIdleProxies(t *testing.T) {
	reg := NewRegistry()

	remote := localListener(t)
	p, err := reg.Acquire(7, remote.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())

	// Fresh bridge survives a sweep with a generous timeout.
	assert.Equal(t, 0, reg.Sweep(time.Minute))
	got, ok := reg.Lookup(7)
	require.True(t, ok)
	assert.Same(t, p, got)

	// With a zero timeout everything is idle.
	assert.Equal(t, 1, reg.Sweep(0))
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryAcquireReplacesExistingBridge(t *testing.T) {
	reg := NewRegistry()
	defer reg.CloseAll()

	first := localListener(t)
	second := localListener(t)

	p1, err := reg.Acquire(3, first.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	p2, err := reg.Acquire(3, second.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	assert.NotSame(t, p1, p2)
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, second.LocalAddr().(*net.UDPAddr).Port, p2.Remote().Port)
}

func TestRegistryReleaseDisposesBridge(t *testing.T) {
	reg := NewRegistry()

	remote := localListener(t)
	_, err := reg.Acquire(9, remote.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	reg.Release(9)
	_, ok := reg.Lookup(9)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())

	// Releasing an unknown connection is a no-op.
	reg.Release(9)
}

func TestAcquiredBridgeForwardsBetweenJoinerAndHost(t *testing.T) {
	reg := NewRegistry()
	defer reg.CloseAll()

	host := localListener(t)
	joiner := localListener(t)

	bridge, err := reg.Acquire(5, host.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	bridgeAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: bridge.LocalPort()}

	// The joiner's first datagram latches it and reaches the host.
	_, err = joiner.WriteToUDP([]byte("hello"), bridgeAddr)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), readWithDeadline(t, host))

	// The host's reply to the bridge flows back to the latched joiner.
	_, err = host.WriteToUDP([]byte("world"), bridgeAddr)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), readWithDeadline(t, joiner))
}
