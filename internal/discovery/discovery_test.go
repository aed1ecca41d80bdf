package discovery

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeUDPAddr reserves a loopback UDP port for a test listener.
func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := conn.LocalAddr().String()
	require.NoError(t, conn.Close())
	return addr
}

// TestAnnounceAndWait verifies the happy path: a listener discovers an
// announcing coordinator within the announce interval.
func TestAnnounceAndWait(t *testing.T) {
	addr := freeUDPAddr(t)

	l := NewListener(addr, 0)
	require.NoError(t, l.Start())
	defer l.Stop()

	a := NewAnnouncer("coord-1", "127.0.0.1:5555", addr, 50*time.Millisecond)
	require.NoError(t, a.Start())
	defer a.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := l.WaitForCoordinator(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5555", got)
	assert.Contains(t, l.Coordinators(), "127.0.0.1:5555")
}

// TestWaitTimesOut verifies the bounded-wait failure mode when nothing
// announces: ErrNoCoordinator, not a hang.
func TestWaitTimesOut(t *testing.T) {
	l := NewListener(freeUDPAddr(t), 0)
	require.NoError(t, l.Start())
	defer l.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := l.WaitForCoordinator(ctx)
	assert.ErrorIs(t, err, ErrNoCoordinator)
}

// TestPruneStaleCoordinator verifies that an endpoint disappears once its
// announcements stop for longer than the inactivity window.
func TestPruneStaleCoordinator(t *testing.T) {
	addr := freeUDPAddr(t)

	l := NewListener(addr, 150*time.Millisecond)
	require.NoError(t, l.Start())
	defer l.Stop()

	a := NewAnnouncer("coord-1", "127.0.0.1:5555", addr, 50*time.Millisecond)
	require.NoError(t, a.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := l.WaitForCoordinator(ctx)
	require.NoError(t, err)

	// Silence the coordinator and wait past the prune window.
	a.Stop()
	require.Eventually(t, func() bool {
		return len(l.Coordinators()) == 0
	}, 2*time.Second, 25*time.Millisecond, "stale endpoint should be pruned")
}

// TestRefreshKeepsEndpoint verifies a re-announcing coordinator is never
// pruned even with a short inactivity window.
func TestRefreshKeepsEndpoint(t *testing.T) {
	addr := freeUDPAddr(t)

	l := NewListener(addr, 200*time.Millisecond)
	require.NoError(t, l.Start())
	defer l.Stop()

	a := NewAnnouncer("coord-1", "127.0.0.1:5555", addr, 50*time.Millisecond)
	require.NoError(t, a.Start())
	defer a.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := l.WaitForCoordinator(ctx)
	require.NoError(t, err)

	// Across several prune cycles the endpoint must survive.
	for i := 0; i < 4; i++ {
		time.Sleep(150 * time.Millisecond)
		require.Len(t, l.Coordinators(), 1, "cycle %d", i)
	}
}

// TestWaitRecoversAfterPrune verifies that a wait started after every
// known endpoint has been pruned still picks up the next announcement
// instead of failing immediately on the stale empty cache.
func TestWaitRecoversAfterPrune(t *testing.T) {
	addr := freeUDPAddr(t)

	l := NewListener(addr, 150*time.Millisecond)
	require.NoError(t, l.Start())
	defer l.Stop()

	a := NewAnnouncer("coord-1", "127.0.0.1:5555", addr, 50*time.Millisecond)
	require.NoError(t, a.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_, err := l.WaitForCoordinator(ctx)
	cancel()
	require.NoError(t, err)

	// Coordinator goes quiet long enough to be pruned.
	a.Stop()
	require.Eventually(t, func() bool {
		return len(l.Coordinators()) == 0
	}, 2*time.Second, 25*time.Millisecond)

	// A fresh wait must block through the empty cache and resolve once the
	// coordinator comes back.
	b := NewAnnouncer("coord-1", "127.0.0.1:5555", addr, 50*time.Millisecond)
	require.NoError(t, b.Start())
	defer b.Stop()

	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := l.WaitForCoordinator(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5555", got)
}

// TestMultipleCoordinators verifies endpoints are keyed by coordinator id.
func TestMultipleCoordinators(t *testing.T) {
	addr := freeUDPAddr(t)

	l := NewListener(addr, 0)
	require.NoError(t, l.Start())
	defer l.Stop()

	var announcers []*Announcer
	for i := 0; i < 3; i++ {
		a := NewAnnouncer(
			fmt.Sprintf("coord-%d", i),
			fmt.Sprintf("127.0.0.1:60%d0", i),
			addr,
			50*time.Millisecond,
		)
		require.NoError(t, a.Start())
		announcers = append(announcers, a)
	}
	defer func() {
		for _, a := range announcers {
			a.Stop()
		}
	}()

	require.Eventually(t, func() bool {
		return len(l.Coordinators()) == 3
	}, 2*time.Second, 25*time.Millisecond)
}
