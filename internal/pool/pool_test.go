package pool

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcnelson/wakeproxy/internal/testutil"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := New(cfg, slog.Default())
	t.Cleanup(p.Close)
	return p
}

func roundTrip(t *testing.T, c net.Conn, msg string) {
	t.Helper()
	require.NoError(t, c.SetDeadline(time.Now().Add(2*time.Second)))
	_, err := c.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
	require.NoError(t, c.SetDeadline(time.Time{}))
}

func TestNew_Defaults(t *testing.T) {
	p := newTestPool(t, Config{})
	assert.Equal(t, DefaultConfig(), p.Config())
}

func TestAcquire_ReusesReleasedConnection(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	p := newTestPool(t, Config{})

	c, err := p.Acquire(context.Background(), echo.Addr())
	require.NoError(t, err)
	roundTrip(t, c, "first")
	p.Release(echo.Addr(), c)
	assert.Equal(t, 1, p.Len(echo.Addr()))

	c2, err := p.Acquire(context.Background(), echo.Addr())
	require.NoError(t, err)
	assert.Same(t, c, c2)
	assert.Equal(t, 0, p.Len(echo.Addr()))
	roundTrip(t, c2, "second")

	assert.Equal(t, 1, echo.Accepted())
	assert.Equal(t, echo.Addr(), c2.Destination())
}

func TestAcquire_ExpiredConnectionIsNotReturned(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	p := newTestPool(t, Config{IdleTimeout: time.Minute})

	now := time.Now()
	p.now = func() time.Time { return now }

	c, err := p.Acquire(context.Background(), echo.Addr())
	require.NoError(t, err)
	p.Release(echo.Addr(), c)

	now = now.Add(2 * time.Minute)

	c2, err := p.Acquire(context.Background(), echo.Addr())
	require.NoError(t, err)
	assert.NotSame(t, c, c2)
	assert.Equal(t, 2, echo.Accepted())
	_ = c2.Close()
}

func TestEvictExpired(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	p := newTestPool(t, Config{IdleTimeout: time.Minute})

	now := time.Now()
	p.now = func() time.Time { return now }

	stale, err := p.Acquire(context.Background(), echo.Addr())
	require.NoError(t, err)
	recent, err := p.Acquire(context.Background(), echo.Addr())
	require.NoError(t, err)

	p.Release(echo.Addr(), stale)
	now = now.Add(30 * time.Second)
	p.Release(echo.Addr(), recent)
	now = now.Add(45 * time.Second)

	assert.Equal(t, 1, p.EvictExpired())
	assert.Equal(t, 1, p.Len(echo.Addr()))

	c, err := p.Acquire(context.Background(), echo.Addr())
	require.NoError(t, err)
	assert.Same(t, recent, c)
	_ = c.Close()
}

func TestRelease_ClosesWhenDestinationIsFull(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	p := newTestPool(t, Config{MaxPerDestination: 2})

	var conns []*Conn
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(context.Background(), echo.Addr())
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Release(echo.Addr(), c)
	}

	assert.Equal(t, 2, p.Len(echo.Addr()))

	// The third connection was closed rather than queued.
	_, err := conns[2].Write([]byte("x"))
	assert.Error(t, err)
}

func TestRemoveDestination(t *testing.T) {
	a := testutil.NewEchoServer(t)
	b := testutil.NewEchoServer(t)
	p := newTestPool(t, Config{})

	for _, s := range []*testutil.EchoServer{a, b} {
		c, err := p.Acquire(context.Background(), s.Addr())
		require.NoError(t, err)
		p.Release(s.Addr(), c)
	}

	assert.Equal(t, 1, p.RemoveDestination(a.Addr()))
	assert.Equal(t, 0, p.Len(a.Addr()))
	assert.Equal(t, 1, p.Len(b.Addr()))
	assert.Equal(t, []string{b.Addr()}, p.Destinations())
}

func TestRemoveHost_DropsEveryPort(t *testing.T) {
	a := testutil.NewEchoServer(t)
	b := testutil.NewEchoServer(t)
	p := newTestPool(t, Config{})

	for _, s := range []*testutil.EchoServer{a, b} {
		c, err := p.Acquire(context.Background(), s.Addr())
		require.NoError(t, err)
		p.Release(s.Addr(), c)
	}

	assert.Equal(t, 2, p.RemoveHost("127.0.0.1"))
	assert.Empty(t, p.Destinations())
	assert.Equal(t, 0, p.RemoveHost("10.0.0.1"))
}

func TestAcquire_Refused(t *testing.T) {
	p := newTestPool(t, Config{})
	_, err := p.Acquire(context.Background(), testutil.ClosedAddr(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectRefused)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	p := newTestPool(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Acquire(ctx, testutil.ClosedAddr(t))
	require.Error(t, err)
}

func TestAcquire_DegradesWhenPermitsExhausted(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	p := newTestPool(t, Config{MaxPerDestination: 1, PermitTimeout: 50 * time.Millisecond})

	// Global cap is 10 for MaxPerDestination 1.
	var held []*Conn
	for i := 0; i < 10; i++ {
		c, err := p.Acquire(context.Background(), echo.Addr())
		require.NoError(t, err)
		held = append(held, c)
	}

	start := time.Now()
	extra, err := p.Acquire(context.Background(), echo.Addr())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	roundTrip(t, extra, "degraded")
	_ = extra.Close()

	for _, c := range held {
		_ = c.Close()
	}

	// Closing returned the permits, so this acquire does not wait.
	start = time.Now()
	c, err := p.Acquire(context.Background(), echo.Addr())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	_ = c.Close()
}

func TestConn_CloseReleasesPermitOnce(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	p := newTestPool(t, Config{MaxPerDestination: 1, PermitTimeout: 20 * time.Millisecond})

	c, err := p.Acquire(context.Background(), echo.Addr())
	require.NoError(t, err)
	_ = c.Close()
	_ = c.Close()

	// A double release would panic in the semaphore.
	assert.True(t, p.sem.TryAcquire(10))
	p.sem.Release(10)
}

func TestAcquire_Concurrent(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	p := newTestPool(t, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(context.Background(), echo.Addr())
			if !assert.NoError(t, err) {
				return
			}
			p.Release(echo.Addr(), c)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, p.Len(echo.Addr()), 10)
}

func TestRun_StopsOnCancel(t *testing.T) {
	p := newTestPool(t, Config{SweepInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
