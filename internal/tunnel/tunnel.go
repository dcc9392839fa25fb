// Package tunnel implements the per-port forwarder: it listens on a local
// port, wakes the target machine when it is not reachable and relays bytes
// between the client and the target.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/bcnelson/wakeproxy/internal/metrics"
	"github.com/bcnelson/wakeproxy/internal/pool"
)

// ErrBindConflict is returned when the local port of a forwarder is already in use.
var ErrBindConflict = errors.New("local port already in use")

const (
	// DefaultCheckTimeout bounds the connection attempt that decides whether
	// the target has to be woken.
	DefaultCheckTimeout = 2 * time.Second

	// DefaultLinger is how long the upstream must stay silent after the
	// client finished writing before the connection is pooled again.
	DefaultLinger = 500 * time.Millisecond

	maxAcceptDelay = time.Second
)

// Target describes where a forwarder sends its traffic.
type Target struct {
	Name       string
	MAC        net.HardwareAddr
	IP         string
	LocalPort  int
	TargetPort int
}

// Destination returns the "ip:port" of the target service.
func (t Target) Destination() string {
	return net.JoinHostPort(t.IP, strconv.Itoa(t.TargetPort))
}

// ConnPool hands out outbound connections.
type ConnPool interface {
	Acquire(ctx context.Context, dest string) (*pool.Conn, error)
	Release(dest string, c *pool.Conn)
}

// Waker wakes a machine and waits until addr accepts connections.
type Waker interface {
	WakeAndWait(ctx context.Context, mac net.HardwareAddr, addr string) error
}

// Options tunes a Forwarder. Zero values use the defaults.
type Options struct {
	// ListenHost is the local address to bind; empty binds every interface.
	ListenHost string

	// CheckTimeout bounds the first connection attempt that decides whether
	// the target has to be woken.
	CheckTimeout time.Duration

	// Linger is how long the upstream must stay silent after the client
	// finished writing for the connection to be reused.
	Linger time.Duration

	// Limiter, when set, is consulted for every accepted connection.
	Limiter *rate.Limiter
}

// Forwarder owns one local listener and relays its connections to a Target.
type Forwarder struct {
	target Target
	pool   ConnPool
	waker  Waker
	opts   Options
	logger *slog.Logger

	mu sync.Mutex
	ln net.Listener

	conns sync.WaitGroup

	// retire is held for reading while a relay hands its upstream back to the
	// pool. Serve takes it for writing before returning, so no release lands
	// after the forwarder has been stopped.
	retire sync.RWMutex
}

// New creates a Forwarder. Call Listen then Serve.
func New(target Target, connPool ConnPool, waker Waker, opts Options, logger *slog.Logger) *Forwarder {
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = DefaultCheckTimeout
	}
	if opts.Linger <= 0 {
		opts.Linger = DefaultLinger
	}
	return &Forwarder{
		target: target,
		pool:   connPool,
		waker:  waker,
		opts:   opts,
		logger: logger.With("machine", target.Name, "local_port", target.LocalPort, "target", target.Destination()),
	}
}

// Listen binds the local port.
func (f *Forwarder) Listen() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ln != nil {
		return nil
	}

	addr := net.JoinHostPort(f.opts.ListenHost, strconv.Itoa(f.target.LocalPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %s", ErrBindConflict, addr)
		}
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	f.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (f *Forwarder) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ln == nil {
		return nil
	}
	return f.ln.Addr()
}

// Serve accepts connections until ctx is done. The listener is closed on
// return; connections already accepted keep running until they finish.
func (f *Forwarder) Serve(ctx context.Context) error {
	if err := f.Listen(); err != nil {
		return err
	}

	f.mu.Lock()
	ln := f.ln
	f.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()
	defer func() {
		f.retire.Lock()
		f.retire.Unlock()
	}()

	f.logger.Info("forwarder listening", "addr", ln.Addr().String())

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				f.logger.Info("forwarder stopped")
				return nil
			}

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			f.logger.Warn("accept failed, retrying", "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		f.conns.Add(1)
		go func() {
			defer f.conns.Done()
			f.handle(ctx, conn)
		}()
	}
}

// Wait blocks until every accepted connection has finished.
func (f *Forwarder) Wait() {
	f.conns.Wait()
}

func (f *Forwarder) handle(ctx context.Context, client net.Conn) {
	defer client.Close()

	logger := f.logger.With("remote", client.RemoteAddr().String())

	if f.opts.Limiter != nil && !f.opts.Limiter.Allow() {
		metrics.Connections.WithLabelValues(f.target.Name, "rate_limited").Inc()
		logger.Warn("connection rejected by rate limit")
		return
	}

	upstream, err := f.connect(ctx, logger)
	if err != nil {
		metrics.Connections.WithLabelValues(f.target.Name, "failed").Inc()
		logger.Warn("closing client, target unavailable", "error", err)
		return
	}

	metrics.Connections.WithLabelValues(f.target.Name, "relayed").Inc()
	metrics.ActiveRelays.Inc()
	defer metrics.ActiveRelays.Dec()

	start := time.Now()
	reusable := relay(client, upstream, f.opts.Linger)
	f.finish(ctx, upstream, reusable)
	logger.Debug("relay finished", "duration", time.Since(start).Round(time.Millisecond), "reused", reusable)
}

// finish pools a clean upstream while the forwarder is still serving and
// closes it otherwise.
func (f *Forwarder) finish(ctx context.Context, upstream *pool.Conn, reusable bool) {
	f.retire.RLock()
	defer f.retire.RUnlock()

	if reusable && ctx.Err() == nil {
		f.pool.Release(f.target.Destination(), upstream)
		return
	}
	_ = upstream.Close()
}

// connect returns an outbound connection, waking the target first when the
// initial attempt fails.
func (f *Forwarder) connect(ctx context.Context, logger *slog.Logger) (*pool.Conn, error) {
	dest := f.target.Destination()

	checkCtx, cancel := context.WithTimeout(ctx, f.opts.CheckTimeout)
	conn, err := f.pool.Acquire(checkCtx, dest)
	cancel()
	if err == nil {
		return conn, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	logger.Info("target not reachable, waking", "reason", err)
	if err := f.waker.WakeAndWait(ctx, f.target.MAC, dest); err != nil {
		return nil, fmt.Errorf("waking %s: %w", f.target.Name, err)
	}

	return f.pool.Acquire(ctx, dest)
}
