// Package pool keeps idle outbound TCP connections per destination so that
// forwarders can skip the connect round trip to machines that are already awake.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bcnelson/wakeproxy/internal/metrics"
)

var (
	// ErrConnectTimeout is returned when a new outbound connection does not
	// complete within the connect timeout.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrConnectRefused is returned when the destination actively refuses the connection.
	ErrConnectRefused = errors.New("connection refused")
)

// Config controls pool sizing and timeouts.
type Config struct {
	// MaxPerDestination caps the idle queue of one destination. The global
	// concurrency cap is 10 times this value.
	MaxPerDestination int

	// IdleTimeout is how long a released connection may sit in the pool.
	IdleTimeout time.Duration

	// SweepInterval is how often Run evicts expired connections.
	SweepInterval time.Duration

	// PermitTimeout bounds the wait for a global permit before connecting unpooled.
	PermitTimeout time.Duration

	// ConnectTimeout bounds establishing a new connection.
	ConnectTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerDestination: 10,
		IdleTimeout:       300 * time.Second,
		SweepInterval:     60 * time.Second,
		PermitTimeout:     5 * time.Second,
		ConnectTimeout:    30 * time.Second,
	}
}

// Conn is an outbound connection owned by the pool or, between Acquire and
// Release, by exactly one forwarder.
type Conn struct {
	net.Conn

	dest     string
	lastUsed time.Time

	releaseOnce sync.Once
	permit      func()
}

// Destination returns the "host:port" the connection points at.
func (c *Conn) Destination() string {
	return c.dest
}

// Close closes the socket and returns the global permit held by the connection.
func (c *Conn) Close() error {
	err := c.Conn.Close()
	c.releaseOnce.Do(func() {
		if c.permit != nil {
			c.permit()
		}
	})
	return err
}

// Pool is a set of per-destination idle queues under a global connection cap.
type Pool struct {
	cfg    Config
	sem    *semaphore.Weighted
	dialer *net.Dialer
	logger *slog.Logger

	// now is replaced in tests to age connections without sleeping.
	now func() time.Time

	mu   sync.Mutex
	idle map[string][]*Conn
}

// New creates a Pool. Zero fields in cfg fall back to DefaultConfig.
func New(cfg Config, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.MaxPerDestination <= 0 {
		cfg.MaxPerDestination = def.MaxPerDestination
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.PermitTimeout <= 0 {
		cfg.PermitTimeout = def.PermitTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}

	return &Pool{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(10 * cfg.MaxPerDestination)),
		dialer: &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second},
		logger: logger,
		now:    time.Now,
		idle:   make(map[string][]*Conn),
	}
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Acquire returns an idle connection to dest if one is available, otherwise
// it dials a new one. The caller owns the connection until it passes it to
// Release or closes it.
func (p *Pool) Acquire(ctx context.Context, dest string) (*Conn, error) {
	if c := p.pop(dest); c != nil {
		metrics.PoolAcquires.WithLabelValues("hit").Inc()
		return c, nil
	}

	release, err := p.acquirePermit(ctx, dest)
	if err != nil {
		metrics.PoolAcquires.WithLabelValues("error").Inc()
		return nil, err
	}

	conn, err := p.dialer.DialContext(ctx, "tcp", dest)
	if err != nil {
		if release != nil {
			release()
		}
		metrics.PoolAcquires.WithLabelValues("error").Inc()
		return nil, classifyDialError(dest, err)
	}

	metrics.PoolAcquires.WithLabelValues("miss").Inc()
	return &Conn{
		Conn:     conn,
		dest:     dest,
		lastUsed: p.now(),
		permit:   release,
	}, nil
}

// acquirePermit waits up to PermitTimeout for a global permit. When the wait
// times out the connection proceeds without one; the returned release func is nil.
func (p *Pool) acquirePermit(ctx context.Context, dest string) (func(), error) {
	permitCtx, cancel := context.WithTimeout(ctx, p.cfg.PermitTimeout)
	defer cancel()

	if err := p.sem.Acquire(permitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.PoolAcquires.WithLabelValues("degraded").Inc()
		p.logger.Warn("connection permit wait timed out, connecting unpooled",
			"destination", dest, "waited", p.cfg.PermitTimeout)
		return nil, nil
	}

	return func() { p.sem.Release(1) }, nil
}

// Release hands a connection back. It is queued if the destination has room,
// otherwise it is closed.
func (p *Pool) Release(dest string, c *Conn) {
	if c == nil {
		return
	}

	p.mu.Lock()
	queue := p.idle[dest]
	if len(queue) >= p.cfg.MaxPerDestination {
		p.mu.Unlock()
		_ = c.Close()
		metrics.PoolEvictions.WithLabelValues("full").Inc()
		return
	}
	c.lastUsed = p.now()
	p.idle[dest] = append(queue, c)
	p.mu.Unlock()

	metrics.PoolIdle.Inc()
}

// pop removes and returns the oldest non-expired idle connection for dest.
// Expired connections found on the way are closed.
func (p *Pool) pop(dest string) *Conn {
	var expired []*Conn
	var found *Conn

	p.mu.Lock()
	queue := p.idle[dest]
	now := p.now()
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if now.Sub(c.lastUsed) > p.cfg.IdleTimeout {
			expired = append(expired, c)
			continue
		}
		found = c
		break
	}
	if len(queue) == 0 {
		delete(p.idle, dest)
	} else {
		p.idle[dest] = queue
	}
	p.mu.Unlock()

	p.closeAll(expired, "expired")
	if found != nil {
		metrics.PoolIdle.Dec()
	}
	return found
}

// EvictExpired closes every idle connection older than IdleTimeout and
// returns how many were dropped.
func (p *Pool) EvictExpired() int {
	var expired []*Conn

	p.mu.Lock()
	now := p.now()
	for dest, queue := range p.idle {
		kept := queue[:0]
		for _, c := range queue {
			if now.Sub(c.lastUsed) > p.cfg.IdleTimeout {
				expired = append(expired, c)
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(p.idle, dest)
		} else {
			p.idle[dest] = kept
		}
	}
	p.mu.Unlock()

	p.closeAll(expired, "expired")
	return len(expired)
}

// RemoveDestination closes and forgets every idle connection to dest.
func (p *Pool) RemoveDestination(dest string) int {
	p.mu.Lock()
	queue := p.idle[dest]
	delete(p.idle, dest)
	p.mu.Unlock()

	p.closeAll(queue, "purged")
	return len(queue)
}

// RemoveHost closes and forgets every idle connection to any port on host.
func (p *Pool) RemoveHost(host string) int {
	var purged []*Conn

	p.mu.Lock()
	for dest, queue := range p.idle {
		h, _, err := net.SplitHostPort(dest)
		if err != nil || h != host {
			continue
		}
		purged = append(purged, queue...)
		delete(p.idle, dest)
	}
	p.mu.Unlock()

	p.closeAll(purged, "purged")
	return len(purged)
}

// Len returns the number of idle connections held for dest.
func (p *Pool) Len(dest string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[dest])
}

// Destinations returns every destination with at least one idle connection.
func (p *Pool) Destinations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	dests := make([]string, 0, len(p.idle))
	for dest := range p.idle {
		dests = append(dests, dest)
	}
	return dests
}

// Run evicts expired connections every SweepInterval until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// Close drops every idle connection.
func (p *Pool) Close() {
	p.mu.Lock()
	var all []*Conn
	for _, queue := range p.idle {
		all = append(all, queue...)
	}
	p.idle = make(map[string][]*Conn)
	p.mu.Unlock()

	p.closeAll(all, "closed")
}

func (p *Pool) sweep() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pool sweep panicked", "panic", r)
		}
	}()

	if n := p.EvictExpired(); n > 0 {
		p.logger.Debug("evicted idle connections", "count", n)
	}
}

func (p *Pool) closeAll(conns []*Conn, reason string) {
	for _, c := range conns {
		_ = c.Close()
	}
	if len(conns) > 0 {
		metrics.PoolEvictions.WithLabelValues(reason).Add(float64(len(conns)))
		metrics.PoolIdle.Sub(float64(len(conns)))
	}
}

func classifyDialError(dest string, err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %s", ErrConnectRefused, dest)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s", ErrConnectTimeout, dest)
	}
	return fmt.Errorf("connecting to %s: %w", dest, err)
}
