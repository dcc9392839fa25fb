// Package proxy runs one forwarder per configured port forward and keeps the
// set of running forwarders in step with the machine registry.
package proxy

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bcnelson/wakeproxy/internal/metrics"
	"github.com/bcnelson/wakeproxy/internal/pool"
	"github.com/bcnelson/wakeproxy/internal/registry"
	"github.com/bcnelson/wakeproxy/internal/tunnel"
)

// ErrClosed is returned when forwarders are started after Shutdown.
var ErrClosed = errors.New("proxy manager is shut down")

// HandleKey identifies a running forwarder.
type HandleKey struct {
	MAC        string
	LocalPort  int
	TargetPort int
}

type machineLimiter struct {
	policy registry.RateLimit
	l      *rate.Limiter
}

type handle struct {
	fwd     *tunnel.Forwarder
	cancel  context.CancelFunc
	stopped chan struct{}
}

// ForwarderStatus reports the state of one port forward.
type ForwarderStatus struct {
	Name       string `json:"name,omitempty"`
	LocalPort  int    `json:"local_port"`
	TargetPort int    `json:"target_port"`
	Running    bool   `json:"running"`
	Error      string `json:"error,omitempty"`
}

// Manager owns the forwarder handles.
type Manager struct {
	pool   *pool.Pool
	waker  tunnel.Waker
	opts   tunnel.Options
	logger *slog.Logger

	mu       sync.Mutex
	handles  map[HandleKey]*handle
	failures map[HandleKey]error
	limiters map[string]*machineLimiter
	closed   bool

	// running tracks every forwarder goroutine, including connections that
	// are still draining after their forwarder was stopped.
	running sync.WaitGroup
}

var _ registry.Forwarders = (*Manager)(nil)

// NewManager creates a Manager. opts.Limiter is ignored; limiters come from
// each machine's rate limit.
func NewManager(connPool *pool.Pool, waker tunnel.Waker, opts tunnel.Options, logger *slog.Logger) *Manager {
	opts.Limiter = nil
	return &Manager{
		pool:     connPool,
		waker:    waker,
		opts:     opts,
		logger:   logger,
		handles:  make(map[HandleKey]*handle),
		failures: make(map[HandleKey]error),
		limiters: make(map[string]*machineLimiter),
	}
}

// StartForwardersFor starts a forwarder for every port forward of m that is
// not already running. Each forwarder binds before this returns; bind
// failures are joined into the returned error and do not stop the others.
func (mgr *Manager) StartForwardersFor(m registry.Machine) error {
	mac, err := m.HardwareAddr()
	if err != nil {
		return err
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.closed {
		return ErrClosed
	}

	limiter := mgr.limiterFor(m)

	var errs []error
	for _, pf := range m.PortForwards {
		key := HandleKey{MAC: m.MAC, LocalPort: pf.LocalPort, TargetPort: pf.TargetPort}
		if _, ok := mgr.handles[key]; ok {
			continue
		}

		opts := mgr.opts
		opts.Limiter = limiter
		fwd := tunnel.New(tunnel.Target{
			Name:       m.Name,
			MAC:        mac,
			IP:         m.IP,
			LocalPort:  pf.LocalPort,
			TargetPort: pf.TargetPort,
		}, mgr.pool, mgr.waker, opts, mgr.logger)

		if err := fwd.Listen(); err != nil {
			mgr.failures[key] = err
			mgr.logger.Error("forwarder failed to start",
				"mac", m.MAC, "local_port", pf.LocalPort, "target_port", pf.TargetPort, "error", err)
			errs = append(errs, fmt.Errorf("forward %d -> %s:%d: %w", pf.LocalPort, m.IP, pf.TargetPort, err))
			continue
		}
		delete(mgr.failures, key)

		ctx, cancel := context.WithCancel(context.Background())
		h := &handle{fwd: fwd, cancel: cancel, stopped: make(chan struct{})}
		mgr.handles[key] = h
		metrics.Forwarders.Inc()

		mgr.running.Add(1)
		go func() {
			defer mgr.running.Done()
			err := fwd.Serve(ctx)
			close(h.stopped)
			if err != nil {
				mgr.logger.Error("forwarder exited", "mac", key.MAC, "local_port", key.LocalPort, "error", err)
			}
			fwd.Wait()
		}()
	}

	return errors.Join(errs...)
}

// StopForwardersFor stops every forwarder of m. It returns once their
// listeners are closed; connections already being relayed keep running.
func (mgr *Manager) StopForwardersFor(m registry.Machine) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	var stopped []*handle
	for key, h := range mgr.handles {
		if key.MAC != m.MAC {
			continue
		}
		h.cancel()
		stopped = append(stopped, h)
		delete(mgr.handles, key)
		metrics.Forwarders.Dec()
	}
	for key := range mgr.failures {
		if key.MAC == m.MAC {
			delete(mgr.failures, key)
		}
	}
	mgr.pruneLimiters()

	for _, h := range stopped {
		<-h.stopped
	}
	if len(stopped) > 0 {
		mgr.logger.Info("forwarders stopped", "mac", m.MAC, "count", len(stopped))
	}
}

// PurgeConnections drops every pooled connection to m's address.
func (mgr *Manager) PurgeConnections(m registry.Machine) {
	if n := mgr.pool.RemoveHost(m.IP); n > 0 {
		mgr.logger.Info("pooled connections purged", "mac", m.MAC, "ip", m.IP, "count", n)
	}
}

// Status reports every port forward of m as running or failed.
func (mgr *Manager) Status(m registry.Machine) []ForwarderStatus {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	out := make([]ForwarderStatus, 0, len(m.PortForwards))
	for _, pf := range m.PortForwards {
		key := HandleKey{MAC: m.MAC, LocalPort: pf.LocalPort, TargetPort: pf.TargetPort}
		st := ForwarderStatus{Name: pf.Name, LocalPort: pf.LocalPort, TargetPort: pf.TargetPort}
		if _, ok := mgr.handles[key]; ok {
			st.Running = true
		} else if err, ok := mgr.failures[key]; ok {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Handles returns the keys of every running forwarder, ordered by local port.
func (mgr *Manager) Handles() []HandleKey {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	keys := make([]HandleKey, 0, len(mgr.handles))
	for key := range mgr.handles {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b HandleKey) int {
		return cmp.Compare(a.LocalPort, b.LocalPort)
	})
	return keys
}

// Shutdown stops every forwarder and waits for all relays to finish or ctx
// to be done. Later calls to StartForwardersFor fail with ErrClosed.
func (mgr *Manager) Shutdown(ctx context.Context) error {
	mgr.mu.Lock()
	mgr.closed = true
	for key, h := range mgr.handles {
		h.cancel()
		delete(mgr.handles, key)
		metrics.Forwarders.Dec()
	}
	mgr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		mgr.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		mgr.logger.Info("all forwarders stopped")
		return nil
	case <-ctx.Done():
		mgr.logger.Warn("shutdown deadline reached with relays still active")
		return ctx.Err()
	}
}

// limiterFor must be called with mu held. All forwards of one machine share a
// token bucket of MaxRequests tokens refilled over PeriodMinutes. The bucket
// survives a restart of the forwarders as long as the policy is unchanged.
func (mgr *Manager) limiterFor(m registry.Machine) *rate.Limiter {
	if !m.RateLimit.Enabled() {
		delete(mgr.limiters, m.MAC)
		return nil
	}
	if ml, ok := mgr.limiters[m.MAC]; ok && ml.policy == m.RateLimit {
		return ml.l
	}

	period := time.Duration(m.RateLimit.PeriodMinutes) * time.Minute
	l := rate.NewLimiter(rate.Every(period/time.Duration(m.RateLimit.MaxRequests)), m.RateLimit.MaxRequests)
	mgr.limiters[m.MAC] = &machineLimiter{policy: m.RateLimit, l: l}
	return l
}

// pruneLimiters must be called with mu held. A bucket is dropped only once
// its machine has no forwarders and it has refilled, since a full bucket is
// indistinguishable from a new one.
func (mgr *Manager) pruneLimiters() {
	active := make(map[string]bool, len(mgr.handles))
	for key := range mgr.handles {
		active[key.MAC] = true
	}
	for mac, ml := range mgr.limiters {
		if !active[mac] && ml.l.Tokens() >= float64(ml.l.Burst()) {
			delete(mgr.limiters, mac)
		}
	}
}
