package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownGrace     = 5 * time.Second
)

type apiListener struct {
	name string
	ln   net.Listener
	srv  *http.Server
}

// ListenerManager serves the management API on one or more listeners.
type ListenerManager struct {
	logger *slog.Logger

	mu        sync.Mutex
	listeners []*apiListener
	done      chan struct{}
	closeOnce sync.Once
}

// NewListenerManager creates an empty ListenerManager.
func NewListenerManager(logger *slog.Logger) *ListenerManager {
	return &ListenerManager{
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Add registers ln to be served with h once Serve runs.
func (lm *ListenerManager) Add(name string, ln net.Listener, h http.Handler) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.listeners = append(lm.listeners, &apiListener{
		name: name,
		ln:   ln,
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	})
}

// Addr returns the address of the named listener, or nil.
func (lm *ListenerManager) Addr(name string) net.Addr {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, l := range lm.listeners {
		if l.name == name {
			return l.ln.Addr()
		}
	}
	return nil
}

// Serve serves every listener until ctx is done or Close is called, then
// shuts the servers down gracefully. The first listener failure stops all of
// them and is returned.
func (lm *ListenerManager) Serve(ctx context.Context) error {
	lm.mu.Lock()
	listeners := append([]*apiListener(nil), lm.listeners...)
	lm.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		g.Go(func() error {
			lm.logger.Info("API listening", "listener", l.name, "addr", l.ln.Addr().String())
			if err := l.srv.Serve(l.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener: %w", l.name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-lm.done:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		for _, l := range listeners {
			if err := l.srv.Shutdown(shutdownCtx); err != nil {
				lm.logger.Warn("API listener shutdown", "listener", l.name, "error", err)
			}
		}
		return nil
	})

	return g.Wait()
}

// Close stops every server immediately.
func (lm *ListenerManager) Close() {
	lm.closeOnce.Do(func() { close(lm.done) })

	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, l := range lm.listeners {
		_ = l.srv.Close()
		_ = l.ln.Close()
	}
}
