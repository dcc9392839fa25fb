package wol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrWakeTimeout is returned when a target does not accept TCP connections
// within the configured wait.
var ErrWakeTimeout = errors.New("target did not become reachable")

const (
	DefaultMaxWait        = 90 * time.Second
	DefaultPollInterval   = time.Second
	DefaultConnectTimeout = time.Second
)

// WaitOptions bounds a reachability poll.
type WaitOptions struct {
	MaxWait        time.Duration
	PollInterval   time.Duration
	ConnectTimeout time.Duration
}

// DefaultWaitOptions returns the 90s / 1s / 1s defaults.
func DefaultWaitOptions() WaitOptions {
	return WaitOptions{
		MaxWait:        DefaultMaxWait,
		PollInterval:   DefaultPollInterval,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// Ping opens a TCP connection to addr and closes it immediately.
func Ping(ctx context.Context, addr string, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// WaitUntilReachable pings addr every PollInterval until a connection succeeds
// or MaxWait elapses. The first attempt is made immediately.
func WaitUntilReachable(ctx context.Context, addr string, opts WaitOptions) error {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	// A single probe never outlives the poll interval.
	if opts.ConnectTimeout > opts.PollInterval {
		opts.ConnectTimeout = opts.PollInterval
	}

	deadline := time.NewTimer(opts.MaxWait)
	defer deadline.Stop()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		if err := Ping(ctx, addr, opts.ConnectTimeout); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s after %v", ErrWakeTimeout, addr, time.Since(start).Round(time.Millisecond))
		case <-ticker.C:
		}
	}
}
