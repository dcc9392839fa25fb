package wol

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bcnelson/wakeproxy/internal/metrics"
)

// Waker wakes machines and waits for them to come up.
type Waker struct {
	sender        *Sender
	broadcastAddr string
	wait          WaitOptions
	logger        *slog.Logger

	// Concurrent wake-and-wait calls for the same machine and address share one attempt.
	group singleflight.Group
}

// NewWaker creates a Waker that broadcasts through sender to broadcastAddr.
func NewWaker(sender *Sender, broadcastAddr string, wait WaitOptions, logger *slog.Logger) *Waker {
	if broadcastAddr == "" {
		broadcastAddr = DefaultBroadcastAddr
	}
	return &Waker{
		sender:        sender,
		broadcastAddr: broadcastAddr,
		wait:          wait,
		logger:        logger,
	}
}

// Wake sends the magic packets without waiting for the machine.
func (w *Waker) Wake(ctx context.Context, mac net.HardwareAddr) error {
	return w.sender.Send(ctx, mac, w.broadcastAddr)
}

// WakeAndWait sends the magic packets and polls addr until it accepts TCP
// connections. It returns ErrWakeTimeout when the wait expires.
func (w *Waker) WakeAndWait(ctx context.Context, mac net.HardwareAddr, addr string) error {
	key := mac.String() + "|" + addr
	// The shared attempt must outlive any single caller; MaxWait bounds it.
	shared := context.WithoutCancel(ctx)
	ch := w.group.DoChan(key, func() (any, error) {
		return nil, w.wakeAndWait(shared, mac, addr)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Shared {
			w.logger.Debug("joined in-flight wake", "mac", mac.String(), "addr", addr)
		}
		return res.Err
	}
}

func (w *Waker) wakeAndWait(ctx context.Context, mac net.HardwareAddr, addr string) error {
	start := time.Now()
	if err := w.sender.Send(ctx, mac, w.broadcastAddr); err != nil {
		metrics.Wakes.WithLabelValues("send_error").Inc()
		return err
	}

	w.logger.Info("waiting for machine to wake", "mac", mac.String(), "addr", addr, "max_wait", w.wait.MaxWait)
	if err := WaitUntilReachable(ctx, addr, w.wait); err != nil {
		if errors.Is(err, ErrWakeTimeout) {
			metrics.Wakes.WithLabelValues("timeout").Inc()
		} else {
			metrics.Wakes.WithLabelValues("error").Inc()
		}
		return err
	}

	metrics.Wakes.WithLabelValues("awake").Inc()
	w.logger.Info("machine is awake", "mac", mac.String(), "addr", addr, "took", time.Since(start).Round(time.Millisecond))
	return nil
}
