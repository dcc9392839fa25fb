package wol

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/bcnelson/wakeproxy/internal/metrics"
)

const (
	// DefaultBroadcastAddr is the limited broadcast address on the discard port.
	DefaultBroadcastAddr = "255.255.255.255:9"

	DefaultRepeat = 3
	DefaultDelay  = 50 * time.Millisecond
)

// Sender broadcasts magic packets over UDP.
type Sender struct {
	// Repeat is how many copies of the packet are sent per call.
	Repeat int

	// Delay is the pause between two copies.
	Delay time.Duration

	logger *slog.Logger
}

// NewSender creates a Sender with the default repeat count and delay.
func NewSender(logger *slog.Logger) *Sender {
	return &Sender{
		Repeat: DefaultRepeat,
		Delay:  DefaultDelay,
		logger: logger,
	}
}

// Send broadcasts the magic packet for mac to broadcastAddr ("ip:port").
// Only socket setup errors are fatal; individual write failures are logged
// and the fan-out continues. If every write fails the last error is returned.
func (s *Sender) Send(ctx context.Context, mac net.HardwareAddr, broadcastAddr string) error {
	if len(mac) != 6 {
		return fmt.Errorf("%w: %s", ErrInvalidMAC, mac)
	}

	addr, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return fmt.Errorf("resolving broadcast address %q: %w", broadcastAddr, err)
	}

	// Go enables SO_BROADCAST on UDP sockets by default.
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return fmt.Errorf("opening UDP socket: %w", err)
	}
	defer conn.Close()

	packet := MagicPacket(mac)
	repeat := max(s.Repeat, 1)

	var sent int
	var lastErr error
	for i := 0; i < repeat; i++ {
		if i > 0 && s.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.Delay):
			}
		}

		if _, err := conn.WriteToUDP(packet, addr); err != nil {
			lastErr = err
			metrics.WakePackets.WithLabelValues("error").Inc()
			s.logger.Warn("magic packet send failed", "mac", mac.String(), "addr", broadcastAddr, "attempt", i+1, "error", err)
			continue
		}
		sent++
		metrics.WakePackets.WithLabelValues("sent").Inc()
	}

	if sent == 0 {
		return fmt.Errorf("sending magic packet to %s: %w", broadcastAddr, lastErr)
	}

	s.logger.Info("magic packet sent", "mac", mac.String(), "addr", broadcastAddr, "copies", sent)
	return nil
}
