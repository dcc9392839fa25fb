package registry

import (
	"errors"
	"fmt"
	"net"

	"github.com/bcnelson/wakeproxy/internal/tunnel"
	"github.com/bcnelson/wakeproxy/internal/wol"
)

var (
	ErrNotFound     = errors.New("machine not found")
	ErrDuplicateMAC = errors.New("machine with this MAC already exists")
	ErrInvalidIP    = errors.New("invalid IPv4 address")
	ErrInvalidPort  = errors.New("invalid port")
	ErrInvalidRate  = errors.New("invalid rate limit")
	ErrPersistence  = errors.New("persisting machines failed")

	// ErrPortConflict is reported when a local port is already claimed by
	// another forward. It matches tunnel.ErrBindConflict.
	ErrPortConflict = fmt.Errorf("local port conflict: %w", tunnel.ErrBindConflict)
)

// PortForward maps a local listening port to a port on the machine.
type PortForward struct {
	Name       string `yaml:"name,omitempty" json:"name,omitempty"`
	LocalPort  int    `yaml:"local_port" json:"local_port"`
	TargetPort int    `yaml:"target_port" json:"target_port"`
}

// RateLimit caps inbound connections to a machine. Zero values disable it.
type RateLimit struct {
	MaxRequests   int `yaml:"max_requests" json:"max_requests"`
	PeriodMinutes int `yaml:"period_minutes" json:"period_minutes"`
}

// Enabled reports whether the policy limits anything.
func (r RateLimit) Enabled() bool {
	return r.MaxRequests > 0 && r.PeriodMinutes > 0
}

// Machine is a registered wakeable endpoint.
type Machine struct {
	MAC             string        `yaml:"mac" json:"mac"`
	IP              string        `yaml:"ip" json:"ip"`
	Name            string        `yaml:"name" json:"name"`
	Description     string        `yaml:"description,omitempty" json:"description,omitempty"`
	ShutdownPort    int           `yaml:"shutdown_port,omitempty" json:"shutdown_port,omitempty"`
	CanBeTurnedOff  bool          `yaml:"can_be_turned_off" json:"can_be_turned_off"`
	RateLimit       RateLimit     `yaml:"rate_limit" json:"rate_limit"`
	PortForwards    []PortForward `yaml:"port_forwards" json:"port_forwards"`
	SSHUser         string        `yaml:"ssh_user,omitempty" json:"ssh_user,omitempty"`
	ShutdownCommand string        `yaml:"shutdown_command,omitempty" json:"shutdown_command,omitempty"`
}

// HardwareAddr parses the machine's MAC.
func (m Machine) HardwareAddr() (net.HardwareAddr, error) {
	return wol.ParseMAC(m.MAC)
}

// Clone returns a copy that shares no slices with m.
func (m Machine) Clone() Machine {
	c := m
	if m.PortForwards != nil {
		c.PortForwards = append([]PortForward(nil), m.PortForwards...)
	}
	return c
}

// Validate checks a machine in isolation and canonicalizes its MAC.
func Validate(m *Machine) error {
	mac, err := wol.CanonicalMAC(m.MAC)
	if err != nil {
		return err
	}
	m.MAC = mac

	ip := net.ParseIP(m.IP)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, m.IP)
	}
	m.IP = ip.To4().String()

	if m.ShutdownPort != 0 && !validPort(m.ShutdownPort) {
		return fmt.Errorf("%w: shutdown port %d", ErrInvalidPort, m.ShutdownPort)
	}
	if m.RateLimit.MaxRequests < 0 || m.RateLimit.PeriodMinutes < 0 {
		return fmt.Errorf("%w: values must not be negative", ErrInvalidRate)
	}

	seen := make(map[int]bool, len(m.PortForwards))
	for _, pf := range m.PortForwards {
		if !validPort(pf.LocalPort) {
			return fmt.Errorf("%w: local port %d", ErrInvalidPort, pf.LocalPort)
		}
		if !validPort(pf.TargetPort) {
			return fmt.Errorf("%w: target port %d", ErrInvalidPort, pf.TargetPort)
		}
		if seen[pf.LocalPort] {
			return fmt.Errorf("%w: port %d is forwarded twice", ErrPortConflict, pf.LocalPort)
		}
		seen[pf.LocalPort] = true
	}

	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
