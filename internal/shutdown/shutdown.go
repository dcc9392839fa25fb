// Package shutdown turns machines off remotely, either with an HTTP request to
// an agent on the machine or by running a command over SSH.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/bcnelson/wakeproxy/internal/registry"
)

var (
	// ErrNotAllowed is returned for machines that are not flagged as safe to turn off.
	ErrNotAllowed = errors.New("machine cannot be turned off")

	// ErrNoShutdownPort is returned when neither SSH nor an HTTP shutdown port is configured.
	ErrNoShutdownPort = errors.New("machine has no shutdown port")
)

const (
	DefaultCommand = "sudo shutdown -h now"
	DefaultSSHPort = 22
	DefaultTimeout = 10 * time.Second
)

// Options configures a Client.
type Options struct {
	// SSHKeyPath enables SSH shutdown for machines with an SSH user.
	SSHKeyPath string

	// SSHPort defaults to 22.
	SSHPort int

	// Timeout bounds one shutdown request. Defaults to 10s.
	Timeout time.Duration
}

// Client sends shutdown requests.
type Client struct {
	opts   Options
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a Client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.SSHPort == 0 {
		opts.SSHPort = DefaultSSHPort
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{
		opts:   opts,
		http:   &http.Client{Timeout: opts.Timeout},
		logger: logger,
	}
}

// Shutdown asks m to power off. SSH is used when the machine has an SSH user
// and a key is configured; otherwise an HTTP POST goes to its shutdown port.
func (c *Client) Shutdown(ctx context.Context, m registry.Machine) error {
	if !m.CanBeTurnedOff {
		return fmt.Errorf("%w: %s", ErrNotAllowed, m.Name)
	}

	if m.SSHUser != "" && c.opts.SSHKeyPath != "" {
		command := m.ShutdownCommand
		if command == "" {
			command = DefaultCommand
		}
		return c.runSSH(ctx, m, command)
	}

	if m.ShutdownPort == 0 {
		return fmt.Errorf("%w: %s", ErrNoShutdownPort, m.Name)
	}
	return c.postHTTP(ctx, m)
}

func (c *Client) postHTTP(ctx context.Context, m registry.Machine) error {
	url := fmt.Sprintf("http://%s/shutdown", net.JoinHostPort(m.IP, strconv.Itoa(m.ShutdownPort)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("building shutdown request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending shutdown request to %s: %w", m.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("shutdown request to %s failed with status: %s", m.Name, resp.Status)
	}

	c.logger.Info("shutdown requested over HTTP", "mac", m.MAC, "name", m.Name, "url", url)
	return nil
}

func (c *Client) runSSH(ctx context.Context, m registry.Machine, command string) error {
	key, err := os.ReadFile(c.opts.SSHKeyPath)
	if err != nil {
		return fmt.Errorf("reading private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return fmt.Errorf("parsing private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            m.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.opts.Timeout,
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	addr := net.JoinHostPort(m.IP, strconv.Itoa(c.opts.SSHPort))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(command)
	if err != nil {
		return fmt.Errorf("running %q on %s: %w, output: %s", command, m.Name, err, output)
	}

	c.logger.Info("shutdown requested over SSH", "mac", m.MAC, "name", m.Name, "user", m.SSHUser, "output", string(output))
	return nil
}
