//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"tailscale.com/ipn/store/mem"
	"tailscale.com/net/netns"
	"tailscale.com/tailcfg"
	"tailscale.com/tsnet"
	"tailscale.com/tstest/integration"
	"tailscale.com/tstest/integration/testcontrol"
	"tailscale.com/types/logger"

	"github.com/bcnelson/wakeproxy/internal/config"
	"github.com/bcnelson/wakeproxy/internal/pool"
	"github.com/bcnelson/wakeproxy/internal/proxy"
	"github.com/bcnelson/wakeproxy/internal/registry"
	"github.com/bcnelson/wakeproxy/internal/server"
	"github.com/bcnelson/wakeproxy/internal/shutdown"
	"github.com/bcnelson/wakeproxy/internal/tunnel"
	"github.com/bcnelson/wakeproxy/internal/wol"
)

const (
	serverHostname = "wakeproxy"
	apiPort        = 8080
)

// e2eEnv holds all the pieces of the end-to-end test environment.
type e2eEnv struct {
	controlURL string
	control    *testcontrol.Server
	rdb        *redis.Client
	store      *registry.RedisStore
	srv        *server.Server
	magic      <-chan []byte // magic packets received by the fake broadcast address
}

// startControl creates an in-process Tailscale test control plane with DERP.
// Follows the pattern from tailscale.com/tsnet/tsnet_test.go.
func startControl(t *testing.T) (controlURL string, control *testcontrol.Server) {
	t.Helper()

	netns.SetEnabled(false)
	t.Cleanup(func() {
		netns.SetEnabled(true)
	})

	derpMap := integration.RunDERPAndSTUN(t, logger.Discard, "127.0.0.1")
	control = &testcontrol.Server{
		DERPMap: derpMap,
		DNSConfig: &tailcfg.DNSConfig{
			Proxied: true,
		},
		MagicDNSDomain: "tail-scale.ts.net",
		Logf:           t.Logf,
	}
	control.HTTPTestServer = httptest.NewUnstartedServer(control)
	control.HTTPTestServer.Start()
	t.Cleanup(control.HTTPTestServer.Close)
	controlURL = control.HTTPTestServer.URL
	t.Logf("testcontrol listening on %s", controlURL)
	return controlURL, control
}

// startTSNode creates a tsnet.Server connected to the test control plane.
func startTSNode(t *testing.T, controlURL, hostname string) *tsnet.Server {
	t.Helper()

	tmp := filepath.Join(t.TempDir(), hostname)
	if err := os.MkdirAll(tmp, 0755); err != nil {
		t.Fatal(err)
	}

	s := &tsnet.Server{
		Dir:        tmp,
		ControlURL: controlURL,
		Hostname:   hostname,
		Store:      new(mem.Store),
		Ephemeral:  true,
	}
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status, err := s.Up(ctx)
	if err != nil {
		t.Fatalf("tsnet.Up for %s: %v", hostname, err)
	}
	t.Logf("tsnet node %s up: %v", hostname, status.TailscaleIPs)
	return s
}

// startRedis runs Redis in a container and returns a connected client.
func startRedis(t *testing.T, ctx context.Context) *redis.Client {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("starting redis: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("warning: failed to terminate redis: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("getting redis host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("getting redis mapped port: %v", err)
	}

	addr := net.JoinHostPort(host, mappedPort.Port())
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("pinging redis at %s: %v", addr, err)
	}
	t.Logf("redis: listening on %s", addr)
	return rdb
}

// e2eClient is a wakeproxy API client that talks over Tailscale.
type e2eClient struct {
	node       *tsnet.Server
	httpClient *http.Client
	serverAddr string // e.g. "wakeproxy:8080"
}

// newE2EClient creates a tsnet-connected client that routes requests over Tailscale.
func newE2EClient(t *testing.T, controlURL, hostname string) *e2eClient {
	t.Helper()

	node := startTSNode(t, controlURL, hostname)

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return node.Dial(ctx, network, addr)
			},
		},
		Timeout: 30 * time.Second,
	}

	return &e2eClient{
		node:       node,
		httpClient: httpClient,
		serverAddr: fmt.Sprintf("%s:%d", serverHostname, apiPort),
	}
}

func (c *e2eClient) request(t *testing.T, method, path string, body any, wantStatus int, out any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("%s %s: encode: %v", method, path, err)
		}
	}
	req, err := http.NewRequest(method, fmt.Sprintf("http://%s%s", c.serverAddr, path), &buf)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		respBody, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, wantStatus, respBody)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

// API response types (mirrors server types)
type listResponse struct {
	Machines []machineView `json:"machines"`
}

type machineView struct {
	registry.Machine
	Forwarders []proxy.ForwarderStatus `json:"forwarders"`
}

// setupE2E wires up the full end-to-end test environment.
func setupE2E(t *testing.T) *e2eEnv {
	t.Helper()

	ctx := context.Background()

	// 1. Start testcontrol + DERP
	controlURL, control := startControl(t)

	// 2. Redis in a container
	rdb := startRedis(t, ctx)
	store := registry.NewRedisStore(rdb, registry.DefaultRedisKey)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// 3. Forwarding core, broadcasting to a loopback UDP socket
	wolAddr, magic := listenMagicPackets(t)
	connPool := pool.New(pool.DefaultConfig(), logger)
	waker := wol.NewWaker(wol.NewSender(logger), wolAddr, wol.WaitOptions{
		MaxWait:      5 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}, logger)
	manager := proxy.NewManager(connPool, waker, tunnel.Options{ListenHost: "127.0.0.1"}, logger)

	// 4. Create and start wakeproxy server with testcontrol overrides
	cfg := &config.ServerConfig{
		APIAddr:    "127.0.0.1:0",
		TSHostname: serverHostname,
		TSPort:     apiPort,
		TSStateDir: t.TempDir(),
	}
	srv := server.New(cfg, server.Deps{
		Registry:   registry.New(store, manager, logger),
		Manager:    manager,
		Pool:       connPool,
		Waker:      waker,
		Shutdowner: shutdown.NewClient(shutdown.Options{}, logger),
	}, logger)
	srv.WithTSOverrides(&server.TSOverrides{
		ControlURL: controlURL,
		Store:      new(mem.Store),
		Ephemeral:  true,
	})

	srvCtx, srvCancel := context.WithCancel(ctx)
	if err := srv.Start(srvCtx); err != nil {
		srvCancel()
		t.Fatalf("starting wakeproxy server: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(srvCtx); err != nil {
			t.Logf("server run: %v", err)
		}
	}()
	t.Cleanup(func() {
		srvCancel()
		<-done
		srv.Close()
	})

	t.Logf("e2e environment ready: control=%s, api=%s", controlURL, srv.Addr())

	return &e2eEnv{
		controlURL: controlURL,
		control:    control,
		rdb:        rdb,
		store:      store,
		srv:        srv,
		magic:      magic,
	}
}

// listenMagicPackets stands in for the LAN broadcast domain.
func listenMagicPackets(t *testing.T) (string, <-chan []byte) {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listening for magic packets: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	packets := make(chan []byte, 16)
	go func() {
		buf := make([]byte, 1024)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			select {
			case packets <- append([]byte(nil), buf[:n]...):
			default:
			}
		}
	}()
	return conn.LocalAddr().String(), packets
}

// startEcho listens on addr and echoes every connection.
func startEcho(t *testing.T, addr string) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listening on %s: %v", addr, err)
	}
	t.Cleanup(func() { ln.Close() })
	go serveEcho(ln)
	return ln
}

func serveEcho(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			_, _ = io.Copy(conn, conn)
		}()
	}
}

// echoThrough sends msg through the forwarder on localPort and returns the reply.
func echoThrough(t *testing.T, localPort int, msg string) string {
	t.Helper()

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", localPort), 5*time.Second)
	if err != nil {
		t.Fatalf("dialing forwarder: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("writing: %v", err)
	}
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("closing write side: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	return string(got)
}

