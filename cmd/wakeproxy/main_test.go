package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcnelson/wakeproxy/internal/config"
	"github.com/bcnelson/wakeproxy/internal/testutil"
)

func execute(t *testing.T, cfg *config.ClientConfig, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(cfg, slog.Default())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func clientFor(srv *httptest.Server) *config.ClientConfig {
	return &config.ClientConfig{
		ServerAddr:    strings.TrimPrefix(srv.URL, "http://"),
		BroadcastAddr: "255.255.255.255:9",
		Aliases:       map[string]string{"desktop": "aa:bb:cc:dd:ee:01"},
	}
}

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWake_SendsPacket(t *testing.T) {
	udp := listenUDP(t)
	cfg := &config.ClientConfig{Aliases: map[string]string{"desktop": "aa:bb:cc:dd:ee:01"}}

	out, err := execute(t, cfg, "wake", "desktop", "--broadcast", udp.LocalAddr().String())
	require.NoError(t, err)
	assert.Contains(t, out, "Magic packet sent to aa:bb:cc:dd:ee:01")

	buf := make([]byte, 256)
	require.NoError(t, udp.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := udp.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, 102, n)
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 6), buf[:6])
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}, buf[6:12])
}

func TestWake_InvalidMAC(t *testing.T) {
	_, err := execute(t, &config.ClientConfig{}, "wake", "not-a-mac", "--broadcast", "127.0.0.1:9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid MAC")
}

func TestWake_WaitsForHost(t *testing.T) {
	udp := listenUDP(t)
	echo := testutil.NewEchoServer(t)

	out, err := execute(t, &config.ClientConfig{}, "wake", "aa:bb:cc:dd:ee:01",
		"--broadcast", udp.LocalAddr().String(),
		"--host", echo.Host(),
		"--check-port", strconv.Itoa(echo.Port()),
		"--wait", "5s",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "is up")
}

func TestWake_HostNeverUp(t *testing.T) {
	udp := listenUDP(t)
	host, port, err := net.SplitHostPort(testutil.ClosedAddr(t))
	require.NoError(t, err)

	_, err = execute(t, &config.ClientConfig{}, "wake", "aa:bb:cc:dd:ee:01",
		"--broadcast", udp.LocalAddr().String(),
		"--host", host,
		"--check-port", port,
		"--wait", "300ms",
	)
	require.Error(t, err)
}

func TestList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/machines", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"machines":[{"mac":"aa:bb:cc:dd:ee:01","ip":"192.168.1.10","name":"desktop",
			"port_forwards":[{"name":"ssh","local_port":2222,"target_port":22},{"local_port":3389,"target_port":3389}],
			"forwarders":[{"local_port":2222,"running":true},{"local_port":3389,"error":"local port already in use"}]}]}`)
	}))
	defer srv.Close()

	out, err := execute(t, clientFor(srv), "list")
	require.NoError(t, err)
	assert.Contains(t, out, "desktop  aa:bb:cc:dd:ee:01  192.168.1.10")
	assert.Contains(t, out, ":2222 -> 22 [ssh] running")
	assert.Contains(t, out, ":3389 -> 3389 failed: local port already in use")
}

func TestList_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"machines":[]}`)
	}))
	defer srv.Close()

	out, err := execute(t, clientFor(srv), "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No machines registered.")
}

func TestWakeRemote_ResolvesAlias(t *testing.T) {
	paths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"status":"wake sent","mac":"aa:bb:cc:dd:ee:01"}`)
	}))
	defer srv.Close()

	out, err := execute(t, clientFor(srv), "wake-remote", "Desktop")
	require.NoError(t, err)
	assert.Equal(t, "POST /api/v1/machines/aa:bb:cc:dd:ee:01/wake", <-paths)
	assert.Contains(t, out, "aa:bb:cc:dd:ee:01: wake sent")
}

func TestTurnOff_Forbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/machines/aa:bb:cc:dd:ee:01/shutdown", r.URL.Path)
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"machine cannot be turned off: desktop"}`)
	}))
	defer srv.Close()

	_, err := execute(t, clientFor(srv), "turn-off", "desktop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "cannot be turned off")
}

func TestServerUnreachable(t *testing.T) {
	cfg := &config.ClientConfig{ServerAddr: testutil.ClosedAddr(t)}
	_, err := execute(t, cfg, "list")
	require.Error(t, err)
}
