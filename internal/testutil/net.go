// Package testutil provides loopback network fixtures for tests.
package testutil

import (
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// ClosedAddr returns a loopback "host:port" that nothing is listening on.
func ClosedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		t.Fatalf("closing reserved port: %v", err)
	}
	return addr
}

// FreePort returns a loopback TCP port that was free at the time of the call.
func FreePort(t *testing.T) int {
	t.Helper()
	_, port, err := net.SplitHostPort(ClosedAddr(t))
	if err != nil {
		t.Fatal(err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// EchoServer is a loopback TCP server that writes back everything it reads.
// It counts accepted connections so tests can tell pooled reuse from fresh dials.
type EchoServer struct {
	ln       net.Listener
	accepted atomic.Int64

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

// NewEchoServer starts an EchoServer that is closed on test cleanup.
func NewEchoServer(t *testing.T) *EchoServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting echo server: %v", err)
	}
	s := &EchoServer{ln: ln}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the "host:port" the server listens on.
func (s *EchoServer) Addr() string {
	return s.ln.Addr().String()
}

// Host returns the listening IP.
func (s *EchoServer) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listening port.
func (s *EchoServer) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Accepted returns the number of connections accepted so far.
func (s *EchoServer) Accepted() int {
	return int(s.accepted.Load())
}

// Close stops the listener and closes every accepted connection.
func (s *EchoServer) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *EchoServer) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer c.Close()
			_, _ = io.Copy(c, c)
		}()
	}
}
