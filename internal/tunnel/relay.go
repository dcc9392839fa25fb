package tunnel

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bcnelson/wakeproxy/internal/pool"
)

// drainIdleTimeout bounds how long a relay waits for more upstream data once
// the upstream has been half-closed and can no longer be reused.
const drainIdleTimeout = 30 * time.Second

var copyBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

type direction int

const (
	upload direction = iota
	download
)

type copyResult struct {
	dir direction
	err error
}

// upstreamReader reads from the upstream and tracks what happens after the
// client finished writing. Every read past that point gets a fresh idle
// deadline. Data arriving after it marks the stream dirty: the half-close is
// passed on and the relay keeps draining until the upstream goes quiet.
type upstreamReader struct {
	conn   *pool.Conn
	linger time.Duration

	mu         sync.Mutex
	clientDone bool
	dirty      bool
}

func (r *upstreamReader) clientFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clientDone = true
	_ = r.conn.SetReadDeadline(time.Now().Add(r.linger))
}

func (r *upstreamReader) isDirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

func (r *upstreamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	var idle time.Duration
	if r.clientDone {
		idle = r.linger
		if r.dirty {
			idle = drainIdleTimeout
		}
	}
	r.mu.Unlock()

	if idle > 0 {
		_ = r.conn.SetReadDeadline(time.Now().Add(idle))
	}

	n, err := r.conn.Read(p)
	if n > 0 {
		r.mu.Lock()
		becameDirty := r.clientDone && !r.dirty
		if becameDirty {
			r.dirty = true
		}
		r.mu.Unlock()

		if becameDirty {
			closeWrite(r.conn)
		}
	}
	return n, err
}

// relay copies bytes both ways until one side is done. It reports whether the
// upstream connection is still clean enough to go back to the pool: only when
// the client finished writing first and the upstream then stayed silent for
// linger.
func relay(client net.Conn, upstream *pool.Conn, linger time.Duration) bool {
	src := &upstreamReader{conn: upstream, linger: linger}
	results := make(chan copyResult, 2)

	go func() {
		err := pipe(upstream, client)
		if err == nil {
			src.clientFinished()
		}
		results <- copyResult{dir: upload, err: err}
	}()
	go func() {
		results <- copyResult{dir: download, err: pipe(client, src)}
	}()

	first := <-results
	clientDone := first.dir == upload && first.err == nil
	if !clientDone {
		_ = client.Close()
		_ = upstream.Close()
	}

	second := <-results
	if !clientDone || src.isDirty() || !errors.Is(second.err, os.ErrDeadlineExceeded) {
		return false
	}

	return upstream.SetReadDeadline(time.Time{}) == nil
}

// pipe copies src to dst; a clean EOF on src is reported as nil.
func pipe(dst io.Writer, src io.Reader) error {
	bufPtr := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bufPtr)

	_, err := io.CopyBuffer(dst, src, *bufPtr)
	return err
}

func closeWrite(c *pool.Conn) {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
