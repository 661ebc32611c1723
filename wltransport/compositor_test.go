package wltransport

import (
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/neurlang/wayland/wl"
	"github.com/stretchr/testify/require"
)

// compositor is the server end of a Wayland socket. It records every
// request and answers wl_display.sync.
type compositor struct {
	conn     *net.UnixConn
	requests chan request

	mu         sync.Mutex
	beforeDone [][]byte
}

type request struct {
	id      uint32
	opcode  uint16
	payload []byte
}

// connect starts a compositor on a socket in a fresh XDG_RUNTIME_DIR and
// returns a display connected to it.
func connect(t *testing.T) (*wl.Display, *compositor) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: filepath.Join(dir, "wayland-test"), Net: "unix"})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	accepted := make(chan *net.UnixConn, 1)
	go func() {
		c, _ := l.AcceptUnix()
		accepted <- c
	}()

	d, err := wl.Connect("wayland-test")
	require.NoError(t, err)
	t.Cleanup(func() { d.Context().Close() })

	var conn *net.UnixConn
	select {
	case conn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("compositor did not accept")
	}
	require.NotNil(t, conn)

	c := &compositor{conn: conn, requests: make(chan request, 64)}
	t.Cleanup(func() { conn.Close() })
	go c.serve()
	return d, c
}

func (c *compositor) serve() {
	hdr := make([]byte, 8)
	for {
		if _, err := io.ReadFull(c.conn, hdr); err != nil {
			return
		}
		word := binary.NativeEndian.Uint32(hdr[4:8])
		req := request{
			id:      binary.NativeEndian.Uint32(hdr[0:4]),
			opcode:  uint16(word),
			payload: make([]byte, int(word>>16)-8),
		}
		if _, err := io.ReadFull(c.conn, req.payload); err != nil {
			return
		}
		if req.id == 1 && req.opcode == 0 {
			// wl_display.sync: flush what was queued, then done.
			c.mu.Lock()
			for _, msg := range c.beforeDone {
				c.conn.Write(msg)
			}
			c.beforeDone = nil
			c.mu.Unlock()
			c.send(binary.NativeEndian.Uint32(req.payload), 0, u32(0))
		}
		select {
		case c.requests <- req:
		default:
		}
	}
}

// send writes an event for object id.
func (c *compositor) send(id uint32, opcode uint16, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.Write(event(id, opcode, payload))
}

// sendBeforeSync queues an event to go out ahead of the next sync reply.
func (c *compositor) sendBeforeSync(id uint32, opcode uint16, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beforeDone = append(c.beforeDone, event(id, opcode, payload))
}

func (c *compositor) next(t *testing.T) request {
	t.Helper()
	select {
	case r := <-c.requests:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no request from client")
		return request{}
	}
}

func event(id uint32, opcode uint16, payload []byte) []byte {
	msg := make([]byte, 8, 8+len(payload))
	binary.NativeEndian.PutUint32(msg[0:4], id)
	binary.NativeEndian.PutUint16(msg[4:6], opcode)
	binary.NativeEndian.PutUint16(msg[6:8], uint16(8+len(payload)))
	return append(msg, payload...)
}

func u32(vals ...uint32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.NativeEndian.PutUint32(b[4*i:], v)
	}
	return b
}

// str encodes a wire string: length with the NUL, then bytes padded to 4.
func str(s string) []byte {
	n := len(s) + 1
	b := u32(uint32(n))
	b = append(b, s...)
	return append(b, make([]byte, 1+(4-n%4)%4)...)
}

func cat(parts ...[]byte) []byte {
	var b []byte
	for _, p := range parts {
		b = append(b, p...)
	}
	return b
}
