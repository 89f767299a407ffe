// Package ws carries a link over WebSocket binary messages using gobwas/ws.
// It bridges peers through networks where only HTTP traffic passes.
package ws

import (
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/peerlink/internal/transport"
)

// Conn adapts a WebSocket connection to the byte-stream transport.Conn.
// Each Write becomes one binary message; Read drains messages in order.
type Conn struct {
	conn   net.Conn
	rw     io.ReadWriter
	client bool
	peer   transport.PeerAddress

	mu            sync.Mutex
	readBuffer    []byte
	readBufferPos int
}

func newConn(conn net.Conn, rw io.ReadWriter, client bool, peer transport.PeerAddress) *Conn {
	if rw == nil {
		rw = conn
	}
	if peer == "" {
		peer = transport.PeerAddress(conn.RemoteAddr().String())
	}
	return &Conn{conn: conn, rw: rw, client: client, peer: peer}
}

// Write implements transport.Conn.
func (c *Conn) Write(data []byte) (int, error) {
	var err error
	if c.client {
		err = wsutil.WriteClientBinary(c.conn, data)
	} else {
		err = wsutil.WriteServerBinary(c.conn, data)
	}
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Read implements transport.Conn.
func (c *Conn) Read(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readBufferPos < len(c.readBuffer) {
		n := copy(buf, c.readBuffer[c.readBufferPos:])
		c.readBufferPos += n
		if c.readBufferPos >= len(c.readBuffer) {
			c.readBuffer = nil
			c.readBufferPos = 0
		}
		return n, nil
	}

	var (
		data []byte
		err  error
	)
	if c.client {
		data, err = wsutil.ReadServerBinary(c.rw)
	} else {
		data, err = wsutil.ReadClientBinary(c.rw)
	}
	if err != nil {
		return 0, err
	}

	n := copy(buf, data)
	if n < len(data) {
		c.readBuffer = data[n:]
		c.readBufferPos = 0
	}
	return n, nil
}

// Close implements transport.Conn. A close frame is sent on a best-effort basis.
func (c *Conn) Close() error {
	if c.client {
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, nil)
	} else {
		_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
	}
	return c.conn.Close()
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() transport.PeerAddress {
	return c.peer
}

// readWriter reads through a handshake reader that may hold buffered frames.
type readWriter struct {
	io.Reader
	io.Writer
}
