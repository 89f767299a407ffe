// Package tcp provides a TCP stand-in for the RFCOMM transport, used for
// development and tests on hosts without a Bluetooth adapter.
//
// Channel N maps to port ChannelBasePort+N on the peer's host, so a node
// listening on base+1 is reachable by both dial strategies.
package tcp

import (
	"net"

	"github.com/omochice/peerlink/internal/transport"
)

// Conn adapts net.Conn to transport.Conn.
type Conn struct {
	conn net.Conn
	peer transport.PeerAddress
}

// NewConn wraps a net.Conn. An empty peer falls back to the socket's remote address.
func NewConn(conn net.Conn, peer transport.PeerAddress) *Conn {
	if peer == "" {
		peer = transport.PeerAddress(conn.RemoteAddr().String())
	}
	return &Conn{conn: conn, peer: peer}
}

// Read implements transport.Conn.
func (c *Conn) Read(p []byte) (int, error) {
	return c.conn.Read(p)
}

// Write implements transport.Conn.
func (c *Conn) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() transport.PeerAddress {
	return c.peer
}
