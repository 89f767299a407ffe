// Package transport defines the connection-oriented stream transports a link
// runs over. Implementations live in the rfcomm, tcp and ws subpackages.
package transport

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
)

// ServiceID is the identifier every peer listens on and dials. It is the
// serial port profile UUID, so stock RFCOMM stacks resolve it as well.
var ServiceID = uuid.MustParse("00001101-0000-1000-8000-00805F9B34FB")

// DefaultFallbackChannel is dialed when the service dial fails.
const DefaultFallbackChannel uint8 = 1

var (
	// ErrUnsupported is returned by transports unavailable on this platform.
	ErrUnsupported = errors.New("transport not supported on this platform")

	// ErrServiceMismatch is returned when a peer presents another service identifier.
	ErrServiceMismatch = errors.New("service identifier mismatch")

	// ErrClosed is returned by Accept after the acceptor was closed.
	ErrClosed = errors.New("acceptor closed")
)

// PeerAddress identifies a remote device. For RFCOMM it is the link-layer
// address in "AA:BB:CC:DD:EE:FF" form; other transports use host:port.
type PeerAddress string

// String implements fmt.Stringer.
func (p PeerAddress) String() string {
	return string(p)
}

// Conn is an established byte stream to one peer.
// Close must unblock a Read or Write in progress.
type Conn interface {
	io.ReadWriteCloser

	// RemoteAddr returns the peer on the other end.
	RemoteAddr() PeerAddress
}

// Acceptor is a bound listening endpoint.
// Close must unblock an Accept in progress.
type Acceptor interface {
	Accept() (Conn, error)
	Close() error
}

// Capabilities describes which dial strategies a transport offers.
type Capabilities struct {
	// ServiceDial is true when peers can be dialed by service identifier.
	ServiceDial bool
	// ChannelDial is true when peers can be dialed on a raw channel number.
	ChannelDial bool
}

// Transport opens acceptors and dials peers.
type Transport interface {
	// Name returns a short name for logs.
	Name() string

	// Capabilities reports the dial strategies found by probing the transport.
	Capabilities() Capabilities

	// Listen binds an acceptor for the service identifier.
	Listen(service uuid.UUID) (Acceptor, error)

	// DialService dials peer by service identifier.
	// Cancelling ctx aborts the attempt and closes the socket being built.
	DialService(ctx context.Context, peer PeerAddress, service uuid.UUID) (Conn, error)

	// DialChannel dials peer on a raw channel number.
	DialChannel(ctx context.Context, peer PeerAddress, channel uint8) (Conn, error)
}
