//go:build !linux

package rfcomm

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/omochice/peerlink/internal/transport"
)

func (t *Transport) probe() transport.Capabilities {
	return transport.Capabilities{}
}

// CheckPermission always fails off Linux.
func CheckPermission() error {
	return fmt.Errorf("rfcomm: %w", transport.ErrUnsupported)
}

// Listen implements transport.Transport.
func (t *Transport) Listen(service uuid.UUID) (transport.Acceptor, error) {
	return nil, fmt.Errorf("rfcomm: %w", transport.ErrUnsupported)
}

// DialService implements transport.Transport.
func (t *Transport) DialService(ctx context.Context, peer transport.PeerAddress, service uuid.UUID) (transport.Conn, error) {
	return nil, fmt.Errorf("rfcomm: %w", transport.ErrUnsupported)
}

// DialChannel implements transport.Transport.
func (t *Transport) DialChannel(ctx context.Context, peer transport.PeerAddress, channel uint8) (transport.Conn, error) {
	return nil, fmt.Errorf("rfcomm: %w", transport.ErrUnsupported)
}
