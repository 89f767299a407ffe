package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/peerlink/internal/transport"
)

// Config configures the TCP transport.
type Config struct {
	// ListenAddress is bound by Listen, e.g. ":7001".
	ListenAddress string
	// Advertise is the address peers should dial back; sent after the preamble.
	Advertise string
	// ChannelBasePort is added to the channel number by DialChannel.
	ChannelBasePort int
	// Service is presented by DialChannel, which has no identifier of its own.
	Service uuid.UUID
	// DialTimeout bounds each dial; zero leaves it to the OS default.
	DialTimeout time.Duration
}

// Transport implements transport.Transport over TCP.
type Transport struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a TCP transport.
func New(cfg Config, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Service == uuid.Nil {
		cfg.Service = transport.ServiceID
	}
	return &Transport{cfg: cfg, logger: logger.With(zap.String("transport", "tcp"))}
}

// Name implements transport.Transport.
func (t *Transport) Name() string {
	return "tcp"
}

// Capabilities implements transport.Transport. Channel dialing needs a base port.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		ServiceDial: true,
		ChannelDial: t.cfg.ChannelBasePort > 0,
	}
}

// DialService implements transport.Transport.
func (t *Transport) DialService(ctx context.Context, peer transport.PeerAddress, service uuid.UUID) (transport.Conn, error) {
	return t.dial(ctx, string(peer), peer, service)
}

// DialChannel implements transport.Transport.
func (t *Transport) DialChannel(ctx context.Context, peer transport.PeerAddress, channel uint8) (transport.Conn, error) {
	if t.cfg.ChannelBasePort <= 0 {
		return nil, fmt.Errorf("channel dial not configured")
	}
	host, _, err := net.SplitHostPort(string(peer))
	if err != nil {
		return nil, fmt.Errorf("invalid peer address %q: %w", peer, err)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(t.cfg.ChannelBasePort+int(channel)))
	return t.dial(ctx, addr, peer, t.cfg.Service)
}

func (t *Transport) dial(ctx context.Context, addr string, peer transport.PeerAddress, service uuid.UUID) (transport.Conn, error) {
	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	if err := writeHello(conn, service, t.cfg.Advertise); err != nil {
		conn.Close()
		return nil, err
	}

	t.logger.Debug("dialed", zap.String("addr", addr))
	return NewConn(conn, peer), nil
}

// writeHello sends the service preamble followed by the advertised address.
func writeHello(w io.Writer, service uuid.UUID, advertise string) error {
	if len(advertise) > 0xffff {
		return fmt.Errorf("advertised address too long")
	}
	if err := transport.WritePreamble(w, service); err != nil {
		return err
	}
	buf := make([]byte, 2+len(advertise))
	binary.BigEndian.PutUint16(buf, uint16(len(advertise)))
	copy(buf[2:], advertise)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write advertised address: %w", err)
	}
	return nil
}

// readHello checks the preamble and returns the advertised address, if any.
func readHello(r io.Reader, service uuid.UUID) (string, error) {
	if err := transport.ReadPreamble(r, service); err != nil {
		return "", err
	}
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("failed to read advertised address: %w", err)
	}
	addr := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, addr); err != nil {
		return "", fmt.Errorf("failed to read advertised address: %w", err)
	}
	return string(addr), nil
}
