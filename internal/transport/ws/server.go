package ws

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/peerlink/internal/transport"
)

const (
	// PathPrefix prefixes the service identifier in the request path.
	PathPrefix = "/link/"

	// AdvertiseHeader carries the address a dialer can be reached back on.
	AdvertiseHeader = "X-Peerlink-Advertise"
)

// Config configures the WebSocket transport.
type Config struct {
	// ListenAddress is bound by Listen, e.g. ":7080".
	ListenAddress string
	// Advertise is sent to the acceptor so it can dial this node back.
	Advertise string
	// DialTimeout bounds each dial including the handshake.
	DialTimeout time.Duration
}

// Transport implements transport.Transport over WebSocket.
type Transport struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a WebSocket transport.
func New(cfg Config, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{cfg: cfg, logger: logger.With(zap.String("transport", "ws"))}
}

// Name implements transport.Transport.
func (t *Transport) Name() string {
	return "ws"
}

// Capabilities implements transport.Transport. Channels do not exist here.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{ServiceDial: true}
}

// DialService implements transport.Transport.
func (t *Transport) DialService(ctx context.Context, peer transport.PeerAddress, service uuid.UUID) (transport.Conn, error) {
	d := ws.Dialer{Timeout: t.cfg.DialTimeout}
	if t.cfg.Advertise != "" {
		d.Header = ws.HandshakeHeaderHTTP(http.Header{AdvertiseHeader: []string{t.cfg.Advertise}})
	}

	url := "ws://" + string(peer) + PathPrefix + service.String()
	conn, br, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	var rw = readWriter{Reader: conn, Writer: conn}
	if br != nil {
		rw.Reader = br
	}

	t.logger.Debug("dialed", zap.String("url", url))
	return newConn(conn, rw, true, peer), nil
}

// DialChannel implements transport.Transport.
func (t *Transport) DialChannel(ctx context.Context, peer transport.PeerAddress, channel uint8) (transport.Conn, error) {
	return nil, fmt.Errorf("channel dial: %w", transport.ErrUnsupported)
}

// Listen implements transport.Transport.
func (t *Transport) Listen(service uuid.UUID) (transport.Acceptor, error) {
	listener, err := net.Listen("tcp", t.cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to start WebSocket listener: %w", err)
	}

	t.logger.Info("listening", zap.String("addr", listener.Addr().String()))

	return &Acceptor{
		listener: listener,
		path:     []byte(PathPrefix + service.String()),
		logger:   t.logger,
		quit:     make(chan struct{}),
	}, nil
}

// Acceptor upgrades inbound connections whose request path names the service.
type Acceptor struct {
	listener net.Listener
	path     []byte
	logger   *zap.Logger
	quit     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	pending net.Conn
}

// Addr returns the listening address.
func (a *Acceptor) Addr() string {
	return a.listener.Addr().String()
}

// Accept implements transport.Acceptor.
func (a *Acceptor) Accept() (transport.Conn, error) {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.quit:
				return nil, transport.ErrClosed
			default:
				return nil, fmt.Errorf("failed to accept WebSocket connection: %w", err)
			}
		}

		a.setPending(conn)
		advertised, err := a.upgrade(conn)
		a.setPending(nil)
		if err != nil {
			conn.Close()
			select {
			case <-a.quit:
				return nil, transport.ErrClosed
			default:
			}
			a.logger.Warn("rejected inbound connection",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Error(err))
			continue
		}

		return newConn(conn, nil, false, transport.PeerAddress(advertised)), nil
	}
}

func (a *Acceptor) upgrade(conn net.Conn) (string, error) {
	var advertised string
	u := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			if !bytes.Equal(bytes.TrimRight(uri, "/"), a.path) {
				return ws.RejectConnectionError(ws.RejectionStatus(http.StatusNotFound))
			}
			return nil
		},
		OnHeader: func(key, value []byte) error {
			if strings.EqualFold(string(key), AdvertiseHeader) {
				advertised = string(value)
			}
			return nil
		},
	}

	_ = conn.SetDeadline(time.Now().Add(transport.PreambleTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := u.Upgrade(conn); err != nil {
		return "", fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return advertised, nil
}

// Close implements transport.Acceptor.
func (a *Acceptor) Close() error {
	var err error
	a.once.Do(func() {
		close(a.quit)
		err = a.listener.Close()

		a.mu.Lock()
		if a.pending != nil {
			a.pending.Close()
		}
		a.mu.Unlock()
	})
	return err
}

func (a *Acceptor) setPending(conn net.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = conn
	select {
	case <-a.quit:
		if conn != nil {
			conn.Close()
		}
	default:
	}
}
