package tcp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/peerlink/internal/transport"
)

// Listen implements transport.Transport.
func (t *Transport) Listen(service uuid.UUID) (transport.Acceptor, error) {
	listener, err := net.Listen("tcp", t.cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to start TCP listener: %w", err)
	}

	t.logger.Info("listening", zap.String("addr", listener.Addr().String()))

	return &Acceptor{
		listener: listener,
		service:  service,
		logger:   t.logger,
		quit:     make(chan struct{}),
	}, nil
}

// Acceptor accepts peers that present the expected service identifier.
type Acceptor struct {
	listener net.Listener
	service  uuid.UUID
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

// Accept implements transport.Acceptor. Peers presenting another service
// are dropped and accepting continues.
func (a *Acceptor) Accept() (transport.Conn, error) {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.quit:
				return nil, transport.ErrClosed
			default:
				return nil, fmt.Errorf("failed to accept TCP connection: %w", err)
			}
		}

		a.setPending(conn)
		_ = conn.SetReadDeadline(time.Now().Add(transport.PreambleTimeout))
		advertised, err := readHello(conn, a.service)
		_ = conn.SetReadDeadline(time.Time{})
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

		return NewConn(conn, transport.PeerAddress(advertised)), nil
	}
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
