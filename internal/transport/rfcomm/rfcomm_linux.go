//go:build linux

package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/omochice/peerlink/internal/transport"
)

// pollInterval bounds how long a blocked accept or connect waits before
// re-checking for cancellation.
const pollInterval = 100

func openSocket() (int, error) {
	return unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
}

func (t *Transport) probe() transport.Capabilities {
	fd, err := openSocket()
	if err != nil {
		t.logger.Warn("rfcomm sockets unavailable", zap.Error(err))
		return transport.Capabilities{}
	}
	unix.Close(fd)
	_, hasRecord := t.channelFor(transport.ServiceID)
	return transport.Capabilities{ServiceDial: hasRecord, ChannelDial: true}
}

// CheckPermission reports whether this process may open RFCOMM sockets.
// Permission errors wrap os.ErrPermission.
func CheckPermission() error {
	fd, err := openSocket()
	if err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return fmt.Errorf("rfcomm socket: %w", os.ErrPermission)
		}
		return fmt.Errorf("rfcomm socket: %w", err)
	}
	unix.Close(fd)
	return nil
}

// Listen implements transport.Transport.
func (t *Transport) Listen(service uuid.UUID) (transport.Acceptor, error) {
	channel, ok := t.channelFor(service)
	if !ok {
		channel = t.cfg.ListenChannel
	}

	fd, err := openSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create rfcomm socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrRFCOMM{Channel: channel}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind rfcomm channel %d: %w", channel, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to listen on rfcomm channel %d: %w", channel, err)
	}

	t.logger.Info("listening", zap.Uint8("channel", channel), zap.String("service", service.String()))
	return &Acceptor{fd: fd, logger: t.logger}, nil
}

// Acceptor accepts inbound RFCOMM connections.
type Acceptor struct {
	fd     int
	logger *zap.Logger

	mu        sync.Mutex
	closed    bool
	accepting bool
}

// Accept implements transport.Acceptor.
func (a *Acceptor) Accept() (transport.Conn, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, transport.ErrClosed
	}
	a.accepting = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.accepting = false
		if a.closed {
			unix.Close(a.fd)
		}
		a.mu.Unlock()
	}()

	for {
		if a.isClosed() {
			return nil, transport.ErrClosed
		}
		ready, err := poll(a.fd, unix.POLLIN)
		if err != nil {
			return nil, fmt.Errorf("failed to accept rfcomm connection: %w", err)
		}
		if !ready {
			continue
		}

		nfd, sa, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to accept rfcomm connection: %w", err)
		}

		var peer transport.PeerAddress
		if rc, ok := sa.(*unix.SockaddrRFCOMM); ok {
			peer = FormatAddress(rc.Addr)
		}
		return newConn(nfd, peer), nil
	}
}

func (a *Acceptor) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Close implements transport.Acceptor. An Accept in progress returns
// transport.ErrClosed within one poll interval.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if !a.accepting {
		return unix.Close(a.fd)
	}
	return nil
}

// DialService implements transport.Transport.
func (t *Transport) DialService(ctx context.Context, peer transport.PeerAddress, service uuid.UUID) (transport.Conn, error) {
	channel, ok := t.channelFor(service)
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoServiceRecord, service)
	}
	return t.dial(ctx, peer, channel)
}

// DialChannel implements transport.Transport.
func (t *Transport) DialChannel(ctx context.Context, peer transport.PeerAddress, channel uint8) (transport.Conn, error) {
	return t.dial(ctx, peer, channel)
}

func (t *Transport) dial(ctx context.Context, peer transport.PeerAddress, channel uint8) (transport.Conn, error) {
	addr, err := ParseAddress(string(peer))
	if err != nil {
		return nil, err
	}

	fd, err := openSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create rfcomm socket: %w", err)
	}

	err = unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: channel})
	if errors.Is(err, unix.EINPROGRESS) {
		err = waitConnected(ctx, fd)
	}
	if err != nil {
		// Closing the half-built socket is how a dial is cancelled.
		unix.Close(fd)
		return nil, fmt.Errorf("failed to connect to %s channel %d: %w", peer, channel, err)
	}

	t.logger.Debug("dialed", zap.String("peer", string(peer)), zap.Uint8("channel", channel))
	return newConn(fd, peer), nil
}

func waitConnected(ctx context.Context, fd int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ready, err := poll(fd, unix.POLLOUT)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soErr != 0 {
			return unix.Errno(soErr)
		}
		return nil
	}
}

func poll(fd int, events int16) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(fds, pollInterval)
	if errors.Is(err, unix.EINTR) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Conn is a connected RFCOMM socket. The descriptor is non-blocking, so the
// runtime poller services reads and Close unblocks them.
type Conn struct {
	file *os.File
	peer transport.PeerAddress
}

func newConn(fd int, peer transport.PeerAddress) *Conn {
	return &Conn{file: os.NewFile(uintptr(fd), "rfcomm:"+string(peer)), peer: peer}
}

// Read implements transport.Conn.
func (c *Conn) Read(p []byte) (int, error) {
	return c.file.Read(p)
}

// Write implements transport.Conn.
func (c *Conn) Write(p []byte) (int, error) {
	return c.file.Write(p)
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	return c.file.Close()
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() transport.PeerAddress {
	return c.peer
}
