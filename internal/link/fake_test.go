package link

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/omochice/peerlink/internal/transport"
	"github.com/omochice/peerlink/internal/transport/tcp"
)

// fakeTransport hands out net.Pipe conns. The far end of every pipe is
// available to the test.
type fakeTransport struct {
	caps      transport.Capabilities
	listenErr error
	incoming  chan transport.Conn
	remotes   chan net.Conn

	mu      sync.Mutex
	dialErr map[string]error
	dials   []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		caps:     transport.Capabilities{ServiceDial: true, ChannelDial: true},
		incoming: make(chan transport.Conn),
		remotes:  make(chan net.Conn, 16),
		dialErr:  map[string]error{},
	}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Capabilities() transport.Capabilities { return f.caps }

func (f *fakeTransport) Listen(uuid.UUID) (transport.Acceptor, error) {
	if f.listenErr != nil {
		return nil, f.listenErr
	}
	return &fakeAcceptor{incoming: f.incoming, closed: make(chan struct{})}, nil
}

func (f *fakeTransport) DialService(ctx context.Context, peer transport.PeerAddress, _ uuid.UUID) (transport.Conn, error) {
	return f.dial(ctx, "service", peer)
}

func (f *fakeTransport) DialChannel(ctx context.Context, peer transport.PeerAddress, _ uint8) (transport.Conn, error) {
	return f.dial(ctx, "channel", peer)
}

func (f *fakeTransport) dial(ctx context.Context, kind string, peer transport.PeerAddress) (transport.Conn, error) {
	f.mu.Lock()
	f.dials = append(f.dials, kind)
	err := f.dialErr[kind]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	local, remote := net.Pipe()
	f.remotes <- remote
	return tcp.NewConn(local, peer), nil
}

func (f *fakeTransport) setDialErr(kind string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErr[kind] = err
}

func (f *fakeTransport) dialLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dials...)
}

// inbound connects peer to whichever acceptor is waiting.
func (f *fakeTransport) inbound(t *testing.T, peer transport.PeerAddress) net.Conn {
	t.Helper()
	local, remote := net.Pipe()
	select {
	case f.incoming <- tcp.NewConn(local, peer):
	case <-time.After(2 * time.Second):
		t.Fatal("no acceptor waiting")
	}
	t.Cleanup(func() { remote.Close() })
	return remote
}

// remote returns the far end of the next successful dial.
func (f *fakeTransport) remote(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-f.remotes:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no dial happened")
		return nil
	}
}

type fakeAcceptor struct {
	incoming chan transport.Conn
	closed   chan struct{}
	once     sync.Once
}

func (a *fakeAcceptor) Accept() (transport.Conn, error) {
	select {
	case c := <-a.incoming:
		return c, nil
	case <-a.closed:
		return nil, transport.ErrClosed
	}
}

func (a *fakeAcceptor) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}

func newTestManager(t *testing.T, ft *fakeTransport, opts ...func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Transport: ft,
		Logger:    zaptest.NewLogger(t),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m
}

func fastTimers(cfg *Config) {
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.Timeout = 100 * time.Millisecond
	cfg.RetryDelay = 20 * time.Millisecond
}

func drain(c net.Conn) {
	go io.Copy(io.Discard, c)
}

func nextEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case ev, ok := <-m.Events():
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

// waitFor skips events until one of kind arrives.
func waitFor(t *testing.T, m *Manager, kind EventKind) Event {
	t.Helper()
	for {
		ev := nextEvent(t, m)
		if ev.Kind == kind {
			return ev
		}
	}
}
