package link

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/peerlink/internal/transport"
	"github.com/omochice/peerlink/pkg/protocol"
)

const testPeer = transport.PeerAddress("AA:BB:CC:DD:EE:FF")

func TestNew_RequiresTransport(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestManager_ConnectEstablishes(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)

	require.NoError(t, m.Connect(testPeer))
	remote := ft.remote(t)

	ev := nextEvent(t, m)
	assert.Equal(t, EventEstablished, ev.Kind)
	assert.Equal(t, testPeer, ev.Peer)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, testPeer, m.Peer())

	_, err := remote.Write([]byte("hello"))
	require.NoError(t, err)
	ev = nextEvent(t, m)
	assert.Equal(t, EventDataReceived, ev.Kind)
	assert.Equal(t, []byte("hello"), ev.Data)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := remote.Read(buf)
		done <- buf[:n]
	}()
	assert.True(t, m.Write([]byte("hi")))
	select {
	case got := <-done:
		assert.Equal(t, []byte("hi"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("write never arrived")
	}
}

func TestManager_ConnectSamePeerIsNoop(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)

	require.NoError(t, m.Connect(testPeer))
	drain(ft.remote(t))
	waitFor(t, m, EventEstablished)

	require.NoError(t, m.Connect(testPeer))
	assert.Equal(t, StateConnected, m.State())
	assert.Len(t, ft.dialLog(), 1)
}

func TestManager_ConnectOtherPeerDisconnectsFirst(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)

	require.NoError(t, m.Connect(testPeer))
	drain(ft.remote(t))
	waitFor(t, m, EventEstablished)

	other := transport.PeerAddress("11:22:33:44:55:66")
	require.NoError(t, m.Connect(other))
	drain(ft.remote(t))

	ev := nextEvent(t, m)
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.Equal(t, testPeer, ev.Peer)
	ev = nextEvent(t, m)
	assert.Equal(t, EventEstablished, ev.Kind)
	assert.Equal(t, other, ev.Peer)
}

func TestManager_ConnectInvalidPeer(t *testing.T) {
	m := newTestManager(t, newFakeTransport())
	assert.ErrorIs(t, m.Connect(""), ErrInvalidPeer)
	assert.Equal(t, StateIdle, m.State())
}

func TestManager_WriteWhenNotConnected(t *testing.T) {
	m := newTestManager(t, newFakeTransport())

	start := time.Now()
	assert.False(t, m.Write([]byte("hello")))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	m.StartListening()
	assert.False(t, m.Write([]byte("hello")))
}

func TestManager_ListenAccepts(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)

	m.StartListening()
	assert.Equal(t, StateListening, m.State())

	remote := ft.inbound(t, testPeer)
	drain(remote)
	ev := nextEvent(t, m)
	assert.Equal(t, EventEstablished, ev.Kind)
	assert.Equal(t, testPeer, ev.Peer)
	assert.Equal(t, StateConnected, m.State())

	// Listening is ignored while connected.
	m.StartListening()
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_ConnectCancelsListener(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)

	m.StartListening()
	require.NoError(t, m.Connect(testPeer))
	assert.Equal(t, StateConnecting, m.State())
	assert.LessOrEqual(t, m.activeWorkers(), 1)

	drain(ft.remote(t))
	waitFor(t, m, EventEstablished)
	assert.Equal(t, 1, m.activeWorkers())
}

func TestManager_HeartbeatIsNotDelivered(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)

	require.NoError(t, m.Connect(testPeer))
	remote := ft.remote(t)
	waitFor(t, m, EventEstablished)

	_, err := remote.Write([]byte(protocol.HeartbeatPayload))
	require.NoError(t, err)
	_, err = remote.Write([]byte("after"))
	require.NoError(t, err)

	ev := nextEvent(t, m)
	assert.Equal(t, EventDataReceived, ev.Kind)
	assert.Equal(t, []byte("after"), ev.Data)
}

func TestManager_FrameDelivery(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)

	m.StartListening()
	remote := ft.inbound(t, testPeer)
	waitFor(t, m, EventEstablished)

	_, err := remote.Write([]byte("text|Alice|u1|hello"))
	require.NoError(t, err)

	ev := waitFor(t, m, EventDataReceived)
	f, err := protocol.Decode(ev.Data)
	require.NoError(t, err)
	assert.Equal(t, protocol.NewText("Alice", "u1", "hello"), f)
}

func TestManager_ReadFailureReconnects(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft, func(c *Config) { c.RetryDelay = 20 * time.Millisecond })

	require.NoError(t, m.Connect(testPeer))
	remote := ft.remote(t)
	waitFor(t, m, EventEstablished)

	remote.Close()
	ev := nextEvent(t, m)
	require.Equal(t, EventLost, ev.Kind)
	assert.Contains(t, ev.Reason, "read failed")
	assert.ErrorIs(t, ev.Err, ErrIOFailure)

	ev = nextEvent(t, m)
	require.Equal(t, EventReconnecting, ev.Kind)
	assert.Equal(t, 1, ev.Attempt)
	assert.Equal(t, DefaultMaxAttempts, ev.MaxAttempts)

	drain(ft.remote(t))
	ev = waitFor(t, m, EventEstablished)
	assert.Equal(t, testPeer, ev.Peer)
	assert.Equal(t, 0, m.Policy().Attempt)
}

// A silent link times out, then reconnection is attempted exactly
// MaxAttempts times before giving up.
func TestManager_TimeoutThenBoundedRetries(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft, fastTimers)

	require.NoError(t, m.Connect(testPeer))
	drain(ft.remote(t))
	waitFor(t, m, EventEstablished)

	ft.setDialErr("service", errors.New("host down"))
	ft.setDialErr("channel", errors.New("host down"))

	ev := waitFor(t, m, EventLost)
	assert.Equal(t, "timeout", ev.Reason)
	assert.ErrorIs(t, ev.Err, ErrTimeout)

	var attempts []int
	for {
		ev := nextEvent(t, m)
		if ev.Kind == EventReconnecting {
			attempts = append(attempts, ev.Attempt)
		}
		if ev.Kind == EventFailed {
			assert.ErrorIs(t, ev.Err, ErrDialFailed)
			assert.Contains(t, ev.Reason, "failed to connect")
		}
		if ev.Kind == EventReconnectFailed {
			assert.ErrorIs(t, ev.Err, ErrMaxRetriesExceeded)
			break
		}
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, attempts)
	assert.Equal(t, 0, m.Policy().Attempt)

	// One dial of each strategy per attempt, plus the manual one.
	assert.Len(t, ft.dialLog(), 1+2*DefaultMaxAttempts)
	assert.Eventually(t, func() bool { return m.State() == StateListening }, time.Second, 5*time.Millisecond)
}

func TestManager_DisconnectSuppressesReconnect(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft, fastTimers)

	require.NoError(t, m.Connect(testPeer))
	drain(ft.remote(t))
	waitFor(t, m, EventEstablished)

	m.Disconnect()
	ev := nextEvent(t, m)
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.Equal(t, testPeer, ev.Peer)
	assert.Equal(t, StateListening, m.State())
	assert.Equal(t, transport.PeerAddress(""), m.Peer())
	assert.Equal(t, 0, m.Policy().Attempt)

	// A retry that was already due is ignored.
	m.reconnect(testPeer)

	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %v", ev.Kind)
	case <-time.After(150 * time.Millisecond):
	}
	assert.Len(t, ft.dialLog(), 1)
	assert.Equal(t, StateListening, m.State())
}

func TestManager_ManualDialFailureIsNotRetried(t *testing.T) {
	ft := newFakeTransport()
	ft.setDialErr("service", errors.New("no record"))
	ft.setDialErr("channel", errors.New("refused"))
	m := newTestManager(t, ft, fastTimers)

	require.NoError(t, m.Connect(testPeer))
	ev := nextEvent(t, m)
	require.Equal(t, EventFailed, ev.Kind)
	assert.Equal(t, "failed to connect: refused", ev.Reason)
	assert.ErrorIs(t, ev.Err, ErrDialFailed)
	assert.Equal(t, []string{"service", "channel"}, ft.dialLog())

	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %v", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, StateListening, m.State())
}

func TestManager_FallbackDial(t *testing.T) {
	ft := newFakeTransport()
	ft.setDialErr("service", errors.New("no record"))
	m := newTestManager(t, ft)

	require.NoError(t, m.Connect(testPeer))
	drain(ft.remote(t))
	waitFor(t, m, EventEstablished)
	assert.Equal(t, []string{"service", "channel"}, ft.dialLog())
}

func TestManager_NoDialStrategy(t *testing.T) {
	ft := newFakeTransport()
	ft.caps = transport.Capabilities{}
	m := newTestManager(t, ft)

	require.NoError(t, m.Connect(testPeer))
	ev := nextEvent(t, m)
	assert.Equal(t, EventFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrInitializationFailed)
}

func TestManager_PermissionDenied(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft, func(c *Config) {
		c.Permission = func() error { return errors.New("missing capability") }
	})

	m.StartListening()
	ev := nextEvent(t, m)
	assert.Equal(t, EventFailed, ev.Kind)
	assert.Equal(t, "permission denied", ev.Reason)
	assert.ErrorIs(t, ev.Err, ErrPermissionDenied)
	assert.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestManager_ListenerFailureStaysIdle(t *testing.T) {
	ft := newFakeTransport()
	ft.listenErr = errors.New("address in use")
	m := newTestManager(t, ft)

	m.StartListening()
	ev := nextEvent(t, m)
	assert.Equal(t, EventFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrInitializationFailed)

	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StateIdle, m.State())
}

func TestManager_AtMostOneWorker(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var violations int
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if m.activeWorkers() > 1 {
				violations++
			}
		}
	}()

	for i := 0; i < 5; i++ {
		m.StartListening()
		require.NoError(t, m.Connect(testPeer))
		drain(ft.remote(t))
		waitFor(t, m, EventEstablished)
		m.Disconnect()
		waitFor(t, m, EventDisconnected)
	}

	close(stop)
	wg.Wait()
	assert.Zero(t, violations)
}

func (m *Manager) currentSession() (*session, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.sessionGen
}

func TestManager_TimeoutOfStaleSessionIgnored(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)

	require.NoError(t, m.Connect(testPeer))
	drain(ft.remote(t))
	waitFor(t, m, EventEstablished)
	_, first := m.currentSession()

	other := transport.PeerAddress("11:22:33:44:55:66")
	require.NoError(t, m.Connect(other))
	drain(ft.remote(t))
	waitFor(t, m, EventEstablished)
	_, second := m.currentSession()
	require.NotEqual(t, first, second)

	m.linkTimedOut(first)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, other, m.Peer())

	m.linkTimedOut(second)
	ev := waitFor(t, m, EventLost)
	assert.Equal(t, "timeout", ev.Reason)
	assert.ErrorIs(t, ev.Err, ErrTimeout)
}

func TestManager_StaleSessionDataIgnored(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)

	require.NoError(t, m.Connect(testPeer))
	drain(ft.remote(t))
	waitFor(t, m, EventEstablished)
	old, _ := m.currentSession()

	other := transport.PeerAddress("11:22:33:44:55:66")
	require.NoError(t, m.Connect(other))
	drain(ft.remote(t))
	waitFor(t, m, EventEstablished)

	before := m.Heartbeat().LastDataAt
	time.Sleep(10 * time.Millisecond)
	m.sessionData(old, []byte("late"))
	assert.Equal(t, before, m.Heartbeat().LastDataAt)

	m.Shutdown()
	for ev := range m.Events() {
		assert.NotEqual(t, EventDataReceived, ev.Kind)
	}
}

func TestManager_Shutdown(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)

	require.NoError(t, m.Connect(testPeer))
	drain(ft.remote(t))
	waitFor(t, m, EventEstablished)

	m.Shutdown()
	m.Shutdown()

	assert.Equal(t, StateIdle, m.State())
	assert.False(t, m.Write([]byte("late")))
	assert.ErrorIs(t, m.Connect(testPeer), ErrClosed)
	for range m.Events() {
	}
}
