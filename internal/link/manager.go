// Package link keeps one bidirectional byte stream to a paired peer alive.
//
// A Manager owns at most one of a listener, an initiator or a session at any
// time. Every state transition happens under its mutex; outcomes are reported
// as Events on a single ordered channel.
package link

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/omochice/peerlink/internal/transport"
	"github.com/omochice/peerlink/pkg/protocol"
)

// Manager is the connection state machine.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	metrics Recorder
	events  *eventQueue
	sup     *supervisor

	mu            sync.Mutex
	state         State
	role          role
	session       *session
	sessionGen    uint64
	peer          transport.PeerAddress
	userInitiated bool
	closed        bool
	wg            sync.WaitGroup
}

// New creates a Manager in StateIdle. Call StartListening or Connect to use it
// and Shutdown to release it.
func New(cfg Config) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errors.New("link: transport is required")
	}
	cfg = cfg.withDefaults()

	m := &Manager{
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("component", "link"), zap.String("transport", cfg.Transport.Name())),
		metrics: cfg.Metrics,
		events:  newEventQueue(),
	}
	m.sup = newSupervisor(m, m.emit, cfg)
	m.sup.start()
	m.metrics.StateChanged(StateIdle.String())
	return m, nil
}

// Events returns the channel every event is delivered on. It is closed by Shutdown
// after the remaining events were delivered.
func (m *Manager) Events() <-chan Event {
	return m.events.out
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Peer returns the connected peer, or "" when not connected.
func (m *Manager) Peer() transport.PeerAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

// Heartbeat returns a snapshot of the liveness timestamps.
func (m *Manager) Heartbeat() HeartbeatState {
	return m.sup.heartbeatState()
}

// Policy returns a snapshot of the reconnection policy.
func (m *Manager) Policy() ReconnectPolicy {
	return m.sup.reconnectPolicy()
}

// StartListening waits for an inbound connection. It does nothing while
// connected and cancels a dial in progress.
func (m *Manager) StartListening() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startListeningLocked()
}

func (m *Manager) startListeningLocked() {
	if m.closed || m.state == StateConnected {
		return
	}
	if _, ok := m.role.(*initiator); ok {
		m.role.cancel()
		m.role = nil
	}
	if m.role == nil {
		l := newListener(m, m.cfg)
		m.role = l
		m.spawn(l.run)
	}
	m.setState(StateListening)
}

// Connect dials peer. It does nothing when already connected to peer and
// disconnects first when connected to another one. A manual Connect resets
// the reconnection policy.
func (m *Manager) Connect(peer transport.PeerAddress) error {
	if peer == "" {
		return ErrInvalidPeer
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.state == StateConnected && m.peer == peer {
		return nil
	}

	m.userInitiated = false
	m.sup.reset(peer)
	m.connectLocked(peer)
	return nil
}

func (m *Manager) connectLocked(peer transport.PeerAddress) {
	if m.session != nil {
		old := m.peer
		m.teardownLocked()
		m.setState(StateIdle)
		m.emit(Event{Kind: EventDisconnected, Peer: old})
	}
	if m.role != nil {
		m.role.cancel()
		m.role = nil
	}

	m.logger.Info("connecting", zap.String("peer", peer.String()))
	i := newInitiator(m, peer, m.cfg)
	m.role = i
	m.setState(StateConnecting)
	m.spawn(i.run)
}

// Write sends p to the peer. It returns false at once when not connected,
// otherwise whether the session wrote and flushed p.
func (m *Manager) Write(p []byte) bool {
	m.mu.Lock()
	s := m.session
	if m.state != StateConnected || s == nil {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()
	return s.write(p)
}

// Disconnect tears down the session without reconnecting and goes back to
// listening.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	m.userInitiated = true
	m.sup.reset("")

	if _, ok := m.role.(*initiator); ok {
		m.role.cancel()
		m.role = nil
	}
	if m.session != nil {
		peer := m.peer
		m.teardownLocked()
		m.logger.Info("disconnected", zap.String("peer", peer.String()))
		m.emit(Event{Kind: EventDisconnected, Peer: peer})
	}
	if m.role == nil {
		m.setState(StateIdle)
	}
	m.startListeningLocked()
}

// Shutdown cancels every worker, waits for them and closes the event channel.
// It is safe to call more than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.role != nil {
		m.role.cancel()
		m.role = nil
	}
	m.teardownLocked()
	m.setState(StateIdle)
	m.mu.Unlock()

	m.sup.stop()
	m.wg.Wait()
	m.events.close()
	m.logger.Info("link shut down")
}

func (m *Manager) roleEstablished(r role, conn transport.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || r != m.role {
		m.logger.Debug("dropping connection from stale role", zap.String("role", r.name()))
		conn.Close()
		return
	}
	m.role = nil
	if m.session != nil {
		m.teardownLocked()
	}

	s := newSession(conn, m, m.cfg)
	m.session = s
	m.peer = s.peer
	m.userInitiated = false
	m.sessionGen = m.sup.connected(s.peer)
	m.setState(StateConnected)
	m.logger.Info("connection established", zap.String("peer", s.peer.String()), zap.String("role", r.name()))
	m.emit(Event{Kind: EventEstablished, Peer: s.peer})
	m.spawn(s.readLoop)
}

func (m *Manager) roleFailed(r role, err *Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || r != m.role {
		return
	}
	m.role = nil
	m.setState(StateIdle)
	m.emit(Event{Kind: EventFailed, Reason: err.Reason, Err: err})

	if _, ok := r.(*listener); ok {
		m.logger.Error("listener failed", zap.Error(err))
		return
	}

	m.logger.Warn("connect failed", zap.Error(err))
	if errors.Is(err, ErrDialFailed) && !m.userInitiated && m.sup.inRetryCycle() {
		m.sup.scheduleRetry()
	}
	m.startListeningLocked()
}

func (m *Manager) sessionData(s *session, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || s != m.session {
		return
	}
	m.sup.touch()
	if protocol.IsHeartbeat(data) {
		return
	}
	m.emit(Event{Kind: EventDataReceived, Peer: s.peer, Data: data})
}

func (m *Manager) sessionLost(s *session, err *Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || s != m.session {
		return
	}
	m.lostLocked(err)
}

// linkTimedOut is ignored when gen belongs to an earlier session.
func (m *Manager) linkTimedOut(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.session == nil || gen != m.sessionGen {
		m.logger.Debug("ignoring timeout of stale session", zap.Uint64("gen", gen))
		return
	}
	m.lostLocked(newError(ErrTimeout, nil, "timeout"))
}

func (m *Manager) lostLocked(err *Error) {
	peer := m.peer
	m.teardownLocked()
	m.setState(StateIdle)
	m.logger.Warn("connection lost", zap.String("peer", peer.String()), zap.Error(err))
	m.emit(Event{Kind: EventLost, Peer: peer, Reason: err.Reason, Err: err})

	if !m.userInitiated {
		m.sup.scheduleRetry()
	}
	m.startListeningLocked()
}

func (m *Manager) heartbeat() bool {
	return m.Write([]byte(protocol.HeartbeatPayload))
}

func (m *Manager) reconnect(peer transport.PeerAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.userInitiated || peer == "" {
		return
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.logger.Debug("skipping reconnect", zap.Stringer("state", m.state))
		return
	}
	m.connectLocked(peer)
}

func (m *Manager) teardownLocked() {
	if m.session == nil {
		return
	}
	m.session.cancel()
	m.session = nil
	m.peer = ""
	m.sup.stopMonitoring()
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("state changed", zap.Stringer("from", m.state), zap.Stringer("to", s))
	m.state = s
	m.metrics.StateChanged(s.String())
}

func (m *Manager) emit(ev Event) {
	m.metrics.EventEmitted(ev.Kind.String())
	m.events.push(ev)
}

func (m *Manager) spawn(f func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		f()
	}()
}

// activeWorkers counts the listener, initiator and session currently owned.
func (m *Manager) activeWorkers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	if m.role != nil {
		n++
	}
	if m.session != nil {
		n++
	}
	return n
}
