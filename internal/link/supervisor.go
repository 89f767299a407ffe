package link

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/peerlink/internal/transport"
)

// HeartbeatState tracks liveness of the connected session.
type HeartbeatState struct {
	LastDataAt          time.Time
	LastHeartbeatSentAt time.Time
}

// ReconnectPolicy bounds automatic reconnection to the last peer.
type ReconnectPolicy struct {
	Attempt     int
	MaxAttempts int
	RetryDelay  time.Duration
	LastTarget  transport.PeerAddress
}

// supervisedLink is what the supervisor drives.
type supervisedLink interface {
	heartbeat() bool
	linkTimedOut(gen uint64)
	reconnect(peer transport.PeerAddress)
}

// supervisor runs the heartbeat ticker and the retry timer on one goroutine.
// It never holds its own lock while calling into the link.
type supervisor struct {
	interval time.Duration
	quiet    time.Duration
	timeout  time.Duration

	link    supervisedLink
	emit    func(Event)
	metrics Recorder
	logger  *zap.Logger
	now     func() time.Time

	mu         sync.Mutex
	monitoring bool
	gen        uint64
	hb         HeartbeatState
	policy     ReconnectPolicy
	inCycle    bool
	retryArmed bool

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSupervisor(link supervisedLink, emit func(Event), cfg Config) *supervisor {
	return &supervisor{
		interval: cfg.HeartbeatInterval,
		quiet:    cfg.HeartbeatQuiet,
		timeout:  cfg.Timeout,
		link:     link,
		emit:     emit,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With(zap.String("component", "supervisor")),
		now:      time.Now,
		policy: ReconnectPolicy{
			MaxAttempts: cfg.MaxAttempts,
			RetryDelay:  cfg.RetryDelay,
		},
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (s *supervisor) start() {
	go s.run()
}

func (s *supervisor) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var retry *time.Timer
	var retryC <-chan time.Time
	stopRetry := func() {
		if retry != nil {
			retry.Stop()
			retry, retryC = nil, nil
		}
	}
	defer stopRetry()

	for {
		select {
		case <-s.quit:
			return
		case now := <-ticker.C:
			s.tick(now)
		case <-s.wake:
			stopRetry()
			if delay, armed := s.pendingRetry(); armed {
				retry = time.NewTimer(delay)
				retryC = retry.C
			}
		case <-retryC:
			retry, retryC = nil, nil
			s.fireRetry()
		}
	}
}

// tick checks the timeout first, then sends a heartbeat if the link has been
// quiet for longer than the quiet period.
func (s *supervisor) tick(now time.Time) {
	s.mu.Lock()
	if !s.monitoring {
		s.mu.Unlock()
		return
	}
	idle := now.Sub(s.hb.LastDataAt)
	if idle >= s.timeout {
		s.monitoring = false
		gen := s.gen
		s.mu.Unlock()
		s.logger.Warn("link timed out", zap.Duration("idle", idle))
		s.link.linkTimedOut(gen)
		return
	}
	send := idle > s.quiet
	s.mu.Unlock()

	if !send {
		return
	}
	if s.link.heartbeat() {
		s.mu.Lock()
		s.hb.LastHeartbeatSentAt = now
		s.mu.Unlock()
		s.metrics.HeartbeatSent()
	}
}

func (s *supervisor) pendingRetry() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy.RetryDelay, s.retryArmed
}

func (s *supervisor) fireRetry() {
	s.mu.Lock()
	if !s.retryArmed {
		s.mu.Unlock()
		return
	}
	s.retryArmed = false
	target := s.policy.LastTarget
	attempt := s.policy.Attempt
	s.mu.Unlock()

	s.logger.Info("reconnecting", zap.String("peer", target.String()), zap.Int("attempt", attempt))
	s.link.reconnect(target)
}

// scheduleRetry arms one more reconnection attempt, or gives up once the
// policy is exhausted.
func (s *supervisor) scheduleRetry() {
	s.mu.Lock()
	target := s.policy.LastTarget
	if target == "" {
		s.mu.Unlock()
		return
	}
	if s.policy.Attempt < s.policy.MaxAttempts {
		s.policy.Attempt++
		s.inCycle = true
		s.retryArmed = true
		ev := Event{
			Kind:        EventReconnecting,
			Peer:        target,
			Attempt:     s.policy.Attempt,
			MaxAttempts: s.policy.MaxAttempts,
		}
		s.mu.Unlock()

		s.metrics.ReconnectScheduled()
		s.emit(ev)
		s.signal()
		return
	}

	s.policy.Attempt = 0
	s.inCycle = false
	s.retryArmed = false
	s.mu.Unlock()

	err := newError(ErrMaxRetriesExceeded, nil, "could not reconnect to %s, reconnect manually", target)
	s.logger.Warn("giving up on reconnection", zap.String("peer", target.String()))
	s.emit(Event{Kind: EventReconnectFailed, Peer: target, Reason: err.Reason, Err: err})
}

// inRetryCycle reports whether an automatic reconnection cycle is under way.
func (s *supervisor) inRetryCycle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inCycle
}

// connected resets the policy and starts monitoring a fresh session. The
// returned generation identifies that session in linkTimedOut.
func (s *supervisor) connected(peer transport.PeerAddress) uint64 {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.policy.Attempt = 0
	s.policy.LastTarget = peer
	s.inCycle = false
	s.retryArmed = false
	s.monitoring = true
	s.hb = HeartbeatState{LastDataAt: s.now()}
	s.mu.Unlock()
	s.signal()
	return gen
}

// reset clears the policy and cancels a pending retry. A non-empty target
// replaces the last one.
func (s *supervisor) reset(target transport.PeerAddress) {
	s.mu.Lock()
	s.policy.Attempt = 0
	if target != "" {
		s.policy.LastTarget = target
	}
	s.inCycle = false
	s.retryArmed = false
	s.mu.Unlock()
	s.signal()
}

func (s *supervisor) stopMonitoring() {
	s.mu.Lock()
	s.monitoring = false
	s.mu.Unlock()
}

// touch records inbound data.
func (s *supervisor) touch() {
	s.mu.Lock()
	s.hb.LastDataAt = s.now()
	s.mu.Unlock()
}

func (s *supervisor) heartbeatState() HeartbeatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hb
}

func (s *supervisor) reconnectPolicy() ReconnectPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

func (s *supervisor) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *supervisor) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.done
}
