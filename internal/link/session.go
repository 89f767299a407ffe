package link

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/omochice/peerlink/internal/transport"
)

// sessionOwner receives what a session reads and how it ends.
type sessionOwner interface {
	sessionData(s *session, data []byte)
	sessionLost(s *session, err *Error)
}

// session owns one established conn and the goroutine reading it.
type session struct {
	conn    transport.Conn
	peer    transport.PeerAddress
	owner   sessionOwner
	bufSize int
	logger  *zap.Logger
	metrics Recorder

	writeMu sync.Mutex
	w       *bufio.Writer

	cancelled atomic.Bool
	done      chan struct{}
}

func newSession(conn transport.Conn, owner sessionOwner, cfg Config) *session {
	peer := conn.RemoteAddr()
	return &session{
		conn:    conn,
		peer:    peer,
		owner:   owner,
		bufSize: cfg.ReadBufferSize,
		logger:  cfg.Logger.With(zap.String("peer", peer.String())),
		metrics: cfg.Metrics,
		w:       bufio.NewWriter(conn),
		done:    make(chan struct{}),
	}
}

// readLoop reads until the conn fails or the session is cancelled.
func (s *session) readLoop() {
	defer close(s.done)

	buf := make([]byte, s.bufSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.metrics.BytesReceived(n)
			s.owner.sessionData(s, data)
		}
		if err != nil {
			if s.cancelled.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				s.logger.Info("peer closed the connection")
			} else {
				s.logger.Warn("read failed", zap.Error(err))
			}
			s.owner.sessionLost(s, newError(ErrIOFailure, err, "read failed: %v", err))
			return
		}
	}
}

// write sends p and flushes it. A failure reports the session lost.
func (s *session) write(p []byte) bool {
	s.writeMu.Lock()
	if s.cancelled.Load() {
		s.writeMu.Unlock()
		return false
	}
	_, err := s.w.Write(p)
	if err == nil {
		err = s.w.Flush()
	}
	s.writeMu.Unlock()

	if err != nil {
		if !s.cancelled.Load() {
			s.logger.Warn("write failed", zap.Error(err))
			s.owner.sessionLost(s, newError(ErrIOFailure, err, "write failed: %v", err))
		}
		return false
	}
	s.metrics.BytesSent(len(p))
	return true
}

// cancel stops the session. Closing the conn unblocks the read loop.
func (s *session) cancel() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("close failed", zap.Error(err))
	}
}
