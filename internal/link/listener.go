package link

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/peerlink/internal/transport"
)

// role is a Listener or an Initiator: a worker that ends in exactly one
// established or failed report, unless cancelled first.
type role interface {
	run()
	cancel()
	name() string
}

// roleOwner receives the outcome of a role.
type roleOwner interface {
	roleEstablished(r role, conn transport.Conn)
	roleFailed(r role, err *Error)
}

// listener accepts a single inbound connection on the service identifier.
type listener struct {
	tr         transport.Transport
	service    uuid.UUID
	permission func() error
	owner      roleOwner
	logger     *zap.Logger

	mu        sync.Mutex
	acceptor  transport.Acceptor
	cancelled bool
}

func newListener(owner roleOwner, cfg Config) *listener {
	return &listener{
		tr:         cfg.Transport,
		service:    cfg.Service,
		permission: cfg.Permission,
		owner:      owner,
		logger:     cfg.Logger.With(zap.String("role", "listener")),
	}
}

func (l *listener) name() string { return "listener" }

func (l *listener) run() {
	if err := checkPermission(l.permission); err != nil {
		l.owner.roleFailed(l, err)
		return
	}

	acceptor, err := l.tr.Listen(l.service)
	if err != nil {
		l.logger.Error("failed to listen", zap.Error(err))
		l.owner.roleFailed(l, newError(ErrInitializationFailed, err, "failed to listen: %v", err))
		return
	}

	l.mu.Lock()
	if l.cancelled {
		l.mu.Unlock()
		acceptor.Close()
		return
	}
	l.acceptor = acceptor
	l.mu.Unlock()

	l.logger.Info("waiting for inbound connection", zap.String("transport", l.tr.Name()))
	conn, err := acceptor.Accept()
	acceptor.Close()
	if err != nil {
		if l.isCancelled() {
			l.logger.Debug("listener cancelled")
			return
		}
		l.logger.Error("accept failed", zap.Error(err))
		l.owner.roleFailed(l, newError(ErrInitializationFailed, err, "accept failed: %v", err))
		return
	}

	l.logger.Info("accepted connection", zap.String("peer", conn.RemoteAddr().String()))
	l.owner.roleEstablished(l, conn)
}

func (l *listener) isCancelled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled
}

// cancel closes the bound acceptor to unblock Accept.
func (l *listener) cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelled {
		return
	}
	l.cancelled = true
	if l.acceptor != nil {
		l.acceptor.Close()
	}
}
