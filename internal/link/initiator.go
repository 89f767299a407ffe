package link

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/omochice/peerlink/internal/transport"
)

// dialStrategy is one way of reaching a peer.
type dialStrategy struct {
	name string
	dial func(ctx context.Context, peer transport.PeerAddress) (transport.Conn, error)
}

// dialStrategies selects the primary and fallback dials the transport offers.
func dialStrategies(cfg Config) []dialStrategy {
	caps := cfg.Transport.Capabilities()
	var strategies []dialStrategy
	if caps.ServiceDial {
		strategies = append(strategies, dialStrategy{
			name: "service",
			dial: func(ctx context.Context, peer transport.PeerAddress) (transport.Conn, error) {
				return cfg.Transport.DialService(ctx, peer, cfg.Service)
			},
		})
	}
	if caps.ChannelDial {
		channel := cfg.FallbackChannel
		strategies = append(strategies, dialStrategy{
			name: fmt.Sprintf("channel %d", channel),
			dial: func(ctx context.Context, peer transport.PeerAddress) (transport.Conn, error) {
				return cfg.Transport.DialChannel(ctx, peer, channel)
			},
		})
	}
	return strategies
}

// initiator dials one peer, trying each strategy once.
type initiator struct {
	peer       transport.PeerAddress
	strategies []dialStrategy
	permission func() error
	owner      roleOwner
	logger     *zap.Logger

	ctx  context.Context
	stop context.CancelFunc
}

func newInitiator(owner roleOwner, peer transport.PeerAddress, cfg Config) *initiator {
	ctx, stop := context.WithCancel(context.Background())
	return &initiator{
		peer:       peer,
		strategies: dialStrategies(cfg),
		permission: cfg.Permission,
		owner:      owner,
		logger:     cfg.Logger.With(zap.String("role", "initiator"), zap.String("peer", peer.String())),
		ctx:        ctx,
		stop:       stop,
	}
}

func (i *initiator) name() string { return "initiator" }

// cancel aborts the dial in progress, closing the socket being built.
func (i *initiator) cancel() { i.stop() }

func (i *initiator) run() {
	defer i.stop()

	if err := checkPermission(i.permission); err != nil {
		i.owner.roleFailed(i, err)
		return
	}
	if len(i.strategies) == 0 {
		i.owner.roleFailed(i, newError(ErrInitializationFailed, nil, "no dial strategy available"))
		return
	}

	var errs []error
	for _, s := range i.strategies {
		if i.ctx.Err() != nil {
			i.logger.Debug("initiator cancelled")
			return
		}
		conn, err := s.dial(i.ctx, i.peer)
		if err == nil {
			if i.ctx.Err() != nil {
				conn.Close()
				return
			}
			i.logger.Info("connected", zap.String("strategy", s.name))
			i.owner.roleEstablished(i, conn)
			return
		}
		if i.ctx.Err() != nil {
			i.logger.Debug("initiator cancelled")
			return
		}
		i.logger.Warn("dial failed", zap.String("strategy", s.name), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
	}

	last := errs[len(errs)-1]
	i.owner.roleFailed(i, newError(ErrDialFailed, errors.Join(errs...), "failed to connect: %v", errors.Unwrap(last)))
}
