package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/omochice/peerlink/internal/chat"
	"github.com/omochice/peerlink/internal/config"
	"github.com/omochice/peerlink/internal/history"
	"github.com/omochice/peerlink/internal/link"
	"github.com/omochice/peerlink/internal/metrics"
	"github.com/omochice/peerlink/internal/observability"
	"github.com/omochice/peerlink/internal/transport"
	"github.com/omochice/peerlink/internal/transport/rfcomm"
	"github.com/omochice/peerlink/internal/transport/tcp"
	"github.com/omochice/peerlink/internal/transport/ws"
)

// node wires a manager, a chat room and their collaborators.
type node struct {
	cfg       *config.Config
	logger    *zap.Logger
	manager   *link.Manager
	room      *chat.Room
	journal   *history.Journal
	collector *metrics.Collector
}

func newTransport(c *config.Config, logger *zap.Logger) (transport.Transport, func() error, error) {
	service, err := c.ServiceID()
	if err != nil {
		return nil, nil, err
	}

	switch c.Transport.Kind {
	case config.TransportRFCOMM:
		channels, err := c.ServiceChannels()
		if err != nil {
			return nil, nil, err
		}
		tr := rfcomm.New(rfcomm.Config{
			ListenChannel:   c.Transport.RFCOMM.ListenChannel,
			ServiceChannels: channels,
		}, logger)
		return tr, rfcomm.CheckPermission, nil
	case config.TransportTCP:
		return tcp.New(tcp.Config{
			ListenAddress:   c.Transport.TCP.ListenAddress,
			Advertise:       c.Transport.TCP.Advertise,
			ChannelBasePort: c.Transport.TCP.ChannelBasePort,
			Service:         service,
			DialTimeout:     c.Transport.TCP.DialTimeout,
		}, logger), nil, nil
	case config.TransportWS:
		return ws.New(ws.Config{
			ListenAddress: c.Transport.WS.ListenAddress,
			Advertise:     c.Transport.WS.Advertise,
			DialTimeout:   c.Transport.WS.DialTimeout,
		}, logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", c.Transport.Kind)
	}
}

func newNode(c *config.Config) (*node, error) {
	logger, err := observability.SetupLogger(c.Logging)
	if err != nil {
		return nil, err
	}
	n := &node{cfg: c, logger: logger}

	tr, permission, err := newTransport(c, logger)
	if err != nil {
		return nil, err
	}
	service, _ := c.ServiceID()

	var recorder link.Recorder
	if c.Metrics.Enabled {
		n.collector = metrics.NewCollector()
		recorder = n.collector
	}

	n.manager, err = link.New(link.Config{
		Transport:         tr,
		Service:           service,
		FallbackChannel:   c.Link.FallbackChannel,
		HeartbeatInterval: c.Link.HeartbeatInterval,
		HeartbeatQuiet:    c.Link.HeartbeatQuiet,
		Timeout:           c.Link.Timeout,
		RetryDelay:        c.Link.RetryDelay,
		MaxAttempts:       c.Link.MaxAttempts,
		ReadBufferSize:    c.Link.ReadBufferSize,
		Permission:        permission,
		Logger:            logger,
		Metrics:           recorder,
	})
	if err != nil {
		return nil, err
	}

	roomCfg := chat.Config{
		Link: n.manager,
		Self: chat.Identity{
			Name:   c.Identity.Name,
			UserID: c.Identity.UserID,
			Avatar: c.Identity.Avatar,
		},
		Logger: logger,
	}
	if c.History.Enabled {
		n.journal, err = history.Open(c.History.Path, c.History.Buffer, logger)
		if err != nil {
			n.manager.Shutdown()
			return nil, err
		}
		roomCfg.Journal = n.journal
	}
	n.room = chat.NewRoom(roomCfg)
	return n, nil
}

// run serves the console until the user quits or ctx is done.
func (n *node) run(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = link.Dispatch(ctx, n.manager.Events(), n.room)
	}()

	con := newConsole(n.manager, n.room, out)
	go func() {
		defer wg.Done()
		con.follow(ctx, n.room.Messages(), n.room.Statuses())
	}()

	if n.collector != nil {
		go func() {
			if err := n.collector.Serve(ctx, n.cfg.Metrics.Address, n.logger); err != nil {
				n.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	con.printf("peerlink %s as %s (%s). Type /help for commands.\n",
		n.cfg.Transport.Kind, n.cfg.Identity.Name, n.cfg.Identity.UserID)
	err := con.run(ctx, in)

	n.manager.Shutdown()
	cancel()
	wg.Wait()
	return err
}

func (n *node) close() {
	n.manager.Shutdown()
	if n.journal != nil {
		if err := n.journal.Close(); err != nil {
			n.logger.Warn("failed to close history", zap.Error(err))
		}
	}
	_ = n.logger.Sync()
}
