// Package rfcomm implements the Bluetooth RFCOMM transport on Linux.
//
// There is no SDP client here: the service identifier is resolved to a
// channel through a configured table of service records, and the fallback
// strategy dials a fixed channel.
package rfcomm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/peerlink/internal/transport"
)

// ErrNoServiceRecord is returned when a service identifier has no channel.
var ErrNoServiceRecord = errors.New("no service record for identifier")

// Config configures the RFCOMM transport.
type Config struct {
	// ListenChannel is bound by Listen when the service has no record.
	ListenChannel uint8
	// ServiceChannels maps service identifiers to RFCOMM channels.
	ServiceChannels map[uuid.UUID]uint8
}

// Transport implements transport.Transport over RFCOMM sockets.
type Transport struct {
	cfg    Config
	caps   transport.Capabilities
	logger *zap.Logger
}

// New creates an RFCOMM transport and probes the platform once.
func New(cfg Config, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ListenChannel == 0 {
		cfg.ListenChannel = transport.DefaultFallbackChannel
	}
	t := &Transport{cfg: cfg, logger: logger.With(zap.String("transport", "rfcomm"))}
	t.caps = t.probe()
	t.logger.Info("capabilities probed",
		zap.Bool("service_dial", t.caps.ServiceDial),
		zap.Bool("channel_dial", t.caps.ChannelDial))
	return t
}

// Name implements transport.Transport.
func (t *Transport) Name() string {
	return "rfcomm"
}

// Capabilities implements transport.Transport.
func (t *Transport) Capabilities() transport.Capabilities {
	return t.caps
}

func (t *Transport) channelFor(service uuid.UUID) (uint8, bool) {
	ch, ok := t.cfg.ServiceChannels[service]
	return ch, ok && ch != 0
}

// ParseAddress parses "AA:BB:CC:DD:EE:FF" into the little-endian byte order
// the kernel uses for bdaddr_t.
func ParseAddress(s string) ([6]byte, error) {
	var addr [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return addr, fmt.Errorf("invalid bluetooth address %q", s)
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return addr, fmt.Errorf("invalid bluetooth address %q", s)
		}
		addr[5-i] = b[0]
	}
	return addr, nil
}

// FormatAddress is the inverse of ParseAddress.
func FormatAddress(addr [6]byte) transport.PeerAddress {
	return transport.PeerAddress(fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		addr[5], addr[4], addr[3], addr[2], addr[1], addr[0]))
}
