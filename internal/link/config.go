package link

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/peerlink/internal/transport"
)

// Defaults for Config.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultTimeout           = 3 * DefaultHeartbeatInterval
	DefaultRetryDelay        = 3 * time.Second
	DefaultMaxAttempts       = 5
	DefaultReadBufferSize    = 1024
)

// Config configures a Manager.
type Config struct {
	// Transport carries the link. Required.
	Transport transport.Transport

	// Service is listened on and dialed; defaults to transport.ServiceID.
	Service uuid.UUID
	// FallbackChannel is dialed when the service dial fails.
	FallbackChannel uint8

	// HeartbeatInterval is the period of the liveness tick.
	HeartbeatInterval time.Duration
	// HeartbeatQuiet is how long the link must be silent before a tick sends
	// a heartbeat; defaults to half the interval.
	HeartbeatQuiet time.Duration
	// Timeout declares the link dead after this much silence.
	Timeout time.Duration
	// RetryDelay is waited before each reconnection attempt.
	RetryDelay time.Duration
	// MaxAttempts bounds consecutive automatic reconnection attempts.
	MaxAttempts int

	// ReadBufferSize is the size of one session read.
	ReadBufferSize int

	// Permission is consulted before any socket operation. Nil allows everything.
	Permission func() error

	Logger  *zap.Logger
	Metrics Recorder
}

func (c Config) withDefaults() Config {
	if c.Service == uuid.Nil {
		c.Service = transport.ServiceID
	}
	if c.FallbackChannel == 0 {
		c.FallbackChannel = transport.DefaultFallbackChannel
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatQuiet <= 0 {
		c.HeartbeatQuiet = c.HeartbeatInterval / 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * c.HeartbeatInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = nopRecorder{}
	}
	return c
}

// Recorder receives link measurements. internal/metrics provides the
// Prometheus implementation.
type Recorder interface {
	StateChanged(state string)
	EventEmitted(kind string)
	BytesReceived(n int)
	BytesSent(n int)
	HeartbeatSent()
	ReconnectScheduled()
}

type nopRecorder struct{}

func (nopRecorder) StateChanged(string) {}
func (nopRecorder) EventEmitted(string) {}
func (nopRecorder) BytesReceived(int)   {}
func (nopRecorder) BytesSent(int)       {}
func (nopRecorder) HeartbeatSent()      {}
func (nopRecorder) ReconnectScheduled() {}
