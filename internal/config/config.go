// Package config loads the node configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/omochice/peerlink/internal/transport"
)

// Transport kinds.
const (
	TransportRFCOMM = "rfcomm"
	TransportTCP    = "tcp"
	TransportWS     = "ws"
)

// userIDNamespace scopes the name-based user ids derived from host names.
var userIDNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("peerlink"))

type Config struct {
	Identity struct {
		Name   string `yaml:"name"`
		UserID string `yaml:"user_id"`
		Avatar int    `yaml:"avatar"`
	} `yaml:"identity"`

	Link struct {
		Service           string        `yaml:"service"`
		FallbackChannel   uint8         `yaml:"fallback_channel"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		HeartbeatQuiet    time.Duration `yaml:"heartbeat_quiet"`
		Timeout           time.Duration `yaml:"timeout"`
		RetryDelay        time.Duration `yaml:"retry_delay"`
		MaxAttempts       int           `yaml:"max_attempts"`
		ReadBufferSize    int           `yaml:"read_buffer_size"`
	} `yaml:"link"`

	Transport struct {
		Kind string `yaml:"kind"`

		RFCOMM struct {
			ListenChannel   uint8            `yaml:"listen_channel"`
			ServiceChannels map[string]uint8 `yaml:"service_channels"`
		} `yaml:"rfcomm"`

		TCP struct {
			ListenAddress   string        `yaml:"listen_address"`
			Advertise       string        `yaml:"advertise"`
			ChannelBasePort int           `yaml:"channel_base_port"`
			DialTimeout     time.Duration `yaml:"dial_timeout"`
		} `yaml:"tcp"`

		WS struct {
			ListenAddress string        `yaml:"listen_address"`
			Advertise     string        `yaml:"advertise"`
			DialTimeout   time.Duration `yaml:"dial_timeout"`
		} `yaml:"ws"`
	} `yaml:"transport"`

	Logging LogConfig `yaml:"logging"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"metrics"`

	History struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
		Buffer  int    `yaml:"buffer"`
	} `yaml:"history"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"`
	Development bool     `yaml:"development"`
	Outputs     []string `yaml:"outputs"`

	Rotation struct {
		Enable     bool   `yaml:"enable"`
		Filename   string `yaml:"filename"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"rotation"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.Name) == "" {
		return fmt.Errorf("identity.name must not be empty")
	}
	if strings.Contains(c.Identity.Name, "|") {
		return fmt.Errorf("identity.name must not contain '|'")
	}
	if strings.Contains(c.Identity.UserID, "|") {
		return fmt.Errorf("identity.user_id must not contain '|'")
	}
	if c.Identity.Avatar < 0 {
		return fmt.Errorf("identity.avatar must be >= 0")
	}

	// Link
	if _, err := c.ServiceID(); err != nil {
		return err
	}
	if c.Link.HeartbeatInterval <= 0 {
		return fmt.Errorf("link.heartbeat_interval must be > 0")
	}
	if c.Link.HeartbeatQuiet < 0 || c.Link.HeartbeatQuiet >= c.Link.HeartbeatInterval {
		return fmt.Errorf("link.heartbeat_quiet must be >= 0 and < heartbeat_interval")
	}
	if c.Link.Timeout <= c.Link.HeartbeatInterval {
		return fmt.Errorf("link.timeout must be > heartbeat_interval")
	}
	if c.Link.RetryDelay <= 0 {
		return fmt.Errorf("link.retry_delay must be > 0")
	}
	if c.Link.MaxAttempts <= 0 {
		return fmt.Errorf("link.max_attempts must be > 0")
	}
	if c.Link.ReadBufferSize <= 0 {
		return fmt.Errorf("link.read_buffer_size must be > 0")
	}

	// Transport
	switch c.Transport.Kind {
	case TransportRFCOMM:
		if _, err := c.ServiceChannels(); err != nil {
			return err
		}
	case TransportTCP:
		if c.Transport.TCP.ListenAddress == "" {
			return fmt.Errorf("transport.tcp.listen_address must not be empty")
		}
		if c.Transport.TCP.ChannelBasePort < 0 || c.Transport.TCP.ChannelBasePort > 65535-255 {
			return fmt.Errorf("transport.tcp.channel_base_port must be within 0..%d", 65535-255)
		}
	case TransportWS:
		if c.Transport.WS.ListenAddress == "" {
			return fmt.Errorf("transport.ws.listen_address must not be empty")
		}
	default:
		return fmt.Errorf("transport.kind must be one of %s, %s, %s", TransportRFCOMM, TransportTCP, TransportWS)
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if len(c.Logging.Outputs) == 0 {
		return fmt.Errorf("logging.outputs must not be empty")
	}

	// Metrics
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address must not be empty when metrics.enabled=true")
	}

	// History
	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path must not be empty when history.enabled=true")
	}

	return nil
}

// ServiceID parses link.service.
func (c *Config) ServiceID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Link.Service)
	if err != nil {
		return uuid.Nil, fmt.Errorf("link.service is not a valid UUID: %w", err)
	}
	return id, nil
}

// ServiceChannels parses transport.rfcomm.service_channels.
func (c *Config) ServiceChannels() (map[uuid.UUID]uint8, error) {
	out := make(map[uuid.UUID]uint8, len(c.Transport.RFCOMM.ServiceChannels))
	for key, ch := range c.Transport.RFCOMM.ServiceChannels {
		id, err := uuid.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("transport.rfcomm.service_channels: invalid UUID %q: %w", key, err)
		}
		if ch < 1 || ch > 30 {
			return nil, fmt.Errorf("transport.rfcomm.service_channels: channel %d for %s out of range 1..30", ch, key)
		}
		out[id] = ch
	}
	return out, nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
			// fall back to defaults
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if cfg.Identity.UserID == "" {
		cfg.Identity.UserID = DefaultUserID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	host, _ := os.Hostname()
	if host == "" {
		host = "peerlink"
	}
	cfg.Identity.Name = host

	cfg.Link.Service = transport.ServiceID.String()
	cfg.Link.FallbackChannel = transport.DefaultFallbackChannel
	cfg.Link.HeartbeatInterval = 10 * time.Second
	cfg.Link.HeartbeatQuiet = 5 * time.Second
	cfg.Link.Timeout = 30 * time.Second
	cfg.Link.RetryDelay = 3 * time.Second
	cfg.Link.MaxAttempts = 5
	cfg.Link.ReadBufferSize = 1024

	cfg.Transport.Kind = TransportRFCOMM
	cfg.Transport.RFCOMM.ListenChannel = 1
	cfg.Transport.RFCOMM.ServiceChannels = map[string]uint8{transport.ServiceID.String(): 1}
	cfg.Transport.TCP.ListenAddress = ":7001"
	cfg.Transport.TCP.ChannelBasePort = 7000
	cfg.Transport.TCP.DialTimeout = 10 * time.Second
	cfg.Transport.WS.ListenAddress = ":7080"
	cfg.Transport.WS.DialTimeout = 10 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	cfg.Logging.Outputs = []string{"stderr"}
	cfg.Logging.Rotation.MaxSizeMB = 10
	cfg.Logging.Rotation.MaxBackups = 3
	cfg.Logging.Rotation.MaxAgeDays = 7

	cfg.Metrics.Enabled = false
	cfg.Metrics.Address = "127.0.0.1:9464"

	cfg.History.Enabled = false
	cfg.History.Path = "peerlink-history.pb"
	cfg.History.Buffer = 64

	return cfg
}

// DefaultUserID derives a stable user id from the host name.
func DefaultUserID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return uuid.NewMD5(userIDNamespace, []byte(host)).String()
}

func (c *Config) applyEnvOverrides() {
	if name := os.Getenv("PEERLINK_NAME"); name != "" {
		c.Identity.Name = name
	}
	if kind := os.Getenv("PEERLINK_TRANSPORT"); kind != "" {
		c.Transport.Kind = kind
	}
	if level := os.Getenv("PEERLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
