// Package config loads gamenet server and client settings from YAML.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/kbirk/gamenet/pkg/log"
	"github.com/kbirk/gamenet/pkg/rpc"
	"github.com/kbirk/gamenet/pkg/rpc/tcp"
	"github.com/kbirk/gamenet/pkg/rpc/unix"
	"github.com/kbirk/gamenet/pkg/rpc/websocket"
	"github.com/kbirk/gamenet/pkg/session"
	"github.com/kbirk/gamenet/pkg/wire"
)

const DefaultPath = "gamenet.yaml"

const (
	TransportTCP       = "tcp"
	TransportUnix      = "unix"
	TransportWebSocket = "websocket"
)

type RateLimit struct {
	FramesPerSecond float64 `yaml:"frames_per_second"`
	Burst           int     `yaml:"burst"`
}

// Config holds the settings shared by the gamenet server and client.
type Config struct {
	Transport         string        `yaml:"transport"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	SocketPath        string        `yaml:"socket_path"`
	Path              string        `yaml:"path"`
	Family            string        `yaml:"family"`
	NoDelay           bool          `yaml:"no_delay"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	MaxPayloadSize    int           `yaml:"max_payload_size"`
	ReceiveBufferSize int           `yaml:"receive_buffer_size"`
	RateLimit         RateLimit     `yaml:"rate_limit"`
	LogLevel          string        `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		Transport:         TransportTCP,
		Host:              "127.0.0.1",
		Port:              7946,
		SocketPath:        "/tmp/gamenet.sock",
		Path:              websocket.DefaultPath,
		Family:            wire.DefaultFamily,
		NoDelay:           true,
		MaxPayloadSize:    wire.DefaultMaxPayloadSize,
		ReceiveBufferSize: session.DefaultInitialReceiveSize,
		LogLevel:          "info",
	}
}

// Load reads the configuration from the given YAML file path. Fields missing
// from the file keep their defaults. If the file does not exist, the defaults
// are returned with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Transport {
	case TransportTCP, TransportWebSocket:
		if c.Port < 0 || c.Port > 65535 {
			return fmt.Errorf("port %d out of range", c.Port)
		}
	case TransportUnix:
		if c.SocketPath == "" {
			return fmt.Errorf("socket_path is required for the unix transport")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Family == "" {
		return fmt.Errorf("family must not be empty")
	}
	if c.MaxPayloadSize <= 0 {
		return fmt.Errorf("max_payload_size must be positive")
	}
	if c.ReceiveBufferSize <= 0 {
		return fmt.Errorf("receive_buffer_size must be positive")
	}
	if c.IdleTimeout < 0 || c.SweepInterval < 0 {
		return fmt.Errorf("idle_timeout and sweep_interval must not be negative")
	}
	if c.RateLimit.FramesPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) Magic() wire.Magic {
	return wire.ComputeMagic(c.Family)
}

func (c *Config) SessionConfig(logger log.Logger) session.Config {
	return session.Config{
		Magic:              c.Magic(),
		InitialReceiveSize: c.ReceiveBufferSize,
		MaxPayloadSize:     c.MaxPayloadSize,
		Logger:             logger,
	}
}

// InboundRateLimit returns nil when no limit is configured.
func (c *Config) InboundRateLimit() *rpc.RateLimit {
	if c.RateLimit.FramesPerSecond <= 0 {
		return nil
	}
	return &rpc.RateLimit{
		FramesPerSecond: rate.Limit(c.RateLimit.FramesPerSecond),
		Burst:           c.RateLimit.Burst,
	}
}

func (c *Config) ServerTransport() (rpc.ServerTransport, error) {
	switch c.Transport {
	case TransportTCP:
		return tcp.NewServerTransport(tcp.ServerTransportConfig{
			Host:    c.Host,
			Port:    c.Port,
			NoDelay: c.NoDelay,
		}), nil
	case TransportUnix:
		return unix.NewServerTransport(unix.ServerTransportConfig{
			SocketPath: c.SocketPath,
		}), nil
	case TransportWebSocket:
		return websocket.NewServerTransport(websocket.ServerTransportConfig{
			Host: c.Host,
			Port: c.Port,
			Path: c.Path,
		}), nil
	}
	return nil, fmt.Errorf("unknown transport %q", c.Transport)
}

func (c *Config) ClientTransport() (rpc.ClientTransport, error) {
	switch c.Transport {
	case TransportTCP:
		return tcp.NewClientTransport(tcp.ClientTransportConfig{
			Host:    c.Host,
			Port:    c.Port,
			NoDelay: c.NoDelay,
		}), nil
	case TransportUnix:
		return unix.NewClientTransport(unix.ClientTransportConfig{
			SocketPath: c.SocketPath,
		}), nil
	case TransportWebSocket:
		return websocket.NewClientTransport(websocket.ClientTransportConfig{
			Host: c.Host,
			Port: c.Port,
			Path: c.Path,
		}), nil
	}
	return nil, fmt.Errorf("unknown transport %q", c.Transport)
}

func (c *Config) Logger(out io.Writer) (*log.ConsoleLogger, error) {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	return log.NewConsoleLogger(level, out), nil
}

// ServerConfig assembles an rpc.ServerConfig for registry.
func (c *Config) ServerConfig(registry *rpc.Registry, logger log.Logger) (rpc.ServerConfig, error) {
	transport, err := c.ServerTransport()
	if err != nil {
		return rpc.ServerConfig{}, err
	}
	return rpc.ServerConfig{
		Transport:     transport,
		Registry:      registry,
		Session:       c.SessionConfig(logger),
		Logger:        logger,
		RateLimit:     c.InboundRateLimit(),
		IdleTimeout:   c.IdleTimeout,
		SweepInterval: c.SweepInterval,
	}, nil
}

// ClientConfig assembles an rpc.ClientConfig for registry.
func (c *Config) ClientConfig(registry *rpc.Registry, logger log.Logger) (rpc.ClientConfig, error) {
	transport, err := c.ClientTransport()
	if err != nil {
		return rpc.ClientConfig{}, err
	}
	return rpc.ClientConfig{
		Transport: transport,
		Registry:  registry,
		Session:   c.SessionConfig(logger),
		Logger:    logger,
		RateLimit: c.InboundRateLimit(),
	}, nil
}
