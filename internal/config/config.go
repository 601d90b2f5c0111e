// Package config provides configuration management for rdmacore.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (RDMACORE_* prefix)
//  3. Configuration file (rdmacore.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/rdmacore/rdmacore.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/piwi3910/rdmacore/internal/poller"
	"github.com/piwi3910/rdmacore/internal/transport/rdma"
)

// RoCE versions accepted by rdma.roce_version.
const (
	RoCEv1 = "v1"
	RoCEv2 = "v2"
)

const minBufferSize = 64

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration for rdmacore
type Config struct {
	// Node identification, reported in metrics
	NodeName string `mapstructure:"node_name"`

	// RDMA device configuration
	RDMA RDMAConfig `mapstructure:"rdma"`

	// Diagnostics HTTP server (health, metrics, device status)
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Shutdown phase timeouts
	Shutdown ShutdownConfig `mapstructure:"shutdown"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// RDMAConfig holds RDMA device configuration
type RDMAConfig struct {
	// Backend is the verbs implementation: "simulated" or "hardware"
	Backend string `mapstructure:"backend"`

	// DeviceName restricts initialization to one device (e.g., "mlx5_0").
	// Empty initializes every device.
	DeviceName string `mapstructure:"device_name"`

	// LocalGID is the GID to bind, as 8 colon separated groups of 4 hex
	// digits. Empty or malformed selects GID index 0.
	LocalGID string `mapstructure:"local_gid"`

	// RoCEVersion is the GID type to match LocalGID against: "v1" or "v2"
	RoCEVersion string `mapstructure:"roce_version"`

	// PollMode is "busy" or "blocking"
	PollMode string `mapstructure:"poll_mode"`

	// PortNum is the 1-based port to bind on each device
	PortNum int `mapstructure:"port_num"`

	// ReceiveBuffers is the number of receive chunks per device
	ReceiveBuffers int `mapstructure:"receive_buffers"`

	// SendBuffers is the number of transmit chunks per device
	SendBuffers int `mapstructure:"send_buffers"`

	// BufferSize is the size of each chunk in bytes
	BufferSize int `mapstructure:"buffer_size"`

	// PollBatch is the number of completions drained per poll
	PollBatch int `mapstructure:"poll_batch"`

	// EnableHugepage backs the buffer pools with huge pages
	EnableHugepage bool `mapstructure:"enable_hugepage"`
}

// MetricsConfig holds diagnostics server configuration
type MetricsConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
	Enabled bool   `mapstructure:"enabled"`
}

// ShutdownConfig holds shutdown timeouts
type ShutdownConfig struct {
	// Timeout bounds the whole shutdown
	Timeout time.Duration `mapstructure:"timeout"`

	// PollerTimeout bounds stopping the completion poller
	PollerTimeout time.Duration `mapstructure:"poller_timeout"`

	// HTTPTimeout bounds draining the diagnostics server
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`

	// DeviceTimeout bounds releasing device resources
	DeviceTimeout time.Duration `mapstructure:"device_timeout"`
}

// Options are command line overrides
type Options struct {
	Backend     string
	DeviceName  string
	LogLevel    string
	MetricsPort int
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("rdmacore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rdmacore")
		v.AddConfigPath("$HOME/.rdmacore")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("RDMACORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	if opts.Backend != "" {
		v.Set("rdma.backend", opts.Backend)
	}

	if opts.DeviceName != "" {
		v.Set("rdma.device_name", opts.DeviceName)
	}

	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	if opts.MetricsPort != 0 {
		v.Set("metrics.port", opts.MetricsPort)
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Node defaults
	hostname, _ := os.Hostname()
	v.SetDefault("node_name", hostname)

	// RDMA defaults
	dev := rdma.DefaultConfig()
	v.SetDefault("rdma.backend", rdma.BackendSimulated)
	v.SetDefault("rdma.device_name", "")
	v.SetDefault("rdma.port_num", 1)
	v.SetDefault("rdma.receive_buffers", dev.ReceiveBuffers)
	v.SetDefault("rdma.send_buffers", dev.SendBuffers)
	v.SetDefault("rdma.buffer_size", dev.BufferSize)
	v.SetDefault("rdma.enable_hugepage", false)
	v.SetDefault("rdma.local_gid", "")
	v.SetDefault("rdma.roce_version", RoCEv2)
	v.SetDefault("rdma.poll_mode", string(poller.ModeBlocking))
	v.SetDefault("rdma.poll_batch", poller.DefaultBatchSize)

	// Diagnostics server
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", "")
	v.SetDefault("metrics.port", 9464)

	// Shutdown
	v.SetDefault("shutdown.timeout", 30*time.Second)
	v.SetDefault("shutdown.poller_timeout", 5*time.Second)
	v.SetDefault("shutdown.http_timeout", 10*time.Second)
	v.SetDefault("shutdown.device_timeout", 10*time.Second)

	// Logging
	v.SetDefault("log_level", "info")
}

func (c *Config) validate() error {
	if err := c.RDMA.validate(); err != nil {
		return fmt.Errorf("%w: rdma: %w", ErrInvalidConfig, err)
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("%w: metrics.port %d out of range", ErrInvalidConfig, c.Metrics.Port)
	}

	for name, d := range map[string]time.Duration{
		"timeout":        c.Shutdown.Timeout,
		"poller_timeout": c.Shutdown.PollerTimeout,
		"http_timeout":   c.Shutdown.HTTPTimeout,
		"device_timeout": c.Shutdown.DeviceTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: shutdown.%s must be positive", ErrInvalidConfig, name)
		}
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %w", ErrInvalidConfig, err)
	}

	return nil
}

func (c *RDMAConfig) validate() error {
	switch c.Backend {
	case rdma.BackendSimulated, rdma.BackendHardware:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.PortNum < 1 || c.PortNum > 255 {
		return fmt.Errorf("port_num %d out of range", c.PortNum)
	}

	if c.ReceiveBuffers <= 0 {
		return errors.New("receive_buffers must be positive")
	}

	if c.SendBuffers <= 0 {
		return errors.New("send_buffers must be positive")
	}

	if c.BufferSize < minBufferSize {
		return fmt.Errorf("buffer_size must be at least %d bytes", minBufferSize)
	}

	if _, err := c.gidType(); err != nil {
		return err
	}

	return c.PollerConfig().Validate()
}

func (c *RDMAConfig) gidType() (rdma.GIDType, error) {
	switch strings.ToLower(c.RoCEVersion) {
	case RoCEv1, "1", "rocev1":
		return rdma.GIDTypeRoCEv1, nil
	case RoCEv2, "2", "rocev2":
		return rdma.GIDTypeRoCEv2, nil
	default:
		return 0, fmt.Errorf("unknown roce_version %q", c.RoCEVersion)
	}
}

// DeviceConfig returns the per-device provisioning options.
func (c *RDMAConfig) DeviceConfig() rdma.Config {
	gidType, err := c.gidType()
	if err != nil {
		gidType = rdma.GIDTypeRoCEv2
	}

	return rdma.Config{
		LocalGID:       c.LocalGID,
		ReceiveBuffers: c.ReceiveBuffers,
		SendBuffers:    c.SendBuffers,
		BufferSize:     c.BufferSize,
		RoCEVersion:    gidType,
		EnableHugepage: c.EnableHugepage,
	}
}

// PollerConfig returns the completion poller options.
func (c *RDMAConfig) PollerConfig() poller.Config {
	return poller.Config{
		Mode:      poller.Mode(c.PollMode),
		BatchSize: c.PollBatch,
	}
}

// ListenAddr returns the diagnostics server address.
func (c *MetricsConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}
