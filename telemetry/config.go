// Package telemetry carries the ambient concerns shared by the host and
// client binaries: configuration loading and hot-reload, structured
// logging, Prometheus metrics, periodic metrics snapshots, and recovery
// correlation IDs. None of this is stream protocol logic; it is the
// scaffolding the protocol packages are wired into.
package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultMaxPacketSize    = 1232
	minPacketSize           = 576
	maxPacketSize           = 9000
	defaultKeyframeTimeout  = 2 * time.Second
	defaultPFrameTimeout    = 500 * time.Millisecond
	defaultQueueCapacity    = 48
	defaultMaxPendingFrames = 16
	defaultLogLevel         = "info"
	defaultLogFormat        = "console"
	defaultMetricsAddr      = ":9090"
)

// NetworkConfig tunes fragmentation and transport.
type NetworkConfig struct {
	MaxPacketSize int `mapstructure:"max_packet_size"`
}

// RecoveryConfig tunes reassembler/hoststream frame timeouts.
type RecoveryConfig struct {
	KeyframeTimeout time.Duration `mapstructure:"keyframe_timeout"`
	PFrameTimeout   time.Duration `mapstructure:"pframe_timeout"`
}

// QueueConfig tunes the client decode queue and reassembler pending map.
type QueueConfig struct {
	Capacity         int `mapstructure:"capacity"`
	MaxPendingFrames int `mapstructure:"max_pending_frames"`
}

// LoggingConfig tunes the zerolog logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

// MetricsConfig tunes the Prometheus exporter.
type MetricsConfig struct {
	ListenAddr    string        `mapstructure:"listen_addr"`
	SnapshotPath  string        `mapstructure:"snapshot_path"` // optional; empty disables periodic snapshot
	SnapshotEvery time.Duration `mapstructure:"snapshot_every"`
}

// Config is the top-level tunable set, loaded via viper (spec.md §6.5).
// ConfigHolder.Reload re-reads and swaps the whole struct; no field is
// excluded from a reload. Unset fields are filled in by SetDefaults.
type Config struct {
	Network  NetworkConfig  `mapstructure:"network"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// SetDefaults installs spec.md §6.5 defaults into v before Load reads any
// file or environment overrides.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("network.max_packet_size", defaultMaxPacketSize)
	v.SetDefault("recovery.keyframe_timeout", defaultKeyframeTimeout)
	v.SetDefault("recovery.pframe_timeout", defaultPFrameTimeout)
	v.SetDefault("queue.capacity", defaultQueueCapacity)
	v.SetDefault("queue.max_pending_frames", defaultMaxPendingFrames)
	v.SetDefault("logging.level", defaultLogLevel)
	v.SetDefault("logging.format", defaultLogFormat)
	v.SetDefault("metrics.listen_addr", defaultMetricsAddr)
	v.SetDefault("metrics.snapshot_every", 10*time.Second)
}

// Load reads configuration from configPath (if non-empty), then from
// MIRAGEKIT_-prefixed environment variables, applying spec.md §6.5
// defaults for anything left unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("miragekit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces spec.md §6.5's bounds.
func (c *Config) Validate() error {
	if c.Network.MaxPacketSize < minPacketSize || c.Network.MaxPacketSize > maxPacketSize {
		return fmt.Errorf("network.max_packet_size %d out of range [%d, %d]", c.Network.MaxPacketSize, minPacketSize, maxPacketSize)
	}
	if c.Recovery.KeyframeTimeout <= 0 {
		return fmt.Errorf("recovery.keyframe_timeout must be positive")
	}
	if c.Recovery.PFrameTimeout <= 0 {
		return fmt.Errorf("recovery.pframe_timeout must be positive")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive")
	}
	if c.Queue.MaxPendingFrames <= 0 {
		return fmt.Errorf("queue.max_pending_frames must be positive")
	}
	return nil
}
