// Package config provides YAML-based configuration loading for pipebus
// tools, with environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the process
	AppName string `mapstructure:"app_name"`

	// Bus holds message-bus tunables
	Bus BusConfig `mapstructure:"bus"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// BusConfig carries the tunables of one message-bus instance.
type BusConfig struct {
	// BufferSize is the capacity of one pipe buffer, head included.
	BufferSize uint32 `mapstructure:"buffer_size"`
	// AlwaysChunkedTransfer forces the chunked write path unconditionally.
	AlwaysChunkedTransfer bool `mapstructure:"always_chunked_transfer"`
	// MaxRecvChunkCount is the fairness limit per read invocation.
	MaxRecvChunkCount int `mapstructure:"max_recv_chunk_count"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation for file outputs
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "pipebus",
		Bus: BusConfig{
			BufferSize:        8 * 1024,
			MaxRecvChunkCount: 1024,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/pipebus.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty), otherwise
// from defaults, and applies environment overrides. Environment variables use
// the prefix PIPEBUS and `.`/`-` are replaced with `_`.
// Example: PIPEBUS_BUS_BUFFER_SIZE=65536
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PIPEBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("bus.buffer_size", cfg.Bus.BufferSize)
	v.SetDefault("bus.always_chunked_transfer", cfg.Bus.AlwaysChunkedTransfer)
	v.SetDefault("bus.max_recv_chunk_count", cfg.Bus.MaxRecvChunkCount)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := v.ReadConfig(f); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects a zero buffer size and a non-positive chunk budget. Buffer
// sizes below the bus's minimum record size are not checked here; msgbus.New
// refuses them.
func (c *Config) Validate() error {
	if c.Bus.BufferSize == 0 {
		return fmt.Errorf("bus.buffer_size must be positive")
	}
	if c.Bus.MaxRecvChunkCount <= 0 {
		return fmt.Errorf("bus.max_recv_chunk_count must be positive")
	}
	return nil
}
