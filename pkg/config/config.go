// Package config provides configuration loading and validation for taintmap.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	ErrInvalidCapacity   = errors.New("map capacity must be positive")
	ErrInvalidThreshold  = errors.New("flat mode threshold must not be negative")
	ErrInvalidPurgeBatch = errors.New("purge batch must be positive")
	ErrInvalidPort       = errors.New("invalid server port")
	ErrInvalidLogFormat  = errors.New("invalid log format")
	ErrInvalidLogLevel   = errors.New("invalid log level")
	ErrInvalidSampling   = errors.New("sample ratio must be within [0, 1]")
)

// Log formats.
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

const (
	envPrefix = "TAINTMAP"
	maxPort   = 65535
)

// Config holds all configuration for taintmap.
type Config struct {
	IAST      IASTConfig      `mapstructure:"iast"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// IASTConfig controls taint tracking.
type IASTConfig struct {
	Map MapConfig `mapstructure:"map"`

	// DebugStatisticsInterval is the number of puts between two statistics
	// reports when Debug is set.
	DebugStatisticsInterval uint64 `mapstructure:"debug_statistics_interval"`

	Enabled bool `mapstructure:"enabled"`
	Debug   bool `mapstructure:"debug"`
}

// MapConfig sizes the per-request tainted map.
type MapConfig struct {
	Capacity          int  `mapstructure:"capacity"`
	FlatModeThreshold int  `mapstructure:"flat_mode_threshold"`
	PurgeBatch        int  `mapstructure:"purge_batch"`
	PurgeInline       bool `mapstructure:"purge_inline"`
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Port            int           `mapstructure:"port"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SlogLevel parses Level. Unknown levels were rejected by validation, so the
// fallback is never reached for a loaded config.
func (l LoggingConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}

	return level
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPHeaders  string  `mapstructure:"otlp_headers"`
	Environment  string  `mapstructure:"environment"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("taintmap")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath("/etc/taintmap")
	}

	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := validateConfig(&config)
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

// Default returns the configuration LoadConfig produces with no file and no
// environment overrides.
func Default() *Config {
	return &Config{
		IAST: IASTConfig{
			Map: MapConfig{
				Capacity:          DefaultMapCapacity,
				FlatModeThreshold: DefaultFlatModeThreshold,
				PurgeBatch:        DefaultPurgeBatch,
			},
			DebugStatisticsInterval: DefaultStatisticsInterval,
			Enabled:                 DefaultIASTEnabled,
		},
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			IdleTimeout:     DefaultIdleTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Logging: LoggingConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// setDefaults sets default configuration values.
func setDefaults(viperCfg *viper.Viper) {
	// IAST defaults.
	viperCfg.SetDefault("iast.enabled", DefaultIASTEnabled)
	viperCfg.SetDefault("iast.debug", false)
	viperCfg.SetDefault("iast.debug_statistics_interval", DefaultStatisticsInterval)
	viperCfg.SetDefault("iast.map.capacity", DefaultMapCapacity)
	viperCfg.SetDefault("iast.map.flat_mode_threshold", DefaultFlatModeThreshold)
	viperCfg.SetDefault("iast.map.purge_batch", DefaultPurgeBatch)
	viperCfg.SetDefault("iast.map.purge_inline", false)

	// Server defaults.
	viperCfg.SetDefault("server.host", DefaultHost)
	viperCfg.SetDefault("server.port", DefaultPort)
	viperCfg.SetDefault("server.read_timeout", DefaultReadTimeout)
	viperCfg.SetDefault("server.write_timeout", DefaultWriteTimeout)
	viperCfg.SetDefault("server.idle_timeout", DefaultIdleTimeout)
	viperCfg.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)

	// Logging defaults.
	viperCfg.SetDefault("logging.level", DefaultLogLevel)
	viperCfg.SetDefault("logging.format", DefaultLogFormat)

	// Telemetry defaults.
	viperCfg.SetDefault("telemetry.otlp_endpoint", "")
	viperCfg.SetDefault("telemetry.otlp_headers", "")
	viperCfg.SetDefault("telemetry.otlp_insecure", false)
	viperCfg.SetDefault("telemetry.sample_ratio", 0.0)
	viperCfg.SetDefault("telemetry.environment", "")
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	if config.IAST.Map.Capacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, config.IAST.Map.Capacity)
	}

	if config.IAST.Map.FlatModeThreshold < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidThreshold, config.IAST.Map.FlatModeThreshold)
	}

	if config.IAST.Map.PurgeBatch <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPurgeBatch, config.IAST.Map.PurgeBatch)
	}

	if config.Server.Port <= 0 || config.Server.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, config.Server.Port)
	}

	switch config.Logging.Format {
	case LogFormatJSON, LogFormatText:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, config.Logging.Format)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(config.Logging.Level)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, config.Logging.Level)
	}

	if config.Telemetry.SampleRatio < 0 || config.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidSampling, config.Telemetry.SampleRatio)
	}

	return nil
}
