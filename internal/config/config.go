// Package config provides configuration management for abrplay using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultBitrate         = 0
	defaultWindowSize      = 10
	defaultAlpha           = 0.5
	defaultMinBuffering    = 6 * time.Second
	defaultMaxBuffering    = 30 * time.Second
	defaultPollInterval    = 100 * time.Millisecond
	defaultConnectTimeout  = 10 * time.Second
	defaultReadTimeout     = 30 * time.Second
	defaultBlockSize       = 32 * 1024
	defaultPrefetchPerHost = 2
	defaultWorkers         = 4
	defaultMetricsListen   = ""
)

// Adaptation logic names.
const (
	LogicRateBased  = "rate"
	LogicPredictive = "predictive"
	LogicFixed      = "fixed"
)

// Bandwidth average names.
const (
	AverageEWMA   = "ewma"
	AverageWindow = "window"
)

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Adaptation AdaptationConfig `mapstructure:"adaptation" yaml:"adaptation"`
	Buffering  BufferingConfig  `mapstructure:"buffering" yaml:"buffering"`
	HTTP       HTTPConfig       `mapstructure:"http" yaml:"http"`
	Downloader DownloaderConfig `mapstructure:"downloader" yaml:"downloader"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// AdaptationConfig selects and tunes the adaptation logic.
type AdaptationConfig struct {
	Logic string `mapstructure:"logic" yaml:"logic"` // rate, predictive, fixed
	// Bitrate is the ceiling in bits per second for the fixed logic.
	Bitrate uint64 `mapstructure:"bitrate" yaml:"bitrate"`
	// Width and Height restrict rate-based selection to a resolution (0 = any).
	Width      int     `mapstructure:"width" yaml:"width"`
	Height     int     `mapstructure:"height" yaml:"height"`
	Average    string  `mapstructure:"average" yaml:"average"` // ewma, window
	WindowSize int     `mapstructure:"window_size" yaml:"window_size"`
	Alpha      float64 `mapstructure:"alpha" yaml:"alpha"`
}

// BufferingConfig holds the buffering targets of every stream.
type BufferingConfig struct {
	Min          time.Duration `mapstructure:"min" yaml:"min"`
	Max          time.Duration `mapstructure:"max" yaml:"max"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// HTTPConfig holds connection configuration.
type HTTPConfig struct {
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"` // empty = built-in
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	// BlockSize is the read size of one demuxer pull.
	// Supports human-readable values like "32KB" or raw byte counts.
	BlockSize ByteSize `mapstructure:"block_size" yaml:"block_size"`
	// UseAccess routes every fetch through the stream-URL connection.
	UseAccess bool `mapstructure:"use_access" yaml:"use_access"`
	// Prefetch downloads whole chunks in the background.
	Prefetch           bool `mapstructure:"prefetch" yaml:"prefetch"`
	RequestsPerSecond  int  `mapstructure:"requests_per_second" yaml:"requests_per_second"` // 0 = unlimited
	MaxPrefetchPerHost int  `mapstructure:"max_prefetch_per_host" yaml:"max_prefetch_per_host"`
}

// DownloaderConfig holds background downloader configuration.
type DownloaderConfig struct {
	Workers int `mapstructure:"workers" yaml:"workers"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"` // e.g. 127.0.0.1:9090
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with ABRPLAY_ and use underscores for nesting.
// Example: ABRPLAY_ADAPTATION_LOGIC=predictive.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.abrplay")
		v.AddConfigPath("/etc/abrplay")
	}

	v.SetEnvPrefix("ABRPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Adaptation defaults
	v.SetDefault("adaptation.logic", LogicRateBased)
	v.SetDefault("adaptation.bitrate", defaultBitrate)
	v.SetDefault("adaptation.width", 0)
	v.SetDefault("adaptation.height", 0)
	v.SetDefault("adaptation.average", AverageWindow)
	v.SetDefault("adaptation.window_size", defaultWindowSize)
	v.SetDefault("adaptation.alpha", defaultAlpha)

	// Buffering defaults
	v.SetDefault("buffering.min", defaultMinBuffering)
	v.SetDefault("buffering.max", defaultMaxBuffering)
	v.SetDefault("buffering.poll_interval", defaultPollInterval)

	// HTTP defaults
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.connect_timeout", defaultConnectTimeout)
	v.SetDefault("http.read_timeout", defaultReadTimeout)
	v.SetDefault("http.block_size", defaultBlockSize)
	v.SetDefault("http.use_access", false)
	v.SetDefault("http.prefetch", false)
	v.SetDefault("http.requests_per_second", 0)
	v.SetDefault("http.max_prefetch_per_host", defaultPrefetchPerHost)

	// Downloader defaults
	v.SetDefault("downloader.workers", defaultWorkers)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", defaultMetricsListen)
}

// Default returns the configuration produced by SetDefaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg, decodeHook())
	return &cfg
}

// decodeHook lets human-readable sizes such as "64KiB" decode into ByteSize.
func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Adaptation validation
	validLogics := map[string]bool{LogicRateBased: true, LogicPredictive: true, LogicFixed: true}
	if !validLogics[c.Adaptation.Logic] {
		return fmt.Errorf("adaptation.logic must be one of: rate, predictive, fixed")
	}
	validAverages := map[string]bool{AverageEWMA: true, AverageWindow: true}
	if !validAverages[c.Adaptation.Average] {
		return fmt.Errorf("adaptation.average must be one of: ewma, window")
	}
	if c.Adaptation.WindowSize < 1 {
		return fmt.Errorf("adaptation.window_size must be at least 1")
	}
	if c.Adaptation.Alpha <= 0 || c.Adaptation.Alpha > 1 {
		return fmt.Errorf("adaptation.alpha must be in (0, 1]")
	}
	if c.Adaptation.Width < 0 || c.Adaptation.Height < 0 {
		return fmt.Errorf("adaptation.width and adaptation.height must not be negative")
	}

	// Buffering validation
	if c.Buffering.Min <= 0 {
		return fmt.Errorf("buffering.min must be positive")
	}
	if c.Buffering.Max < c.Buffering.Min {
		return fmt.Errorf("buffering.max must be at least buffering.min")
	}
	if c.Buffering.PollInterval <= 0 {
		return fmt.Errorf("buffering.poll_interval must be positive")
	}

	// HTTP validation
	if c.HTTP.BlockSize < 1 {
		return fmt.Errorf("http.block_size must be at least 1 byte")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must not be negative")
	}
	if c.HTTP.MaxPrefetchPerHost < 1 {
		return fmt.Errorf("http.max_prefetch_per_host must be at least 1")
	}

	// Downloader validation
	if c.Downloader.Workers < 1 {
		return fmt.Errorf("downloader.workers must be at least 1")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	return nil
}

// ExtraBuffering returns the buffering allowed above the minimum.
func (c *BufferingConfig) ExtraBuffering() time.Duration {
	if c.Max <= c.Min {
		return 0
	}
	return c.Max - c.Min
}
