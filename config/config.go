// Package config loads the YAML description of a stereo rig.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	stereocapture "github.com/e7canasta/stereo-capture"
	"github.com/e7canasta/stereo-capture/driver"
)

// Config represents the complete rig configuration
type Config struct {
	Driver             string        `yaml:"driver"`                // registered driver name (fake, gstreamer, ...)
	DiscoveryTimeoutMS int           `yaml:"discovery_timeout_ms"` // bound on Discover at startup (default: 2000)
	WarmupS            int           `yaml:"warmup_s"`             // warmup duration in seconds, 0 disables it
	Log                LogConfig     `yaml:"log"`
	Left               CameraConfig  `yaml:"left"`
	Right              CameraConfig  `yaml:"right"`
	Retry              RetryConfig   `yaml:"retry"`
	Trigger            TriggerConfig `yaml:"trigger"`
	Bus                BusConfig     `yaml:"bus"`
	MQTT               MQTTConfig    `yaml:"mqtt"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// CameraConfig contains one camera's settings
type CameraConfig struct {
	ID       string         `yaml:"id"`
	Name     string         `yaml:"name"`
	Mode     string         `yaml:"mode"` // full, read
	PoolSize int            `yaml:"pool_size"`
	Settings SettingsConfig `yaml:"settings"`
}

// SettingsConfig mirrors stereocapture.Settings
type SettingsConfig struct {
	Width                int64   `yaml:"width"`
	Height               int64   `yaml:"height"`
	OffsetX              int64   `yaml:"offset_x"`
	OffsetY              int64   `yaml:"offset_y"`
	PixelFormat          string  `yaml:"pixel_format"`
	FrameRate            float64 `yaml:"frame_rate"`
	ExposureTimeUS       float64 `yaml:"exposure_time_us"`
	Gain                 float64 `yaml:"gain"`
	GainRaw              int64   `yaml:"gain_raw"`
	AcquisitionMode      string  `yaml:"acquisition_mode"`
	TriggerMode          string  `yaml:"trigger_mode"`
	TriggerSource        string  `yaml:"trigger_source"`
	ExposureAuto         string  `yaml:"exposure_auto"`
	PacketSize           int64   `yaml:"packet_size"`
	StreamBytesPerSecond int64   `yaml:"stream_bytes_per_second"`
}

// RetryConfig controls Open retries
type RetryConfig struct {
	MaxRetries      int `yaml:"max_retries"`
	RetryDelayMS    int `yaml:"retry_delay_ms"`
	MaxRetryDelayMS int `yaml:"max_retry_delay_ms"`
}

// TriggerConfig describes a serial hardware trigger
type TriggerConfig struct {
	Port     string  `yaml:"port"` // empty disables the trigger
	BaudRate int     `yaml:"baud_rate"`
	RateHz   float64 `yaml:"rate_hz"`
}

// BusConfig describes the pair bus
type BusConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker    string `yaml:"broker"` // host:port, empty disables telemetry
	ClientID  string `yaml:"client_id"`
	Topic     string `yaml:"topic"`
	QoS       byte   `yaml:"qos"`
	IntervalS int    `yaml:"interval_s"`
}

// Load reads configuration from YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DiscoveryTimeout returns the discovery bound as a duration
func (c *Config) DiscoveryTimeout() time.Duration {
	return time.Duration(c.DiscoveryTimeoutMS) * time.Millisecond
}

// Warmup returns the warmup duration
func (c *Config) Warmup() time.Duration {
	return time.Duration(c.WarmupS) * time.Second
}

// StatsInterval returns the telemetry publish interval
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.MQTT.IntervalS) * time.Second
}

// Rig converts the configuration into a stereocapture.RigConfig.
func (c *Config) Rig() stereocapture.RigConfig {
	return stereocapture.RigConfig{
		Left:  c.Left.camera(),
		Right: c.Right.camera(),
		Retry: stereocapture.RetryConfig{
			MaxRetries:    c.Retry.MaxRetries,
			RetryDelay:    time.Duration(c.Retry.RetryDelayMS) * time.Millisecond,
			MaxRetryDelay: time.Duration(c.Retry.MaxRetryDelayMS) * time.Millisecond,
		},
		TriggerRate: c.Trigger.RateHz,
	}
}

func (c CameraConfig) camera() stereocapture.CameraConfig {
	mode := driver.AccessFull
	if c.Mode == "read" {
		mode = driver.AccessRead
	}
	return stereocapture.CameraConfig{
		ID:       c.ID,
		Name:     c.Name,
		Mode:     mode,
		PoolSize: c.PoolSize,
		Settings: c.Settings.settings(),
	}
}

func (s SettingsConfig) settings() stereocapture.Settings {
	return stereocapture.Settings{
		Width:                s.Width,
		Height:               s.Height,
		OffsetX:              s.OffsetX,
		OffsetY:              s.OffsetY,
		PixelFormat:          driver.PixelFormat(s.PixelFormat),
		FrameRate:            s.FrameRate,
		ExposureTime:         s.ExposureTimeUS,
		Gain:                 s.Gain,
		GainRaw:              s.GainRaw,
		AcquisitionMode:      s.AcquisitionMode,
		TriggerMode:          s.TriggerMode,
		TriggerSource:        s.TriggerSource,
		ExposureAuto:         s.ExposureAuto,
		PacketSize:           s.PacketSize,
		StreamBytesPerSecond: s.StreamBytesPerSecond,
	}
}
