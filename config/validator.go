package config

import (
	"fmt"

	"github.com/e7canasta/stereo-capture/driver"
)

const (
	defaultDriver             = "fake"
	defaultDiscoveryTimeoutMS = 2000
	defaultPoolSize           = 5
	defaultBaudRate           = 115200
	defaultStatsIntervalS     = 5
)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	if cfg.Driver == "" {
		cfg.Driver = defaultDriver
	}
	if cfg.DiscoveryTimeoutMS < 0 {
		return fmt.Errorf("discovery_timeout_ms must be >= 0")
	}
	if cfg.DiscoveryTimeoutMS == 0 {
		cfg.DiscoveryTimeoutMS = defaultDiscoveryTimeoutMS
	}
	if cfg.WarmupS < 0 {
		return fmt.Errorf("warmup_s must be >= 0")
	}

	if err := validateLog(&cfg.Log); err != nil {
		return err
	}

	if cfg.Left.Name == "" {
		cfg.Left.Name = "left"
	}
	if cfg.Right.Name == "" {
		cfg.Right.Name = "right"
	}
	if err := validateCamera("left", &cfg.Left); err != nil {
		return err
	}
	if err := validateCamera("right", &cfg.Right); err != nil {
		return err
	}
	if cfg.Left.ID == cfg.Right.ID {
		return fmt.Errorf("left.id and right.id must differ, both are %q", cfg.Left.ID)
	}
	if cfg.Left.Name == cfg.Right.Name {
		return fmt.Errorf("left.name and right.name must differ, both are %q", cfg.Left.Name)
	}

	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if cfg.Retry.MaxRetries > 0 {
		if cfg.Retry.RetryDelayMS <= 0 {
			cfg.Retry.RetryDelayMS = 1000
		}
		if cfg.Retry.MaxRetryDelayMS <= 0 {
			cfg.Retry.MaxRetryDelayMS = 30000
		}
		if cfg.Retry.MaxRetryDelayMS < cfg.Retry.RetryDelayMS {
			return fmt.Errorf("retry.max_retry_delay_ms must be >= retry.retry_delay_ms")
		}
	}

	if cfg.Trigger.Port != "" {
		if cfg.Trigger.RateHz <= 0 {
			return fmt.Errorf("trigger.rate_hz must be > 0 when trigger.port is set")
		}
		if cfg.Trigger.BaudRate == 0 {
			cfg.Trigger.BaudRate = defaultBaudRate
		}
	}

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "stereo-capture"
		}
		if cfg.MQTT.Topic == "" {
			cfg.MQTT.Topic = fmt.Sprintf("stereo/stats/%s", cfg.MQTT.ClientID)
		}
		if cfg.MQTT.IntervalS <= 0 {
			cfg.MQTT.IntervalS = defaultStatsIntervalS
		}
	}

	return nil
}

func validateLog(l *LogConfig) error {
	if l.Level == "" {
		l.Level = "info"
	}
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", l.Level)
	}
	if l.Format == "" {
		l.Format = "text"
	}
	if l.Format != "text" && l.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", l.Format)
	}
	return nil
}

func validateCamera(side string, c *CameraConfig) error {
	if c.ID == "" {
		return fmt.Errorf("%s.id is required", side)
	}
	switch c.Mode {
	case "":
		c.Mode = "full"
	case "full", "read":
	default:
		return fmt.Errorf("%s.mode must be full or read, got %q", side, c.Mode)
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("%s.pool_size must be > 0", side)
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaultPoolSize
	}

	s := c.Settings
	if s.PixelFormat != "" && driver.PixelFormat(s.PixelFormat).BytesPerPixel() == 0 {
		return fmt.Errorf("%s.settings.pixel_format %q is not supported", side, s.PixelFormat)
	}
	if s.Width < 0 || s.Height < 0 || s.OffsetX < 0 || s.OffsetY < 0 {
		return fmt.Errorf("%s.settings: geometry must be >= 0", side)
	}
	if s.FrameRate < 0 || s.ExposureTimeUS < 0 {
		return fmt.Errorf("%s.settings: frame_rate and exposure_time_us must be >= 0", side)
	}
	if s.TriggerMode != "" && s.TriggerMode != "On" && s.TriggerMode != "Off" {
		return fmt.Errorf("%s.settings.trigger_mode must be On or Off, got %q", side, s.TriggerMode)
	}
	return nil
}
