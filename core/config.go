package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	RefreshSerializationCredential = "credential"
	RefreshSerializationPool       = "pool"
)

type SchedulerConfig struct {
	IntervalSeconds     int     `koanf:"interval_seconds" mapstructure:"interval_seconds"`
	SleepSegments       int     `koanf:"sleep_segments" mapstructure:"sleep_segments"`
	RetryBackoffSeconds int     `koanf:"retry_backoff_seconds" mapstructure:"retry_backoff_seconds"`
	Disabled            bool    `koanf:"disabled" mapstructure:"disabled"`
	ExchangesPerSecond  float64 `koanf:"exchanges_per_second" mapstructure:"exchanges_per_second"`
}

// CredentialDefaults seed the capability policy of credentials added without
// explicit flags or caps.
type CredentialDefaults struct {
	ImageEnabled     bool `koanf:"image_enabled" mapstructure:"image_enabled"`
	VideoEnabled     bool `koanf:"video_enabled" mapstructure:"video_enabled"`
	ImageConcurrency int  `koanf:"image_concurrency" mapstructure:"image_concurrency"`
	VideoConcurrency int  `koanf:"video_concurrency" mapstructure:"video_concurrency"`
}

func (d CredentialDefaults) Policy() CapabilityPolicy {
	return CapabilityPolicy{
		ImageEnabled:     d.ImageEnabled,
		VideoEnabled:     d.VideoEnabled,
		ImageConcurrency: d.ImageConcurrency,
		VideoConcurrency: d.VideoConcurrency,
	}
}

type Config struct {
	ServiceName            string             `koanf:"service_name" mapstructure:"service_name"`
	ErrorBanThreshold      int                `koanf:"error_ban_threshold" mapstructure:"error_ban_threshold"`
	RefreshLeadTimeSeconds int                `koanf:"refresh_lead_time_seconds" mapstructure:"refresh_lead_time_seconds"`
	RefreshSerialization   string             `koanf:"refresh_serialization" mapstructure:"refresh_serialization"`
	ProjectNameLayout      string             `koanf:"project_name_layout" mapstructure:"project_name_layout"`
	Scheduler              SchedulerConfig    `koanf:"scheduler" mapstructure:"scheduler"`
	Defaults               CredentialDefaults `koanf:"defaults" mapstructure:"defaults"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:            "tokenpool",
		ErrorBanThreshold:      3,
		RefreshLeadTimeSeconds: 3600,
		RefreshSerialization:   RefreshSerializationCredential,
		ProjectNameLayout:      "Jan 02 - 15:04",
		Scheduler: SchedulerConfig{
			IntervalSeconds:     3600,
			SleepSegments:       60,
			RetryBackoffSeconds: 60,
		},
		Defaults: CredentialDefaults{
			ImageEnabled:     true,
			VideoEnabled:     true,
			ImageConcurrency: UnlimitedConcurrency,
			VideoConcurrency: UnlimitedConcurrency,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.ErrorBanThreshold < 1 {
		return fmt.Errorf("core: error_ban_threshold must be at least 1")
	}
	if c.RefreshLeadTimeSeconds < 0 {
		return fmt.Errorf("core: refresh_lead_time_seconds must be non-negative")
	}
	switch strings.TrimSpace(c.RefreshSerialization) {
	case RefreshSerializationCredential, RefreshSerializationPool:
	default:
		return fmt.Errorf("core: refresh_serialization %q is invalid", c.RefreshSerialization)
	}
	if strings.TrimSpace(c.ProjectNameLayout) == "" {
		return fmt.Errorf("core: project_name_layout is required")
	}
	if c.Scheduler.IntervalSeconds < 1 {
		return fmt.Errorf("core: scheduler.interval_seconds must be at least 1")
	}
	if c.Scheduler.SleepSegments < 1 {
		return fmt.Errorf("core: scheduler.sleep_segments must be at least 1")
	}
	if c.Scheduler.RetryBackoffSeconds < 1 {
		return fmt.Errorf("core: scheduler.retry_backoff_seconds must be at least 1")
	}
	if c.Scheduler.ExchangesPerSecond < 0 {
		return fmt.Errorf("core: scheduler.exchanges_per_second must be non-negative")
	}
	if err := c.Defaults.Policy().Validate(); err != nil {
		return err
	}
	return nil
}

func (c Config) RefreshLeadTime() time.Duration {
	return time.Duration(c.RefreshLeadTimeSeconds) * time.Second
}

func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

func (c Config) SchedulerRetryBackoff() time.Duration {
	return time.Duration(c.Scheduler.RetryBackoffSeconds) * time.Second
}
