package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the recognized Kilo Guardian options
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	LogLevel   string `yaml:"log_level"`
	Timezone   string `yaml:"timezone"`

	GraceWindowMinutes int `yaml:"grace_window_minutes"`
	SnoozeMinutes      int `yaml:"snooze_minutes"`
	MaxSnoozes         int `yaml:"max_snoozes"`
	LowQuantityDays    int `yaml:"low_quantity_days"`

	SchedulerPollIntervalSeconds int `yaml:"scheduler_poll_interval_seconds"`
	SchedulerBatchSize           int `yaml:"scheduler_batch_size"`

	EventBusQueueCapacity int `yaml:"event_bus_queue_capacity"`
	EventBusMaxAttempts   int `yaml:"event_bus_max_attempts"`

	CoachingCooldownHours int    `yaml:"coaching_cooldown_hours"`
	QuietHoursStart       string `yaml:"quiet_hours_start"`
	QuietHoursEnd         string `yaml:"quiet_hours_end"`

	// AdminToken is the bootstrap token; it is bcrypt-hashed into the token
	// store on first startup and never persisted in the clear.
	AdminToken string `yaml:"admin_token"`

	ExtractorURL string   `yaml:"extractor_url"`
	NotifyURLs   []string `yaml:"notify_urls"`
}

// Default returns a config populated with default values
func Default() *Config {
	return &Config{
		ListenAddr:                   ":8080",
		DataDir:                      "/var/lib/kilo",
		LogLevel:                     "info",
		Timezone:                     "UTC",
		GraceWindowMinutes:           30,
		SnoozeMinutes:                15,
		MaxSnoozes:                   3,
		LowQuantityDays:              7,
		SchedulerPollIntervalSeconds: 30,
		SchedulerBatchSize:           64,
		EventBusQueueCapacity:        1024,
		EventBusMaxAttempts:          3,
		CoachingCooldownHours:        4,
		QuietHoursStart:              "22:00",
		QuietHoursEnd:                "07:00",
	}
}

// Load reads a YAML config file, applying defaults for unset options
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option ranges
func (c *Config) Validate() error {
	if c.GraceWindowMinutes < 1 {
		return fmt.Errorf("grace_window_minutes must be positive, got %d", c.GraceWindowMinutes)
	}
	if c.SnoozeMinutes < 5 || c.SnoozeMinutes > 60 {
		return fmt.Errorf("snooze_minutes must be in [5, 60], got %d", c.SnoozeMinutes)
	}
	if c.MaxSnoozes < 0 {
		return fmt.Errorf("max_snoozes must not be negative, got %d", c.MaxSnoozes)
	}
	if c.SchedulerBatchSize < 1 {
		return fmt.Errorf("scheduler_batch_size must be positive, got %d", c.SchedulerBatchSize)
	}
	if c.EventBusQueueCapacity < 1 {
		return fmt.Errorf("event_bus_queue_capacity must be positive, got %d", c.EventBusQueueCapacity)
	}
	if _, err := parseClock(c.QuietHoursStart); err != nil {
		return fmt.Errorf("quiet_hours_start: %w", err)
	}
	if _, err := parseClock(c.QuietHoursEnd); err != nil {
		return fmt.Errorf("quiet_hours_end: %w", err)
	}
	return nil
}

// QuietHours returns the configured quiet window as minutes since midnight
func (c *Config) QuietHours() (start, end int) {
	start, _ = parseClock(c.QuietHoursStart)
	end, _ = parseClock(c.QuietHoursEnd)
	return start, end
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock time out of range %q", s)
	}
	return h*60 + m, nil
}
