package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models agencydesk.yml.
type Config struct {
	Email struct {
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
		FromName string `yaml:"from_name"`
	} `yaml:"email"`
	Realtime struct {
		RedisURL string `yaml:"redis_url"`
	} `yaml:"realtime"`
	Notifications struct {
		AdminFanout  bool   `yaml:"admin_fanout"`
		Workers      int    `yaml:"workers"`
		ReminderDays []int  `yaml:"reminder_days"`
		BaseURL      string `yaml:"base_url"`
	} `yaml:"notifications"`
	Auth struct {
		TokenSecret string `yaml:"token_secret"`
	} `yaml:"auth"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agencydesk.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Notifications.Workers <= 0 {
		return fmt.Errorf("config.notifications.workers must be positive")
	}
	for _, d := range c.Notifications.ReminderDays {
		if d <= 0 {
			return fmt.Errorf("config.notifications.reminder_days entries must be positive")
		}
	}
	if c.Email.Host != "" && c.Email.From == "" {
		return fmt.Errorf("config.email.from is required when email.host is set")
	}
	return nil
}

// Default returns the built-in configuration: notifications enabled,
// external channels off until configured.
func Default() *Config {
	var cfg Config
	cfg.Notifications.AdminFanout = true
	cfg.Notifications.Workers = 4
	cfg.Notifications.ReminderDays = []int{1, 3, 7}
	cfg.Notifications.BaseURL = "/app"
	return &cfg
}

// EmailConfigured reports whether the SMTP channel can be used.
func (c *Config) EmailConfigured() bool {
	return c.Email.Host != "" && c.Email.Port != "" && c.Email.From != ""
}
