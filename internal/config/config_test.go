package config_test

import (
	"testing"

	"agencydesk/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if !cfg.Notifications.AdminFanout {
		t.Error("admin fan-out should default on")
	}
	if cfg.Notifications.Workers != 4 {
		t.Errorf("workers = %d", cfg.Notifications.Workers)
	}
	if got := cfg.Notifications.ReminderDays; len(got) != 3 || got[0] != 1 || got[1] != 3 || got[2] != 7 {
		t.Errorf("reminder days = %v", got)
	}
	if cfg.EmailConfigured() {
		t.Error("email should be off by default")
	}
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
email:
  host: smtp.example.com
  port: "587"
  from: desk@example.com
notifications:
  admin_fanout: false
  workers: 2
  reminder_days: [2, 5]
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Notifications.AdminFanout {
		t.Error("admin fan-out not disabled")
	}
	if cfg.Notifications.Workers != 2 {
		t.Errorf("workers = %d", cfg.Notifications.Workers)
	}
	if !cfg.EmailConfigured() {
		t.Error("email should be configured")
	}
}

func TestValidate(t *testing.T) {
	if _, err := config.FromYAML([]byte("notifications:\n  workers: 0\n")); err == nil {
		t.Error("zero workers accepted")
	}
	if _, err := config.FromYAML([]byte("notifications:\n  reminder_days: [-1]\n")); err == nil {
		t.Error("negative reminder day accepted")
	}
	if _, err := config.FromYAML([]byte("email:\n  host: smtp.example.com\n")); err == nil {
		t.Error("email host without from accepted")
	}
}
