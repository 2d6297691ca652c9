package config

import (
	"testing"
	"time"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server port: got %v want %v", cfg.Server.Port, 8080)
	}
	if cfg.Reminder.FirstNoticeDays != 7 || cfg.Reminder.SecondNoticeDays != 2 || cfg.Reminder.FinalNoticeDays != 1 {
		t.Errorf("reminder thresholds: got %d/%d/%d want 7/2/1",
			cfg.Reminder.FirstNoticeDays, cfg.Reminder.SecondNoticeDays, cfg.Reminder.FinalNoticeDays)
	}
	if cfg.Gateway.AuthRetries != 3 {
		t.Errorf("auth retries: got %v want %v", cfg.Gateway.AuthRetries, 3)
	}
}

func TestNewConfigEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_API_KEY", "secret-key")
	t.Setenv("GATEWAY_CARD_INTEGRATION_ID", "4242")
	t.Setenv("REMINDER_INTERVAL", "15m")
	t.Setenv("DB_DRIVER", "sqlite")

	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}

	if cfg.Gateway.APIKey != "secret-key" {
		t.Errorf("api key: got %q want %q", cfg.Gateway.APIKey, "secret-key")
	}
	if cfg.Gateway.CardIntegrationID != 4242 {
		t.Errorf("card integration id: got %v want %v", cfg.Gateway.CardIntegrationID, 4242)
	}
	if cfg.Reminder.Interval != 15*time.Minute {
		t.Errorf("reminder interval: got %v want %v", cfg.Reminder.Interval, 15*time.Minute)
	}
	if cfg.DB.Driver != "sqlite" {
		t.Errorf("db driver: got %q want %q", cfg.DB.Driver, "sqlite")
	}
}

func TestNewConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown driver", "DB_DRIVER", "oracle"},
		{"thresholds not decreasing", "REMINDER_SECOND_NOTICE_DAYS", "9"},
		{"zero interval", "REMINDER_INTERVAL", "0s"},
		{"bad location", "REMINDER_LOCATION", "Mars/Olympus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := NewConfig(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}
