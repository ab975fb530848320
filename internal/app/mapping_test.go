package app

import (
	"testing"
	"time"

	"commsched/internal/config"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		storage *config.StorageConfig
		enabled bool
		wantErr bool
		busy    time.Duration
	}{
		{name: "absent section", storage: nil},
		{name: "driver none", storage: &config.StorageConfig{Driver: "none"}},
		{name: "empty driver", storage: &config.StorageConfig{Path: "x"}},
		{name: "file", storage: &config.StorageConfig{Driver: "file", Path: "./d"}, enabled: true},
		{name: "file without path", storage: &config.StorageConfig{Driver: "file"}, wantErr: true},
		{name: "sqlite default busy", storage: &config.StorageConfig{Driver: "sqlite", Path: "db"}, enabled: true, busy: time.Second},
		{name: "sqlite custom busy", storage: &config.StorageConfig{Driver: "sqlite3", Path: "db", BusyTimeout: "5s"}, enabled: true, busy: 5 * time.Second},
		{name: "sqlite bad busy", storage: &config.StorageConfig{Driver: "sqlite", Path: "db", BusyTimeout: "soon"}, wantErr: true},
		{name: "unknown driver", storage: &config.StorageConfig{Driver: "postgres", Path: "x"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.storage})
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if enabled != tc.enabled {
				t.Fatalf("enabled = %v, want %v", enabled, tc.enabled)
			}
			if enabled && sc.BusyTimeout != tc.busy {
				t.Fatalf("busy timeout = %v, want %v", sc.BusyTimeout, tc.busy)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	good := func() *config.Config {
		return &config.Config{
			Reminders: config.RemindersConfig{DefaultLeadMinutes: []int{15, 60}},
			Digest:    config.DigestConfig{Enabled: true, At: "08:30", Timezone: "UTC", UpcomingDays: 7},
		}
	}
	if err := validate(good()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero lead", func(c *config.Config) { c.Reminders.DefaultLeadMinutes = []int{0} }},
		{"negative queue", func(c *config.Config) {
			c.Notifications = &config.NotificationsConfig{QueueSize: -1}
		}},
		{"bad poll timeout", func(c *config.Config) {
			c.Notifications = &config.NotificationsConfig{Telegram: &config.TelegramChannelConfig{PollTimeout: "later"}}
		}},
		{"bad digest time", func(c *config.Config) { c.Digest.At = "25:99" }},
		{"bad timezone", func(c *config.Config) { c.Digest.Timezone = "Mars/Olympus" }},
		{"negative window", func(c *config.Config) { c.Digest.UpcomingDays = -1 }},
		{"bad storage", func(c *config.Config) {
			c.Storage = &config.StorageConfig{Driver: "file"}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := good()
			tc.mutate(cfg)
			if err := validate(cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
