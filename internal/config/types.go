package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Reminders RemindersConfig `json:"reminders"`

	// Notifications controls the async dispatch pipeline and its channels.
	// If the whole section is omitted, dispatch defaults to enabled.
	Notifications *NotificationsConfig `json:"notifications,omitempty"`

	Digest  DigestConfig   `json:"digest"`
	Storage *StorageConfig `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RemindersConfig controls reminder defaulting and immediate status notices.
type RemindersConfig struct {
	// DefaultLeadMinutes is attached to new events that don't specify
	// reminders. Omitted means the built-in 15m / 1h / 1d ladder.
	DefaultLeadMinutes []int `json:"default_lead_minutes,omitempty"`

	// OverdueNotices pushes an immediate notice when a created or updated
	// event is already overdue or due today.
	OverdueNotices bool `json:"overdue_notices"`
}

// NotificationsConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotificationsConfig struct {
	Enabled     bool `json:"enabled"`
	Workers     int  `json:"workers,omitempty"`
	QueueSize   int  `json:"queue_size,omitempty"`
	RatePerSec  int  `json:"rate_per_sec,omitempty"`
	HistorySize int  `json:"history_size,omitempty"`

	Telegram *TelegramChannelConfig `json:"telegram,omitempty"`
	Email    *EmailChannelConfig    `json:"email,omitempty"`
}

type TelegramChannelConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type EmailChannelConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
}

// DigestConfig controls the daily summary push.
type DigestConfig struct {
	Enabled bool `json:"enabled"`
	// At is the local wall-clock time of the digest, "HH:MM". Default "09:00".
	At string `json:"at,omitempty"`
	// Timezone is an IANA zone name; empty means the host zone.
	Timezone string `json:"timezone,omitempty"`
	// UpcomingDays is the look-ahead window of the digest body. Default 7.
	UpcomingDays int `json:"upcoming_days,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./commsched_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// Leads returns the configured reminder ladder or the built-in default of
// 15 minutes, 1 hour and 1 day before the event.
func (r RemindersConfig) Leads() []int {
	if len(r.DefaultLeadMinutes) > 0 {
		return append([]int(nil), r.DefaultLeadMinutes...)
	}
	return []int{15, 60, 1440}
}
