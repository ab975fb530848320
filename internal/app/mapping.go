package app

import (
	"fmt"
	"strings"
	"time"

	"commsched/internal/config"
	"commsched/internal/digest"
	"commsched/internal/dispatch"
	"commsched/internal/storage"
	logx "commsched/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapDispatchConfig builds the pipeline config plus the alert and mail
// channels. A missing notifications section means an enabled pipeline with
// no channels wired (alerts are rendered but have nowhere to go).
func mapDispatchConfig(cfg *config.Config, log logx.Logger) (dispatch.Config, dispatch.Channel, dispatch.Channel, error) {
	nc := cfg.Notifications
	if nc == nil {
		return dispatch.Config{Enabled: true}, nil, nil, nil
	}

	dcfg := dispatch.Config{
		Enabled:     nc.Enabled,
		Workers:     nc.Workers,
		QueueSize:   nc.QueueSize,
		RatePerSec:  nc.RatePerSec,
		HistorySize: nc.HistorySize,
	}

	var alertCh, mailCh dispatch.Channel
	if tc := nc.Telegram; tc != nil {
		pollTimeout, err := config.ParseDurationOrDefault("notifications.telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
		if err != nil {
			return dispatch.Config{}, nil, nil, err
		}
		ch, err := dispatch.NewTelegramChannel(dispatch.TelegramConfig{
			Token:       tc.Token,
			ChatID:      tc.ChatID,
			PollTimeout: pollTimeout,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return dispatch.Config{}, nil, nil, fmt.Errorf("notifications.telegram: %w", err)
		}
		alertCh = ch
	}
	if ec := nc.Email; ec != nil {
		ch, err := dispatch.NewEmailChannel(dispatch.EmailConfig{
			Host:     ec.Host,
			Port:     ec.Port,
			Username: ec.Username,
			Password: ec.Password,
			From:     ec.From,
			To:       ec.To,
		}, log.With(logx.String("comp", "email")))
		if err != nil {
			return dispatch.Config{}, nil, nil, fmt.Errorf("notifications.email: %w", err)
		}
		mailCh = ch
	}
	return dcfg, alertCh, mailCh, nil
}

func mapDigestConfig(cfg *config.Config) digest.Config {
	return digest.Config{
		Enabled:      cfg.Digest.Enabled,
		At:           cfg.Digest.At,
		Timezone:     cfg.Digest.Timezone,
		UpcomingDays: cfg.Digest.UpcomingDays,
	}
}

// validate rejects configs that would break a hot reload.
func validate(cfg *config.Config) error {
	for _, lead := range cfg.Reminders.DefaultLeadMinutes {
		if lead <= 0 {
			return fmt.Errorf("reminders.default_lead_minutes: must be > 0, got %d", lead)
		}
	}
	if nc := cfg.Notifications; nc != nil {
		if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.HistorySize < 0 {
			return fmt.Errorf("notifications: sizes and rates must be >= 0")
		}
		if tc := nc.Telegram; tc != nil {
			if _, err := config.ParseDurationField("notifications.telegram.poll_timeout", tc.PollTimeout); err != nil {
				return err
			}
		}
	}
	if cfg.Digest.Enabled {
		if at := strings.TrimSpace(cfg.Digest.At); at != "" {
			if _, err := time.Parse("15:04", at); err != nil {
				return fmt.Errorf("digest.at: want HH:MM, got %q", cfg.Digest.At)
			}
		}
		if tz := strings.TrimSpace(cfg.Digest.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("digest.timezone: invalid %q: %w", tz, err)
			}
		}
	}
	if cfg.Digest.UpcomingDays < 0 {
		return fmt.Errorf("digest.upcoming_days must be >= 0")
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
