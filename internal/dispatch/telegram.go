package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "commsched/pkg/logx"
)

// TelegramConfig configures the Telegram alert channel.
type TelegramConfig struct {
	Token       string
	ChatID      int64
	PollTimeout time.Duration
}

// TelegramChannel delivers alerts as Telegram messages. The sound cue maps
// to Telegram's native notification; alerts without the sound flag are sent
// silently.
type TelegramChannel struct {
	cfg TelegramConfig
	log logx.Logger
	bot *tele.Bot
}

func NewTelegramChannel(cfg TelegramConfig, log logx.Logger) (*TelegramChannel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		// Delivery-only channel: we never start the poller.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TelegramChannel{cfg: cfg, log: log, bot: b}, nil
}

func (c *TelegramChannel) Name() string { return "telegram" }

// Probe verifies the token against the Telegram API. This is the
// permission handshake: a revoked token means delivery is not possible.
func (c *TelegramChannel) Probe(ctx context.Context) error {
	_ = ctx
	_, err := c.bot.ChatByID(c.cfg.ChatID)
	return err
}

func (c *TelegramChannel) Deliver(ctx context.Context, a Alert) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	opts := &tele.SendOptions{DisableWebPagePreview: true}
	if !a.Sound {
		opts.DisableNotification = true
	}
	_, err := c.bot.Send(tele.ChatID(c.cfg.ChatID), "🔔 "+a.Text(), opts)
	return err
}
