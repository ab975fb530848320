package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"

	logx "commsched/pkg/logx"
)

// EmailConfig configures the SMTP reminder channel.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

// EmailChannel delivers alerts as plain reminder mails.
type EmailChannel struct {
	cfg    EmailConfig
	log    logx.Logger
	dialer *gomail.Dialer
}

func NewEmailChannel(cfg EmailConfig, log logx.Logger) (*EmailChannel, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is empty")
	}
	if strings.TrimSpace(cfg.To) == "" {
		return nil, errors.New("recipient address is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if strings.TrimSpace(cfg.From) == "" {
		cfg.From = cfg.Username
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &EmailChannel{
		cfg:    cfg,
		log:    log,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}, nil
}

func (c *EmailChannel) Name() string { return "email" }

// Probe opens and closes an SMTP session.
func (c *EmailChannel) Probe(ctx context.Context) error {
	_ = ctx // gomail has no context support; the dialer has its own timeouts
	s, err := c.dialer.Dial()
	if err != nil {
		return err
	}
	return s.Close()
}

func (c *EmailChannel) Deliver(ctx context.Context, a Alert) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	subject := "Communication reminder"
	if a.Title != "" {
		subject = fmt.Sprintf("Reminder: %s", a.Title)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", c.cfg.From)
	m.SetHeader("To", c.cfg.To)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", a.Text())
	return c.dialer.DialAndSend(m)
}
