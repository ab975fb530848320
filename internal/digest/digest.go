// Package digest pushes a once-a-day summary of overdue, due-today and
// upcoming events.
package digest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"commsched/internal/event"
	logx "commsched/pkg/logx"
)

// Source provides the event slices summarized by the digest. Implemented by
// the event store.
type Source interface {
	Overdue() []event.Event
	DueToday() []event.Event
	Upcoming(withinDays int) []event.Event
}

// Announcer pushes the rendered digest text. Implemented by the dispatcher.
type Announcer interface {
	Announce(text string) error
}

type Config struct {
	Enabled      bool
	At           string // "HH:MM" wall clock, default "09:00"
	Timezone     string // IANA name, empty means host zone
	UpcomingDays int    // default 7
}

type Service struct {
	log    logx.Logger
	source Source
	sink   Announcer

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron

	parser cron.Parser
}

func New(cfg Config, source Source, sink Announcer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		source: source,
		sink:   sink,
		cfg:    cfg,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Start registers the daily cron entry. Disabled config is a no-op start.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Debug("digest disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	spec, err := cronSpec(s.cfg.At)
	if err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("digest timezone: %w", err)
		}
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, s.run); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("digest scheduled", logx.String("at", spec), logx.String("tz", loc.String()))
	return nil
}

// Stop halts the cron loop, waiting for a running digest to finish.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("digest stopped")
}

// Apply swaps the config at runtime, restarting the cron entry.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.Stop(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if !cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) run() {
	text := s.Render()
	if text == "" {
		s.log.Debug("digest empty; nothing to push")
		return
	}
	if err := s.sink.Announce(text); err != nil {
		s.log.Warn("digest push failed", logx.Err(err))
		return
	}
	s.log.Info("digest pushed")
}

// Render builds the digest body. Empty string means nothing to report.
func (s *Service) Render() string {
	s.mu.Lock()
	days := s.cfg.UpcomingDays
	s.mu.Unlock()
	if days <= 0 {
		days = 7
	}

	overdue := s.source.Overdue()
	today := s.source.DueToday()
	upcoming := s.source.Upcoming(days)
	if len(overdue) == 0 && len(today) == 0 && len(upcoming) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Daily schedule digest\n")
	writeSection(&b, "Overdue", overdue)
	writeSection(&b, "Due today", today)
	writeSection(&b, fmt.Sprintf("Next %d days", days), upcoming)
	return strings.TrimRight(b.String(), "\n")
}

func writeSection(b *strings.Builder, title string, evs []event.Event) {
	if len(evs) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s (%d):\n", title, len(evs))
	for _, ev := range evs {
		line := ev.Title
		if ev.CompanyRef != "" {
			line += " — " + ev.CompanyRef
		}
		fmt.Fprintf(b, "  • %s at %s\n", line, ev.Date.Format("Mon Jan 2 15:04"))
	}
}

// cronSpec converts "HH:MM" into a five-field cron spec.
func cronSpec(at string) (string, error) {
	at = strings.TrimSpace(at)
	if at == "" {
		at = "09:00"
	}
	t, err := time.Parse("15:04", at)
	if err != nil {
		return "", fmt.Errorf("digest time %q: want HH:MM: %w", at, err)
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
}
