package digest

import (
	"context"
	"strings"
	"testing"
	"time"

	"commsched/internal/event"
	logx "commsched/pkg/logx"
)

type fakeSource struct {
	overdue  []event.Event
	today    []event.Event
	upcoming []event.Event
}

func (f *fakeSource) Overdue() []event.Event     { return f.overdue }
func (f *fakeSource) DueToday() []event.Event    { return f.today }
func (f *fakeSource) Upcoming(int) []event.Event { return f.upcoming }

type captureSink struct{ texts []string }

func (c *captureSink) Announce(text string) error {
	c.texts = append(c.texts, text)
	return nil
}

func TestCronSpec(t *testing.T) {
	t.Parallel()
	cases := []struct {
		at      string
		want    string
		wantErr bool
	}{
		{at: "08:30", want: "30 8 * * *"},
		{at: "", want: "0 9 * * *"},
		{at: "23:59", want: "59 23 * * *"},
		{at: "9am", wantErr: true},
		{at: "25:00", wantErr: true},
	}
	for _, tc := range cases {
		got, err := cronSpec(tc.at)
		if tc.wantErr {
			if err == nil {
				t.Errorf("cronSpec(%q): expected error", tc.at)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("cronSpec(%q) = (%q, %v), want %q", tc.at, got, err, tc.want)
		}
	}
}

func TestRenderSections(t *testing.T) {
	t.Parallel()
	date := time.Date(2024, 12, 20, 9, 0, 0, 0, time.UTC)
	src := &fakeSource{
		overdue: []event.Event{{Title: "missed call", CompanyRef: "acme", Date: date}},
		today:   []event.Event{{Title: "send report", Date: date.Add(6 * time.Hour)}},
	}
	s := New(Config{UpcomingDays: 7}, src, &captureSink{}, logx.Nop())

	text := s.Render()
	if !strings.Contains(text, "Overdue (1):") || !strings.Contains(text, "missed call — acme") {
		t.Fatalf("missing overdue section:\n%s", text)
	}
	if !strings.Contains(text, "Due today (1):") || !strings.Contains(text, "send report") {
		t.Fatalf("missing due-today section:\n%s", text)
	}
	if strings.Contains(text, "Next 7 days") {
		t.Fatalf("empty upcoming section must be omitted:\n%s", text)
	}
}

func TestRenderEmpty(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeSource{}, &captureSink{}, logx.Nop())
	if got := s.Render(); got != "" {
		t.Fatalf("empty digest must render empty, got %q", got)
	}
}

func TestStartDisabledAndApply(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(Config{Enabled: false}, &fakeSource{}, &captureSink{}, logx.Nop())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("disabled start: %v", err)
	}
	s.Stop(ctx)

	if err := s.Apply(ctx, Config{Enabled: true, At: "bogus"}); err == nil {
		t.Fatal("expected error for invalid digest time")
	}
	if err := s.Apply(ctx, Config{Enabled: true, At: "07:15", Timezone: "Mars/Olympus"}); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
	if err := s.Apply(ctx, Config{Enabled: true, At: "07:15"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	s.Stop(ctx)
}
