package dispatch

import (
	"context"
	"fmt"
	"time"

	"commsched/internal/event"
)

// Alert is the rendered payload handed to delivery channels.
type Alert struct {
	EventID     string
	Title       string
	Company     string
	Method      string
	LeadMinutes int
	// Sound asks the channel to attach its audio cue, set for reminder
	// types notification and both.
	Sound bool
	At    time.Time

	// Body overrides the default reminder text when set. Used by digest and
	// status announcements that are not tied to a single reminder.
	Body string
}

// Text renders the user-facing message for this alert.
func (a Alert) Text() string {
	if a.Body != "" {
		return a.Body
	}
	head := a.Company
	if a.Method != "" {
		head += " — " + a.Method
	}
	if a.Title != "" {
		head = a.Title + "\n" + head
	}
	return fmt.Sprintf("%s\nIn %d minutes", head, a.LeadMinutes)
}

// Channel delivers rendered alerts over one transport.
//
// Probe is the permission handshake: it reports whether the channel is
// currently able to deliver at all (configured, authenticated, reachable).
type Channel interface {
	Name() string
	Probe(ctx context.Context) error
	Deliver(ctx context.Context, a Alert) error
}

// Resolver maps opaque company/method refs to display names. The engine
// never validates refs; the surrounding application owns the mapping.
type Resolver interface {
	CompanyName(ref string) string
	MethodName(ref string) string
}

// IdentityResolver echoes refs back as display names. Used when no
// application-level resolver is wired in.
type IdentityResolver struct{}

func (IdentityResolver) CompanyName(ref string) string { return ref }
func (IdentityResolver) MethodName(ref string) string  { return ref }

func renderAlert(res Resolver, ev event.Event, rem event.Reminder, at time.Time) Alert {
	if res == nil {
		res = IdentityResolver{}
	}
	return Alert{
		EventID:     ev.ID,
		Title:       ev.Title,
		Company:     res.CompanyName(ev.CompanyRef),
		Method:      res.MethodName(ev.MethodRef),
		LeadMinutes: rem.MinutesBefore,
		Sound:       rem.Type == event.ReminderNotification || rem.Type == event.ReminderBoth,
		At:          at,
	}
}
