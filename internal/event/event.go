package event

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("event: not found")
	ErrEmptyID       = errors.New("event: id is required")
	ErrDateRequired  = errors.New("event: date is required")
	ErrBadReminder   = errors.New("event: invalid reminder")
	ErrBadRecurrence = errors.New("event: invalid recurrence rule")
)

// Clock supplies the current instant. Injected so tests can pin time.
type Clock func() time.Time

// Priority is informational only; it never affects scheduling.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

type Pattern string

const (
	PatternNone     Pattern = "none"
	PatternDaily    Pattern = "daily"
	PatternWeekly   Pattern = "weekly"
	PatternBiweekly Pattern = "biweekly"
	PatternMonthly  Pattern = "monthly"
	PatternYearly   Pattern = "yearly"
	PatternWeekday  Pattern = "weekday"
	PatternWeekend  Pattern = "weekend"
	PatternCustom   Pattern = "custom"
)

func (p Pattern) IsValid() bool {
	switch p {
	case PatternNone, PatternDaily, PatternWeekly, PatternBiweekly,
		PatternMonthly, PatternYearly, PatternWeekday, PatternWeekend, PatternCustom:
		return true
	default:
		return false
	}
}

// RecurrenceRule describes how an event repeats.
//
// Interval multiplies the base period (0 is treated as 1). EndDate bounds
// expansion when non-zero. DaysOfWeek is only consulted by PatternCustom.
type RecurrenceRule struct {
	Pattern    Pattern        `json:"pattern"`
	Interval   int            `json:"interval,omitempty"`
	EndDate    time.Time      `json:"end_date,omitempty"`
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`
}

func (r RecurrenceRule) IsRecurring() bool { return r.Pattern != "" && r.Pattern != PatternNone }

// Validate checks the structural parts of the rule. An unrecognized Pattern
// is deliberately not an error: the expander treats it as non-expanding, so
// a rule the engine doesn't know never blocks the mutation carrying it.
func (r RecurrenceRule) Validate() error {
	if r.Pattern == "" {
		return nil
	}
	if r.Interval < 0 {
		return fmt.Errorf("%w: interval must be >= 0", ErrBadRecurrence)
	}
	if r.Pattern == PatternCustom && len(r.DaysOfWeek) == 0 {
		return fmt.Errorf("%w: custom pattern requires days_of_week", ErrBadRecurrence)
	}
	for _, d := range r.DaysOfWeek {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: bad weekday %d", ErrBadRecurrence, d)
		}
	}
	return nil
}

type ReminderType string

const (
	ReminderEmail        ReminderType = "email"
	ReminderNotification ReminderType = "notification"
	ReminderBoth         ReminderType = "both"
)

func (t ReminderType) IsValid() bool {
	switch t {
	case ReminderEmail, ReminderNotification, ReminderBoth:
		return true
	default:
		return false
	}
}

// Reminder is a per-event lead-time entry. MinutesBefore is measured
// relative to the owning event's Date.
type Reminder struct {
	ID            string       `json:"id"`
	Type          ReminderType `json:"type"`
	MinutesBefore int          `json:"minutes_before"`
}

func (r Reminder) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrBadReminder)
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("%w: %q", ErrBadReminder, r.Type)
	}
	if r.MinutesBefore < 0 {
		return fmt.Errorf("%w: minutes_before must be >= 0", ErrBadReminder)
	}
	return nil
}

// FireAt is the instant this reminder should fire for the given event date.
func (r Reminder) FireAt(date time.Time) time.Time {
	return date.Add(-time.Duration(r.MinutesBefore) * time.Minute)
}

// Event is one dated communication entry.
//
// CompanyRef and MethodRef are opaque foreign keys owned by external
// collaborators; the engine never validates their existence.
//
// Invariants:
//   - RecurringGroupID is empty iff the event was never part of a recurring
//     series; generated occurrences carry their origin's id as group id.
//   - CompletedAt is non-zero iff Completed is true.
type Event struct {
	ID         string `json:"id"`
	CompanyRef string `json:"company_ref"`
	MethodRef  string `json:"method_ref"`
	Title      string `json:"title"`
	Notes      string `json:"notes,omitempty"`

	Date        time.Time `json:"date"`
	Completed   bool      `json:"completed"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	Priority   Priority       `json:"priority,omitempty"`
	Recurrence RecurrenceRule `json:"recurrence"`

	IsRecurring      bool   `json:"is_recurring,omitempty"`
	RecurringGroupID string `json:"recurring_group_id,omitempty"`

	Reminders []Reminder `json:"reminders,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

func (e Event) Validate() error {
	if e.ID == "" {
		return ErrEmptyID
	}
	if e.Date.IsZero() {
		return ErrDateRequired
	}
	if e.Priority != "" && !e.Priority.IsValid() {
		return fmt.Errorf("event: invalid priority %q", e.Priority)
	}
	if err := e.Recurrence.Validate(); err != nil {
		return err
	}
	for _, r := range e.Reminders {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// GroupID returns the recurring group key for this event: its own group id,
// or its own id when it is a standalone origin.
func (e Event) GroupID() string {
	if e.RecurringGroupID != "" {
		return e.RecurringGroupID
	}
	return e.ID
}

// Clone returns a deep copy. Reminders and DaysOfWeek are copied so callers
// can never mutate store-owned state through a returned event.
func (e Event) Clone() Event {
	cp := e
	if len(e.Reminders) > 0 {
		cp.Reminders = append([]Reminder(nil), e.Reminders...)
	}
	if len(e.Recurrence.DaysOfWeek) > 0 {
		cp.Recurrence.DaysOfWeek = append([]time.Weekday(nil), e.Recurrence.DaysOfWeek...)
	}
	return cp
}

// SameCalendarDay reports whether a and b fall on the same calendar date
// in b's location. Naive calendar comparison, no timezone gymnastics.
func SameCalendarDay(a, b time.Time) bool {
	ay, am, ad := a.In(b.Location()).Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
