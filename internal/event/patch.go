package event

import (
	"fmt"
	"time"
)

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	CompanyRef *string
	MethodRef  *string
	Title      *string
	Notes      *string
	Date       *time.Time
	Priority   *Priority
	Recurrence *RecurrenceRule
	Reminders  *[]Reminder
}

// HasDate reports whether the patch moves the event in time.
func (p Patch) HasDate() bool { return p.Date != nil }

// Apply merges the patch into ev. When withDate is false the event keeps its
// own Date; group propagation relies on this to preserve sibling dates.
func (p Patch) Apply(ev *Event, withDate bool) {
	if p.CompanyRef != nil {
		ev.CompanyRef = *p.CompanyRef
	}
	if p.MethodRef != nil {
		ev.MethodRef = *p.MethodRef
	}
	if p.Title != nil {
		ev.Title = *p.Title
	}
	if p.Notes != nil {
		ev.Notes = *p.Notes
	}
	if withDate && p.Date != nil {
		ev.Date = *p.Date
	}
	if p.Priority != nil {
		ev.Priority = *p.Priority
	}
	if p.Recurrence != nil {
		ev.Recurrence = *p.Recurrence
		if len(p.Recurrence.DaysOfWeek) > 0 {
			ev.Recurrence.DaysOfWeek = append([]time.Weekday(nil), p.Recurrence.DaysOfWeek...)
		}
	}
	if p.Reminders != nil {
		ev.Reminders = append([]Reminder(nil), (*p.Reminders)...)
	}
}

func (p Patch) Validate() error {
	if p.Priority != nil && !p.Priority.IsValid() {
		return fmt.Errorf("event: invalid priority %q", *p.Priority)
	}
	if p.Recurrence != nil {
		if err := p.Recurrence.Validate(); err != nil {
			return err
		}
	}
	if p.Reminders != nil {
		// IDs and types are defaulted by the store after the patch lands,
		// so only the caller-supplied parts are checked here.
		for _, r := range *p.Reminders {
			if r.Type != "" && !r.Type.IsValid() {
				return fmt.Errorf("%w: %q", ErrBadReminder, r.Type)
			}
			if r.MinutesBefore < 0 {
				return fmt.Errorf("%w: minutes_before must be >= 0", ErrBadReminder)
			}
		}
	}
	return nil
}
