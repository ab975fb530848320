// Package recurrence computes the next occurrence of a recurring event.
//
// Expansion is lazy: exactly one successor per call, never a whole series.
// This bounds state growth and sidesteps unbounded loops for rules with
// far-future or missing end dates.
package recurrence

import (
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"commsched/internal/event"
)

// Next returns the successor occurrence of ev, or ok=false when the rule
// does not produce one: pattern none/unknown, or the advanced date falls
// past the rule's end date.
//
// Unknown patterns intentionally yield ok=false instead of an error so a bad
// rule can never block the store mutation that triggered expansion.
func Next(ev event.Event) (event.Event, bool) {
	next, ok := NextDate(ev.Date, ev.Recurrence)
	if !ok {
		return event.Event{}, false
	}

	succ := ev.Clone()
	succ.ID = uuid.NewString()
	succ.Date = next
	succ.IsRecurring = true
	succ.RecurringGroupID = ev.GroupID()
	succ.Completed = false
	succ.CompletedAt = time.Time{}
	succ.Notes = ""
	succ.CreatedAt = time.Time{}
	succ.UpdatedAt = time.Time{}
	return succ, true
}

// NextDate advances from by exactly one period of the rule.
//
// Calendar math is naive by design: monthly preserves the day-of-month,
// clamping on overflow (Jan 31 -> Feb 29 in a leap year), yearly clamps
// Feb 29 the same way. Weekday-set patterns (weekday/weekend/custom) walk
// forward to the next allowed weekday via an RRULE evaluation.
func NextDate(from time.Time, rule event.RecurrenceRule) (time.Time, bool) {
	interval := rule.Interval
	if interval <= 0 {
		interval = 1
	}

	var next time.Time
	switch rule.Pattern {
	case event.PatternDaily:
		next = from.AddDate(0, 0, interval)
	case event.PatternWeekly:
		next = from.AddDate(0, 0, 7*interval)
	case event.PatternBiweekly:
		next = from.AddDate(0, 0, 14*interval)
	case event.PatternMonthly:
		next = addMonthsClamped(from, interval)
	case event.PatternYearly:
		next = addMonthsClamped(from, 12*interval)
	case event.PatternWeekday:
		next = nextByWeekdays(from, []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		})
	case event.PatternWeekend:
		next = nextByWeekdays(from, []time.Weekday{time.Saturday, time.Sunday})
	case event.PatternCustom:
		if len(rule.DaysOfWeek) == 0 {
			return time.Time{}, false
		}
		next = nextByWeekdays(from, rule.DaysOfWeek)
	default:
		return time.Time{}, false
	}

	if next.IsZero() {
		return time.Time{}, false
	}
	if !rule.EndDate.IsZero() && next.After(rule.EndDate) {
		return time.Time{}, false
	}
	return next, true
}

// addMonthsClamped adds months preserving the day-of-month, clamped to the
// target month's length. time.AddDate would normalize Jan 31 + 1 month into
// early March; clamping is what the calendar semantics call for.
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	target := first.AddDate(0, months, 0)

	ty, tm, _ := target.Date()
	if last := daysInMonth(ty, tm); d > last {
		d = last
	}
	return time.Date(ty, tm, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysInMonth(y int, m time.Month) int {
	// Day 0 of the next month is the last day of m.
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// nextByWeekdays returns the first instant strictly after from that falls on
// one of the given weekdays, keeping from's time of day.
func nextByWeekdays(from time.Time, days []time.Weekday) time.Time {
	by := make([]rrule.Weekday, 0, len(days))
	for _, d := range days {
		by = append(by, toRRuleWeekday(d))
	}
	r, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.WEEKLY,
		Byweekday: by,
		Dtstart:   from,
	})
	if err != nil {
		return time.Time{}
	}
	return r.After(from, false)
}

func toRRuleWeekday(d time.Weekday) rrule.Weekday {
	switch d {
	case time.Monday:
		return rrule.MO
	case time.Tuesday:
		return rrule.TU
	case time.Wednesday:
		return rrule.WE
	case time.Thursday:
		return rrule.TH
	case time.Friday:
		return rrule.FR
	case time.Saturday:
		return rrule.SA
	default:
		return rrule.SU
	}
}
