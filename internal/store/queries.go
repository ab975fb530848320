package store

import (
	"sort"
	"time"

	"commsched/internal/event"
)

// Status filters List results by completion state.
type Status string

const (
	StatusAny       Status = ""
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	CompanyRef string
	MethodRef  string
	From       time.Time // inclusive
	To         time.Time // inclusive
	Status     Status
}

func (f Filter) matches(ev *event.Event) bool {
	if f.CompanyRef != "" && ev.CompanyRef != f.CompanyRef {
		return false
	}
	if f.MethodRef != "" && ev.MethodRef != f.MethodRef {
		return false
	}
	if !f.From.IsZero() && ev.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Date.After(f.To) {
		return false
	}
	switch f.Status {
	case StatusPending:
		return !ev.Completed
	case StatusCompleted:
		return ev.Completed
	}
	return true
}

// Overdue returns pending events strictly before now, soonest first.
func (s *Store) Overdue() []event.Event {
	now := s.clock()
	return s.collect(func(ev *event.Event) bool {
		return !ev.Completed && ev.Date.Before(now)
	}, byDateAsc)
}

// DueToday returns pending events on today's calendar date that are not yet
// past. The past portion of today is already covered by Overdue; the two
// sets never overlap.
func (s *Store) DueToday() []event.Event {
	now := s.clock()
	return s.collect(func(ev *event.Event) bool {
		return !ev.Completed && !ev.Date.Before(now) && event.SameCalendarDay(ev.Date, now)
	}, byDateAsc)
}

// Upcoming returns pending events between now and now+withinDays, inclusive.
func (s *Store) Upcoming(withinDays int) []event.Event {
	now := s.clock()
	horizon := now.AddDate(0, 0, withinDays)
	return s.collect(func(ev *event.Event) bool {
		return !ev.Completed && !ev.Date.Before(now) && !ev.Date.After(horizon)
	}, byDateAsc)
}

// History returns completed events, most recently completed first.
func (s *Store) History() []event.Event {
	return s.collect(func(ev *event.Event) bool {
		return ev.Completed
	}, func(evs []event.Event) {
		sort.SliceStable(evs, func(i, j int) bool {
			return evs[i].CompletedAt.After(evs[j].CompletedAt)
		})
	})
}

// List returns events matching the filter, soonest first.
func (s *Store) List(f Filter) []event.Event {
	return s.collect(f.matches, byDateAsc)
}

// Group returns every event sharing the given recurring group id.
func (s *Store) Group(groupID string) []event.Event {
	if groupID == "" {
		return nil
	}
	return s.collect(func(ev *event.Event) bool {
		return ev.RecurringGroupID == groupID
	}, byDateAsc)
}

// All returns a copy of the whole collection, soonest first. Used by the
// persistence layer and the daily digest.
func (s *Store) All() []event.Event {
	return s.collect(func(*event.Event) bool { return true }, byDateAsc)
}

func (s *Store) collect(keep func(*event.Event) bool, order func([]event.Event)) []event.Event {
	s.mu.Lock()
	out := make([]event.Event, 0, len(s.events))
	for _, ev := range s.events {
		if keep(ev) {
			out = append(out, ev.Clone())
		}
	}
	s.mu.Unlock()
	if order != nil {
		order(out)
	}
	return out
}

func byDateAsc(evs []event.Event) {
	sort.SliceStable(evs, func(i, j int) bool {
		return evs[i].Date.Before(evs[j].Date)
	})
}
