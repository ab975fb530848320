// Package store owns the canonical event collection.
//
// All mutations run under one mutex (single-writer model); external readers
// observe the collection only through the derived queries, never directly.
// Every mutation re-arms the owning event's reminder timers and, when a
// persister is attached, writes through best-effort.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"commsched/internal/event"
	"commsched/internal/eventbus"
	"commsched/internal/recurrence"
	logx "commsched/pkg/logx"
)

// Rescheduler re-arms reminder timers after a mutation. Implemented by the
// reminder scheduler.
type Rescheduler interface {
	Reschedule(ev event.Event)
	CancelEvent(eventID string)
}

// Persister is the optional persistence boundary behind the store.
// In-memory correctness never depends on it; failures are logged and ignored.
type Persister interface {
	Upsert(ctx context.Context, ev event.Event) error
	Delete(ctx context.Context, id string) error
}

// Announcer pushes immediate status notices (already overdue / due today)
// when a mutation lands. Implemented by the dispatcher.
type Announcer interface {
	Announce(text string) error
}

type Config struct {
	// DefaultLeadMinutes is attached as notification reminders when a draft
	// leaves Reminders nil (an explicit empty slice means "no reminders").
	DefaultLeadMinutes []int
	// OverdueNotices enables an immediate announcement when a created or
	// updated event is already overdue or due today.
	OverdueNotices bool
}

// Draft is the caller-supplied shape of a new event.
type Draft struct {
	CompanyRef string
	MethodRef  string
	Title      string
	Notes      string
	Date       time.Time
	Priority   event.Priority
	Recurrence event.RecurrenceRule
	Reminders  []event.Reminder
}

type Store struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	clock event.Clock
	cfg   Config

	sched     Rescheduler
	persist   Persister
	announcer Announcer

	events map[string]*event.Event
}

type Option func(*Store)

func WithRescheduler(r Rescheduler) Option { return func(s *Store) { s.sched = r } }
func WithPersister(p Persister) Option     { return func(s *Store) { s.persist = p } }
func WithAnnouncer(a Announcer) Option     { return func(s *Store) { s.announcer = a } }
func WithBus(b eventbus.Bus) Option        { return func(s *Store) { s.bus = b } }

func New(cfg Config, clock event.Clock, log logx.Logger, opts ...Option) *Store {
	if clock == nil {
		clock = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		log:    log,
		clock:  clock,
		cfg:    cfg,
		events: map[string]*event.Event{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Seed loads persisted events without triggering persistence writes or
// notices. Timers are armed for each seeded event.
func (s *Store) Seed(evs []event.Event) {
	s.mu.Lock()
	for _, ev := range evs {
		cp := ev.Clone()
		s.events[cp.ID] = &cp
	}
	s.mu.Unlock()

	if s.sched != nil {
		for _, ev := range evs {
			s.sched.Reschedule(ev)
		}
	}
	s.log.Info("store seeded", logx.Int("events", len(evs)))
}

// Create assigns an id, stamps createdAt, and inserts the event. A recurring
// draft immediately spawns at most one successor occurrence (lazy expansion,
// never a whole series).
func (s *Store) Create(draft Draft) (event.Event, error) {
	now := s.clock()

	ev := event.Event{
		ID:         uuid.NewString(),
		CompanyRef: draft.CompanyRef,
		MethodRef:  draft.MethodRef,
		Title:      draft.Title,
		Notes:      draft.Notes,
		Date:       draft.Date,
		Priority:   draft.Priority,
		Recurrence: draft.Recurrence,
		Reminders:  draft.Reminders,
		CreatedAt:  now,
	}
	ev.IsRecurring = ev.Recurrence.IsRecurring()
	if ev.Reminders == nil {
		ev.Reminders = s.defaultReminders()
	}
	ensureReminderIDs(ev.Reminders)
	if err := ev.Validate(); err != nil {
		return event.Event{}, err
	}

	s.mu.Lock()
	cp := ev.Clone()
	s.events[ev.ID] = &cp
	succ, expanded := s.maybeExpandLocked(ev)
	s.mu.Unlock()

	s.afterMutation(ev, eventbus.TypeEventCreated)
	if expanded {
		s.afterMutation(succ, eventbus.TypeEventCreated)
	}
	s.dueNotice(ev, now)
	return ev, nil
}

// Update merges patch into the event. With propagateToGroup, the same
// non-date fields are applied to every event sharing the recurring group id,
// each sibling explicitly keeping its own date.
func (s *Store) Update(id string, patch event.Patch, propagateToGroup bool) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	now := s.clock()

	s.mu.Lock()
	cur, ok := s.events[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update %q: %w", id, event.ErrNotFound)
	}

	// Patch a copy first; the stored event must stay intact when the
	// patched result fails validation.
	next := cur.Clone()
	patch.Apply(&next, true)
	if patch.Reminders != nil {
		ensureReminderIDs(next.Reminders)
	}
	if patch.Recurrence != nil {
		next.IsRecurring = next.Recurrence.IsRecurring()
	}
	next.UpdatedAt = now
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.events[id] = &next
	updated := next.Clone()

	var siblings []event.Event
	if propagateToGroup && next.RecurringGroupID != "" {
		for _, other := range s.events {
			if other.ID == id || other.RecurringGroupID != next.RecurringGroupID {
				continue
			}
			// Siblings keep their own dates.
			patch.Apply(other, false)
			if patch.Reminders != nil {
				ensureReminderIDs(other.Reminders)
			}
			other.UpdatedAt = now
			siblings = append(siblings, other.Clone())
		}
	}

	var succ event.Event
	expanded := false
	if updated.Recurrence.IsRecurring() {
		succ, expanded = s.maybeExpandLocked(updated)
	}
	s.mu.Unlock()

	s.afterMutation(updated, eventbus.TypeEventUpdated)
	for _, sib := range siblings {
		s.afterMutation(sib, eventbus.TypeEventUpdated)
	}
	if expanded {
		s.afterMutation(succ, eventbus.TypeEventCreated)
	}
	s.dueNotice(updated, now)
	return nil
}

// Delete removes one event, or the whole recurring group when deleteGroup is
// set and the event belongs to one. Group deletion of an event without a
// group id is a deliberate no-op, not an error.
func (s *Store) Delete(id string, deleteGroup bool) error {
	s.mu.Lock()
	ev, ok := s.events[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("delete %q: %w", id, event.ErrNotFound)
	}

	var removed []string
	if deleteGroup {
		if gid := ev.RecurringGroupID; gid != "" {
			for _, other := range s.events {
				if other.RecurringGroupID == gid {
					removed = append(removed, other.ID)
				}
			}
		}
		// No group id: nothing to do.
	} else {
		removed = append(removed, id)
	}
	for _, rid := range removed {
		delete(s.events, rid)
	}
	s.mu.Unlock()

	for _, rid := range removed {
		if s.sched != nil {
			s.sched.CancelEvent(rid)
		}
		if s.persist != nil {
			if err := s.persist.Delete(context.Background(), rid); err != nil {
				s.log.Warn("persist delete failed", logx.String("event_id", rid), logx.Err(err))
			}
		}
		s.publish(eventbus.TypeEventDeleted, rid)
	}
	return nil
}

// Complete marks the event done, stamping completedAt exactly once.
// Completing an already-completed event is an idempotent no-op.
func (s *Store) Complete(id string) error {
	now := s.clock()

	s.mu.Lock()
	ev, ok := s.events[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("complete %q: %w", id, event.ErrNotFound)
	}
	if ev.Completed {
		s.mu.Unlock()
		return nil
	}
	ev.Completed = true
	ev.CompletedAt = now
	ev.UpdatedAt = now
	done := ev.Clone()
	s.mu.Unlock()

	s.afterMutation(done, eventbus.TypeEventCompleted)
	return nil
}

// Get returns a copy of one event.
func (s *Store) Get(id string) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return event.Event{}, fmt.Errorf("get %q: %w", id, event.ErrNotFound)
	}
	return ev.Clone(), nil
}

// Len reports the number of stored events.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// maybeExpandLocked inserts the successor occurrence of ev unless the group
// already holds an event on that date (keeps update-driven expansion
// idempotent: repeated updates never duplicate occurrences).
func (s *Store) maybeExpandLocked(ev event.Event) (event.Event, bool) {
	succ, ok := recurrence.Next(ev)
	if !ok {
		return event.Event{}, false
	}
	gid := ev.GroupID()
	for _, other := range s.events {
		if other.GroupID() == gid && other.Date.Equal(succ.Date) {
			return event.Event{}, false
		}
	}
	succ.CreatedAt = s.clock()
	cp := succ.Clone()
	s.events[succ.ID] = &cp
	return succ, true
}

func (s *Store) defaultReminders() []event.Reminder {
	if len(s.cfg.DefaultLeadMinutes) == 0 {
		return nil
	}
	out := make([]event.Reminder, 0, len(s.cfg.DefaultLeadMinutes))
	for _, lead := range s.cfg.DefaultLeadMinutes {
		out = append(out, event.Reminder{
			ID:            uuid.NewString(),
			Type:          event.ReminderNotification,
			MinutesBefore: lead,
		})
	}
	return out
}

// afterMutation runs the shared post-mutation side effects: timer
// rescheduling, write-through, bus signal.
func (s *Store) afterMutation(ev event.Event, busType string) {
	if s.sched != nil {
		s.sched.Reschedule(ev)
	}
	if s.persist != nil {
		if err := s.persist.Upsert(context.Background(), ev); err != nil {
			s.log.Warn("persist upsert failed", logx.String("event_id", ev.ID), logx.Err(err))
		}
	}
	s.publish(busType, ev.ID)
}

// dueNotice announces events that land already overdue or due today.
func (s *Store) dueNotice(ev event.Event, now time.Time) {
	if !s.cfg.OverdueNotices || s.announcer == nil || ev.Completed {
		return
	}
	var text string
	switch {
	case ev.Date.Before(now):
		text = fmt.Sprintf("Overdue: %s (%s)", ev.Title, ev.CompanyRef)
	case event.SameCalendarDay(ev.Date, now):
		text = fmt.Sprintf("Due today: %s (%s)", ev.Title, ev.CompanyRef)
	default:
		return
	}
	if err := s.announcer.Announce(text); err != nil {
		s.log.Debug("due notice not delivered", logx.String("event_id", ev.ID), logx.Err(err))
	}
}

func (s *Store) publish(typ, eventID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: eventID})
}

func ensureReminderIDs(rems []event.Reminder) {
	for i := range rems {
		if rems[i].ID == "" {
			rems[i].ID = uuid.NewString()
		}
		if rems[i].Type == "" {
			rems[i].Type = event.ReminderNotification
		}
	}
}
