// Package reminder arms one-shot countdown timers for event reminders.
//
// Each reminder moves Idle -> Armed -> Fired, or Idle -> Armed -> Cancelled.
// Timers are owned exclusively by the Scheduler and are torn down and
// re-created whenever the owning event's date or reminder list changes;
// nothing here survives a process restart by design.
package reminder

import (
	"context"
	"sync"
	"time"

	"commsched/internal/event"
	"commsched/internal/eventbus"
	logx "commsched/pkg/logx"
)

// Sink receives fired reminders. Dispatch must not block: the dispatcher
// enqueues internally, so one slow delivery never stalls other timers.
type Sink interface {
	Dispatch(ev event.Event, rem event.Reminder)
}

// Key identifies one armed timer.
type Key struct {
	EventID    string
	ReminderID string
}

// ArmedInfo is a point-in-time view of one armed timer.
type ArmedInfo struct {
	EventID    string
	ReminderID string
	FireAt     time.Time
}

type armedTimer struct {
	timer  *time.Timer
	fireAt time.Time
}

type Scheduler struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	sink  Sink
	clock event.Clock

	// timers doubles as the staleness check: a callback fires only while
	// the map still holds its own *armedTimer, so cancel and re-arm leave
	// nothing behind for expired callbacks to observe.
	timers map[Key]*armedTimer

	stopped bool
}

func New(sink Sink, clock event.Clock, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		log:    log,
		bus:    bus,
		sink:   sink,
		clock:  clock,
		timers: map[Key]*armedTimer{},
	}
}

// Arm schedules a single-shot timer at ev.Date - rem.MinutesBefore.
// Reminders whose fire time is not in the future are dropped silently:
// no retroactive reminders, ever. Returns whether a timer was armed.
func (s *Scheduler) Arm(ev event.Event, rem event.Reminder) bool {
	fireAt := rem.FireAt(ev.Date)
	now := s.clock()
	key := Key{EventID: ev.ID, ReminderID: rem.ID}

	if !fireAt.After(now) {
		s.log.Debug("reminder in the past, not armed",
			logx.String("event_id", ev.ID),
			logx.String("reminder_id", rem.ID),
			logx.Time("fire_at", fireAt))
		s.publish(eventbus.TypeReminderDropped, key, fireAt)
		return false
	}

	// Snapshot the event now; the store re-arms on every mutation, so the
	// snapshot is current for the lifetime of this timer.
	evCopy := ev.Clone()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	// Upsert: replace any existing timer for the same pair.
	if old, ok := s.timers[key]; ok {
		_ = old.timer.Stop()
	}
	a := &armedTimer{fireAt: fireAt}
	a.timer = time.AfterFunc(fireAt.Sub(now), func() {
		s.fire(key, a, evCopy, rem, fireAt)
	})
	s.timers[key] = a
	s.mu.Unlock()

	s.log.Debug("reminder armed",
		logx.String("event_id", ev.ID),
		logx.String("reminder_id", rem.ID),
		logx.Time("fire_at", fireAt),
		logx.Duration("in", fireAt.Sub(now)))
	s.publish(eventbus.TypeReminderArmed, key, fireAt)
	return true
}

func (s *Scheduler) fire(key Key, a *armedTimer, ev event.Event, rem event.Reminder, fireAt time.Time) {
	s.mu.Lock()
	if s.stopped || s.timers[key] != a {
		// Cancelled or replaced since this timer was armed.
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	sink := s.sink
	s.mu.Unlock()

	s.publish(eventbus.TypeReminderFired, key, fireAt)
	if sink != nil {
		sink.Dispatch(ev, rem)
	}
}

// Cancel removes the armed timer for the pair. Cancelling a non-existent or
// already-fired timer is a no-op, never an error.
func (s *Scheduler) Cancel(eventID, reminderID string) {
	key := Key{EventID: eventID, ReminderID: reminderID}
	s.mu.Lock()
	s.cancelLocked(key)
	s.mu.Unlock()
}

// CancelEvent removes every armed timer belonging to the event.
func (s *Scheduler) CancelEvent(eventID string) {
	s.mu.Lock()
	for key := range s.timers {
		if key.EventID == eventID {
			s.cancelLocked(key)
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) cancelLocked(key Key) {
	a, ok := s.timers[key]
	if !ok {
		return
	}
	_ = a.timer.Stop()
	// Removing the entry is what invalidates an already-expired callback.
	delete(s.timers, key)
}

// Reschedule cancels all timers for the event and arms one per reminder.
// Called after every mutation that could change the date or reminder list;
// calling it twice in a row yields the same armed set.
func (s *Scheduler) Reschedule(ev event.Event) {
	s.CancelEvent(ev.ID)
	if ev.Completed {
		return
	}
	for _, rem := range ev.Reminders {
		s.Arm(ev, rem)
	}
}

// Snapshot lists currently armed timers, for status surfaces.
func (s *Scheduler) Snapshot() []ArmedInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ArmedInfo, 0, len(s.timers))
	for key, a := range s.timers {
		out = append(out, ArmedInfo{EventID: key.EventID, ReminderID: key.ReminderID, FireAt: a.fireAt})
	}
	return out
}

// Stop cancels every armed timer. The scheduler accepts no new arms after.
func (s *Scheduler) Stop(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	for key, a := range s.timers {
		_ = a.timer.Stop()
		delete(s.timers, key)
	}
	s.stopped = true
	s.mu.Unlock()
	s.log.Info("reminder scheduler stopped")
}

func (s *Scheduler) publish(typ string, key Key, fireAt time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ArmedInfo{
		EventID:    key.EventID,
		ReminderID: key.ReminderID,
		FireAt:     fireAt,
	}})
}
