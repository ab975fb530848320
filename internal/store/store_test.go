package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"commsched/internal/event"
	logx "commsched/pkg/logx"
)

func fixedClock(at time.Time) event.Clock {
	return func() time.Time { return at }
}

func ptr[T any](v T) *T { return &v }

type fakeSched struct {
	mu        sync.Mutex
	resched   []string
	cancelled []string
}

func (f *fakeSched) Reschedule(ev event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resched = append(f.resched, ev.ID)
}

func (f *fakeSched) CancelEvent(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
}

type fakeAnnouncer struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeAnnouncer) Announce(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

type fakePersister struct {
	mu      sync.Mutex
	upserts []string
	deletes []string
}

func (f *fakePersister) Upsert(_ context.Context, ev event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, ev.ID)
	return nil
}

func (f *fakePersister) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return nil
}

func logxNop() logx.Logger { return logx.Nop() }

func TestCreateStampsIdentityAndTimestamps(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 12, 20, 10, 0, 0, 0, time.UTC)
	s := New(Config{}, fixedClock(now), logxNop())

	ev, err := s.Create(Draft{Title: "quarterly review", CompanyRef: "acme", Date: now.Add(48 * time.Hour)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ev.ID == "" {
		t.Fatal("expected generated id")
	}
	if !ev.CreatedAt.Equal(now) {
		t.Fatalf("createdAt = %v, want %v", ev.CreatedAt, now)
	}
	if ev.Completed || !ev.CompletedAt.IsZero() {
		t.Fatal("new event must be pending")
	}
	got, err := s.Get(ev.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "quarterly review" {
		t.Fatalf("title = %q", got.Title)
	}
}

func TestCreateRejectsZeroDate(t *testing.T) {
	t.Parallel()
	s := New(Config{}, fixedClock(time.Now()), logxNop())
	if _, err := s.Create(Draft{Title: "no date"}); err == nil {
		t.Fatal("expected validation error for zero date")
	}
}

func TestCreateDefaultRemindersOnNilOnly(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	s := New(Config{DefaultLeadMinutes: []int{15, 60, 1440}}, fixedClock(now), logxNop())

	withDefaults, err := s.Create(Draft{Title: "a", Date: now.AddDate(0, 0, 3)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(withDefaults.Reminders) != 3 {
		t.Fatalf("reminders = %d, want 3 defaults", len(withDefaults.Reminders))
	}
	for _, r := range withDefaults.Reminders {
		if r.ID == "" || r.Type != event.ReminderNotification {
			t.Fatalf("default reminder malformed: %+v", r)
		}
	}

	none, err := s.Create(Draft{Title: "b", Date: now.AddDate(0, 0, 3), Reminders: []event.Reminder{}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(none.Reminders) != 0 {
		t.Fatalf("explicit empty slice must suppress defaults, got %d", len(none.Reminders))
	}
}

func TestCreateRecurringSpawnsSingleSuccessor(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	s := New(Config{}, fixedClock(now), logxNop())

	origin, err := s.Create(Draft{
		Title:      "standup",
		Date:       time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC),
		Recurrence: event.RecurrenceRule{Pattern: event.PatternMonthly},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("events = %d, want origin + one successor", s.Len())
	}

	group := s.Group(origin.ID)
	if len(group) != 1 {
		t.Fatalf("group members = %d, want 1 successor", len(group))
	}
	succ := group[0]
	want := time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC) // leap-year clamp
	if !succ.Date.Equal(want) {
		t.Fatalf("successor date = %v, want %v", succ.Date, want)
	}
	if succ.RecurringGroupID != origin.ID {
		t.Fatalf("successor group = %q, want origin id %q", succ.RecurringGroupID, origin.ID)
	}
	if succ.Completed {
		t.Fatal("successor must start pending")
	}
}

func TestCreateRecurringHonorsEndDate(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	s := New(Config{}, fixedClock(now), logxNop())

	end := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
	_, err := s.Create(Draft{
		Title:      "short series",
		Date:       time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
		Recurrence: event.RecurrenceRule{Pattern: event.PatternWeekly, EndDate: end},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("events = %d, successor past endDate must not spawn", s.Len())
	}
}

func TestMonthlyChainStopsAtEndDate(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	s := New(Config{}, fixedClock(now), logxNop())

	origin, err := s.Create(Draft{
		Title: "invoice run",
		Date:  time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC),
		Recurrence: event.RecurrenceRule{
			Pattern: event.PatternMonthly,
			EndDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	group := s.Group(origin.ID)
	if len(group) != 1 {
		t.Fatalf("group = %d, want exactly one successor", len(group))
	}
	succ := group[0]
	if want := time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC); !succ.Date.Equal(want) {
		t.Fatalf("successor date = %v, want clamped %v", succ.Date, want)
	}

	// Updating the successor must not spawn an occurrence past the end date.
	if err := s.Update(succ.ID, event.Patch{Notes: ptr("checked")}, false); err != nil {
		t.Fatalf("update: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("events = %d, chain must stop at the end date", s.Len())
	}
}

func TestUpdateNotFound(t *testing.T) {
	t.Parallel()
	s := New(Config{}, fixedClock(time.Now()), logxNop())
	err := s.Update("missing", event.Patch{Title: ptr("x")}, false)
	if err == nil || !errors.Is(err, event.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFailedUpdateLeavesEventUntouched(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 12, 1, 9, 0, 0, 0, time.UTC)
	date := time.Date(2024, 12, 31, 14, 0, 0, 0, time.UTC)
	sched := &fakeSched{}
	persist := &fakePersister{}
	s := New(Config{}, fixedClock(now), logxNop(),
		WithRescheduler(sched), WithPersister(persist))

	ev, err := s.Create(Draft{Title: "year-end review", Date: date})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sched.mu.Lock()
	reschedBefore := len(sched.resched)
	sched.mu.Unlock()
	persist.mu.Lock()
	upsertsBefore := len(persist.upserts)
	persist.mu.Unlock()

	// A patch that fails validation must not leave a half-applied event.
	err = s.Update(ev.ID, event.Patch{Title: ptr("renamed"), Date: ptr(time.Time{})}, false)
	if err == nil {
		t.Fatal("expected validation error for zero date")
	}

	got, err := s.Get(ev.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Date.Equal(date) {
		t.Fatalf("date = %v, want %v", got.Date, date)
	}
	if got.Title != "year-end review" {
		t.Fatalf("title = %q, want the pre-update title", got.Title)
	}
	if !got.UpdatedAt.IsZero() {
		t.Fatalf("updatedAt = %v, want zero on the error path", got.UpdatedAt)
	}

	sched.mu.Lock()
	reschedAfter := len(sched.resched)
	sched.mu.Unlock()
	persist.mu.Lock()
	upsertsAfter := len(persist.upserts)
	persist.mu.Unlock()
	if reschedAfter != reschedBefore || upsertsAfter != upsertsBefore {
		t.Fatal("rejected update must trigger no side effects")
	}
}

func TestUnknownPatternIsStoredAndNeverExpands(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := New(Config{}, fixedClock(now), logxNop())

	// Pattern values the engine doesn't know must not block the mutation;
	// they simply spawn no successor.
	ev, err := s.Create(Draft{
		Title:      "board meeting",
		Date:       now.AddDate(0, 0, 7),
		Recurrence: event.RecurrenceRule{Pattern: "nthDayOfMonth"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("events = %d, want the origin alone", s.Len())
	}

	if err := s.Update(ev.ID, event.Patch{
		Recurrence: ptr(event.RecurrenceRule{Pattern: "everyOtherTuesday"}),
	}, false); err != nil {
		t.Fatalf("update: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("events = %d after update, want 1", s.Len())
	}
}

func TestUpdateGroupPropagationKeepsSiblingDates(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	s := New(Config{}, fixedClock(now), logxNop())

	origin, err := s.Create(Draft{
		Title:      "sync",
		CompanyRef: "acme",
		Date:       time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
		Recurrence: event.RecurrenceRule{Pattern: event.PatternWeekly},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	succ := s.Group(origin.ID)[0]

	newDate := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	err = s.Update(succ.ID, event.Patch{
		Title: ptr("renamed sync"),
		Date:  &newDate,
	}, true)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := s.Get(succ.ID)
	if !got.Date.Equal(newDate) || got.Title != "renamed sync" {
		t.Fatalf("target not fully patched: %+v", got)
	}

	// The origin carries no group id, so propagation from the successor only
	// reaches other occurrences; here there are none besides the target.
	orig, _ := s.Get(origin.ID)
	if orig.Title != "sync" {
		t.Fatalf("origin title = %q, must be untouched", orig.Title)
	}
}

func TestUpdatePropagationAcrossOccurrences(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	s := New(Config{}, fixedClock(now), logxNop())

	origin, err := s.Create(Draft{
		Title:      "sync",
		Date:       time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
		Recurrence: event.RecurrenceRule{Pattern: event.PatternWeekly},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first := s.Group(origin.ID)[0]

	// Updating the first occurrence expands the chain by one more.
	if err := s.Update(first.ID, event.Patch{Notes: ptr("bring deck")}, false); err != nil {
		t.Fatalf("update: %v", err)
	}
	group := s.Group(origin.ID)
	if len(group) != 2 {
		t.Fatalf("group = %d occurrences, want 2 after expansion", len(group))
	}

	secondDate := group[1].Date
	newDate := time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)
	err = s.Update(first.ID, event.Patch{Title: ptr("moved sync"), Date: &newDate}, true)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	group = s.Group(origin.ID)
	for _, ev := range group {
		if ev.Title != "moved sync" {
			t.Fatalf("occurrence %s title = %q, want propagated title", ev.ID, ev.Title)
		}
	}
	var second event.Event
	for _, ev := range group {
		if ev.ID != first.ID {
			second = ev
		}
	}
	if !second.Date.Equal(secondDate) {
		t.Fatalf("sibling date moved to %v, must stay %v", second.Date, secondDate)
	}
}

func TestUpdateExpansionIsIdempotent(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	s := New(Config{}, fixedClock(now), logxNop())

	origin, err := s.Create(Draft{
		Title:      "sync",
		Date:       time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
		Recurrence: event.RecurrenceRule{Pattern: event.PatternWeekly},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := s.Len()

	for i := 0; i < 3; i++ {
		if err := s.Update(origin.ID, event.Patch{Notes: ptr("again")}, false); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	if s.Len() != before {
		t.Fatalf("events = %d, repeated updates of the origin must not duplicate its successor", s.Len())
	}
}

func TestDeleteSingleAndGroup(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	sched := &fakeSched{}
	s := New(Config{}, fixedClock(now), logxNop(), WithRescheduler(sched))

	origin, err := s.Create(Draft{
		Title:      "sync",
		Date:       time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
		Recurrence: event.RecurrenceRule{Pattern: event.PatternWeekly},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	succ := s.Group(origin.ID)[0]

	// deleteGroup on the origin is a no-op: it carries no group id.
	if err := s.Delete(origin.ID, true); err != nil {
		t.Fatalf("delete group: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("events = %d, group delete without a group id must remove nothing", s.Len())
	}

	if err := s.Delete(succ.ID, true); err != nil {
		t.Fatalf("delete group: %v", err)
	}
	if _, err := s.Get(succ.ID); !errors.Is(err, event.ErrNotFound) {
		t.Fatalf("successor still present: %v", err)
	}
	if _, err := s.Get(origin.ID); err != nil {
		t.Fatalf("origin must survive group delete: %v", err)
	}

	if err := s.Delete(origin.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("events = %d, want empty store", s.Len())
	}
	if err := s.Delete(origin.ID, false); !errors.Is(err, event.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}

	sched.mu.Lock()
	cancelled := len(sched.cancelled)
	sched.mu.Unlock()
	if cancelled == 0 {
		t.Fatal("delete must cancel reminder timers")
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	s := New(Config{}, fixedClock(now), logxNop())

	ev, err := s.Create(Draft{Title: "call back", Date: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Complete(ev.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	first, _ := s.Get(ev.ID)
	if !first.Completed || !first.CompletedAt.Equal(now) {
		t.Fatalf("completion not stamped: %+v", first)
	}

	if err := s.Complete(ev.ID); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	second, _ := s.Get(ev.ID)
	if !second.CompletedAt.Equal(first.CompletedAt) {
		t.Fatal("completedAt must not change on repeat completion")
	}
	if s.Len() != 1 {
		t.Fatal("completing must never spawn occurrences")
	}
}

func TestOverdueAndDueTodayArePartitioned(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 12, 20, 14, 0, 0, 0, time.UTC)
	s := New(Config{}, fixedClock(now), logxNop())

	mk := func(title string, date time.Time) event.Event {
		t.Helper()
		ev, err := s.Create(Draft{Title: title, Date: date})
		if err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
		return ev
	}

	mk("last week", time.Date(2024, 12, 13, 9, 0, 0, 0, time.UTC))
	earlier := mk("earlier today", time.Date(2024, 12, 20, 9, 0, 0, 0, time.UTC))
	tonight := mk("tonight", time.Date(2024, 12, 20, 18, 0, 0, 0, time.UTC))
	mk("next week", time.Date(2024, 12, 27, 9, 0, 0, 0, time.UTC))
	done := mk("finished", time.Date(2024, 12, 13, 9, 0, 0, 0, time.UTC))
	if err := s.Complete(done.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	overdue := s.Overdue()
	if len(overdue) != 2 {
		t.Fatalf("overdue = %d, want past event and this morning's", len(overdue))
	}
	if !overdue[0].Date.Before(overdue[1].Date) {
		t.Fatal("overdue must be sorted soonest first")
	}

	dueToday := s.DueToday()
	if len(dueToday) != 1 || dueToday[0].ID != tonight.ID {
		t.Fatalf("dueToday = %+v, want only tonight's event", titles(dueToday))
	}

	for _, ev := range dueToday {
		if ev.ID == earlier.ID {
			t.Fatal("overdue and dueToday must not overlap")
		}
	}
}

func TestUpcomingWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	s := New(Config{}, fixedClock(now), logxNop())

	in3, _ := s.Create(Draft{Title: "in 3 days", Date: now.AddDate(0, 0, 3)})
	s.Create(Draft{Title: "in 10 days", Date: now.AddDate(0, 0, 10)})
	s.Create(Draft{Title: "yesterday", Date: now.AddDate(0, 0, -1)})

	up := s.Upcoming(7)
	if len(up) != 1 || up[0].ID != in3.ID {
		t.Fatalf("upcoming(7) = %v, want only the 3-day event", titles(up))
	}
}

func TestHistoryOrdersByCompletion(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	at := base
	s := New(Config{}, func() time.Time { return at }, logxNop())

	a, _ := s.Create(Draft{Title: "a", Date: base.Add(time.Hour)})
	b, _ := s.Create(Draft{Title: "b", Date: base.Add(2 * time.Hour)})

	at = base.Add(10 * time.Minute)
	if err := s.Complete(a.ID); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	at = base.Add(20 * time.Minute)
	if err := s.Complete(b.ID); err != nil {
		t.Fatalf("complete b: %v", err)
	}

	hist := s.History()
	if len(hist) != 2 || hist[0].ID != b.ID {
		t.Fatalf("history = %v, want most recently completed first", titles(hist))
	}
}

func TestListFilter(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	s := New(Config{}, fixedClock(now), logxNop())

	acme, _ := s.Create(Draft{Title: "acme call", CompanyRef: "acme", MethodRef: "phone", Date: now.AddDate(0, 0, 1)})
	s.Create(Draft{Title: "globex mail", CompanyRef: "globex", MethodRef: "email", Date: now.AddDate(0, 0, 2)})
	done, _ := s.Create(Draft{Title: "acme done", CompanyRef: "acme", MethodRef: "email", Date: now.AddDate(0, 0, 3)})
	s.Complete(done.ID)

	got := s.List(Filter{CompanyRef: "acme", Status: StatusPending})
	if len(got) != 1 || got[0].ID != acme.ID {
		t.Fatalf("list = %v, want only the pending acme event", titles(got))
	}

	ranged := s.List(Filter{From: now.AddDate(0, 0, 2), To: now.AddDate(0, 0, 3)})
	if len(ranged) != 2 {
		t.Fatalf("ranged list = %d, want 2", len(ranged))
	}
}

func TestMutationSideEffects(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 12, 20, 14, 0, 0, 0, time.UTC)
	sched := &fakeSched{}
	ann := &fakeAnnouncer{}
	pers := &fakePersister{}
	s := New(Config{OverdueNotices: true}, fixedClock(now), logxNop(),
		WithRescheduler(sched), WithAnnouncer(ann), WithPersister(pers))

	ev, err := s.Create(Draft{Title: "missed call", CompanyRef: "acme", Date: now.Add(-2 * time.Hour)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ann.mu.Lock()
	notices := append([]string(nil), ann.texts...)
	ann.mu.Unlock()
	if len(notices) != 1 {
		t.Fatalf("notices = %v, want one overdue announcement", notices)
	}

	sched.mu.Lock()
	rescheduled := len(sched.resched)
	sched.mu.Unlock()
	if rescheduled == 0 {
		t.Fatal("create must re-arm reminder timers")
	}

	pers.mu.Lock()
	upserts := len(pers.upserts)
	pers.mu.Unlock()
	if upserts != 1 {
		t.Fatalf("upserts = %d, want write-through on create", upserts)
	}

	if err := s.Delete(ev.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	pers.mu.Lock()
	deletes := len(pers.deletes)
	pers.mu.Unlock()
	if deletes != 1 {
		t.Fatalf("deletes = %d, want write-through on delete", deletes)
	}
}

func TestSeedArmsTimersWithoutPersisting(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	sched := &fakeSched{}
	pers := &fakePersister{}
	s := New(Config{}, fixedClock(now), logxNop(), WithRescheduler(sched), WithPersister(pers))

	s.Seed([]event.Event{
		{ID: "e1", Title: "restored", Date: now.Add(time.Hour), CreatedAt: now.Add(-time.Hour)},
	})
	if s.Len() != 1 {
		t.Fatalf("len = %d", s.Len())
	}
	sched.mu.Lock()
	armed := len(sched.resched)
	sched.mu.Unlock()
	if armed != 1 {
		t.Fatal("seed must arm timers")
	}
	pers.mu.Lock()
	upserts := len(pers.upserts)
	pers.mu.Unlock()
	if upserts != 0 {
		t.Fatal("seed must not write back to storage")
	}
}

func titles(evs []event.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Title)
	}
	return out
}
