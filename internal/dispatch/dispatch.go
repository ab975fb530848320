// Package dispatch delivers fired reminders to the user.
//
// Delivery runs through an async pipeline (bounded queue, worker pool, rate
// limit) so a slow transport never blocks reminder timers. Delivery is gated
// by a one-time, process-wide permission check; firings that arrive while
// permission is missing are recorded and dropped — permission loss is
// terminal for that firing, there is no re-delivery.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"commsched/internal/event"
	"commsched/internal/eventbus"
	logx "commsched/pkg/logx"
)

var (
	ErrQueueFull        = errors.New("dispatch: queue full")
	ErrStopped          = errors.New("dispatch: stopped")
	ErrPermissionDenied = errors.New("dispatch: permission not granted")
)

type Config struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	RatePerSec  int
	HistorySize int
}

// Delivery is one completed (or failed) channel send, kept for status views.
type Delivery struct {
	At      time.Time
	Channel string
	EventID string
	Error   string
}

// DroppedFiring records a reminder that fired without delivery permission.
type DroppedFiring struct {
	At          time.Time
	EventID     string
	ReminderID  string
	LeadMinutes int
}

type job struct {
	alert Alert
	typ   event.ReminderType
}

type Dispatcher struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	clock    event.Clock
	resolver Resolver

	alertCh Channel // visual alert transport (reminder types notification, both)
	mailCh  Channel // email transport (reminder types email, both)

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	queue     chan job

	// sendWG counts in-flight enqueues; Stop waits for it before closing
	// the queue so a timer firing mid-shutdown never hits a closed channel.
	sendWG sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// permission cache: process-wide, set once by RequestPermission or the host.
	permKnown bool
	granted   bool

	hmu           sync.Mutex
	history       []Delivery
	undeliverable []DroppedFiring
}

func New(cfg Config, alertCh, mailCh Channel, resolver Resolver, clock event.Clock, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if clock == nil {
		clock = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if resolver == nil {
		resolver = IdentityResolver{}
	}
	d := &Dispatcher{
		log:      log,
		bus:      bus,
		clock:    clock,
		resolver: resolver,
		alertCh:  alertCh,
		mailCh:   mailCh,
	}
	d.applyLocked(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	// Defaults
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}
	d.cfg = cfg
	// Burst equals the per-second rate, so a short spike drains within a second.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.queue != nil || !d.cfg.Enabled {
		d.mu.Unlock()
		return
	}
	d.queue = make(chan job, d.cfg.QueueSize)
	d.accepting = true
	d.runCtx, d.runCancel = context.WithCancel(ctx)
	workers := d.cfg.Workers
	q := d.queue
	runCtx := d.runCtx
	d.mu.Unlock()

	for i := 0; i < workers; i++ {
		d.workerWG.Add(1)
		go func() {
			defer d.workerWG.Done()
			d.workerLoop(runCtx, q)
		}()
	}
	d.log.Info("dispatcher started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queue best-effort until ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	q := d.queue
	cancel := d.runCancel
	if q == nil {
		d.mu.Unlock()
		return
	}
	d.accepting = false
	d.queue = nil
	d.runCancel = nil
	d.runCtx = nil
	d.mu.Unlock()

	// Enqueuers register with sendWG under the mutex while accepting is
	// still true, so after the Wait no send on q can be in flight.
	d.sendWG.Wait()
	close(q)

	done := make(chan struct{})
	go func() {
		d.workerWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
	if cancel != nil {
		cancel()
	}
	d.log.Info("dispatcher stopped")
}

// RequestPermission performs the one-time permission handshake by probing
// the alert channel. The result is cached process-wide; later calls return
// the cached answer without probing again.
func (d *Dispatcher) RequestPermission(ctx context.Context) bool {
	d.mu.Lock()
	if d.permKnown {
		granted := d.granted
		d.mu.Unlock()
		return granted
	}
	ch := d.alertCh
	d.mu.Unlock()

	granted := false
	if ch != nil {
		if err := ch.Probe(ctx); err != nil {
			d.log.Warn("alert channel probe failed, notifications disabled",
				logx.String("channel", ch.Name()), logx.Err(err))
		} else {
			granted = true
		}
	}

	d.mu.Lock()
	d.permKnown = true
	d.granted = granted
	d.mu.Unlock()
	return granted
}

// SetPermission lets the host decide the permission outcome directly
// (e.g. a UI that owns the user-facing prompt).
func (d *Dispatcher) SetPermission(granted bool) {
	d.mu.Lock()
	d.permKnown = true
	d.granted = granted
	d.mu.Unlock()
}

// Dispatch enqueues one fired reminder for delivery. It never blocks.
//
// Without permission the firing is recorded as undeliverable and dropped;
// no error is surfaced to the timer path (policy: reminders are single-shot
// regardless of delivery outcome).
func (d *Dispatcher) Dispatch(ev event.Event, rem event.Reminder) {
	now := d.clock()

	d.mu.Lock()
	granted := d.permKnown && d.granted
	var q chan job
	if granted && d.accepting && d.queue != nil {
		q = d.queue
		d.sendWG.Add(1)
	}
	d.mu.Unlock()

	if !granted {
		d.recordUndeliverable(DroppedFiring{
			At:          now,
			EventID:     ev.ID,
			ReminderID:  rem.ID,
			LeadMinutes: rem.MinutesBefore,
		})
		d.publish(eventbus.TypeNotifyDenied, ev.ID, "", ErrPermissionDenied.Error())
		return
	}
	if q == nil {
		d.log.Warn("dispatch while stopped, dropping", logx.String("event_id", ev.ID))
		return
	}
	defer d.sendWG.Done()

	j := job{alert: renderAlert(d.resolver, ev, rem, now), typ: rem.Type}
	select {
	case q <- j:
	default:
		d.log.Warn("dispatch queue full, dropping", logx.String("event_id", ev.ID))
		d.publish(eventbus.TypeNotifyFailed, ev.ID, "", ErrQueueFull.Error())
	}
}

// Announce pushes a free-form message (digest, overdue notice) through the
// alert channel. Same permission gate and queue as reminder firings.
func (d *Dispatcher) Announce(text string) error {
	d.mu.Lock()
	granted := d.permKnown && d.granted
	var q chan job
	if granted && d.accepting && d.queue != nil {
		q = d.queue
		d.sendWG.Add(1)
	}
	d.mu.Unlock()

	if !granted {
		return ErrPermissionDenied
	}
	if q == nil {
		return ErrStopped
	}
	defer d.sendWG.Done()
	j := job{alert: Alert{Body: text, At: d.clock()}, typ: event.ReminderNotification}
	select {
	case q <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) workerLoop(runCtx context.Context, q chan job) {
	for j := range q {
		select {
		case <-runCtx.Done():
			return
		default:
		}
		d.deliver(runCtx, j)
	}
}

func (d *Dispatcher) deliver(runCtx context.Context, j job) {
	d.mu.Lock()
	lim := d.limiter
	alertCh := d.alertCh
	mailCh := d.mailCh
	d.mu.Unlock()

	var chans []Channel
	switch j.typ {
	case event.ReminderEmail:
		chans = append(chans, mailCh)
	case event.ReminderNotification:
		chans = append(chans, alertCh)
	case event.ReminderBoth:
		chans = append(chans, alertCh, mailCh)
	}

	for _, ch := range chans {
		if ch == nil {
			continue
		}
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		err := send(runCtx, ch, j.alert)

		item := Delivery{At: d.clock(), Channel: ch.Name(), EventID: j.alert.EventID}
		if err != nil {
			item.Error = err.Error()
			d.log.Warn("delivery failed",
				logx.String("channel", ch.Name()),
				logx.String("event_id", j.alert.EventID),
				logx.Err(err))
			d.publish(eventbus.TypeNotifyFailed, j.alert.EventID, ch.Name(), err.Error())
		} else {
			d.log.Debug("delivered",
				logx.String("channel", ch.Name()),
				logx.String("event_id", j.alert.EventID),
				logx.Int("lead_minutes", j.alert.LeadMinutes))
			d.publish(eventbus.TypeNotifySent, j.alert.EventID, ch.Name(), "")
		}
		d.appendHistory(item)
	}
}

// send makes one delivery attempt plus one quick retry; transports flake.
// Each attempt gets its own timeout so a slow first call cannot starve the
// retry of budget.
func send(runCtx context.Context, ch Channel, a Alert) error {
	attempt := func() error {
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		defer cancel()
		return ch.Deliver(callCtx, a)
	}
	err := attempt()
	if err == nil {
		return nil
	}
	select {
	case <-runCtx.Done():
		return err
	case <-time.After(500 * time.Millisecond):
	}
	return attempt()
}

func (d *Dispatcher) appendHistory(item Delivery) {
	d.mu.Lock()
	limit := d.cfg.HistorySize
	d.mu.Unlock()

	d.hmu.Lock()
	d.history = append(d.history, item)
	if len(d.history) > limit {
		d.history = d.history[len(d.history)-limit:]
	}
	d.hmu.Unlock()
}

func (d *Dispatcher) recordUndeliverable(f DroppedFiring) {
	d.mu.Lock()
	limit := d.cfg.HistorySize
	d.mu.Unlock()

	d.hmu.Lock()
	d.undeliverable = append(d.undeliverable, f)
	if len(d.undeliverable) > limit {
		d.undeliverable = d.undeliverable[len(d.undeliverable)-limit:]
	}
	d.hmu.Unlock()
}

// History returns recent delivery attempts, oldest first.
func (d *Dispatcher) History() []Delivery {
	d.hmu.Lock()
	out := append([]Delivery(nil), d.history...)
	d.hmu.Unlock()
	return out
}

// Undeliverable returns firings dropped for lack of permission.
func (d *Dispatcher) Undeliverable() []DroppedFiring {
	d.hmu.Lock()
	out := append([]DroppedFiring(nil), d.undeliverable...)
	d.hmu.Unlock()
	return out
}

func (d *Dispatcher) publish(typ, eventID, channel, errText string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: Delivery{
		At:      d.clock(),
		Channel: channel,
		EventID: eventID,
		Error:   errText,
	}})
}
