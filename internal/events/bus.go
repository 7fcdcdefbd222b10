// Package events implements the process-wide publish/subscribe bus that
// connects the capture loop, the orchestrator and the outer transports.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

// Wildcard subscribes a handler to every event name.
const Wildcard = "*"

var (
	ErrQueueFull = errors.New("event queue full")
	ErrStopped   = errors.New("event bus stopped")
)

// Event is immutable once emitted.
type Event struct {
	Name      string    `json:"name"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a plain function to Handler. Function values are not
// comparable, so every HandlerFunc registration creates a new subscription.
type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

// A handler implementing Aliver is dropped once Alive reports false.
type Aliver interface {
	Alive() bool
}

type Subscription struct {
	ID        string
	EventName string
	Source    string
	CreatedAt time.Time

	handler Handler
	alive   atomic.Bool
}

// Cancel marks the subscription dead. It is removed on the next delivery.
func (s *Subscription) Cancel() { s.alive.Store(false) }

func (s *Subscription) Alive() bool {
	if !s.alive.Load() {
		return false
	}
	if a, ok := s.handler.(Aliver); ok {
		return a.Alive()
	}
	return true
}

type SubscriberInfo struct {
	ID        string    `json:"id"`
	EventName string    `json:"event_name"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

type Stats struct {
	Emitted     uint64 `json:"emitted"`
	Processed   uint64 `json:"processed"`
	Dropped     uint64 `json:"dropped"`
	Failures    uint64 `json:"handler_failures"`
	QueueLength int    `json:"queue_length"`
	Subscribers int    `json:"subscribers"`
	Running     bool   `json:"running"`
}

type Options struct {
	QueueSize      int
	EnqueueTimeout time.Duration
	StopTimeout    time.Duration
}

func DefaultOptions() Options {
	return Options{
		QueueSize:      1024,
		EnqueueTimeout: time.Second,
		StopTimeout:    2 * time.Second,
	}
}

type Bus struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	subs map[string][]*Subscription
	byID map[string]*Subscription

	// lifecycle guards running, draining and the dispatcher channels.
	// Emitters hold the read side while enqueueing so Stop never races a
	// send. draining stays set from Stop until the dispatcher has emptied the
	// queue, and queued emits keep going through the queue until then.
	lifecycle sync.RWMutex
	running   bool
	draining  bool
	queue     chan Event
	quit      chan struct{}
	done      chan struct{}

	emitted   atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	failures  atomic.Uint64
}

func New(opts Options, logger *slog.Logger) *Bus {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = def.EnqueueTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = def.StopTimeout
	}
	return &Bus{
		opts:   opts,
		logger: logger.With(slog.String("component", "event-bus")),
		now:    time.Now,
		subs:   make(map[string][]*Subscription),
		byID:   make(map[string]*Subscription),
		queue:  make(chan Event, opts.QueueSize),
	}
}

// Subscribe registers h for name and returns the subscription id. A live
// registration of the same comparable handler value returns the existing id.
func (b *Bus) Subscribe(name string, h Handler, source string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.subs[name] {
		if existing.Alive() && sameHandler(existing.handler, h) {
			return existing.ID
		}
	}

	sub := &Subscription{
		ID:        name + ":" + uuid.NewString(),
		EventName: name,
		Source:    source,
		CreatedAt: b.now(),
		handler:   h,
	}
	sub.alive.Store(true)
	b.subs[name] = append(b.subs[name], sub)
	b.byID[sub.ID] = sub
	b.logger.Debug("subscribed", slog.String("event", name), slog.String("source", source), slog.String("id", sub.ID))
	return sub.ID
}

func (b *Bus) SubscribeFunc(name string, fn func(Event), source string) string {
	return b.Subscribe(name, HandlerFunc(fn), source)
}

// Lookup returns the subscription handle for id.
func (b *Bus) Lookup(id string) (*Subscription, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.byID[id]
	return sub, ok
}

func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	sub.Cancel()
	b.removeLocked(sub)
	return true
}

// UnsubscribeAll removes every subscription registered by source, or all
// subscriptions when source is empty.
func (b *Bus) UnsubscribeAll(source string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for _, sub := range b.byID {
		if source != "" && sub.Source != source {
			continue
		}
		sub.Cancel()
		b.removeLocked(sub)
		removed++
	}
	return removed
}

func (b *Bus) removeLocked(sub *Subscription) {
	delete(b.byID, sub.ID)
	list := b.subs[sub.EventName]
	for i, candidate := range list {
		if candidate == sub {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subs, sub.EventName)
	} else {
		b.subs[sub.EventName] = list
	}
}

// Emit publishes an event. Delivery is synchronous when immediate is set or
// no dispatcher is running or draining; otherwise the event is queued. It
// reports false only when a queued event had to be dropped.
func (b *Bus) Emit(name string, payload any, source string, immediate bool) bool {
	ev := Event{Name: name, Payload: payload, Timestamp: b.now(), Source: source}
	b.emitted.Add(1)

	if immediate {
		b.deliver(ev)
		return true
	}

	err := b.enqueue(ev)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrStopped):
		b.deliver(ev)
		return true
	default:
		b.dropped.Add(1)
		b.logger.Warn("dropping event", slog.String("event", name), slog.String("source", source), slogError(err))
		return false
	}
}

func (b *Bus) enqueue(ev Event) error {
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()
	if !b.running && !b.draining {
		return ErrStopped
	}
	select {
	case b.queue <- ev:
		return nil
	default:
	}
	timer := time.NewTimer(b.opts.EnqueueTimeout)
	defer timer.Stop()
	select {
	case b.queue <- ev:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrQueueFull, b.opts.EnqueueTimeout)
	}
}

// Start launches the dispatcher goroutine. The bus stops when ctx ends. A
// dispatcher left over from a timed-out Stop is waited for, bounded by the
// stop timeout; if it is still busy the bus stays stopped.
func (b *Bus) Start(ctx context.Context) {
	b.lifecycle.Lock()
	if b.running {
		b.lifecycle.Unlock()
		return
	}
	if b.draining {
		done := b.done
		b.lifecycle.Unlock()
		timer := time.NewTimer(b.opts.StopTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			b.logger.Warn("previous event dispatcher still draining, not starting")
			return
		}
		b.lifecycle.Lock()
		if b.running || b.draining {
			b.lifecycle.Unlock()
			return
		}
	}
	b.running = true
	quit := make(chan struct{})
	done := make(chan struct{})
	b.quit = quit
	b.done = done
	b.lifecycle.Unlock()

	go b.dispatch(quit, done)
	go func() {
		select {
		case <-ctx.Done():
			b.Stop()
		case <-quit:
		}
	}()
	b.logger.Info("event bus started", slog.Int("queue_size", b.opts.QueueSize))
}

// Stop drains queued events and waits for the dispatcher for at most the
// configured stop timeout. It reports whether the dispatcher exited in time.
// After a timeout the dispatcher keeps draining, and queued emits still
// land behind earlier events from the same emitter.
func (b *Bus) Stop() bool {
	b.lifecycle.Lock()
	if !b.running {
		b.lifecycle.Unlock()
		return true
	}
	b.running = false
	b.draining = true
	close(b.quit)
	done := b.done
	b.lifecycle.Unlock()

	timer := time.NewTimer(b.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		b.logger.Info("event bus stopped")
		return true
	case <-timer.C:
		b.logger.Warn("event dispatcher did not stop in time", slog.Duration("timeout", b.opts.StopTimeout))
		return false
	}
}

func (b *Bus) Running() bool {
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()
	return b.running
}

func (b *Bus) dispatch(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
		case <-quit:
			b.drain()
			return
		}
	}
}

// drain delivers queued events until the queue is empty with no emitter
// mid-send, then leaves the draining state.
func (b *Bus) drain() {
	for {
		b.ProcessPending()
		b.lifecycle.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.lifecycle.Unlock()
			return
		}
		b.lifecycle.Unlock()
	}
}

// ProcessPending delivers every queued event on the caller's goroutine.
func (b *Bus) ProcessPending() int {
	n := 0
	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
			n++
		default:
			return n
		}
	}
}

// ClearQueue discards queued events without delivering them.
func (b *Bus) ClearQueue() int {
	n := 0
	for {
		select {
		case <-b.queue:
			n++
		default:
			if n > 0 {
				b.dropped.Add(uint64(n))
			}
			return n
		}
	}
}

// WaitFor blocks until an event named name satisfying match is delivered or
// ctx ends. The temporary subscription is always removed.
func (b *Bus) WaitFor(ctx context.Context, name string, match func(Event) bool) (Event, error) {
	ch := make(chan Event, 1)
	id := b.Subscribe(name, HandlerFunc(func(ev Event) {
		if match != nil && !match(ev) {
			return
		}
		select {
		case ch <- ev:
		default:
		}
	}), "wait-for")
	defer b.Unsubscribe(id)

	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[ev.Name])+len(b.subs[Wildcard]))
	targets = append(targets, b.subs[ev.Name]...)
	if ev.Name != Wildcard {
		targets = append(targets, b.subs[Wildcard]...)
	}
	b.mu.RUnlock()

	var dead []*Subscription
	for _, sub := range targets {
		if !sub.Alive() {
			dead = append(dead, sub)
			continue
		}
		b.invoke(sub, ev)
	}
	if len(dead) > 0 {
		b.prune(dead)
	}
	b.processed.Add(1)
}

func (b *Bus) invoke(sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.failures.Add(1)
			b.logger.Error("event handler panicked",
				slog.String("event", ev.Name),
				slog.String("subscription", sub.ID),
				slog.Any("panic", r))
		}
	}()
	sub.handler.HandleEvent(ev)
}

func (b *Bus) prune(dead []*Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range dead {
		if _, ok := b.byID[sub.ID]; ok {
			b.removeLocked(sub)
			b.logger.Debug("pruned dead subscription", slog.String("id", sub.ID))
		}
	}
}

func (b *Bus) Subscribers() []SubscriberInfo {
	b.mu.RLock()
	out := make([]SubscriberInfo, 0, len(b.byID))
	for _, sub := range b.byID {
		out = append(out, SubscriberInfo{
			ID:        sub.ID,
			EventName: sub.EventName,
			Source:    sub.Source,
			CreatedAt: sub.CreatedAt,
		})
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventName != out[j].EventName {
			return out[i].EventName < out[j].EventName
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subscribers := len(b.byID)
	b.mu.RUnlock()
	return Stats{
		Emitted:     b.emitted.Load(),
		Processed:   b.processed.Load(),
		Dropped:     b.dropped.Load(),
		Failures:    b.failures.Load(),
		QueueLength: len(b.queue),
		Subscribers: subscribers,
		Running:     b.Running(),
	}
}

// RegisterMetrics exposes queue depth and delivery counters as observable
// instruments on meter.
func (b *Bus) RegisterMetrics(meter metric.Meter) error {
	queueGauge, err := meter.Int64ObservableGauge("buddy_event_queue_length",
		metric.WithDescription("Events waiting for the dispatcher"))
	if err != nil {
		return err
	}
	subsGauge, err := meter.Int64ObservableGauge("buddy_event_subscribers",
		metric.WithDescription("Live event subscriptions"))
	if err != nil {
		return err
	}
	dropCounter, err := meter.Int64ObservableCounter("buddy_events_dropped_total",
		metric.WithDescription("Events dropped because the queue was full"))
	if err != nil {
		return err
	}
	emitCounter, err := meter.Int64ObservableCounter("buddy_events_emitted_total",
		metric.WithDescription("Events emitted on the bus"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := b.Stats()
		o.ObserveInt64(queueGauge, int64(stats.QueueLength))
		o.ObserveInt64(subsGauge, int64(stats.Subscribers))
		o.ObserveInt64(dropCounter, int64(stats.Dropped))
		o.ObserveInt64(emitCounter, int64(stats.Emitted))
		return nil
	}, queueGauge, subsGauge, dropCounter, emitCounter)
	return err
}

func sameHandler(a, b Handler) bool {
	ta := reflect.TypeOf(a)
	if ta == nil || ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
