package osdp

import (
	"sync"
	"sync/atomic"
)

// defaultSubscriberBuffer bounds each subscriber's queue so a slow
// consumer can never stall polling.
const defaultSubscriberBuffer = 64

// Topic is a typed, at-least-once, best-effort publish/subscribe channel.
// Publish never blocks: a full subscriber queue drops its oldest queued
// event and counts the drop, rather than backing up into the bus.
type Topic[T any] struct {
	mu      sync.Mutex
	subs    map[uint64]chan T
	nextID  uint64
	buffer  int
	dropped atomic.Uint64
	metrics *Metrics
	stream  string
}

// NewTopic constructs a Topic whose subscriber channels hold at most
// buffer pending events.
func NewTopic[T any](buffer int) *Topic[T] {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Topic[T]{subs: make(map[uint64]chan T), buffer: buffer}
}

// Subscribe returns a receive channel and a disposable unsubscribe
// function; dropping (calling) it ends delivery to that subscriber.
func (t *Topic[T]) Subscribe() (<-chan T, func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	ch := make(chan T, t.buffer)
	t.subs[id] = ch
	t.mu.Unlock()

	unsubscribe := func() {
		t.mu.Lock()
		if existing, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(existing)
		}
		t.mu.Unlock()
	}
	return ch, unsubscribe
}

// SetMetrics attaches a Metrics collector that this topic's drops are
// observed into, labeled as stream; nil disables observation.
func (t *Topic[T]) SetMetrics(m *Metrics, stream string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
	t.stream = stream
}

// Publish fans v out to every current subscriber, never blocking the
// caller. A full subscriber queue has its oldest entry evicted to make
// room; the eviction is counted in DroppedCount. Publish holds t.mu for
// its whole pass: every send below is a non-blocking select, so this
// never stalls, and it keeps Unsubscribe's channel close from racing a
// send into that same channel.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		select {
		case <-ch:
			t.dropped.Add(1)
			t.observeDropLocked()
		default:
		}
		select {
		case ch <- v:
		default:
			t.dropped.Add(1)
			t.observeDropLocked()
		}
	}
}

func (t *Topic[T]) observeDropLocked() {
	if t.metrics != nil {
		t.metrics.ObserveDroppedEvent(t.stream)
	}
}

// DroppedCount returns the cumulative number of events evicted due to
// subscriber backpressure.
func (t *Topic[T]) DroppedCount() uint64 { return t.dropped.Load() }

// SubscriberCount reports the current number of live subscriptions.
func (t *Topic[T]) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// EventRouter fans card reads, PIN completions, status, and
// security-mode changes out to subscribers. It starts no goroutine of its
// own: Publish runs on the caller's goroutine (a Bus or PinCollector
// callback) and never blocks it, and each subscriber drains its bounded
// channel on its own goroutine.
type EventRouter struct {
	CardReads       *Topic[CardReadEvent]
	PinDigits       *Topic[PinDigitEvent]
	PinReads        *Topic[PinReadEvent]
	Status          *Topic[StatusChanged]
	SecurityChanges *Topic[SecurityModeChange]
}

// NewEventRouter constructs a router whose five topics each buffer up to
// bufferSize pending events per subscriber.
func NewEventRouter(bufferSize int) *EventRouter {
	return &EventRouter{
		CardReads:       NewTopic[CardReadEvent](bufferSize),
		PinDigits:       NewTopic[PinDigitEvent](bufferSize),
		PinReads:        NewTopic[PinReadEvent](bufferSize),
		Status:          NewTopic[StatusChanged](bufferSize),
		SecurityChanges: NewTopic[SecurityModeChange](bufferSize),
	}
}

// SetMetrics attaches m to every topic, each observing its drops under a
// distinct stream label; nil disables observation.
func (r *EventRouter) SetMetrics(m *Metrics) {
	r.CardReads.SetMetrics(m, "card_reads")
	r.PinDigits.SetMetrics(m, "pin_digits")
	r.PinReads.SetMetrics(m, "pin_reads")
	r.Status.SetMetrics(m, "status")
	r.SecurityChanges.SetMetrics(m, "security_changes")
}
