package teamchat

import (
	"sync"
	"time"

	"github.com/merchantdesk/teamchat/internal/observability"
)

// EventKind identifies a delivery lifecycle event.
type EventKind string

const (
	EventOptimistic EventKind = "optimistic"
	EventRetrying   EventKind = "retrying"
	EventConfirmed  EventKind = "confirmed"
	EventFailed     EventKind = "failed"
	EventCancelled  EventKind = "cancelled"
)

// Terminal reports whether no further events follow for the same message.
func (k EventKind) Terminal() bool {
	switch k {
	case EventConfirmed, EventFailed, EventCancelled:
		return true
	}
	return false
}

// DeliveryEvent reports a state change of one message. ID is always the
// optimistic id; Record carries the server row on EventConfirmed.
type DeliveryEvent struct {
	Kind        EventKind
	ID          string
	Destination Destination
	Payload     Payload
	Record      *MessageRecord
	Attempts    int
	Err         error
	At          time.Time
}

// DefaultEventBuffer is the subscriber buffer used when none is given.
const DefaultEventBuffer = 64

// DefaultStallTimeout is how long Publish waits on a full subscriber buffer
// before dropping that subscriber.
const DefaultStallTimeout = 5 * time.Second

// EventBus fans delivery events out to subscribers. Publish waits while a
// subscriber's buffer is full, so a subscriber never sees a gap or a reorder.
// A subscriber that stays full for the stall timeout is unsubscribed: its
// stream is closed and publishing continues for everyone else.
type EventBus struct {
	mu           sync.RWMutex
	subs         map[uint64]*subscriber
	nextID       uint64
	closed       bool
	stallTimeout time.Duration
}

type subscriber struct {
	ch   chan DeliveryEvent
	done chan struct{}
	once sync.Once
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithStallTimeout overrides DefaultStallTimeout.
func WithStallTimeout(d time.Duration) EventBusOption {
	return func(b *EventBus) {
		if d > 0 {
			b.stallTimeout = d
		}
	}
}

// NewEventBus creates an empty bus.
func NewEventBus(opts ...EventBusOption) *EventBus {
	b := &EventBus{subs: make(map[uint64]*subscriber), stallTimeout: DefaultStallTimeout}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns an event stream and its teardown. The stream is closed by
// the teardown or by Close.
func (b *EventBus) Subscribe(buffer int) (<-chan DeliveryEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	sub := &subscriber{
		ch:   make(chan DeliveryEvent, buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() { b.remove(id, sub) }
}

func (b *EventBus) remove(id uint64, sub *subscriber) {
	sub.once.Do(func() {
		// Release publishers blocked on this subscriber before taking the write lock.
		close(sub.done)
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(sub.ch)
	})
}

// Publish delivers ev to every current subscriber.
func (b *EventBus) Publish(ev DeliveryEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	var stalled map[uint64]*subscriber

	b.mu.RLock()
	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		case <-sub.done:
			continue
		default:
		}
		timer := time.NewTimer(b.stallTimeout)
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-timer.C:
			if stalled == nil {
				stalled = make(map[uint64]*subscriber)
			}
			stalled[id] = sub
		}
		timer.Stop()
	}
	b.mu.RUnlock()

	for id, sub := range stalled {
		observability.WithField("component", "events").
			WithField("stall_timeout", b.stallTimeout.String()).
			Warn("dropping delivery event subscriber that stopped reading")
		b.remove(id, sub)
	}
}

// Close closes every subscriber stream. Later subscriptions get a closed stream.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() {
			close(sub.done)
			close(sub.ch)
		})
	}
}
