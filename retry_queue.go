package teamchat

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/merchantdesk/teamchat/internal/observability"
)

const (
	// MaxAttempts bounds the total sink calls per message, the first send included.
	MaxAttempts = 3
	// DefaultMinSpacing separates consecutive queue attempts even after a success.
	DefaultMinSpacing = time.Second
	// DefaultQueueCapacity bounds the number of pending messages.
	DefaultQueueCapacity = 1000
)

// RetryConfig tunes a RetryQueue. Zero fields take the defaults.
type RetryConfig struct {
	MaxAttempts int
	Backoff     Backoff
	MinSpacing  time.Duration
	Capacity    int
	// AttemptTimeout bounds a single sink call. Zero leaves it to the sink.
	AttemptTimeout time.Duration
	Logger         logrus.FieldLogger
	Metrics        observability.MetricsCollector
}

func (c *RetryConfig) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = MaxAttempts
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = DefaultBaseDelay
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = DefaultMaxDelay
	}
	if c.MinSpacing <= 0 {
		c.MinSpacing = DefaultMinSpacing
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultQueueCapacity
	}
	if c.Logger == nil {
		c.Logger = observability.GetLogger()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewInMemoryMetrics()
	}
}

// RetryQueue re-attempts failed sends in FIFO order, one at a time.
//
// Only the head is ever attempted. It is eligible once Backoff.Delay(attempts)
// has passed since its last attempt and MinSpacing has passed since the
// previous queue attempt finished. All attempts run on the queue's own timer
// goroutine so callers of Enqueue and Cancel never wait on a sink.
type RetryQueue struct {
	sink   Sink
	bus    *EventBus
	cfg    RetryConfig
	logger logrus.FieldLogger

	mu         sync.Mutex
	items      []*PendingMessage
	processing bool
	online     bool
	closed     bool
	timer      *time.Timer
	notBefore  time.Time

	// Events are numbered under mu and published in that order without holding mu.
	emitMu   sync.Mutex
	emitCond *sync.Cond
	emitSeq  uint64
	emitNext uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRetryQueue creates an online, empty queue that retries through sink and
// reports to bus.
func NewRetryQueue(sink Sink, bus *EventBus, cfg RetryConfig) *RetryQueue {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	q := &RetryQueue{
		sink:   sink,
		bus:    bus,
		cfg:    cfg,
		logger: cfg.Logger.WithField("component", "retry_queue"),
		online: true,
		ctx:    ctx,
		cancel: cancel,
	}
	q.emitCond = sync.NewCond(&q.emitMu)
	return q
}

// Events returns the bus the queue publishes to.
func (q *RetryQueue) Events() *EventBus {
	return q.bus
}

// Config returns the effective configuration.
func (q *RetryQueue) Config() RetryConfig {
	return q.cfg
}

// Enqueue appends msg after its first failed attempt. msg.Attempts must count
// that attempt and stay below MaxAttempts; a value under 1 is taken as 1. An
// EventRetrying is published for it.
func (q *RetryQueue) Enqueue(msg PendingMessage) error {
	q.mu.Lock()
	switch {
	case q.closed:
		q.mu.Unlock()
		return ErrQueueClosed
	case msg.Attempts >= q.cfg.MaxAttempts:
		q.mu.Unlock()
		return ErrAttemptsExhausted
	case len(q.items) >= q.cfg.Capacity:
		q.mu.Unlock()
		return ErrQueueFull
	case q.indexLocked(msg.ID) >= 0:
		q.mu.Unlock()
		return ErrDuplicateID
	}

	item := msg
	item.Payload = msg.Payload.clone()
	item.Status = StatusQueued
	if item.Attempts < 1 {
		item.Attempts = 1
	}
	if item.LastAttemptAt.IsZero() {
		item.LastAttemptAt = time.Now()
	}
	q.items = append(q.items, &item)
	if len(q.items) == 1 && !q.processing {
		q.scheduleLocked(0)
	}
	ev := q.eventLocked(EventRetrying, &item, nil, nil)
	q.logger.WithFields(logrus.Fields{
		"message_id": item.ID,
		"attempts":   item.Attempts,
		"queued":     len(q.items),
	}).Info("message queued for retry")
	q.publishUnlock(ev)

	q.cfg.Metrics.IncRetried()
	return nil
}

// Cancel removes id from the queue. It returns false if id is not pending.
// After Cancel returns no further attempt for id starts, and the outcome of an
// attempt already in flight is discarded.
func (q *RetryQueue) Cancel(id string) bool {
	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	item := q.items[idx]
	q.removeLocked(idx)
	item.Status = StatusCancelled

	if !q.processing {
		if len(q.items) == 0 {
			q.stopTimerLocked()
		} else if idx == 0 {
			// The timer was armed for the removed head.
			q.scheduleLocked(0)
		}
	}
	ev := q.eventLocked(EventCancelled, item, nil, nil)
	q.logger.WithField("message_id", id).Info("pending message cancelled")
	q.publishUnlock(ev)

	q.cfg.Metrics.IncCancelled()
	return true
}

// SetOnline pauses (false) or resumes (true) processing. An attempt already
// in flight is not interrupted.
func (q *RetryQueue) SetOnline(online bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.online == online || q.closed {
		return
	}
	q.online = online
	if online {
		q.logger.WithField("queued", len(q.items)).Info("retry queue resumed")
		if len(q.items) > 0 && !q.processing {
			q.scheduleLocked(0)
		}
		return
	}
	q.logger.WithField("queued", len(q.items)).Info("retry queue paused")
	q.stopTimerLocked()
}

// Online reports whether the queue is processing.
func (q *RetryQueue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Pending returns a snapshot of queued messages keyed by id.
func (q *RetryQueue) Pending() map[string]PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]PendingMessage, len(q.items))
	for _, item := range q.items {
		cp := *item
		cp.Payload = item.Payload.clone()
		out[item.ID] = cp
	}
	return out
}

// Contains reports whether id is queued or in a retry attempt.
func (q *RetryQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexLocked(id) >= 0
}

// Len returns the number of queued messages.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Attempting reports whether a queue attempt is in flight.
func (q *RetryQueue) Attempting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Close stops processing and cancels the context of an in-flight attempt.
// Queued messages are dropped without events.
func (q *RetryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.stopTimerLocked()
	q.cancel()
	if n := len(q.items); n > 0 {
		q.logger.WithField("dropped", n).Warn("retry queue closed with pending messages")
	}
	q.items = nil
}

// ============================================================================
// Processing
// ============================================================================

func (q *RetryQueue) process() {
	q.mu.Lock()
	if q.processing || q.closed || !q.online || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}

	now := time.Now()
	if wait := q.notBefore.Sub(now); wait > 0 {
		q.scheduleLocked(wait)
		q.mu.Unlock()
		return
	}
	head := q.items[0]
	if wait := q.cfg.Backoff.Delay(head.Attempts) - now.Sub(head.LastAttemptAt); wait > 0 {
		q.scheduleLocked(wait)
		q.mu.Unlock()
		return
	}

	q.processing = true
	q.stopTimerLocked()
	head.Status = StatusAttempting
	id, dest := head.ID, head.Destination
	msg := OutgoingMessage{ClientID: head.ID, Payload: head.Payload.clone()}
	q.mu.Unlock()

	ctx := q.ctx
	if q.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.AttemptTimeout)
		defer cancel()
	}
	rec, err := q.sink.Insert(ctx, dest, msg)
	q.complete(id, rec, err)
}

func (q *RetryQueue) complete(id string, rec *MessageRecord, err error) {
	q.mu.Lock()
	q.processing = false
	now := time.Now()
	q.notBefore = now.Add(q.cfg.MinSpacing)

	idx := q.indexLocked(id)
	if idx < 0 {
		q.logger.WithField("message_id", id).Debug("discarding result of cancelled attempt")
		q.scheduleNextLocked()
		q.mu.Unlock()
		return
	}

	item := q.items[idx]
	item.Attempts++
	item.LastAttemptAt = now
	log := q.logger.WithFields(logrus.Fields{"message_id": id, "attempts": item.Attempts})

	var ev DeliveryEvent
	switch {
	case err == nil:
		q.removeLocked(idx)
		item.Status = StatusDelivered
		item.LastError = ""
		ev = q.eventLocked(EventConfirmed, item, rec, nil)
		log.Info("queued message delivered")
		q.cfg.Metrics.IncConfirmed()
	case IsPermanent(err) || item.Attempts >= q.cfg.MaxAttempts:
		q.removeLocked(idx)
		item.Status = StatusFailed
		item.LastError = err.Error()
		ev = q.eventLocked(EventFailed, item, nil, err)
		log.WithError(err).Warn("message delivery failed permanently")
		q.cfg.Metrics.IncFailed()
	default:
		item.Status = StatusQueued
		item.LastError = err.Error()
		ev = q.eventLocked(EventRetrying, item, nil, err)
		log.WithError(err).Info("retry attempt failed")
		q.cfg.Metrics.IncRetried()
	}

	q.scheduleNextLocked()
	q.publishUnlock(ev)
}

func (q *RetryQueue) scheduleNextLocked() {
	if q.closed || !q.online || len(q.items) == 0 {
		q.stopTimerLocked()
		return
	}
	q.scheduleLocked(q.cfg.MinSpacing)
}

func (q *RetryQueue) scheduleLocked(d time.Duration) {
	if q.closed {
		return
	}
	q.stopTimerLocked()
	q.timer = time.AfterFunc(d, q.process)
}

func (q *RetryQueue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *RetryQueue) indexLocked(id string) int {
	for i, item := range q.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (q *RetryQueue) removeLocked(idx int) {
	copy(q.items[idx:], q.items[idx+1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
}

func (q *RetryQueue) eventLocked(kind EventKind, item *PendingMessage, rec *MessageRecord, err error) DeliveryEvent {
	return DeliveryEvent{
		Kind:        kind,
		ID:          item.ID,
		Destination: item.Destination,
		Payload:     item.Payload.clone(),
		Record:      rec,
		Attempts:    item.Attempts,
		Err:         err,
	}
}

// publishUnlock releases mu and publishes ev after every event sequenced before it.
func (q *RetryQueue) publishUnlock(ev DeliveryEvent) {
	seq := q.emitSeq
	q.emitSeq++
	q.mu.Unlock()

	q.emitMu.Lock()
	defer q.emitMu.Unlock()
	for q.emitNext != seq {
		q.emitCond.Wait()
	}
	if q.bus != nil {
		q.bus.Publish(ev)
	}
	q.emitNext++
	q.emitCond.Broadcast()
}
