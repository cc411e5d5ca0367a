package teamchat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/merchantdesk/teamchat/internal/observability"
)

// DefaultMaxContentLength is the longest accepted message, in runes.
const DefaultMaxContentLength = 4000

// LocalIDPrefix marks ids generated on this side before the store assigns one.
const LocalIDPrefix = "local-"

// NewLocalID returns a fresh optimistic message id.
func NewLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// Dispatcher performs the first delivery attempt of a message and hands
// transient failures to a RetryQueue.
type Dispatcher struct {
	sink             Sink
	queue            *RetryQueue
	bus              *EventBus
	logger           logrus.FieldLogger
	metrics          observability.MetricsCollector
	maxContentLength int
	sending          atomic.Int32

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxContentLength overrides the content length limit, in runes.
func WithMaxContentLength(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxContentLength = n
		}
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l logrus.FieldLogger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDispatcherMetrics sets the metrics collector.
func WithDispatcherMetrics(m observability.MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher that sends through sink and queues
// transient failures on queue. Events go to the queue's bus.
func NewDispatcher(sink Sink, queue *RetryQueue, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sink:             sink,
		queue:            queue,
		bus:              queue.Events(),
		logger:           observability.GetLogger(),
		metrics:          queue.Config().Metrics,
		maxContentLength: DefaultMaxContentLength,
		inFlight:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithField("component", "dispatcher")
	return d
}

type sendOptions struct {
	id         string
	optimistic func(id string, payload Payload)
}

// SendOption customizes a single Send.
type SendOption func(*sendOptions)

// WithMessageID uses id instead of a generated optimistic id.
func WithMessageID(id string) SendOption {
	return func(o *sendOptions) { o.id = id }
}

// WithOptimisticUpdate registers fn to run before the first sink call.
func WithOptimisticUpdate(fn func(id string, payload Payload)) SendOption {
	return func(o *sendOptions) { o.optimistic = fn }
}

// Validate checks dest and payload without sending.
func (d *Dispatcher) Validate(dest Destination, payload Payload) error {
	if strings.TrimSpace(dest.ChannelID) == "" {
		return ErrNoDestination
	}
	if strings.TrimSpace(payload.Content) == "" {
		return ErrEmptyContent
	}
	if n := utf8.RuneCountInString(payload.Content); n > d.maxContentLength {
		return fmt.Errorf("%w: %d > %d", ErrContentTooLong, n, d.maxContentLength)
	}
	return nil
}

// Send validates payload, applies the optimistic update, and performs the
// first attempt synchronously.
//
// A success returns the confirmed record. A transient failure returns
// Success=false, queues the message for retry and reports its outcome on the
// event bus. A permanent or validation failure is not queued. Reusing an id
// that is still being delivered returns ErrDuplicateID without any event.
func (d *Dispatcher) Send(ctx context.Context, dest Destination, payload Payload, opts ...SendOption) SendResult {
	var so sendOptions
	for _, opt := range opts {
		opt(&so)
	}

	if err := d.Validate(dest, payload); err != nil {
		return SendResult{Err: err}
	}

	id := so.id
	if id == "" {
		id = NewLocalID()
	}
	if !d.reserve(id) {
		return SendResult{ID: id, Err: ErrDuplicateID}
	}
	defer d.release(id)

	payload = payload.clone()
	if payload.CreatedAt.IsZero() {
		payload.CreatedAt = time.Now().UTC()
	}
	log := d.logger.WithFields(logrus.Fields{"message_id": id, "channel_id": dest.ChannelID})

	if so.optimistic != nil {
		so.optimistic(id, payload.clone())
	}
	d.bus.Publish(DeliveryEvent{Kind: EventOptimistic, ID: id, Destination: dest, Payload: payload.clone()})
	d.metrics.IncSent()

	d.sending.Add(1)
	rec, err := d.sink.Insert(ctx, dest, OutgoingMessage{ClientID: id, Payload: payload.clone()})
	d.sending.Add(-1)

	if err == nil {
		serverID := id
		if rec != nil && rec.ID != "" {
			serverID = rec.ID
		}
		d.bus.Publish(DeliveryEvent{Kind: EventConfirmed, ID: id, Destination: dest, Payload: payload, Record: rec, Attempts: 1})
		d.metrics.IncConfirmed()
		log.WithField("server_id", serverID).Debug("message delivered")
		return SendResult{Success: true, ID: serverID, ClientID: id, Record: rec}
	}

	if IsPermanent(err) {
		d.fail(dest, id, payload, err)
		log.WithError(err).Warn("message rejected")
		return SendResult{ID: id, ClientID: id, Err: err}
	}

	pending := PendingMessage{
		ID:            id,
		Destination:   dest,
		Payload:       payload,
		Attempts:      1,
		LastAttemptAt: time.Now(),
		Status:        StatusQueued,
		LastError:     err.Error(),
	}
	if qerr := d.queue.Enqueue(pending); qerr != nil {
		werr := fmt.Errorf("%w: %v", qerr, err)
		d.fail(dest, id, payload, werr)
		log.WithError(werr).Warn("message could not be queued for retry")
		return SendResult{ID: id, ClientID: id, Err: werr}
	}
	log.WithError(err).Info("send failed, queued for retry")
	return SendResult{ID: id, ClientID: id, Err: err}
}

// reserve claims id for a first attempt. It fails while id is in a first
// attempt or in the retry queue.
func (d *Dispatcher) reserve(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inFlight[id]; busy || d.queue.Contains(id) {
		return false
	}
	d.inFlight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	delete(d.inFlight, id)
	d.mu.Unlock()
}

func (d *Dispatcher) fail(dest Destination, id string, payload Payload, err error) {
	d.bus.Publish(DeliveryEvent{Kind: EventFailed, ID: id, Destination: dest, Payload: payload, Attempts: 1, Err: err})
	d.metrics.IncFailed()
}

// Cancel removes a pending message. See RetryQueue.Cancel.
func (d *Dispatcher) Cancel(id string) bool {
	return d.queue.Cancel(id)
}

// Pending returns the queued messages keyed by optimistic id.
func (d *Dispatcher) Pending() map[string]PendingMessage {
	return d.queue.Pending()
}

// IsSending reports whether a first attempt is in flight.
func (d *Dispatcher) IsSending() bool {
	return d.sending.Load() > 0
}

// Queue returns the retry queue.
func (d *Dispatcher) Queue() *RetryQueue {
	return d.queue
}

// Events returns the bus delivery events are published to.
func (d *Dispatcher) Events() *EventBus {
	return d.bus
}
