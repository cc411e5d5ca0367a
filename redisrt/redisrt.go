// Package redisrt is a teamchat.Transport over Redis pub/sub.
//
// Each topic is a pub/sub channel carrying JSON envelopes. Presence lives in
// the hash PresenceKey(topic), one field per participant; writers publish a
// presence notice after changing it and every subscriber reloads the hash.
package redisrt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/merchantdesk/teamchat"
	"github.com/merchantdesk/teamchat/internal/observability"
)

const (
	eventMessage  = "message"
	eventPresence = "presence"

	statusBuffer = 32
)

// Envelope is the pub/sub wire format.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PresenceKey returns the hash holding presence for topic.
func PresenceKey(topic string) string {
	return "presence:" + topic
}

// ============================================================================
// Transport
// ============================================================================

// Transport opens channels on a Redis server.
type Transport struct {
	client      redis.UniversalClient
	backoff     teamchat.Backoff
	maxAttempts int
	logger      logrus.FieldLogger
}

var _ teamchat.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithBackoff sets the delay between resubscribe attempts.
func WithBackoff(b teamchat.Backoff) Option {
	return func(t *Transport) { t.backoff = b }
}

// WithMaxReconnectAttempts bounds resubscribe attempts after a failure.
func WithMaxReconnectAttempts(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(t *Transport) { t.logger = l }
}

// New creates a transport using client.
func New(client redis.UniversalClient, opts ...Option) *Transport {
	t := &Transport{
		client:      client,
		backoff:     teamchat.DefaultBackoff(),
		maxAttempts: teamchat.MaxReconnectAttempts,
		logger:      observability.GetLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithField("component", "redisrt")
	return t
}

// Subscribe implements teamchat.Transport. The subscription outcome arrives
// on the channel's Status stream.
func (t *Transport) Subscribe(_ context.Context, topic string, opts teamchat.ChannelOptions) (teamchat.Channel, error) {
	if topic == "" {
		return nil, errors.New("redisrt: topic is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch := &channel{
		transport: t,
		topic:     topic,
		opts:      opts,
		channelID: filterChannelID(opts.Filter),
		pubsub:    t.client.Subscribe(ctx, topic),
		cancel:    cancel,
		done:      make(chan struct{}),
		statusCh:  make(chan teamchat.ChannelStatus, statusBuffer),
		logger:    t.logger.WithField("topic", topic),
		presence:  make(teamchat.PresenceMap),
	}
	go ch.run(ctx)
	return ch, nil
}

// Publish delivers rec to the subscribers of topic.
func (t *Transport) Publish(ctx context.Context, topic string, rec teamchat.MessageRecord) error {
	data, err := encode(eventMessage, rec)
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, topic, data).Err()
}

// Sink wraps next so every stored message is also published on its
// conversation topic. A publish failure is logged and does not fail the insert.
func (t *Transport) Sink(next teamchat.Sink) teamchat.Sink {
	return teamchat.SinkFunc(func(ctx context.Context, dest teamchat.Destination, msg teamchat.OutgoingMessage) (*teamchat.MessageRecord, error) {
		rec, err := next.Insert(ctx, dest, msg)
		if err != nil || rec == nil {
			return rec, err
		}
		if perr := t.Publish(ctx, teamchat.ConversationTopic(dest.ChannelID), *rec); perr != nil {
			t.logger.WithError(perr).WithField("message_id", rec.ID).Warn("failed to publish stored message")
		}
		return rec, nil
	})
}

func encode(event string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// filterChannelID extracts the conversation from a "channel_id=eq.<id>" filter.
func filterChannelID(filter string) string {
	const prefix = "channel_id=eq."
	if strings.HasPrefix(filter, prefix) {
		return strings.TrimPrefix(filter, prefix)
	}
	return ""
}

// ============================================================================
// channel
// ============================================================================

type channel struct {
	transport *Transport
	topic     string
	opts      teamchat.ChannelOptions
	channelID string
	pubsub    *redis.PubSub
	cancel    context.CancelFunc
	done      chan struct{}
	statusCh  chan teamchat.ChannelStatus
	logger    logrus.FieldLogger

	mu        sync.Mutex
	closed    bool
	joined    bool
	tracked   *teamchat.PresenceState
	presence  teamchat.PresenceMap
	onSync    []func(teamchat.PresenceMap)
	onMessage []func(teamchat.MessageRecord)
}

func (c *channel) Topic() string {
	return c.topic
}

func (c *channel) Status() <-chan teamchat.ChannelStatus {
	return c.statusCh
}

func (c *channel) Presence() teamchat.PresenceMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence.Clone()
}

func (c *channel) OnSync(fn func(teamchat.PresenceMap)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSync = append(c.onSync, fn)
}

func (c *channel) OnMessage(fn func(teamchat.MessageRecord)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

// Track writes state to the presence hash. Before the subscription is
// confirmed it is stored and written on SUBSCRIBED.
func (c *channel) Track(ctx context.Context, state teamchat.PresenceState) error {
	if c.opts.PresenceKey == "" {
		return errors.New("redisrt: channel has no presence key")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return teamchat.ErrChannelClosed
	}
	st := state
	c.tracked = &st
	joined := c.joined
	c.mu.Unlock()

	if !joined {
		return nil
	}
	return c.writePresence(ctx, &state)
}

// writePresence sets or, for a nil state, removes this participant's field
// and notifies subscribers.
func (c *channel) writePresence(ctx context.Context, state *teamchat.PresenceState) error {
	notice, err := encode(eventPresence, map[string]string{"key": c.opts.PresenceKey})
	if err != nil {
		return err
	}
	var value []byte
	if state != nil {
		if value, err = json.Marshal(state); err != nil {
			return err
		}
	}

	_, err = c.transport.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		if state != nil {
			p.HSet(ctx, PresenceKey(c.topic), c.opts.PresenceKey, value)
		} else {
			p.HDel(ctx, PresenceKey(c.topic), c.opts.PresenceKey)
		}
		p.Publish(ctx, c.topic, notice)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write presence: %w", err)
	}
	return nil
}

func (c *channel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.joined = false
	wasTracked := c.tracked != nil
	c.tracked = nil
	c.onSync = nil
	c.onMessage = nil
	close(c.statusCh)
	c.mu.Unlock()

	c.cancel()
	err := c.pubsub.Close()
	<-c.done

	if wasTracked && c.opts.PresenceKey != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if perr := c.writePresence(ctx, nil); perr != nil {
			c.logger.WithError(perr).Warn("failed to clear presence")
		}
	}
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// emitLocked delivers status without blocking the receive loop.
func (c *channel) emitLocked(status teamchat.ChannelStatus) {
	if c.closed {
		return
	}
	select {
	case c.statusCh <- status:
	default:
		c.logger.WithField("status", status).Warn("status buffer full, dropping transition")
	}
}

func (c *channel) run(ctx context.Context) {
	defer close(c.done)
	attempts := 0

	for {
		msg, err := c.pubsub.Receive(ctx)
		if c.isClosed() || ctx.Err() != nil {
			return
		}
		if err != nil {
			attempts++
			c.mu.Lock()
			c.joined = false
			c.emitLocked(teamchat.ChannelError)
			c.mu.Unlock()

			if attempts > c.transport.maxAttempts {
				c.logger.WithError(err).Error("redis resubscribe attempts exhausted")
				return
			}
			delay := c.transport.backoff.Delay(attempts)
			c.logger.WithError(err).WithFields(logrus.Fields{"attempt": attempts, "delay": delay.String()}).Warn("redis subscription lost")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				attempts = 0
				c.subscribed(ctx)
			}
		case *redis.Message:
			c.handle(ctx, m.Payload)
		}
	}
}

func (c *channel) subscribed(ctx context.Context) {
	c.mu.Lock()
	c.joined = true
	c.emitLocked(teamchat.ChannelSubscribed)
	tracked := c.tracked
	c.mu.Unlock()

	if tracked != nil {
		if err := c.writePresence(ctx, tracked); err != nil {
			c.logger.WithError(err).Warn("failed to restore presence after subscribe")
		}
	}
	c.reloadPresence(ctx)
}

func (c *channel) handle(ctx context.Context, payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		c.logger.WithError(err).Debug("invalid envelope")
		return
	}

	switch env.Event {
	case eventPresence:
		c.reloadPresence(ctx)
	case eventMessage:
		var rec teamchat.MessageRecord
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			c.logger.WithError(err).Debug("invalid message payload")
			return
		}
		if c.channelID != "" && rec.ChannelID != c.channelID {
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		handlers := append(([]func(teamchat.MessageRecord))(nil), c.onMessage...)
		c.mu.Unlock()
		for _, fn := range handlers {
			c.safeCall("message", func() { fn(rec) })
		}
	}
}

func (c *channel) reloadPresence(ctx context.Context) {
	fields, err := c.transport.client.HGetAll(ctx, PresenceKey(c.topic)).Result()
	if err != nil {
		c.logger.WithError(err).Debug("failed to load presence")
		return
	}
	presence := make(teamchat.PresenceMap, len(fields))
	for key, raw := range fields {
		var st teamchat.PresenceState
		if json.Unmarshal([]byte(raw), &st) != nil {
			continue
		}
		presence[key] = []teamchat.PresenceState{st}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.presence = presence
	handlers := append(([]func(teamchat.PresenceMap))(nil), c.onSync...)
	c.mu.Unlock()

	for _, fn := range handlers {
		c.safeCall("presence sync", func() { fn(presence.Clone()) })
	}
}

func (c *channel) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("panic", r).Errorf("%s handler panicked", what)
		}
	}()
	fn()
}
