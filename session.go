package teamchat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/merchantdesk/teamchat/internal/observability"
)

// MetricsCollector receives delivery and connection counters.
type MetricsCollector = observability.MetricsCollector

// InMemoryMetrics is the default MetricsCollector.
type InMemoryMetrics = observability.InMemoryMetrics

// DefaultPresenceThrottle bounds how often typing users are recomputed from presence.
const DefaultPresenceThrottle = 100 * time.Millisecond

// seenWindow is how many incoming message ids are remembered for de-duplication.
const seenWindow = 256

// ConversationTopic returns the realtime topic of a conversation.
func ConversationTopic(conversationID string) string {
	return "realtime:conversation:" + conversationID
}

// SessionConfig configures OpenSession. Only Conversation, Self and Sink are required.
type SessionConfig struct {
	Conversation string
	// Target selects the persistence sink when Sink is a SinkRouter.
	Target    string
	Self      Identity
	Sink      Sink
	Transport Transport
	// Table is the messages table whose inserts are forwarded by the transport.
	Table                string
	Retry                RetryConfig
	TypingTimeout        time.Duration
	ScrollThreshold      float64
	MaxContentLength     int
	MaxReconnectAttempts int
	PresenceThrottle     time.Duration
	EventBuffer          int
	Logger               logrus.FieldLogger
	Metrics              MetricsCollector
}

// SessionState is a point-in-time view of a conversation.
type SessionState struct {
	PendingMessages map[string]PendingMessage `json:"pendingMessages"`
	IsSending       bool                      `json:"isSending"`
	Connection      ConnectionState           `json:"connection"`
	TypingUsers     []TypingUser              `json:"typingUsers"`
	UnseenCount     int                       `json:"unseenCount"`
	NearBottom      bool                      `json:"nearBottom"`
}

// Session wires delivery, connection monitoring, typing and scroll tracking
// for one open conversation.
type Session struct {
	cfg    SessionConfig
	dest   Destination
	logger logrus.FieldLogger

	bus        *EventBus
	queue      *RetryQueue
	dispatcher *Dispatcher
	monitor    *ConnectionMonitor
	typing     *TypingCoordinator
	scroll     *ScrollTracker
	throttle   *Throttler

	channel     Channel
	cancelWatch context.CancelFunc
	watchDone   chan struct{}

	mu          sync.Mutex
	typingUsers []TypingUser
	onMessage   []func(MessageRecord)
	seen        map[string]bool
	seenOrder   []string
	closed      bool
	closeOnce   sync.Once
}

type noopTracker struct {
	logger logrus.FieldLogger
}

func (n noopTracker) Track(_ context.Context, state PresenceState) error {
	n.logger.WithField("typing", state.IsTyping).Debug("no realtime transport, presence not broadcast")
	return nil
}

// OpenSession starts a session. With a Transport it subscribes to the
// conversation topic; the subscription outcome is reported through the
// connection state.
func OpenSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Conversation == "" {
		return nil, ErrNoDestination
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("teamchat: session sink is required")
	}
	if cfg.Self.UserID == "" {
		return nil, fmt.Errorf("teamchat: session user id is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.PresenceThrottle <= 0 {
		cfg.PresenceThrottle = DefaultPresenceThrottle
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = cfg.Logger
	}
	if cfg.Retry.Metrics == nil {
		cfg.Retry.Metrics = cfg.Metrics
	}

	s := &Session{
		cfg:       cfg,
		dest:      Destination{ChannelID: cfg.Conversation, Target: cfg.Target},
		logger:    cfg.Logger.WithFields(logrus.Fields{"component": "session", "conversation": cfg.Conversation}),
		bus:       NewEventBus(),
		scroll:    NewScrollTracker(cfg.ScrollThreshold),
		throttle:  NewThrottler(cfg.PresenceThrottle),
		watchDone: make(chan struct{}),
		seen:      make(map[string]bool),
	}
	s.queue = NewRetryQueue(cfg.Sink, s.bus, cfg.Retry)
	s.dispatcher = NewDispatcher(cfg.Sink, s.queue,
		WithMaxContentLength(cfg.MaxContentLength),
		WithDispatcherLogger(cfg.Logger),
		WithDispatcherMetrics(cfg.Metrics),
	)
	s.monitor = NewConnectionMonitor(
		WithMaxReconnectAttempts(cfg.MaxReconnectAttempts),
		WithMonitorLogger(cfg.Logger),
		WithMonitorMetrics(cfg.Metrics),
	)
	// Retries wait out a reconnect cycle but resume once it settles either way.
	s.monitor.OnChange(func(st ConnectionState) { s.queue.SetOnline(!st.Reconnecting) })

	var tracker PresenceTracker = noopTracker{logger: s.logger}
	if cfg.Transport != nil {
		ch, err := cfg.Transport.Subscribe(ctx, ConversationTopic(cfg.Conversation), ChannelOptions{
			PresenceKey: cfg.Self.UserID,
			Table:       cfg.Table,
			Filter:      "channel_id=eq." + cfg.Conversation,
		})
		if err != nil {
			s.queue.Close()
			s.bus.Close()
			return nil, fmt.Errorf("subscribe %s: %w", cfg.Conversation, err)
		}
		s.channel = ch
		tracker = ch
		ch.OnSync(s.onPresenceSync)
		ch.OnMessage(func(rec MessageRecord) { s.receive(rec) })

		watchCtx, cancel := context.WithCancel(context.Background())
		s.cancelWatch = cancel
		go func() {
			defer close(s.watchDone)
			s.monitor.Watch(watchCtx, ch.Status())
		}()
	} else {
		s.cancelWatch = func() {}
		close(s.watchDone)
	}

	s.typing = NewTypingCoordinator(tracker, cfg.Self,
		WithTypingTimeout(cfg.TypingTimeout),
		WithTypingLogger(cfg.Logger),
	)
	s.logger.Info("session opened")
	return s, nil
}

// ============================================================================
// Delivery
// ============================================================================

// SendMessage sends content to the conversation. A valid send also ends the
// local typing burst and scrolls to the bottom.
func (s *Session) SendMessage(ctx context.Context, content, replyToID string, opts ...SendOption) SendResult {
	if s.isClosed() {
		return SendResult{Err: ErrSessionClosed}
	}
	payload := Payload{
		Content:    content,
		SenderID:   s.cfg.Self.UserID,
		SenderName: s.cfg.Self.DisplayName,
		ReplyToID:  replyToID,
	}
	if err := s.dispatcher.Validate(s.dest, payload); err != nil {
		return SendResult{Err: err}
	}

	s.typing.StopTyping(ctx)
	s.scroll.ScrollToBottom()
	return s.dispatcher.Send(ctx, s.dest, payload, opts...)
}

// CancelPending withdraws a message that is waiting for retry.
func (s *Session) CancelPending(id string) bool {
	return s.dispatcher.Cancel(id)
}

// Events subscribes to delivery events. The stream must be read or
// unsubscribed: while its buffer is full SendMessage and the retry queue wait
// on it, and after DefaultStallTimeout it is closed.
func (s *Session) Events() (<-chan DeliveryEvent, func()) {
	return s.bus.Subscribe(s.cfg.EventBuffer)
}

// ============================================================================
// Typing
// ============================================================================

// StartTyping records a keystroke in the composer.
func (s *Session) StartTyping(ctx context.Context) {
	s.typing.StartTyping(ctx)
}

// StopTyping ends the local typing burst.
func (s *Session) StopTyping(ctx context.Context) {
	s.typing.StopTyping(ctx)
}

func (s *Session) onPresenceSync(presence PresenceMap) {
	s.throttle.Do(func() {
		users := TypingUsers(s.cfg.Self.UserID, presence)
		s.mu.Lock()
		s.typingUsers = users
		s.mu.Unlock()
	})
}

// ============================================================================
// Scroll and incoming messages
// ============================================================================

// RecordScroll updates the viewport position.
func (s *Session) RecordScroll(m ScrollMetrics) {
	s.scroll.RecordScroll(m)
}

// ScrollToBottom clears the unseen count.
func (s *Session) ScrollToBottom() {
	s.scroll.ScrollToBottom()
}

// RecordIncomingMessage counts a message from another participant. It reports
// whether the view should follow it.
func (s *Session) RecordIncomingMessage() bool {
	return s.scroll.RecordIncomingMessage()
}

// OnMessage registers fn for messages from other participants.
func (s *Session) OnMessage(fn func(MessageRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = append(s.onMessage, fn)
}

// OnConnectionLost registers fn to run once each time reconnection is exhausted.
func (s *Session) OnConnectionLost(fn func(ConnectionState)) {
	s.monitor.OnFatal(fn)
}

// HandleChange accepts a change-feed event. Inserts into this conversation
// are treated as incoming messages; anything else is ignored.
func (s *Session) HandleChange(ev *ChangeEvent) error {
	if ev.Type != ChangeInsert || ev.Table != s.cfg.Table {
		return nil
	}
	rec, err := ev.Message()
	if err != nil {
		return err
	}
	s.receive(*rec)
	return nil
}

func (s *Session) receive(rec MessageRecord) {
	if rec.ChannelID != "" && rec.ChannelID != s.cfg.Conversation {
		return
	}
	if rec.SenderID == s.cfg.Self.UserID {
		return
	}

	s.mu.Lock()
	if s.closed || (rec.ID != "" && s.seen[rec.ID]) {
		s.mu.Unlock()
		return
	}
	if rec.ID != "" {
		s.seen[rec.ID] = true
		s.seenOrder = append(s.seenOrder, rec.ID)
		if len(s.seenOrder) > seenWindow {
			delete(s.seen, s.seenOrder[0])
			s.seenOrder = s.seenOrder[1:]
		}
	}
	handlers := append(([]func(MessageRecord))(nil), s.onMessage...)
	s.mu.Unlock()

	follow := s.scroll.RecordIncomingMessage()
	s.logger.WithFields(logrus.Fields{"message_id": rec.ID, "follow": follow}).Debug("incoming message")
	for _, fn := range handlers {
		safeCall(s.logger, "message", func() { fn(rec) })
	}
}

// ============================================================================
// State
// ============================================================================

// Snapshot returns the current session state.
func (s *Session) Snapshot() SessionState {
	s.mu.Lock()
	users := append([]TypingUser{}, s.typingUsers...)
	s.mu.Unlock()

	return SessionState{
		PendingMessages: s.dispatcher.Pending(),
		IsSending:       s.dispatcher.IsSending(),
		Connection:      s.monitor.State(),
		TypingUsers:     users,
		UnseenCount:     s.scroll.UnseenCount(),
		NearBottom:      s.scroll.NearBottom(),
	}
}

// Metrics returns the session's metrics collector.
func (s *Session) Metrics() MetricsCollector {
	return s.cfg.Metrics
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the session down: the typing timer is cancelled without a
// broadcast, the channel is unsubscribed, and pending retries are dropped.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.typing.Close()
		s.throttle.Stop()
		s.cancelWatch()
		if s.channel != nil {
			if uerr := s.channel.Unsubscribe(); uerr != nil {
				s.logger.WithError(uerr).Warn("unsubscribe failed")
				err = uerr
			}
		}
		<-s.watchDone
		s.queue.Close()
		s.bus.Close()
		s.logger.Info("session closed")
	})
	return err
}
