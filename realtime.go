package teamchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/merchantdesk/teamchat/internal/observability"
)

// ============================================================================
// Wire format
// ============================================================================

const (
	eventJoin     = "phx_join"
	eventLeave    = "phx_leave"
	eventReply    = "phx_reply"
	eventError    = "phx_error"
	eventClose    = "phx_close"
	eventPresence = "presence"
	eventState    = "presence_state"
	eventDiff     = "presence_diff"
	eventChanges  = "postgres_changes"
	eventBeat     = "heartbeat"

	socketTopic = "phoenix"
)

// Frame is the wire format for every realtime message in both directions.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

type presenceEntry struct {
	Metas []PresenceState `json:"metas"`
}

type presenceDiff struct {
	Joins  map[string]presenceEntry `json:"joins"`
	Leaves map[string]presenceEntry `json:"leaves"`
}

type changesPayload struct {
	Data ChangeEvent `json:"data"`
}

func toPresenceMap(entries map[string]presenceEntry) PresenceMap {
	out := make(PresenceMap, len(entries))
	for k, e := range entries {
		out[k] = e.Metas
	}
	return out
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	APIKey               string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	JoinTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               logrus.FieldLogger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = DefaultBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = DefaultMaxDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = MaxReconnectAttempts
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = observability.GetLogger()
	}
}

// RealtimeState represents the socket state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	backoff     Backoff
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		backoff:     Backoff{Base: config.ReconnectBaseDelay, Max: config.ReconnectMaxDelay},
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.attempt++
	delay := r.backoff.Delay(r.attempt)
	jitter := time.Duration(rand.Float64() * float64(r.backoff.Base) * 0.5)
	if delay+jitter > r.backoff.Max {
		return r.backoff.Max
	}
	return delay + jitter
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a websocket Transport speaking the Phoenix channel
// protocol, with heartbeat, socket reconnect and channel rejoin.
type RealtimeClient struct {
	endpoint string
	config   *RealtimeConfig
	logger   logrus.FieldLogger
	ref      atomic.Uint64

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc
	pendingBeat      string
	channels         map[string]*realtimeChannel
}

var _ Transport = (*RealtimeClient)(nil)

// NewRealtimeClient creates a client for endpoint (ws, wss, http or https).
func NewRealtimeClient(endpoint string, config *RealtimeConfig) *RealtimeClient {
	if config == nil {
		config = &RealtimeConfig{AutoReconnect: true}
	}
	config.defaults()
	return &RealtimeClient{
		endpoint: endpoint,
		config:   config,
		logger:   config.Logger.WithField("component", "realtime"),
		state:    StateDisconnected,
		recon:    newReconnector(config),
		channels: make(map[string]*realtimeChannel),
	}
}

// State returns the socket state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

func (rc *RealtimeClient) socketURL() (string, error) {
	wsURL := strings.Replace(rc.endpoint, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime endpoint: %w", err)
	}
	q := u.Query()
	if rc.config.APIKey != "" {
		q.Set("apikey", rc.config.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect establishes the socket and rejoins every open channel.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == StateConnected || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.intentionalClose = false
	rc.mu.Unlock()

	wsURL, err := rc.socketURL()
	if err != nil {
		rc.setState(StateDisconnected)
		return err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: rc.config.HTTPClient})
	if err != nil {
		rc.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rc.mu.Lock()
	rc.conn = conn
	rc.state = StateConnected
	rc.cancelFn = cancel
	rc.pendingBeat = ""
	rc.recon.markConnected()
	channels := rc.channelsLocked()
	rc.mu.Unlock()

	rc.logger.Info("realtime socket connected")
	go rc.readLoop(connCtx, conn)
	go rc.heartbeatLoop(connCtx)

	for _, ch := range channels {
		rc.join(ch)
	}
	return nil
}

// Disconnect closes the socket. Channels stay registered and are rejoined by
// the next Connect.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = StateDisconnected
	rc.recon.reset()
	rc.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe implements Transport. It connects the socket if needed and sends
// the join; the outcome arrives on the channel's Status stream.
func (rc *RealtimeClient) Subscribe(ctx context.Context, topic string, opts ChannelOptions) (Channel, error) {
	if err := rc.Connect(ctx); err != nil {
		return nil, err
	}

	rc.mu.Lock()
	if _, exists := rc.channels[topic]; exists {
		rc.mu.Unlock()
		return nil, fmt.Errorf("topic %q is already subscribed", topic)
	}
	ch := &realtimeChannel{
		client:   rc,
		topic:    topic,
		opts:     opts,
		logger:   rc.logger.WithField("topic", topic),
		statusCh: make(chan ChannelStatus, statusBuffer),
		presence: make(PresenceMap),
	}
	rc.channels[topic] = ch
	rc.mu.Unlock()

	rc.join(ch)
	return ch, nil
}

func (rc *RealtimeClient) setState(s RealtimeState) {
	rc.mu.Lock()
	rc.state = s
	rc.mu.Unlock()
}

func (rc *RealtimeClient) nextRef() string {
	return strconv.FormatUint(rc.ref.Add(1), 10)
}

func (rc *RealtimeClient) send(ctx context.Context, f Frame) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (rc *RealtimeClient) sendPayload(ctx context.Context, topic, event, ref, joinRef string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return rc.send(ctx, Frame{Topic: topic, Event: event, Payload: raw, Ref: ref, JoinRef: joinRef})
}

func (rc *RealtimeClient) join(ch *realtimeChannel) {
	ref := rc.nextRef()
	if !ch.beginJoin(ref) {
		return
	}

	cfg := map[string]any{
		"presence": map[string]string{"key": ch.opts.PresenceKey},
	}
	if ch.opts.Table != "" {
		change := map[string]string{"event": "*", "schema": DefaultSchema, "table": ch.opts.Table}
		if ch.opts.Filter != "" {
			change["filter"] = ch.opts.Filter
		}
		cfg["postgres_changes"] = []map[string]string{change}
	}
	payload := map[string]any{"config": cfg}
	if rc.config.APIKey != "" {
		payload["access_token"] = rc.config.APIKey
	}

	ctx, cancel := context.WithTimeout(context.Background(), rc.config.JoinTimeout)
	defer cancel()
	if err := rc.sendPayload(ctx, ch.topic, eventJoin, ref, ref, payload); err != nil {
		ch.logger.WithError(err).Warn("failed to send join")
	}
}

func (rc *RealtimeClient) remove(topic string) {
	rc.mu.Lock()
	delete(rc.channels, topic)
	rc.mu.Unlock()
}

func (rc *RealtimeClient) channel(topic string) *realtimeChannel {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.channels[topic]
}

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			current := rc.conn == conn
			rc.mu.Unlock()
			if intentional || !current {
				return
			}
			rc.handleDrop(err)
			return
		}

		var f Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		rc.route(f)
	}
}

func (rc *RealtimeClient) route(f Frame) {
	if f.Topic == socketTopic {
		if f.Event == eventReply {
			rc.mu.Lock()
			if f.Ref == rc.pendingBeat {
				rc.pendingBeat = ""
			}
			rc.mu.Unlock()
		}
		return
	}

	ch := rc.channel(f.Topic)
	if ch == nil {
		return
	}
	switch f.Event {
	case eventReply:
		ch.handleReply(f)
	case eventError:
		ch.handleFailure(ChannelError)
	case eventClose:
		ch.handleFailure(ChannelClosed)
	case eventState:
		ch.handlePresenceState(f.Payload)
	case eventDiff:
		ch.handlePresenceDiff(f.Payload)
	case eventChanges:
		ch.handleChanges(f.Payload)
	}
}

func (rc *RealtimeClient) handleDrop(err error) {
	rc.mu.Lock()
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	rc.state = StateDisconnected
	rc.conn = nil
	channels := rc.channelsLocked()
	rc.mu.Unlock()

	rc.logger.WithError(err).Warn("realtime socket dropped")
	for _, ch := range channels {
		ch.socketLost(ChannelError)
	}

	if rc.config.AutoReconnect {
		go rc.scheduleReconnect()
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.mu.Lock()
			conn, missed := rc.conn, rc.pendingBeat != ""
			ref := rc.nextRef()
			if !missed {
				rc.pendingBeat = ref
			}
			rc.mu.Unlock()
			if conn == nil {
				return
			}

			if missed {
				// Previous heartbeat unanswered, force close so readLoop reconnects.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			if err := rc.sendPayload(ctx, socketTopic, eventBeat, ref, "", map[string]any{}); err != nil {
				rc.logger.WithError(err).Debug("heartbeat send failed")
			}
		}
	}
}

func (rc *RealtimeClient) scheduleReconnect() {
	for {
		rc.mu.Lock()
		if rc.intentionalClose || !rc.recon.shouldReconnect() {
			exhausted := !rc.intentionalClose
			rc.state = StateDisconnected
			channels := rc.channelsLocked()
			rc.mu.Unlock()
			if exhausted {
				rc.logger.Error("realtime reconnect attempts exhausted")
				for _, ch := range channels {
					ch.socketLost(ChannelClosed)
				}
			}
			return
		}
		delay := rc.recon.nextDelay()
		attempt := rc.recon.attempt
		rc.state = StateReconnecting
		rc.mu.Unlock()

		rc.logger.WithFields(logrus.Fields{"attempt": attempt, "delay": delay.String()}).Info("realtime reconnecting")
		time.Sleep(delay)

		rc.mu.Lock()
		if rc.intentionalClose {
			rc.mu.Unlock()
			return
		}
		// Connect is a no-op unless the state is disconnected.
		rc.state = StateDisconnected
		rc.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), rc.config.JoinTimeout)
		err := rc.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		rc.logger.WithError(err).Warn("realtime reconnect failed")
		rc.mu.Lock()
		channels := rc.channelsLocked()
		rc.mu.Unlock()
		for _, ch := range channels {
			ch.socketLost(ChannelError)
		}
	}
}

func (rc *RealtimeClient) channelsLocked() []*realtimeChannel {
	channels := make([]*realtimeChannel, 0, len(rc.channels))
	for _, ch := range rc.channels {
		channels = append(channels, ch)
	}
	return channels
}

// ============================================================================
// realtimeChannel
// ============================================================================

type realtimeChannel struct {
	client   *RealtimeClient
	topic    string
	opts     ChannelOptions
	logger   logrus.FieldLogger
	statusCh chan ChannelStatus

	mu          sync.Mutex
	joinRef     string
	joined      bool
	closed      bool
	rejoins     int
	joinTimer   *time.Timer
	rejoinTimer *time.Timer
	presence    PresenceMap
	tracked     *PresenceState
	onSync      []func(PresenceMap)
	onMessage   []func(MessageRecord)
}

func (ch *realtimeChannel) Topic() string {
	return ch.topic
}

func (ch *realtimeChannel) Status() <-chan ChannelStatus {
	return ch.statusCh
}

func (ch *realtimeChannel) Presence() PresenceMap {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.presence.Clone()
}

func (ch *realtimeChannel) OnSync(fn func(PresenceMap)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onSync = append(ch.onSync, fn)
}

func (ch *realtimeChannel) OnMessage(fn func(MessageRecord)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onMessage = append(ch.onMessage, fn)
}

// Track publishes state. Before the join completes it is stored and sent on SUBSCRIBED.
func (ch *realtimeChannel) Track(ctx context.Context, state PresenceState) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrChannelClosed
	}
	st := state
	ch.tracked = &st
	joined, joinRef := ch.joined, ch.joinRef
	ch.mu.Unlock()

	if !joined {
		return nil
	}
	return ch.sendTrack(ctx, joinRef, state)
}

func (ch *realtimeChannel) sendTrack(ctx context.Context, joinRef string, state PresenceState) error {
	payload := map[string]any{"type": eventPresence, "event": "track", "payload": state}
	return ch.client.sendPayload(ctx, ch.topic, eventPresence, ch.client.nextRef(), joinRef, payload)
}

func (ch *realtimeChannel) Unsubscribe() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.joined = false
	ch.tracked = nil
	ch.onSync = nil
	ch.onMessage = nil
	ch.stopTimersLocked()
	joinRef := ch.joinRef
	close(ch.statusCh)
	ch.mu.Unlock()

	ch.client.remove(ch.topic)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := ch.client.sendPayload(ctx, ch.topic, eventLeave, ch.client.nextRef(), joinRef, map[string]any{})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (ch *realtimeChannel) stopTimersLocked() {
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
		ch.joinTimer = nil
	}
	if ch.rejoinTimer != nil {
		ch.rejoinTimer.Stop()
		ch.rejoinTimer = nil
	}
}

// emitLocked delivers status without blocking the read loop.
func (ch *realtimeChannel) emitLocked(status ChannelStatus) {
	if ch.closed {
		return
	}
	select {
	case ch.statusCh <- status:
	default:
		ch.logger.WithField("status", status).Warn("status buffer full, dropping transition")
	}
}

func (ch *realtimeChannel) beginJoin(ref string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return false
	}
	ch.joinRef = ref
	ch.joined = false
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
	}
	ch.joinTimer = time.AfterFunc(ch.client.config.JoinTimeout, func() { ch.joinExpired(ref) })
	return true
}

func (ch *realtimeChannel) joinExpired(ref string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed || ch.joined || ch.joinRef != ref {
		return
	}
	ch.joinTimer = nil
	ch.logger.Warn("channel join timed out")
	ch.emitLocked(ChannelTimedOut)
	ch.scheduleRejoinLocked()
}

func (ch *realtimeChannel) handleReply(f Frame) {
	var reply replyPayload
	if err := json.Unmarshal(f.Payload, &reply); err != nil {
		return
	}

	ch.mu.Lock()
	if ch.closed || f.Ref != ch.joinRef || ch.joined {
		ch.mu.Unlock()
		return
	}
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
		ch.joinTimer = nil
	}
	if reply.Status != "ok" {
		ch.logger.WithField("response", string(reply.Response)).Warn("channel join rejected")
		ch.emitLocked(ChannelError)
		ch.scheduleRejoinLocked()
		ch.mu.Unlock()
		return
	}
	ch.joined = true
	ch.rejoins = 0
	ch.emitLocked(ChannelSubscribed)
	joinRef, tracked := ch.joinRef, ch.tracked
	ch.mu.Unlock()

	if tracked != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ch.client.config.JoinTimeout)
		defer cancel()
		if err := ch.sendTrack(ctx, joinRef, *tracked); err != nil {
			ch.logger.WithError(err).Warn("failed to restore presence after join")
		}
	}
}

func (ch *realtimeChannel) handleFailure(status ChannelStatus) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.joined = false
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
		ch.joinTimer = nil
	}
	ch.emitLocked(status)
	ch.scheduleRejoinLocked()
}

// socketLost reports a dropped socket, a failed redial or, with
// ChannelClosed, the end of reconnecting.
func (ch *realtimeChannel) socketLost(status ChannelStatus) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.joined = false
	ch.stopTimersLocked()
	ch.emitLocked(status)
}

func (ch *realtimeChannel) scheduleRejoinLocked() {
	if ch.closed || ch.rejoinTimer != nil {
		return
	}
	cfg := ch.client.config
	if cfg.MaxReconnectAttempts >= 0 && ch.rejoins >= cfg.MaxReconnectAttempts {
		ch.logger.Error("channel rejoin attempts exhausted")
		return
	}
	ch.rejoins++
	delay := Backoff{Base: cfg.ReconnectBaseDelay, Max: cfg.ReconnectMaxDelay}.Delay(ch.rejoins)
	ch.rejoinTimer = time.AfterFunc(delay, func() {
		ch.mu.Lock()
		ch.rejoinTimer = nil
		closed := ch.closed
		ch.mu.Unlock()
		if !closed && ch.client.State() == StateConnected {
			ch.client.join(ch)
		}
	})
}

func (ch *realtimeChannel) handlePresenceState(raw json.RawMessage) {
	var entries map[string]presenceEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		ch.logger.WithError(err).Debug("invalid presence_state payload")
		return
	}
	ch.mu.Lock()
	ch.presence = toPresenceMap(entries)
	ch.syncLocked()
}

func (ch *realtimeChannel) handlePresenceDiff(raw json.RawMessage) {
	var diff presenceDiff
	if err := json.Unmarshal(raw, &diff); err != nil {
		ch.logger.WithError(err).Debug("invalid presence_diff payload")
		return
	}
	ch.mu.Lock()
	ch.presence.Apply(toPresenceMap(diff.Joins), toPresenceMap(diff.Leaves))
	ch.syncLocked()
}

// syncLocked releases mu and runs the sync handlers with a snapshot.
func (ch *realtimeChannel) syncLocked() {
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	snapshot := ch.presence.Clone()
	handlers := append(([]func(PresenceMap))(nil), ch.onSync...)
	ch.mu.Unlock()

	for _, fn := range handlers {
		safeCall(ch.logger, "presence sync", func() { fn(snapshot.Clone()) })
	}
}

func (ch *realtimeChannel) handleChanges(raw json.RawMessage) {
	var p changesPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Data.Type != ChangeInsert {
		return
	}
	rec, err := p.Data.Message()
	if err != nil {
		ch.logger.WithError(err).Debug("invalid change record")
		return
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	handlers := append(([]func(MessageRecord))(nil), ch.onMessage...)
	ch.mu.Unlock()

	for _, fn := range handlers {
		safeCall(ch.logger, "message", func() { fn(*rec) })
	}
}
