package teamchat

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/merchantdesk/teamchat/internal/observability"
)

// MaxReconnectAttempts is the number of reconnect cycles before giving up.
const MaxReconnectAttempts = 5

// ConnectionMonitor folds channel status transitions into a ConnectionState
// and bounds reconnection.
//
// SUBSCRIBED resets the state. CHANNEL_ERROR, TIMED_OUT and CLOSED count a
// reconnect attempt while fewer than the maximum have been made; after that
// the state stays disconnected and the fatal handlers run once per exhaustion.
type ConnectionMonitor struct {
	maxAttempts int
	logger      logrus.FieldLogger
	metrics     observability.MetricsCollector

	mu        sync.Mutex
	state     ConnectionState
	exhausted bool
	onChange  []func(ConnectionState)
	onFatal   []func(ConnectionState)
}

// MonitorOption configures a ConnectionMonitor.
type MonitorOption func(*ConnectionMonitor)

// WithMaxReconnectAttempts overrides MaxReconnectAttempts.
func WithMaxReconnectAttempts(n int) MonitorOption {
	return func(m *ConnectionMonitor) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l logrus.FieldLogger) MonitorOption {
	return func(m *ConnectionMonitor) { m.logger = l }
}

// WithMonitorMetrics sets the metrics collector.
func WithMonitorMetrics(c observability.MetricsCollector) MonitorOption {
	return func(m *ConnectionMonitor) { m.metrics = c }
}

// NewConnectionMonitor creates a monitor in the disconnected state.
func NewConnectionMonitor(opts ...MonitorOption) *ConnectionMonitor {
	m := &ConnectionMonitor{
		maxAttempts: MaxReconnectAttempts,
		logger:      observability.GetLogger(),
		metrics:     observability.NewInMemoryMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithField("component", "connection_monitor")
	return m
}

// OnChange registers fn to run after every state change.
func (m *ConnectionMonitor) OnChange(fn func(ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// OnFatal registers fn to run once each time reconnection is exhausted.
func (m *ConnectionMonitor) OnFatal(fn func(ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFatal = append(m.onFatal, fn)
}

// State returns the current state.
func (m *ConnectionMonitor) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the channel is subscribed.
func (m *ConnectionMonitor) Online() bool {
	return m.State().Connected
}

// OnTransition applies a status reported by the transport.
func (m *ConnectionMonitor) OnTransition(status ChannelStatus) {
	m.mu.Lock()
	prev := m.state
	fatal := false

	switch status {
	case ChannelSubscribed:
		m.state = ConnectionState{Connected: true}
		m.exhausted = false
	case ChannelError, ChannelTimedOut, ChannelClosed:
		m.state.Connected = false
		if m.state.AttemptCount < m.maxAttempts {
			m.state.Reconnecting = true
			m.state.AttemptCount++
			m.metrics.IncReconnecting()
		} else {
			m.state.Reconnecting = false
			if !m.exhausted {
				m.exhausted = true
				fatal = true
				m.metrics.IncExhausted()
			}
		}
	default:
		m.mu.Unlock()
		m.logger.WithField("status", status).Warn("ignoring unknown channel status")
		return
	}

	state := m.state
	onChange := append(([]func(ConnectionState))(nil), m.onChange...)
	onFatal := append(([]func(ConnectionState))(nil), m.onFatal...)
	m.mu.Unlock()

	log := m.logger.WithFields(logrus.Fields{
		"status":        status,
		"connected":     state.Connected,
		"reconnecting":  state.Reconnecting,
		"attempt_count": state.AttemptCount,
	})
	if fatal {
		log.Error("realtime connection lost, reconnect attempts exhausted")
	} else {
		log.Debug("channel status transition")
	}

	if state != prev {
		for _, fn := range onChange {
			safeCall(m.logger, "connection", func() { fn(state) })
		}
	}
	if fatal {
		for _, fn := range onFatal {
			safeCall(m.logger, "connection", func() { fn(state) })
		}
	}
}

// Reset returns to the initial disconnected state and re-arms the fatal notice.
func (m *ConnectionMonitor) Reset() {
	m.mu.Lock()
	prev := m.state
	m.state = ConnectionState{}
	m.exhausted = false
	onChange := append(([]func(ConnectionState))(nil), m.onChange...)
	m.mu.Unlock()

	if prev != (ConnectionState{}) {
		for _, fn := range onChange {
			safeCall(m.logger, "connection", func() { fn(ConnectionState{}) })
		}
	}
}

// Watch applies every status from statuses until it closes or ctx is done.
func (m *ConnectionMonitor) Watch(ctx context.Context, statuses <-chan ChannelStatus) {
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-statuses:
			if !ok {
				return
			}
			m.OnTransition(status)
		}
	}
}
