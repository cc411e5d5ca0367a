package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchantdesk/teamchat"
)

// MockWriter records written messages and simulates failures.
type MockWriter struct {
	mu        sync.Mutex
	Written   []kafka.Message
	FailCount int
	FailErr   error
	failures  int
	closed    bool
}

func (m *MockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures < m.FailCount {
		m.failures++
		if m.FailErr != nil {
			return m.FailErr
		}
		return fmt.Errorf("simulated write failure %d", m.failures)
	}
	m.Written = append(m.Written, msgs...)
	return nil
}

func (m *MockWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockWriter) messages() []kafka.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]kafka.Message(nil), m.Written...)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Topic: "chat"})
	assert.Error(t, err)
	_, err = New(Config{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	s, err := New(Config{Brokers: []string{"localhost:9092"}, Topic: "chat.messages", Logger: quietLogger()})
	require.NoError(t, err)
	w, ok := s.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "chat.messages", w.Topic)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
	assert.Equal(t, 1, w.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, w.BatchTimeout)
	assert.NoError(t, s.Close())
}

func TestSink_Insert(t *testing.T) {
	w := &MockWriter{}
	s := NewWithWriter(w, "chat.messages", quietLogger())
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec, err := s.Insert(context.Background(), teamchat.Destination{ChannelID: "conv-1"}, teamchat.OutgoingMessage{
		ClientID: "local-1",
		Payload:  teamchat.Payload{Content: "hello", SenderID: "agent-1", CreatedAt: created},
	})
	require.NoError(t, err)
	assert.Equal(t, "local-1", rec.ID)
	assert.Equal(t, "local-1", rec.ClientID)

	written := w.messages()
	require.Len(t, written, 1)
	m := written[0]
	assert.Equal(t, "conv-1", string(m.Key))
	assert.Equal(t, created, m.Time)
	assert.Equal(t, "local-1", header(m, HeaderClientID))
	assert.Equal(t, "agent-1", header(m, HeaderSenderID))
	assert.Equal(t, EventMessageCreated, header(m, HeaderEvent))

	var env Envelope
	require.NoError(t, json.Unmarshal(m.Value, &env))
	assert.Equal(t, EventMessageCreated, env.Event)
	assert.Equal(t, "hello", env.Record.Content)
	assert.Equal(t, "conv-1", env.Record.ChannelID)
}

func TestSink_InsertWithoutClientID(t *testing.T) {
	w := &MockWriter{}
	s := NewWithWriter(w, "chat.messages", quietLogger())

	rec, err := s.Insert(context.Background(), teamchat.Destination{ChannelID: "conv-1"}, teamchat.OutgoingMessage{
		Payload: teamchat.Payload{Content: "hello", SenderID: "agent-1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestSink_ErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"network", errors.New("dial tcp 10.0.0.1:9092: connection refused"), false},
		{"leader moved", kafka.NotLeaderForPartition, false},
		{"too large code", kafka.MessageSizeTooLarge, true},
		{"auth", kafka.TopicAuthorizationFailed, true},
		{"too large client side", kafka.MessageTooLargeError{}, true},
		{"batch with permanent", kafka.WriteErrors{kafka.InvalidTopic}, true},
		{"batch transient", kafka.WriteErrors{kafka.RequestTimedOut}, false},
		{"wrapped", fmt.Errorf("write: %w", kafka.InvalidMessage), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := &MockWriter{FailCount: 1, FailErr: tc.err}
			s := NewWithWriter(w, "chat.messages", quietLogger())

			_, err := s.Insert(context.Background(), teamchat.Destination{ChannelID: "conv-1"}, teamchat.OutgoingMessage{
				ClientID: "local-1",
				Payload:  teamchat.Payload{Content: "hello", SenderID: "agent-1"},
			})
			require.Error(t, err)
			assert.Equal(t, tc.permanent, teamchat.IsPermanent(err))
		})
	}
}

func TestSink_RetriedThroughDispatcher(t *testing.T) {
	w := &MockWriter{FailCount: 1}
	s := NewWithWriter(w, "chat.messages", quietLogger())

	bus := teamchat.NewEventBus()
	q := teamchat.NewRetryQueue(s, bus, teamchat.RetryConfig{
		Backoff:    teamchat.Backoff{Base: 20 * time.Millisecond, Max: 100 * time.Millisecond},
		MinSpacing: 5 * time.Millisecond,
		Logger:     quietLogger(),
	})
	defer q.Close()
	events, unsubscribe := bus.Subscribe(16)
	defer unsubscribe()
	d := teamchat.NewDispatcher(s, q, teamchat.WithDispatcherLogger(quietLogger()))

	res := d.Send(context.Background(), teamchat.Destination{ChannelID: "conv-1"}, teamchat.Payload{Content: "hi", SenderID: "agent-1"})
	require.Error(t, res.Err)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.ID != res.ClientID || !ev.Kind.Terminal() {
				continue
			}
			assert.Equal(t, teamchat.EventConfirmed, ev.Kind)
			require.Len(t, w.messages(), 1)
			assert.Equal(t, res.ClientID, header(w.messages()[0], HeaderClientID))
			return
		case <-deadline:
			t.Fatal("message never confirmed")
		}
	}
}
