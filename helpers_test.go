package teamchat

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	testBase    = 40 * time.Millisecond
	testSpacing = 10 * time.Millisecond
	waitFor     = 3 * time.Second
	tick        = 5 * time.Millisecond
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func fastRetry() RetryConfig {
	return RetryConfig{
		Backoff:    Backoff{Base: testBase, Max: 16 * testBase},
		MinSpacing: testSpacing,
		Logger:     quietLogger(),
	}
}

func newTestDispatcher(t *testing.T, sink Sink, cfg RetryConfig) (*Dispatcher, <-chan DeliveryEvent) {
	t.Helper()
	bus := NewEventBus()
	q := NewRetryQueue(sink, bus, cfg)
	events, unsubscribe := bus.Subscribe(256)
	t.Cleanup(func() {
		unsubscribe()
		q.Close()
		bus.Close()
	})
	return NewDispatcher(sink, q, WithDispatcherLogger(quietLogger())), events
}

func testPayload(content string) Payload {
	return Payload{Content: content, SenderID: "agent-1", SenderName: "Dana"}
}

var testDest = Destination{ChannelID: "conv-1"}

// nextEvent returns the next event for id, skipping others.
func nextEvent(t *testing.T, events <-chan DeliveryEvent, id string) DeliveryEvent {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed")
			if ev.ID == id {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event for %s", id)
		}
	}
}

// kindsUntilTerminal collects event kinds for id up to and including a terminal one.
func kindsUntilTerminal(t *testing.T, events <-chan DeliveryEvent, id string) ([]EventKind, DeliveryEvent) {
	t.Helper()
	var kinds []EventKind
	for {
		ev := nextEvent(t, events, id)
		kinds = append(kinds, ev.Kind)
		if ev.Kind.Terminal() {
			return kinds, ev
		}
	}
}

func noEventWithin(t *testing.T, events <-chan DeliveryEvent, d time.Duration) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s for %s", ev.Kind, ev.ID)
	case <-time.After(d):
	}
}

// callLog records sink call times and client ids.
type callLog struct {
	mu    sync.Mutex
	times []time.Time
	ids   []string
}

func (c *callLog) record(msg OutgoingMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.times = append(c.times, time.Now())
	c.ids = append(c.ids, msg.ClientID)
}

func (c *callLog) snapshot() ([]time.Time, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.times...), append([]string(nil), c.ids...)
}

// recordingTracker captures presence broadcasts.
type recordingTracker struct {
	mu     sync.Mutex
	states []PresenceState
	err    error
}

func (r *recordingTracker) Track(_ context.Context, state PresenceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return r.err
}

func (r *recordingTracker) typingFlags() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.states))
	for i, s := range r.states {
		out[i] = s.IsTyping
	}
	return out
}
