package redisrt

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchantdesk/teamchat"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
	topic   = "realtime:conversation:conv-1"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestTransport(t *testing.T, mr *miniredis.Miniredis, opts ...Option) *Transport {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: 100})
	t.Cleanup(func() { _ = client.Close() })
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithBackoff(teamchat.Backoff{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond}),
	}, opts...)
	return New(client, opts...)
}

func subscribe(t *testing.T, tr *Transport, key string) teamchat.Channel {
	t.Helper()
	ch, err := tr.Subscribe(context.Background(), topic, teamchat.ChannelOptions{
		PresenceKey: key,
		Table:       teamchat.DefaultTable,
		Filter:      "channel_id=eq.conv-1",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Unsubscribe() })
	return ch
}

// awaitStatus reads statuses until want arrives.
func awaitStatus(t *testing.T, statuses <-chan teamchat.ChannelStatus, want teamchat.ChannelStatus) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case got, ok := <-statuses:
			require.True(t, ok, "status channel closed while waiting for %s", want)
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestPresenceKey(t *testing.T) {
	assert.Equal(t, "presence:"+topic, PresenceKey(topic))
	assert.Equal(t, "conv-9", filterChannelID("channel_id=eq.conv-9"))
	assert.Empty(t, filterChannelID("sender_id=eq.x"))
}

func TestTransport_SubscribeRequiresTopic(t *testing.T) {
	tr := newTestTransport(t, miniredis.RunT(t))
	_, err := tr.Subscribe(context.Background(), "", teamchat.ChannelOptions{})
	assert.Error(t, err)
}

func TestChannel_TrackSyncsPresence(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTestTransport(t, mr)

	agent := subscribe(t, tr, "agent-1")
	awaitStatus(t, agent.Status(), teamchat.ChannelSubscribed)

	customer := subscribe(t, tr, "customer-1")
	synced := make(chan teamchat.PresenceMap, 16)
	customer.OnSync(func(p teamchat.PresenceMap) { synced <- p })
	awaitStatus(t, customer.Status(), teamchat.ChannelSubscribed)

	require.NoError(t, agent.Track(context.Background(), teamchat.PresenceState{UserID: "agent-1", DisplayName: "Ava", IsTyping: true}))
	assert.Contains(t, mr.HGet(PresenceKey(topic), "agent-1"), `"isTyping":true`)

	deadline := time.After(waitFor)
	for {
		select {
		case p := <-synced:
			states := p["agent-1"]
			if len(states) == 1 && states[0].IsTyping {
				assert.Equal(t, "Ava", states[0].DisplayName)
				assert.Equal(t, states, customer.Presence()["agent-1"])
				return
			}
		case <-deadline:
			t.Fatal("customer never saw the agent typing")
		}
	}
}

func TestChannel_TrackBeforeSubscribed(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTestTransport(t, mr)

	ch := subscribe(t, tr, "agent-1")
	require.NoError(t, ch.Track(context.Background(), teamchat.PresenceState{UserID: "agent-1"}))
	awaitStatus(t, ch.Status(), teamchat.ChannelSubscribed)

	assert.Eventually(t, func() bool {
		return mr.HGet(PresenceKey(topic), "agent-1") != ""
	}, waitFor, tick)
}

func TestChannel_TrackRequiresPresenceKey(t *testing.T) {
	tr := newTestTransport(t, miniredis.RunT(t))
	ch := subscribe(t, tr, "")
	assert.Error(t, ch.Track(context.Background(), teamchat.PresenceState{UserID: "x"}))
}

func TestChannel_MessagesFiltered(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTestTransport(t, mr)

	ch := subscribe(t, tr, "customer-1")
	received := make(chan teamchat.MessageRecord, 4)
	ch.OnMessage(func(rec teamchat.MessageRecord) { received <- rec })
	awaitStatus(t, ch.Status(), teamchat.ChannelSubscribed)

	ctx := context.Background()
	mr.Publish(topic, "not json")
	require.NoError(t, tr.Publish(ctx, topic, teamchat.MessageRecord{ID: "m-0", ChannelID: "conv-2", Content: "elsewhere"}))
	require.NoError(t, tr.Publish(ctx, topic, teamchat.MessageRecord{ID: "m-1", ChannelID: "conv-1", Content: "hello"}))

	select {
	case rec := <-received:
		assert.Equal(t, "m-1", rec.ID)
		assert.Equal(t, "hello", rec.Content)
	case <-time.After(waitFor):
		t.Fatal("message never delivered")
	}
	select {
	case rec := <-received:
		t.Fatalf("unexpected delivery %+v", rec)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransport_SinkPublishesStoredMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTestTransport(t, mr)

	ch := subscribe(t, tr, "customer-1")
	received := make(chan teamchat.MessageRecord, 4)
	ch.OnMessage(func(rec teamchat.MessageRecord) { received <- rec })
	awaitStatus(t, ch.Status(), teamchat.ChannelSubscribed)

	store := teamchat.NewMemoryStore()
	sink := tr.Sink(store)
	dest := teamchat.Destination{ChannelID: "conv-1"}

	store.FailNext(1, teamchat.Permanent(errors.New("rejected")))
	_, err := sink.Insert(context.Background(), dest, teamchat.OutgoingMessage{ClientID: "local-0", Payload: teamchat.Payload{Content: "nope"}})
	require.Error(t, err)
	assert.True(t, teamchat.IsPermanent(err))

	rec, err := sink.Insert(context.Background(), dest, teamchat.OutgoingMessage{
		ClientID: "local-1",
		Payload:  teamchat.Payload{Content: "stored", SenderID: "agent-1"},
	})
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, "local-1", got.ClientID)
		assert.Equal(t, "stored", got.Content)
	case <-time.After(waitFor):
		t.Fatal("stored message never published")
	}
}

func TestChannel_Unsubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTestTransport(t, mr)

	ch := subscribe(t, tr, "agent-1")
	awaitStatus(t, ch.Status(), teamchat.ChannelSubscribed)
	require.NoError(t, ch.Track(context.Background(), teamchat.PresenceState{UserID: "agent-1"}))
	require.NotEmpty(t, mr.HGet(PresenceKey(topic), "agent-1"))

	require.NoError(t, ch.Unsubscribe())
	assert.Empty(t, mr.HGet(PresenceKey(topic), "agent-1"))

	for range ch.Status() {
	}
	assert.ErrorIs(t, ch.Track(context.Background(), teamchat.PresenceState{UserID: "agent-1"}), teamchat.ErrChannelClosed)
	assert.NoError(t, ch.Unsubscribe())
}

func TestChannel_ResubscribesAfterOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTestTransport(t, mr, WithMaxReconnectAttempts(100))

	ch := subscribe(t, tr, "agent-1")
	awaitStatus(t, ch.Status(), teamchat.ChannelSubscribed)
	require.NoError(t, ch.Track(context.Background(), teamchat.PresenceState{UserID: "agent-1", DisplayName: "Ava"}))

	mr.Close()
	awaitStatus(t, ch.Status(), teamchat.ChannelError)
	mr.Del(PresenceKey(topic))
	require.NoError(t, mr.Restart())

	awaitStatus(t, ch.Status(), teamchat.ChannelSubscribed)
	assert.Eventually(t, func() bool {
		return mr.HGet(PresenceKey(topic), "agent-1") != ""
	}, waitFor, tick, "tracked presence was not restored")
}

func TestChannel_ResubscribeAttemptsBounded(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTestTransport(t, mr, WithMaxReconnectAttempts(2))

	ch := subscribe(t, tr, "agent-1")
	awaitStatus(t, ch.Status(), teamchat.ChannelSubscribed)

	mr.Close()
	for i := 0; i < 3; i++ {
		awaitStatus(t, ch.Status(), teamchat.ChannelError)
	}
	select {
	case status := <-ch.Status():
		t.Fatalf("unexpected status %s after attempts were exhausted", status)
	case <-time.After(200 * time.Millisecond):
	}
}
