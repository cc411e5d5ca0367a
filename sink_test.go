package teamchat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkRouter(t *testing.T) {
	primary := NewMemoryStore()
	archive := NewMemoryStore()
	router := NewSinkRouter(primary)
	router.Register("archive", archive)
	ctx := context.Background()
	msg := OutgoingMessage{ClientID: "local-1", Payload: testPayload("hi")}

	_, err := router.Insert(ctx, Destination{ChannelID: "conv-1"}, msg)
	require.NoError(t, err)
	_, err = router.Insert(ctx, Destination{ChannelID: "conv-1", Target: "archive"}, msg)
	require.NoError(t, err)

	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, 1, archive.Calls())
	assert.Equal(t, []string{"archive"}, router.Targets())

	_, err = router.Insert(ctx, Destination{ChannelID: "conv-1", Target: "search"}, msg)
	assert.ErrorIs(t, err, ErrUnknownTarget)
	assert.True(t, IsPermanent(err))

	_, err = NewSinkRouter(nil).Insert(ctx, Destination{ChannelID: "conv-1"}, msg)
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestSinkFunc(t *testing.T) {
	var got Destination
	sink := SinkFunc(func(_ context.Context, dest Destination, msg OutgoingMessage) (*MessageRecord, error) {
		got = dest
		rec := RecordFor(dest, msg)
		return &rec, nil
	})

	rec, err := sink.Insert(context.Background(), testDest, OutgoingMessage{ClientID: "local-1", Payload: testPayload("hi")})
	require.NoError(t, err)
	assert.Equal(t, testDest, got)
	assert.Equal(t, "hi", rec.Content)
}

func TestPermanentError(t *testing.T) {
	base := errors.New("bad row")
	err := Permanent(base)

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "permanent error: bad row", err.Error())
	assert.True(t, IsPermanent(errors.Join(errors.New("context"), err)))
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}

// ============================================================================
// MemoryStore
// ============================================================================

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")
	store.FailNext(1, boom)

	_, err := store.Insert(ctx, testDest, OutgoingMessage{ClientID: "a", Payload: testPayload("one")})
	assert.ErrorIs(t, err, boom)

	early := testPayload("early")
	early.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec, err := store.Insert(ctx, testDest, OutgoingMessage{ClientID: "b", Payload: testPayload("two")})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", rec.ID)
	_, err = store.Insert(ctx, testDest, OutgoingMessage{ClientID: "c", Payload: early})
	require.NoError(t, err)

	msgs := store.Messages(testDest.ChannelID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "early", msgs[0].Content)
	assert.Equal(t, 3, store.Calls())
	assert.Empty(t, store.Messages("other"))
}

func TestMemoryStore_DelayHonoursContext(t *testing.T) {
	store := NewMemoryStore()
	store.SetDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := store.Insert(ctx, testDest, OutgoingMessage{ClientID: "a", Payload: testPayload("one")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
