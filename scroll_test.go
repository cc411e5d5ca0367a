package teamchat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func scrolledUp() ScrollMetrics {
	return ScrollMetrics{ScrollTop: 0, ScrollHeight: 2000, ClientHeight: 600}
}

func atBottom() ScrollMetrics {
	return ScrollMetrics{ScrollTop: 1350, ScrollHeight: 2000, ClientHeight: 600}
}

func TestScrollTracker_StartsAtBottom(t *testing.T) {
	st := NewScrollTracker(0)
	assert.True(t, st.NearBottom())
	assert.True(t, st.RecordIncomingMessage())
	assert.Zero(t, st.UnseenCount())
	assert.False(t, st.ShowJumpButton())
}

func TestScrollTracker_CountsWhileScrolledUp(t *testing.T) {
	st := NewScrollTracker(DefaultScrollThreshold)
	st.RecordScroll(scrolledUp())

	for i := 0; i < 3; i++ {
		assert.False(t, st.RecordIncomingMessage())
	}
	assert.Equal(t, 3, st.UnseenCount())
	assert.True(t, st.ShowJumpButton())

	st.ScrollToBottom()
	assert.Zero(t, st.UnseenCount())
	assert.True(t, st.NearBottom())
	assert.False(t, st.ShowJumpButton())
}

func TestScrollTracker_ReachingBottomClearsCount(t *testing.T) {
	st := NewScrollTracker(DefaultScrollThreshold)
	st.RecordScroll(scrolledUp())
	st.RecordIncomingMessage()
	st.RecordIncomingMessage()

	st.RecordScroll(atBottom())
	assert.Zero(t, st.UnseenCount())
	assert.True(t, st.NearBottom())
}

func TestScrollTracker_ThresholdIsExclusive(t *testing.T) {
	st := NewScrollTracker(100)

	st.RecordScroll(ScrollMetrics{ScrollTop: 1300, ScrollHeight: 2000, ClientHeight: 600})
	assert.False(t, st.NearBottom())

	st.RecordScroll(ScrollMetrics{ScrollTop: 1301, ScrollHeight: 2000, ClientHeight: 600})
	assert.True(t, st.NearBottom())
}
