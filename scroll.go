package teamchat

import "sync"

// DefaultScrollThreshold is the distance from the bottom, in pixels, that
// still counts as "at the bottom".
const DefaultScrollThreshold = 100

// ScrollMetrics is a viewport measurement.
type ScrollMetrics struct {
	ScrollTop    float64 `json:"scrollTop"`
	ScrollHeight float64 `json:"scrollHeight"`
	ClientHeight float64 `json:"clientHeight"`
}

// DistanceFromBottom returns how far the viewport is from the end of the content.
func (m ScrollMetrics) DistanceFromBottom() float64 {
	return m.ScrollHeight - m.ScrollTop - m.ClientHeight
}

// ScrollTracker counts messages that arrive while the reader is scrolled up.
type ScrollTracker struct {
	threshold float64

	mu         sync.Mutex
	nearBottom bool
	unseen     int
}

// NewScrollTracker creates a tracker that starts at the bottom.
// A non-positive threshold selects DefaultScrollThreshold.
func NewScrollTracker(threshold float64) *ScrollTracker {
	if threshold <= 0 {
		threshold = DefaultScrollThreshold
	}
	return &ScrollTracker{threshold: threshold, nearBottom: true}
}

// RecordScroll updates the position. Reaching the bottom clears the unseen count.
func (t *ScrollTracker) RecordScroll(m ScrollMetrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nearBottom = m.DistanceFromBottom() < t.threshold
	if t.nearBottom {
		t.unseen = 0
	}
}

// RecordIncomingMessage counts a new message. It reports whether the view
// should follow it to the bottom.
func (t *ScrollTracker) RecordIncomingMessage() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nearBottom {
		return true
	}
	t.unseen++
	return false
}

// ScrollToBottom clears the unseen count and marks the view at the bottom.
func (t *ScrollTracker) ScrollToBottom() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unseen = 0
	t.nearBottom = true
}

// NearBottom reports whether the view is within the threshold of the bottom.
func (t *ScrollTracker) NearBottom() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nearBottom
}

// UnseenCount returns the messages received while scrolled up.
func (t *ScrollTracker) UnseenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unseen
}

// ShowJumpButton reports whether a "new messages" affordance should be shown.
func (t *ScrollTracker) ShowJumpButton() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.nearBottom && t.unseen > 0
}
