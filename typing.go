package teamchat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/merchantdesk/teamchat/internal/observability"
)

// DefaultTypingTimeout is how long after the last keystroke typing stops.
const DefaultTypingTimeout = 2 * time.Second

// PresenceTracker publishes this participant's presence state.
type PresenceTracker interface {
	Track(ctx context.Context, state PresenceState) error
}

// Identity names the local participant.
type Identity struct {
	UserID      string `json:"userId" toml:"id"`
	DisplayName string `json:"displayName" toml:"display_name"`
}

// TypingCoordinator turns keystrokes into at most one typing=true broadcast
// per burst and one typing=false broadcast after the burst ends.
type TypingCoordinator struct {
	tracker  PresenceTracker
	self     Identity
	debounce *Debouncer
	logger   logrus.FieldLogger

	// mu serializes state flips together with their broadcasts.
	mu     sync.Mutex
	typing bool
	closed bool
}

// TypingOption configures a TypingCoordinator.
type TypingOption func(*typingConfig)

type typingConfig struct {
	timeout time.Duration
	logger  logrus.FieldLogger
}

// WithTypingTimeout overrides DefaultTypingTimeout.
func WithTypingTimeout(d time.Duration) TypingOption {
	return func(c *typingConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithTypingLogger sets the logger.
func WithTypingLogger(l logrus.FieldLogger) TypingOption {
	return func(c *typingConfig) { c.logger = l }
}

// NewTypingCoordinator creates a coordinator broadcasting through tracker.
func NewTypingCoordinator(tracker PresenceTracker, self Identity, opts ...TypingOption) *TypingCoordinator {
	cfg := typingConfig{timeout: DefaultTypingTimeout, logger: observability.GetLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}
	tc := &TypingCoordinator{
		tracker: tracker,
		self:    self,
		logger:  cfg.logger.WithFields(logrus.Fields{"component": "typing", "user_id": self.UserID}),
	}
	tc.debounce = NewDebouncer(cfg.timeout, func() { tc.StopTyping(context.Background()) })
	return tc
}

// StartTyping records a keystroke. The first one of a burst broadcasts
// typing=true; every one restarts the inactivity timer.
func (tc *TypingCoordinator) StartTyping(ctx context.Context) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return
	}
	if !tc.typing {
		tc.typing = true
		tc.broadcastLocked(ctx, true)
	}
	tc.debounce.Trigger()
}

// StopTyping ends the burst now, e.g. when the message is sent.
func (tc *TypingCoordinator) StopTyping(ctx context.Context) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return
	}
	tc.debounce.Cancel()
	if tc.typing {
		tc.typing = false
		tc.broadcastLocked(ctx, false)
	}
}

// IsTyping reports the local typing state.
func (tc *TypingCoordinator) IsTyping() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.typing
}

// Close cancels the inactivity timer. Nothing is broadcast afterwards.
func (tc *TypingCoordinator) Close() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.closed = true
	tc.typing = false
	tc.debounce.Cancel()
}

func (tc *TypingCoordinator) broadcastLocked(ctx context.Context, typing bool) {
	state := PresenceState{UserID: tc.self.UserID, DisplayName: tc.self.DisplayName, IsTyping: typing}
	if err := tc.tracker.Track(ctx, state); err != nil {
		tc.logger.WithError(err).WithField("typing", typing).Warn("failed to broadcast typing state")
	}
}

// TypingUsers lists the participants in presence that are typing, excluding
// selfID, sorted by name.
func TypingUsers(selfID string, presence PresenceMap) []TypingUser {
	seen := make(map[string]bool)
	out := []TypingUser{}
	for _, metas := range presence {
		for _, meta := range metas {
			if !meta.IsTyping || meta.UserID == "" || meta.UserID == selfID || seen[meta.UserID] {
				continue
			}
			seen[meta.UserID] = true
			out = append(out, TypingUser{ID: meta.UserID, Name: meta.DisplayName})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
