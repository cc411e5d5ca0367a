package teamchat

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ChannelOptions configures a subscription.
type ChannelOptions struct {
	// PresenceKey identifies this participant's presence entry, normally the user id.
	PresenceKey string
	// Table and Filter select the row changes forwarded to OnMessage.
	Table  string
	Filter string
}

// Transport opens realtime channels.
type Transport interface {
	Subscribe(ctx context.Context, topic string, opts ChannelOptions) (Channel, error)
}

// Channel is one subscribed topic.
//
// Status delivers lifecycle transitions and is closed by Unsubscribe. After
// Unsubscribe no handler runs and Track returns ErrChannelClosed.
type Channel interface {
	Topic() string
	Status() <-chan ChannelStatus
	Track(ctx context.Context, state PresenceState) error
	Presence() PresenceMap
	OnSync(fn func(PresenceMap))
	OnMessage(fn func(MessageRecord))
	Unsubscribe() error
}

// statusBuffer bounds undelivered status transitions per channel.
const statusBuffer = 32

// safeCall runs fn and logs instead of propagating a panic.
func safeCall(logger logrus.FieldLogger, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Errorf("%s handler panicked", what)
		}
	}()
	fn()
}
