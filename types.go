package teamchat

import (
	"encoding/json"
	"maps"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// Destination names the conversation a message belongs to and the
// persistence target it is written to. An empty Target selects the default sink.
type Destination struct {
	ChannelID string `json:"channelId"`
	Target    string `json:"target,omitempty"`
}

// Payload is the immutable content of an outgoing message.
type Payload struct {
	Content    string         `json:"content"`
	SenderID   string         `json:"senderId"`
	SenderName string         `json:"senderName,omitempty"`
	ReplyToID  string         `json:"replyToId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func (p Payload) clone() Payload {
	p.Metadata = maps.Clone(p.Metadata)
	return p
}

// OutgoingMessage is what a Sink receives. ClientID is the optimistic id and is
// identical across every attempt for the same logical message.
type OutgoingMessage struct {
	ClientID string
	Payload  Payload
}

// MessageRecord is a message as persisted by the store.
type MessageRecord struct {
	ID         string         `json:"id"`
	ClientID   string         `json:"client_id,omitempty"`
	ChannelID  string         `json:"channel_id"`
	Content    string         `json:"content"`
	SenderID   string         `json:"sender_id"`
	SenderName string         `json:"sender_name,omitempty"`
	ReplyToID  string         `json:"reply_to_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// RecordFor builds the record a sink would persist for msg, without a server id.
func RecordFor(dest Destination, msg OutgoingMessage) MessageRecord {
	return MessageRecord{
		ClientID:   msg.ClientID,
		ChannelID:  dest.ChannelID,
		Content:    msg.Payload.Content,
		SenderID:   msg.Payload.SenderID,
		SenderName: msg.Payload.SenderName,
		ReplyToID:  msg.Payload.ReplyToID,
		Metadata:   maps.Clone(msg.Payload.Metadata),
		CreatedAt:  msg.Payload.CreatedAt,
	}
}

// DeliveryStatus is the lifecycle state of a PendingMessage.
type DeliveryStatus string

const (
	StatusQueued     DeliveryStatus = "queued"
	StatusAttempting DeliveryStatus = "attempting"
	StatusDelivered  DeliveryStatus = "delivered"
	StatusFailed     DeliveryStatus = "failed"
	StatusCancelled  DeliveryStatus = "cancelled"
)

// PendingMessage is a message whose persistence has not been confirmed yet.
type PendingMessage struct {
	ID            string         `json:"id"`
	Destination   Destination    `json:"destination"`
	Payload       Payload        `json:"payload"`
	Attempts      int            `json:"attempts"`
	LastAttemptAt time.Time      `json:"lastAttemptAt"`
	Status        DeliveryStatus `json:"status"`
	LastError     string         `json:"lastError,omitempty"`
}

// SendResult is returned synchronously by Dispatcher.Send.
//
// On success ID is the server-confirmed id. Otherwise ID is the optimistic id
// the caller should key its "sending" affordance on.
type SendResult struct {
	Success  bool
	ID       string
	ClientID string
	Record   *MessageRecord
	Err      error
}

// ============================================================================
// Connection
// ============================================================================

// ChannelStatus is a subscription lifecycle status reported by a transport.
type ChannelStatus string

const (
	ChannelSubscribed ChannelStatus = "SUBSCRIBED"
	ChannelError      ChannelStatus = "CHANNEL_ERROR"
	ChannelTimedOut   ChannelStatus = "TIMED_OUT"
	ChannelClosed     ChannelStatus = "CLOSED"
)

// ConnectionState is the monitored view of a realtime channel.
type ConnectionState struct {
	Connected    bool `json:"connected"`
	Reconnecting bool `json:"reconnecting"`
	AttemptCount int  `json:"attemptCount"`
}

// ============================================================================
// Presence
// ============================================================================

// PresenceState is the ephemeral state a participant tracks on a conversation topic.
type PresenceState struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	IsTyping    bool   `json:"isTyping"`
	// Ref identifies one tracked instance (a tab or device) under a key.
	// The server assigns it.
	Ref string `json:"phx_ref,omitempty"`
}

// PresenceMap maps a presence key to the states tracked under it.
type PresenceMap map[string][]PresenceState

// Clone returns a deep copy of m.
func (m PresenceMap) Clone() PresenceMap {
	out := make(PresenceMap, len(m))
	for k, v := range m {
		out[k] = append([]PresenceState(nil), v...)
	}
	return out
}

// Apply merges a presence diff into m. A key keeps the instances that did not
// leave; a leave without states removes the whole key. Instances match by Ref,
// and states without a Ref match each other. Leaves are processed before joins
// so a key that re-tracks within the same diff ends up present.
func (m PresenceMap) Apply(joins, leaves PresenceMap) {
	for k, left := range leaves {
		if len(left) == 0 {
			delete(m, k)
			continue
		}
		if kept := withoutRefs(m[k], left); len(kept) > 0 {
			m[k] = kept
		} else {
			delete(m, k)
		}
	}
	for k, joined := range joins {
		m[k] = append(withoutRefs(m[k], joined), joined...)
	}
}

// withoutRefs returns the states in cur whose Ref is not used in drop.
func withoutRefs(cur, drop []PresenceState) []PresenceState {
	refs := make(map[string]bool, len(drop))
	for _, s := range drop {
		refs[s.Ref] = true
	}
	out := make([]PresenceState, 0, len(cur))
	for _, s := range cur {
		if !refs[s.Ref] {
			out = append(out, s)
		}
	}
	return out
}

// TypingUser is a participant currently typing.
type TypingUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ============================================================================
// Store errors
// ============================================================================

// APIError is an error response from the store's REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ChangeEvent is a row change delivered by the store's change feed.
type ChangeEvent struct {
	Type      string          `json:"type"`
	Table     string          `json:"table"`
	Schema    string          `json:"schema"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}
