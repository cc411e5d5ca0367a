// Package kafkasink appends chat messages to a Kafka topic. Messages are keyed
// by conversation so a conversation stays ordered within one partition.
package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/merchantdesk/teamchat"
	"github.com/merchantdesk/teamchat/internal/observability"
)

// EventMessageCreated is the envelope event for an appended message.
const EventMessageCreated = "message.created"

// Header keys set on every record.
const (
	HeaderClientID    = "client-id"
	HeaderSenderID    = "sender-id"
	HeaderEvent       = "event"
	HeaderContentType = "content-type"
)

// Writer is the part of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures a Kafka-backed sink.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	BatchTimeout time.Duration
	Logger       logrus.FieldLogger
}

// Envelope is the JSON value written for each message.
type Envelope struct {
	Event  string                 `json:"event"`
	Record teamchat.MessageRecord `json:"record"`
}

// Sink is a teamchat.Sink that appends to a Kafka topic.
type Sink struct {
	writer Writer
	topic  string
	logger logrus.FieldLogger
}

var _ teamchat.Sink = (*Sink)(nil)

// New creates a sink with a synchronous writer. The writer makes a single
// attempt per call; retries belong to the caller's retry queue.
func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafkasink: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafkasink: topic is required")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            1,
		WriteTimeout:           cfg.WriteTimeout,
		ReadTimeout:            cfg.WriteTimeout,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: false,
		Async:                  false,
	}
	return NewWithWriter(writer, cfg.Topic, cfg.Logger), nil
}

// NewWithWriter wraps an existing writer.
func NewWithWriter(w Writer, topic string, logger logrus.FieldLogger) *Sink {
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &Sink{
		writer: w,
		topic:  topic,
		logger: logger.WithFields(logrus.Fields{"component": "kafkasink", "topic": topic}),
	}
}

// Insert implements teamchat.Sink. The record id is the client id when one is
// set, so consumers can drop redelivered copies.
func (s *Sink) Insert(ctx context.Context, dest teamchat.Destination, msg teamchat.OutgoingMessage) (*teamchat.MessageRecord, error) {
	rec := teamchat.RecordFor(dest, msg)
	rec.ID = msg.ClientID
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	value, err := json.Marshal(Envelope{Event: EventMessageCreated, Record: rec})
	if err != nil {
		return nil, teamchat.Permanent(fmt.Errorf("marshal message: %w", err))
	}

	km := kafka.Message{
		Key:   []byte(dest.ChannelID),
		Value: value,
		Time:  rec.CreatedAt,
		Headers: []kafka.Header{
			{Key: HeaderEvent, Value: []byte(EventMessageCreated)},
			{Key: HeaderContentType, Value: []byte("application/json")},
			{Key: HeaderClientID, Value: []byte(msg.ClientID)},
			{Key: HeaderSenderID, Value: []byte(rec.SenderID)},
		},
	}

	if err := s.writer.WriteMessages(ctx, km); err != nil {
		err = classify(err)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"client_id": msg.ClientID,
			"permanent": teamchat.IsPermanent(err),
		}).Warn("failed to append message")
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"client_id": msg.ClientID, "channel_id": dest.ChannelID}).Debug("message appended")
	return &rec, nil
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}

// permanentCodes are broker errors a retry cannot fix.
var permanentCodes = map[kafka.Error]bool{
	kafka.InvalidMessage:             true,
	kafka.MessageSizeTooLarge:        true,
	kafka.InvalidTopic:               true,
	kafka.RecordListTooLarge:         true,
	kafka.InvalidRequiredAcks:        true,
	kafka.TopicAuthorizationFailed:   true,
	kafka.ClusterAuthorizationFailed: true,
}

func classify(err error) error {
	var tooLarge kafka.MessageTooLargeError
	if errors.As(err, &tooLarge) {
		return teamchat.Permanent(err)
	}

	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil && teamchat.IsPermanent(classify(e)) {
				return teamchat.Permanent(err)
			}
		}
		return err
	}

	var code kafka.Error
	if errors.As(err, &code) && permanentCodes[code] {
		return teamchat.Permanent(err)
	}
	return err
}
