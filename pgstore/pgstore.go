// Package pgstore persists chat messages directly in PostgreSQL through gorm.
//
// Store implements teamchat.Sink. Rows carry the optimistic client id under a
// unique index, so a retried insert whose first acknowledgment was lost
// resolves to the row already written instead of a duplicate.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/merchantdesk/teamchat"
	"github.com/merchantdesk/teamchat/internal/observability"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"

	uniqueViolation = "23505"
)

// Option defines connection options for PostgreSQL.
type Option struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
	// Table is the messages table. Defaults to teamchat.DefaultTable.
	Table  string
	Config *gorm.Config
	Logger logrus.FieldLogger
}

// Store is a teamchat.Sink backed by a PostgreSQL table.
type Store struct {
	db     *gorm.DB
	table  string
	logger logrus.FieldLogger
}

var _ teamchat.Sink = (*Store)(nil)

// messageRow is the table layout.
type messageRow struct {
	ID         string         `gorm:"column:id;type:uuid;primaryKey;default:gen_random_uuid()"`
	ClientID   *string        `gorm:"column:client_id;uniqueIndex"`
	ChannelID  string         `gorm:"column:channel_id;not null;index:idx_channel_created,priority:1"`
	Content    string         `gorm:"column:content;not null"`
	SenderID   string         `gorm:"column:sender_id;not null"`
	SenderName string         `gorm:"column:sender_name"`
	ReplyToID  *string        `gorm:"column:reply_to_id"`
	Metadata   map[string]any `gorm:"column:metadata;type:jsonb;serializer:json"`
	CreatedAt  time.Time      `gorm:"column:created_at;not null;index:idx_channel_created,priority:2"`
}

// New opens a store from the provided options.
func New(option Option) (*Store, error) {
	connString, err := option.dsn()
	if err != nil {
		return nil, err
	}

	config := option.Config
	if config == nil {
		config = &gorm.Config{}
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	s := NewWithDB(db, option.Table)
	if option.Logger != nil {
		s.logger = option.Logger.WithField("component", "pgstore")
	}
	return s, nil
}

// NewWithDB wraps an existing gorm handle.
func NewWithDB(db *gorm.DB, table string) *Store {
	if table == "" {
		table = teamchat.DefaultTable
	}
	return &Store{
		db:     db,
		table:  table,
		logger: observability.WithField("component", "pgstore"),
	}
}

// DB returns the underlying gorm.DB instance.
func (s *Store) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// Table returns the messages table name.
func (s *Store) Table() string {
	return s.table
}

// AutoMigrate creates or updates the messages table.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).Table(s.table).AutoMigrate(&messageRow{})
}

// Insert implements teamchat.Sink.
func (s *Store) Insert(ctx context.Context, dest teamchat.Destination, msg teamchat.OutgoingMessage) (*teamchat.MessageRecord, error) {
	row := rowFor(dest, msg)
	err := s.db.WithContext(ctx).Table(s.table).Create(&row).Error
	if err == nil {
		rec := row.record()
		return &rec, nil
	}

	if msg.ClientID != "" && pgCode(err) == uniqueViolation {
		existing, lookupErr := s.byClientID(ctx, msg.ClientID)
		if lookupErr == nil {
			s.logger.WithFields(logrus.Fields{
				"client_id":  msg.ClientID,
				"message_id": existing.ID,
			}).Info("message already stored, returning existing row")
			return existing, nil
		}
		s.logger.WithError(lookupErr).WithField("client_id", msg.ClientID).Warn("duplicate client id lookup failed")
	}
	return nil, classify(err)
}

func (s *Store) byClientID(ctx context.Context, clientID string) (*teamchat.MessageRecord, error) {
	var row messageRow
	err := s.db.WithContext(ctx).Table(s.table).Where("client_id = ?", clientID).Take(&row).Error
	if err != nil {
		return nil, err
	}
	rec := row.record()
	return &rec, nil
}

// List returns up to limit of the newest messages in channelID, oldest first.
func (s *Store) List(ctx context.Context, channelID string, limit int) ([]teamchat.MessageRecord, error) {
	if channelID == "" {
		return nil, teamchat.ErrNoDestination
	}
	q := s.db.WithContext(ctx).Table(s.table).Where("channel_id = ?", channelID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []messageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, classify(err)
	}
	out := make([]teamchat.MessageRecord, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = row.record()
	}
	return out, nil
}

// Delete removes message id from channelID. Deleting a missing row is not an error.
func (s *Store) Delete(ctx context.Context, channelID, id string) error {
	if channelID == "" || id == "" {
		return errors.New("pgstore: channel id and message id are required")
	}
	err := s.db.WithContext(ctx).Table(s.table).
		Where("id = ? AND channel_id = ?", id, channelID).
		Delete(&messageRow{}).Error
	return classify(err)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================================
// Rows
// ============================================================================

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func rowFor(dest teamchat.Destination, msg teamchat.OutgoingMessage) messageRow {
	rec := teamchat.RecordFor(dest, msg)
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return messageRow{
		ClientID:   optional(rec.ClientID),
		ChannelID:  rec.ChannelID,
		Content:    rec.Content,
		SenderID:   rec.SenderID,
		SenderName: rec.SenderName,
		ReplyToID:  optional(rec.ReplyToID),
		Metadata:   rec.Metadata,
		CreatedAt:  createdAt,
	}
}

func (r messageRow) record() teamchat.MessageRecord {
	return teamchat.MessageRecord{
		ID:         r.ID,
		ClientID:   deref(r.ClientID),
		ChannelID:  r.ChannelID,
		Content:    r.Content,
		SenderID:   r.SenderID,
		SenderName: r.SenderName,
		ReplyToID:  deref(r.ReplyToID),
		Metadata:   r.Metadata,
		CreatedAt:  r.CreatedAt,
	}
}

// ============================================================================
// Errors
// ============================================================================

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// classify marks errors that retrying cannot fix as permanent. SQLSTATE
// classes 22 (data exception), 23 (integrity constraint), 28 (authorization)
// and 42 (syntax or access rule) are permanent; connection loss, serialization
// failures and resource exhaustion stay transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	code := pgCode(err)
	if len(code) >= 2 {
		switch code[:2] {
		case "22", "23", "28", "42":
			return teamchat.Permanent(err)
		}
	}
	if errors.Is(err, gorm.ErrInvalidData) || errors.Is(err, gorm.ErrInvalidField) {
		return teamchat.Permanent(err)
	}
	return err
}

// ============================================================================
// Connection string
// ============================================================================

func (opt Option) dsn() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	if strings.ContainsAny(host, "/?#") {
		return "", fmt.Errorf("pgstore: invalid host %q", host)
	}

	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}

	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String(), nil
}
