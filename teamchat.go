// Package teamchat implements the delivery and presence layer of a support
// conversation: optimistic message sends with bounded retry, realtime
// connection monitoring, debounced typing indicators, and scroll-aware unseen
// message counting.
//
// Example:
//
//	store := teamchat.NewClient("https://db.example.com", "service-key")
//	rt := teamchat.NewRealtimeClient("wss://db.example.com/realtime/v1/websocket", &teamchat.RealtimeConfig{APIKey: "service-key"})
//
//	session, _ := teamchat.OpenSession(ctx, teamchat.SessionConfig{
//		Conversation: "conv-42",
//		Self:         teamchat.Identity{UserID: "agent-1", DisplayName: "Dana"},
//		Sink:         store,
//		Transport:    rt,
//	})
//	defer session.Close()
//
//	session.StartTyping(ctx)
//	res := session.SendMessage(ctx, "Hi! Your documents are approved.", "")
package teamchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultTable   = "chat_messages"
	DefaultSchema  = "public"

	restPrefix = "/rest/v1/"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the store's REST API. It implements Sink.
type Client struct {
	apiKey     string
	baseURL    string
	table      string
	schema     string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTable sets the messages table. Defaults to DefaultTable.
func WithTable(table string) ClientOption {
	return func(c *Client) { c.table = table }
}

// WithSchema selects a non-default schema through the profile headers.
func WithSchema(schema string) ClientOption {
	return func(c *Client) { c.schema = schema }
}

// NewClient creates a store client for baseURL authenticated with apiKey.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		table:   DefaultTable,
		schema:  DefaultSchema,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Table returns the messages table name.
func (c *Client) Table() string {
	return c.table
}

// ============================================================================
// Internal request helper
// ============================================================================

// doRequest performs a JSON request. Transport failures and 5xx, 408 and 429
// responses are returned as transient errors; other 4xx responses are
// wrapped with Permanent.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values, header http.Header) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, Permanent(fmt.Errorf("failed to marshal request: %w", err))
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.schema != "" && c.schema != DefaultSchema {
		req.Header.Set("Accept-Profile", c.schema)
		req.Header.Set("Content-Profile", c.schema)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, classifyStatus(resp.StatusCode, data)
	}
	return data, nil
}

func classifyStatus(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}
	if apiErr.Code == "" {
		apiErr.Code = strconv.Itoa(status)
	}

	switch {
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return apiErr
	default:
		return Permanent(apiErr)
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Messages
// ============================================================================

type insertRow struct {
	ClientID   string         `json:"client_id,omitempty"`
	ChannelID  string         `json:"channel_id"`
	Content    string         `json:"content"`
	SenderID   string         `json:"sender_id"`
	SenderName string         `json:"sender_name,omitempty"`
	ReplyToID  string         `json:"reply_to_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Insert implements Sink.
func (c *Client) Insert(ctx context.Context, dest Destination, msg OutgoingMessage) (*MessageRecord, error) {
	return c.InsertMessage(ctx, dest, msg)
}

// InsertMessage writes one message row and returns the stored representation.
func (c *Client) InsertMessage(ctx context.Context, dest Destination, msg OutgoingMessage) (*MessageRecord, error) {
	row := insertRow{
		ClientID:   msg.ClientID,
		ChannelID:  dest.ChannelID,
		Content:    msg.Payload.Content,
		SenderID:   msg.Payload.SenderID,
		SenderName: msg.Payload.SenderName,
		ReplyToID:  msg.Payload.ReplyToID,
		Metadata:   msg.Payload.Metadata,
		CreatedAt:  msg.Payload.CreatedAt,
	}
	header := http.Header{}
	header.Set("Prefer", "return=representation")

	data, err := c.doRequest(ctx, http.MethodPost, restPrefix+c.table, []insertRow{row}, nil, header)
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]MessageRecord](data)
	if err != nil || len(*rows) == 0 {
		// The row was written; the representation is missing or unreadable.
		rec := RecordFor(dest, msg)
		return &rec, nil
	}
	rec := (*rows)[0]
	return &rec, nil
}

// ListMessages returns up to limit of the newest messages in channelID, oldest first.
func (c *Client) ListMessages(ctx context.Context, channelID string, limit int) ([]MessageRecord, error) {
	if channelID == "" {
		return nil, ErrNoDestination
	}
	q := url.Values{}
	q.Set("select", "*")
	q.Set("channel_id", "eq."+channelID)
	q.Set("order", "created_at.desc")
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	data, err := c.doRequest(ctx, http.MethodGet, restPrefix+c.table, nil, q, nil)
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]MessageRecord](data)
	if err != nil {
		return nil, err
	}
	out := *rows
	slices.Reverse(out)
	return out, nil
}

// DeleteMessage removes message id from channelID.
func (c *Client) DeleteMessage(ctx context.Context, channelID, id string) error {
	if channelID == "" || id == "" {
		return errors.New("channel id and message id are required")
	}
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("channel_id", "eq."+channelID)
	_, err := c.doRequest(ctx, http.MethodDelete, restPrefix+c.table, nil, q, nil)
	return err
}

// Health checks that the REST endpoint is reachable and the key is accepted.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, restPrefix, nil, nil, nil)
	return err
}
