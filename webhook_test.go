package teamchat

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-change-feed-secret"

func makeChangeBody(t *testing.T, typ, table string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"type":   typ,
		"table":  table,
		"schema": "public",
		"record": map[string]any{
			"id":          "msg-001",
			"client_id":   "local-1",
			"channel_id":  "conv-001",
			"content":     "Hello from test",
			"sender_id":   "user-001",
			"sender_name": "Test User",
			"created_at":  "2026-01-01T00:00:00Z",
		},
		"old_record": nil,
	})
	require.NoError(t, err)
	return b
}

// ============================================================================
// VerifySignature
// ============================================================================

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"type":"INSERT"}`)
	sig := SignBody(body, testSecret)
	require.True(t, strings.HasPrefix(sig, "sha256="))

	cases := []struct {
		name string
		body []byte
		sig  string
		key  string
		want bool
	}{
		{"prefixed", body, sig, testSecret, true},
		{"bare hex", body, strings.TrimPrefix(sig, "sha256="), testSecret, true},
		{"wrong secret", body, sig, "other", false},
		{"tampered body", []byte(`{"type":"DELETE"}`), sig, testSecret, false},
		{"empty signature", body, "", testSecret, false},
		{"prefix only", body, "sha256=", testSecret, false},
		{"truncated", body, sig[:20], testSecret, false},
		{"empty body", nil, sig, testSecret, false},
		{"empty secret", body, sig, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, VerifySignature(tc.body, tc.sig, tc.key))
		})
	}
}

// ============================================================================
// ParseChangeEvent
// ============================================================================

func TestParseChangeEvent(t *testing.T) {
	ev, err := ParseChangeEvent(makeChangeBody(t, ChangeInsert, "chat_messages"))
	require.NoError(t, err)
	assert.Equal(t, ChangeInsert, ev.Type)
	assert.Equal(t, "chat_messages", ev.Table)

	msg, err := ev.Message()
	require.NoError(t, err)
	assert.Equal(t, "msg-001", msg.ID)
	assert.Equal(t, "local-1", msg.ClientID)
	assert.Equal(t, "conv-001", msg.ChannelID)
	assert.Equal(t, "Test User", msg.SenderName)
}

func TestParseChangeEvent_Invalid(t *testing.T) {
	cases := map[string]string{
		"not json":      `{nope`,
		"missing type":  `{"table":"chat_messages"}`,
		"unknown type":  `{"type":"TRUNCATE","table":"chat_messages"}`,
		"missing table": `{"type":"INSERT"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseChangeEvent([]byte(body))
			assert.Error(t, err)
		})
	}

	ev, err := ParseChangeEvent([]byte(`{"type":"DELETE","table":"chat_messages","record":null}`))
	require.NoError(t, err)
	_, err = ev.Message()
	assert.Error(t, err)
}

// ============================================================================
// ChangeFeed
// ============================================================================

func TestNewChangeFeed_RequiresSecret(t *testing.T) {
	_, err := NewChangeFeed("", "", func(*ChangeEvent) error { return nil })
	assert.Error(t, err)
}

func TestChangeFeed_Handle(t *testing.T) {
	var got []*ChangeEvent
	feed, err := NewChangeFeed(testSecret, "", func(ev *ChangeEvent) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)

	body := makeChangeBody(t, ChangeInsert, DefaultTable)
	status, resp := feed.Handle(body, SignBody(body, testSecret))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]bool{"ok": true}, resp)
	require.Len(t, got, 1)

	status, _ = feed.Handle(body, SignBody(body, "wrong"))
	assert.Equal(t, http.StatusUnauthorized, status)

	bad := []byte(`{"type":"INSERT"}`)
	status, _ = feed.Handle(bad, SignBody(bad, testSecret))
	assert.Equal(t, http.StatusBadRequest, status)

	other := makeChangeBody(t, ChangeInsert, "audit_log")
	status, resp = feed.Handle(other, SignBody(other, testSecret))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]bool{"ignored": true}, resp)
	assert.Len(t, got, 1)
}

func TestChangeFeed_HandlerError(t *testing.T) {
	feed, err := NewChangeFeed(testSecret, "", func(*ChangeEvent) error {
		return errors.New("downstream unavailable")
	})
	require.NoError(t, err)

	body := makeChangeBody(t, ChangeUpdate, DefaultTable)
	status, resp := feed.Handle(body, SignBody(body, testSecret))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, map[string]string{"error": "downstream unavailable"}, resp)
}

func TestChangeFeed_HTTPHandler(t *testing.T) {
	received := make(chan *ChangeEvent, 1)
	feed, err := NewChangeFeed(testSecret, "", func(ev *ChangeEvent) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	srv := httptest.NewServer(feed.HTTPHandler())
	defer srv.Close()

	body := makeChangeBody(t, ChangeInsert, DefaultTable)
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(string(body)))
	require.NoError(t, err)
	req.Header.Set(SignatureHeader, SignBody(body, testSecret))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	data, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"ok":true}`, string(data))

	ev := <-received
	assert.Equal(t, DefaultTable, ev.Table)

	getResp, err := http.Get(srv.URL)
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)
}
