package teamchat

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SignatureHeader carries the change-feed HMAC signature.
const SignatureHeader = "X-Teamchat-Signature"

// Change types delivered by the feed.
const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

// ChangeHandlerFunc handles one verified change event.
type ChangeHandlerFunc func(ev *ChangeEvent) error

// Message decodes the new row of an INSERT or UPDATE as a message.
func (e *ChangeEvent) Message() (*MessageRecord, error) {
	if len(e.Record) == 0 || string(e.Record) == "null" {
		return nil, fmt.Errorf("change event has no record")
	}
	var rec MessageRecord
	if err := json.Unmarshal(e.Record, &rec); err != nil {
		return nil, fmt.Errorf("invalid message record: %w", err)
	}
	return &rec, nil
}

// ============================================================================
// Standalone Functions
// ============================================================================

// SignBody returns the signature header value for body.
func SignBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature with or without the
// "sha256=" prefix, in constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := strings.TrimPrefix(SignBody(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseChangeEvent parses a raw change-feed body.
func ParseChangeEvent(body []byte) (*ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("invalid JSON in change event: %w", err)
	}

	switch ev.Type {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
	case "":
		return nil, fmt.Errorf("missing type field in change event")
	default:
		return nil, fmt.Errorf("unknown change type: %s", ev.Type)
	}
	if ev.Table == "" {
		return nil, fmt.Errorf("missing table field in change event")
	}
	return &ev, nil
}

// ============================================================================
// ChangeFeed
// ============================================================================

// ChangeFeed verifies and dispatches change-feed deliveries for one table.
type ChangeFeed struct {
	secret   string
	table    string
	onChange ChangeHandlerFunc
}

// NewChangeFeed creates a receiver for table. Events for other tables are acknowledged and ignored.
func NewChangeFeed(secret, table string, onChange ChangeHandlerFunc) (*ChangeFeed, error) {
	if secret == "" {
		return nil, fmt.Errorf("change feed secret is required")
	}
	if table == "" {
		table = DefaultTable
	}
	return &ChangeFeed{secret: secret, table: table, onChange: onChange}, nil
}

// Handle verifies, parses and dispatches body. It returns the status code and
// response body for the caller to write.
func (f *ChangeFeed) Handle(body []byte, signature string) (int, any) {
	if !VerifySignature(body, signature, f.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	ev, err := ParseChangeEvent(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if ev.Table != f.table {
		return http.StatusOK, map[string]bool{"ignored": true}
	}

	if err := f.onChange(ev); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes change-feed requests.
//
// Example:
//
//	feed, _ := teamchat.NewChangeFeed("secret", "", session.HandleChange)
//	http.Handle("/hooks/messages", feed.HTTPHandler())
func (f *ChangeFeed) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := f.Handle(body, r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
