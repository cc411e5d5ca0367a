package teamchat

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyContent      = errors.New("teamchat: message content is empty")
	ErrContentTooLong    = errors.New("teamchat: message content exceeds maximum length")
	ErrNoDestination     = errors.New("teamchat: destination channel is required")
	ErrQueueFull         = errors.New("teamchat: retry queue is full")
	ErrQueueClosed       = errors.New("teamchat: retry queue is closed")
	ErrDuplicateID       = errors.New("teamchat: message id is already pending")
	ErrAttemptsExhausted = errors.New("teamchat: message has no attempts left")
	ErrUnknownTarget     = errors.New("teamchat: unknown persistence target")
	ErrNotConnected      = errors.New("teamchat: realtime socket is not connected")
	ErrChannelClosed     = errors.New("teamchat: channel is unsubscribed")
	ErrSessionClosed     = errors.New("teamchat: session is closed")
)

// PermanentError marks a persistence failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so IsPermanent reports true. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err must not be retried. Unclassified errors are transient.
func IsPermanent(err error) bool {
	var permanentErr *PermanentError
	return errors.As(err, &permanentErr)
}
