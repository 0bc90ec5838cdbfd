package widget

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// UserRef identifies a message sender. It is owned by the presence
// collaborator; the widget core only reads it.
type UserRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	AvatarColor string `json:"color,omitempty"`
	AvatarURL   string `json:"avatar,omitempty"`
}

// Message is one chat message. Text is HTML-entity-escaped at rest and on
// the wire; it is unescaped only at render time.
type Message struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	User      UserRef `json:"user"`
	Timestamp int64   `json:"ts"`
}

// messageKeyPattern matches valid message ids / room child keys:
// "<sendTimeMillis>_<random>".
var messageKeyPattern = regexp.MustCompile(`^\d+_\d+$`)

// NewMessageID builds a message id from the send time and a random suffix in
// [1, 999999999]. Uniqueness is overwhelmingly probable, not guaranteed; the
// sync controller handles the collision case via the room's create-only
// write.
func NewMessageID(now time.Time) string {
	return fmt.Sprintf("%d_%d", now.UnixMilli(), rand.Int64N(999999999)+1)
}

// MessageIDMillis extracts the millisecond timestamp prefix used as the
// history sort key.
func MessageIDMillis(id string) (int64, bool) {
	i := strings.IndexByte(id, '_')
	if i <= 0 {
		return 0, false
	}
	ms, err := strconv.ParseInt(id[:i], 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

var errMalformedMessage = errors.New("widget: malformed message")

// Validate rejects messages missing required fields. A malformed message is
// skipped rather than failing the whole list.
func (m *Message) Validate() error {
	if m == nil || !messageKeyPattern.MatchString(m.ID) {
		return errMalformedMessage
	}
	if m.User.ID == "" {
		return errMalformedMessage
	}
	if m.Timestamp <= 0 {
		return errMalformedMessage
	}
	return nil
}
