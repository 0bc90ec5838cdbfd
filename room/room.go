// Package room implements a realtime key-value room: a remote namespace of
// slash-separated paths supporting point-in-time collection reads, child
// writes with optional expiry, and create-event subscriptions.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrKeyExists is returned by WriteChild when IfNotExists is set and the
	// child key already holds a live value.
	ErrKeyExists = errors.New("room: key already exists")
	// ErrClosed is returned by operations on a closed room.
	ErrClosed = errors.New("room: closed")
)

// WriteOptions controls a single child write.
type WriteOptions struct {
	// ExpireAfter makes the entry invisible to reads once the duration has
	// elapsed. Zero means no expiry.
	ExpireAfter time.Duration
	// IfNotExists rejects the write with ErrKeyExists when the key already
	// holds a live (non-expired) value.
	IfNotExists bool
}

// SubscribeOptions controls the scope of a subscription.
type SubscribeOptions struct {
	// BubbleChildEvents also delivers creations under descendant paths, not
	// just immediate children. The delivered key is then the path relative
	// to the subscribed collection.
	BubbleChildEvents bool
}

// CreateFunc receives a newly created child value and its key.
type CreateFunc func(value json.RawMessage, key string)

// Subscription is a handle to an active subscription.
type Subscription interface {
	Unsubscribe()
}

// Room is the key-value room contract consumed by the widget sync layer.
// All implementations report failure through the returned error, never by
// panicking across the call boundary.
type Room interface {
	// FetchCollection returns a point-in-time snapshot of the immediate
	// children under path, keyed by child key.
	FetchCollection(ctx context.Context, path string) (map[string]json.RawMessage, error)
	// WriteChild stores value (JSON-encoded) at path/key.
	WriteChild(ctx context.Context, path, key string, value any, opts WriteOptions) error
	// Subscribe registers fn for creations under path. Overwrites of an
	// existing key do not fire create events.
	Subscribe(path string, opts SubscribeOptions, fn CreateFunc) (Subscription, error)
	Close() error
}

// envelope wraps a stored value with its expiry deadline (unix millis).
type envelope struct {
	Value     json.RawMessage `json:"v"`
	ExpiresAt int64           `json:"exp,omitempty"`
}

func (e envelope) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixMilli() >= e.ExpiresAt
}

func newEnvelope(value any, opts WriteOptions, now time.Time) (envelope, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return envelope{}, err
	}
	env := envelope{Value: raw}
	if opts.ExpireAfter > 0 {
		env.ExpiresAt = now.Add(opts.ExpireAfter).UnixMilli()
	}
	return env, nil
}

// cleanPath normalizes a room path: trimmed slashes, single separators.
func cleanPath(p string) string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "/")
}

func joinPath(path, key string) string {
	return cleanPath(path) + "/" + key
}

// relativeChild reports the remainder of full below parent, and whether full
// lies under parent at all.
func relativeChild(parent, full string) (string, bool) {
	prefix := parent + "/"
	if !strings.HasPrefix(full, prefix) {
		return "", false
	}
	return full[len(prefix):], true
}
