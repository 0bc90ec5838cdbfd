package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/chat-widget/room"
)

// Notifier is the attention side-channel signalled for live messages that
// arrive while the widget lacks focus.
type Notifier interface {
	Notify(m *Message)
}

// SyncConfig wires a SyncController. Room, Path, View, and LocalUser are
// required.
type SyncConfig struct {
	Room room.Room
	// Path is the message collection path, e.g. "rooms/lobby/messages".
	Path      string
	View      *MessageView
	LocalUser UserRef

	// ExpireAfter is forwarded to message writes; zero disables expiry.
	ExpireAfter time.Duration
	// Focused reports whether the widget currently has focus. Nil means
	// always focused.
	Focused  func() bool
	Notifier Notifier
	// ClearInput is invoked only after a send has been acknowledged.
	ClearInput func()
	Now        func() time.Time
}

// SyncController reconciles three message sources into one view: history
// replay, live create events, and local confirmed sends. The view's id
// dedup makes the subscription echo of a just-sent message a no-op.
type SyncController struct {
	cfg SyncConfig

	mu      sync.Mutex
	ctx     context.Context
	sub     room.Subscription
	started bool
	closed  bool
}

func NewSyncController(cfg SyncConfig) (*SyncController, error) {
	if cfg.Room == nil || cfg.View == nil {
		return nil, errors.New("widget: sync controller needs a room and a view")
	}
	if cfg.Path == "" {
		return nil, errors.New("widget: sync controller needs a collection path")
	}
	if cfg.LocalUser.ID == "" {
		return nil, errors.New("widget: sync controller needs a local user")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SyncController{cfg: cfg}, nil
}

// Start fetches and renders the full history, then subscribes to live
// creates. The subscription is registered only after replay has fully
// rendered so no message is missed or duplicated in the startup window.
func (c *SyncController) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return errors.New("widget: sync controller already started or closed")
	}
	c.started = true
	c.ctx = ctx
	c.mu.Unlock()

	entries, err := c.cfg.Room.FetchCollection(ctx, c.cfg.Path)
	if err != nil {
		return fmt.Errorf("history fetch: %w", err)
	}

	// Sort newest-first; each prepend targets the very top, so the final
	// visual order comes out oldest-at-top, matching live-append order.
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		mi, oki := MessageIDMillis(ids[i])
		mj, okj := MessageIDMillis(ids[j])
		if oki && okj && mi != mj {
			return mi > mj
		}
		return ids[i] > ids[j]
	})
	for _, id := range ids {
		m := decodeMessage(entries[id], id)
		if m == nil {
			continue
		}
		if _, err := c.cfg.View.Prepend(ctx, m); err != nil {
			log.Debug().Err(err).Str("id", id).Msg("[widget] skip malformed history message")
		}
	}

	sub, err := c.cfg.Room.Subscribe(c.cfg.Path, room.SubscribeOptions{BubbleChildEvents: false}, c.onCreate)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	c.sub = sub
	c.mu.Unlock()
	return nil
}

// onCreate handles a live create event from the room. Keys that do not look
// like message ids are unrelated writes under the namespace and are
// rejected.
func (c *SyncController) onCreate(value json.RawMessage, key string) {
	if !messageKeyPattern.MatchString(key) {
		return
	}
	m := decodeMessage(value, key)
	if m == nil {
		return
	}
	c.mu.Lock()
	ctx := c.ctx
	closed := c.closed
	notifier := c.cfg.Notifier
	focused := c.cfg.Focused
	c.mu.Unlock()
	if closed {
		return
	}
	done, err := c.cfg.View.Append(ctx, m)
	if err != nil {
		log.Debug().Err(err).Str("id", key).Msg("[widget] skip malformed live message")
		return
	}
	// done == nil: already rendered, typically the echo of our own send.
	if done == nil {
		return
	}
	if m.User.ID == c.cfg.LocalUser.ID {
		return
	}
	if notifier != nil && focused != nil && !focused() {
		notifier.Notify(m)
	}
}

// Send escapes and writes the message, rendering it only once the room has
// acknowledged the write. On an id collision the id is regenerated once.
func (c *SyncController) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("widget: sync controller closed")
	}

	now := c.cfg.Now()
	m := &Message{
		ID:        NewMessageID(now),
		Text:      EscapeForTransit(text),
		User:      c.cfg.LocalUser,
		Timestamp: now.UnixMilli(),
	}
	opts := room.WriteOptions{ExpireAfter: c.cfg.ExpireAfter, IfNotExists: true}
	err := c.cfg.Room.WriteChild(ctx, c.cfg.Path, m.ID, m, opts)
	if errors.Is(err, room.ErrKeyExists) {
		m.ID = NewMessageID(c.cfg.Now())
		err = c.cfg.Room.WriteChild(ctx, c.cfg.Path, m.ID, m, opts)
	}
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	if _, err := c.cfg.View.Append(ctx, m); err != nil {
		return fmt.Errorf("render sent message: %w", err)
	}
	c.mu.Lock()
	clear := c.cfg.ClearInput
	c.mu.Unlock()
	if clear != nil {
		clear()
	}
	return nil
}

// Close unsubscribes from the live channel and detaches input bindings.
// Safe to call repeatedly and after a partially failed Start.
func (c *SyncController) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	c.cfg.ClearInput = nil
	c.cfg.Notifier = nil
	c.cfg.Focused = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func decodeMessage(raw json.RawMessage, key string) *Message {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("[widget] undecodable message entry")
		return nil
	}
	if m.ID == "" {
		m.ID = key
	}
	return &m
}
