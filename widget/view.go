package widget

import (
	"context"
	"sync"
	"time"
)

// DefaultDisplayNameLimit is the truncation limit applied to visible sender
// names.
const DefaultDisplayNameLimit = 20

// ViewConfig is the immutable configuration a MessageView is built with.
type ViewConfig struct {
	DisplayNameLimit int
	LocalUserID      string
	Collapsed        bool
	// OnScroll is the scroll-to-bottom / refresh signal. Called without the
	// view lock held.
	OnScroll func()
	Now      func() time.Time
}

// MessageView owns the ordered message list. Rendering is at-most-once per
// message id regardless of how many sources deliver the same message.
type MessageView struct {
	mu       sync.Mutex
	cfg      ViewConfig
	renderer *ContentRenderer

	root *Element
	list *Element
	seen map[string]struct{}
}

func NewMessageView(cfg ViewConfig, renderer *ContentRenderer) *MessageView {
	if cfg.DisplayNameLimit <= 0 {
		cfg.DisplayNameLimit = DefaultDisplayNameLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	v := &MessageView{
		cfg:      cfg,
		renderer: renderer,
		root:     NewElement("div"),
		list:     NewElement("div"),
		seen:     map[string]struct{}{},
	}
	v.root.AddClass("chat-widget")
	if cfg.Collapsed {
		v.root.AddClass("collapsed")
	}
	v.list.AddClass("messages")
	v.root.AppendChild(v.list)
	// The renderer's asynchronous image commits mutate the live tree and
	// must serialize against everything else touching it.
	renderer.Commit = func(fn func()) {
		v.mu.Lock()
		fn()
		v.mu.Unlock()
	}
	return v
}

// Append renders the message and inserts it at the end of the list. The
// returned channel closes once the asynchronous image phase has settled; a
// nil channel means the message was skipped (malformed or already rendered).
func (v *MessageView) Append(ctx context.Context, m *Message) (<-chan struct{}, error) {
	return v.insert(ctx, m, false)
}

// Prepend inserts before the current first entry; on an empty list it
// behaves exactly like Append. Used by history replay.
func (v *MessageView) Prepend(ctx context.Context, m *Message) (<-chan struct{}, error) {
	return v.insert(ctx, m, true)
}

func (v *MessageView) insert(ctx context.Context, m *Message, prepend bool) (<-chan struct{}, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	if _, ok := v.seen[m.ID]; ok {
		v.mu.Unlock()
		return nil, nil
	}
	v.seen[m.ID] = struct{}{}
	v.mu.Unlock()

	// The entry subtree is private until attached below, so the synchronous
	// render phase needs no lock.
	entry, done := v.renderEntry(ctx, m)

	v.mu.Lock()
	if prepend {
		v.list.PrependChild(entry)
	} else {
		v.list.AppendChild(entry)
	}
	v.mu.Unlock()
	v.notifyScroll()
	return done, nil
}

func (v *MessageView) renderEntry(ctx context.Context, m *Message) (*Element, <-chan struct{}) {
	name := SanitizeDisplayName(m.User.DisplayName)

	entry := NewElement("div")
	entry.SetAttr("id", m.ID)
	entry.SetAttr("data-message-id", m.ID)
	entry.SetAttr("data-user-id", m.User.ID)
	entry.SetAttr("title", name)
	entry.AddClass("message")
	entry.AddClass("user-" + m.User.ID)
	if m.User.ID == v.cfg.LocalUserID {
		entry.AddClass("local")
	}

	header := NewElement("div")
	header.AddClass("meta")
	nameEl := NewElement("span")
	nameEl.AddClass("name")
	if m.User.AvatarColor != "" {
		nameEl.SetAttr("data-color", m.User.AvatarColor)
	}
	nameEl.AppendChild(NewText(FormatDisplayName(name, v.cfg.DisplayNameLimit)))
	tsEl := NewElement("span")
	tsEl.AddClass("ts")
	tsEl.AppendChild(NewText(FormatTimestamp(m.Timestamp, v.cfg.Now())))
	header.AppendChild(nameEl)
	header.AppendChild(tsEl)

	body := NewElement("div")
	body.AddClass("body")
	images := NewElement("div")
	images.AddClass("images")

	entry.AppendChild(header)
	entry.AppendChild(body)
	entry.AppendChild(images)

	done := v.renderer.Render(ctx, UnescapeForDisplay(m.Text), body, images, v.notifyScroll)
	return entry, done
}

// SetCollapsed toggles the collapsed state class; expanding re-triggers the
// scroll signal.
func (v *MessageView) SetCollapsed(collapsed bool) {
	v.mu.Lock()
	if collapsed {
		v.root.AddClass("collapsed")
	} else {
		v.root.RemoveClass("collapsed")
	}
	v.mu.Unlock()
	if !collapsed {
		v.notifyScroll()
	}
}

func (v *MessageView) Collapsed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.root.HasClass("collapsed")
}

// Entry returns the rendered element for a message id, or nil.
func (v *MessageView) Entry(id string) *Element {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.root.ChildByID(id)
}

// EntryIDs returns the rendered message ids in visual top-to-bottom order.
func (v *MessageView) EntryIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := make([]string, 0, len(v.list.Children))
	for _, c := range v.list.Children {
		ids = append(ids, c.Attr("id"))
	}
	return ids
}

// HTML renders the whole widget subtree.
func (v *MessageView) HTML() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.root.HTML()
}

func (v *MessageView) notifyScroll() {
	if v.cfg.OnScroll != nil {
		v.cfg.OnScroll()
	}
}
