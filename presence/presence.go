// Package presence is the user-presence collaborator: it owns the local
// user's identity and the per-user persisted preferences (such as the
// widget collapse state), stored under the room's users subtree.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"

	"github.com/gosuda/chat-widget/room"
	"github.com/gosuda/chat-widget/widget"
)

// palette mirrors the stable per-nickname colors the widget UI uses.
var palette = []string{
	"#60a5fa", "#22c55e", "#f59e0b", "#ef4444", "#a78bfa", "#14b8a6",
	"#eab308", "#f472b6", "#8b5cf6", "#06b6d4", "#34d399", "#fb7185",
	"#c084fc", "#f97316", "#84cc16", "#10b981", "#38bdf8", "#f43f5e",
}

// ColorFor derives a stable avatar color from a display name.
func ColorFor(name string) string {
	if name == "" {
		name = "anon"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Cache resolves the local user and persists per-user values in the room.
type Cache struct {
	rm   room.Room
	user widget.UserRef
}

// New builds a presence cache for the given user, filling in a stable id
// and avatar color when absent.
func New(rm room.Room, user widget.UserRef) *Cache {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.DisplayName = widget.SanitizeDisplayName(user.DisplayName)
	if user.AvatarColor == "" {
		user.AvatarColor = ColorFor(user.DisplayName)
	}
	return &Cache{rm: rm, user: user}
}

func (c *Cache) LocalUser() widget.UserRef {
	return c.user
}

func (c *Cache) prefPath() string {
	return fmt.Sprintf("users/%s/prefs", c.user.ID)
}

// Persisted reads a previously persisted value into out, reporting whether
// it was present.
func (c *Cache) Persisted(ctx context.Context, key string, out any) (bool, error) {
	entries, err := c.rm.FetchCollection(ctx, c.prefPath())
	if err != nil {
		return false, err
	}
	raw, ok := entries[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// SetPersisted stores a value on the local user's profile, overwriting any
// previous one.
func (c *Cache) SetPersisted(ctx context.Context, key string, value any) error {
	return c.rm.WriteChild(ctx, c.prefPath(), key, value, room.WriteOptions{})
}

// CollapsedPreference resolves the widget's initial collapse state. An
// explicit override ("1" collapsed, anything else expanded) wins over the
// persisted preference, which wins over the expanded default.
func (c *Cache) CollapsedPreference(ctx context.Context, override string) bool {
	if override != "" {
		return override == "1"
	}
	var saved bool
	if ok, err := c.Persisted(ctx, "collapsed", &saved); err == nil && ok {
		return saved
	}
	return false
}
