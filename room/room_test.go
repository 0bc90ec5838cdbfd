package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clockRoom is the store surface the backend-agnostic tests run against.
type clockRoom interface {
	Room
	SetClock(func() time.Time)
}

func openBackends(t *testing.T) map[string]clockRoom {
	t.Helper()
	pr, err := OpenPebbleRoom(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pr.Close() })
	mr := NewMemoryRoom()
	t.Cleanup(func() { _ = mr.Close() })
	return map[string]clockRoom{"memory": mr, "pebble": pr}
}

func fetchKeys(t *testing.T, rm Room, path string) map[string]json.RawMessage {
	t.Helper()
	out, err := rm.FetchCollection(context.Background(), path)
	require.NoError(t, err)
	return out
}

func TestRoomFetchImmediateChildrenOnly(t *testing.T) {
	for name, rm := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, rm.WriteChild(ctx, "rooms/lobby/messages", "100_1", "a", WriteOptions{}))
			require.NoError(t, rm.WriteChild(ctx, "rooms/lobby/messages/100_1", "reaction", "b", WriteOptions{}))
			require.NoError(t, rm.WriteChild(ctx, "rooms/other/messages", "200_1", "c", WriteOptions{}))

			out := fetchKeys(t, rm, "rooms/lobby/messages")
			require.Len(t, out, 1)
			assert.JSONEq(t, `"a"`, string(out["100_1"]))

			// Slash-normalized paths reach the same collection.
			out = fetchKeys(t, rm, "/rooms/lobby/messages/")
			assert.Len(t, out, 1)

			assert.Empty(t, fetchKeys(t, rm, "rooms/empty"))
		})
	}
}

func TestRoomIfNotExists(t *testing.T) {
	for name, rm := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			opts := WriteOptions{IfNotExists: true}
			require.NoError(t, rm.WriteChild(ctx, "c", "k", "v1", opts))
			err := rm.WriteChild(ctx, "c", "k", "v2", opts)
			assert.ErrorIs(t, err, ErrKeyExists)

			// Plain writes overwrite freely.
			require.NoError(t, rm.WriteChild(ctx, "c", "k", "v3", WriteOptions{}))
			out := fetchKeys(t, rm, "c")
			assert.JSONEq(t, `"v3"`, string(out["k"]))
		})
	}
}

func TestRoomExpiry(t *testing.T) {
	for name, rm := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := time.UnixMilli(1_000_000)
			rm.SetClock(func() time.Time { return clock })

			require.NoError(t, rm.WriteChild(ctx, "c", "short", "v", WriteOptions{ExpireAfter: time.Second}))
			require.NoError(t, rm.WriteChild(ctx, "c", "keep", "v", WriteOptions{}))
			assert.Len(t, fetchKeys(t, rm, "c"), 2)

			clock = clock.Add(2 * time.Second)
			out := fetchKeys(t, rm, "c")
			require.Len(t, out, 1)
			assert.Contains(t, out, "keep")

			// An expired key no longer blocks a create-only write, and the
			// rewrite fires a create event again.
			fired := 0
			sub, err := rm.Subscribe("c", SubscribeOptions{}, func(json.RawMessage, string) { fired++ })
			require.NoError(t, err)
			defer sub.Unsubscribe()
			require.NoError(t, rm.WriteChild(ctx, "c", "short", "v2", WriteOptions{IfNotExists: true}))
			assert.Equal(t, 1, fired)
		})
	}
}

func TestRoomCreateEventsOncePerKey(t *testing.T) {
	for name, rm := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var keys []string
			sub, err := rm.Subscribe("c", SubscribeOptions{}, func(v json.RawMessage, key string) {
				keys = append(keys, key)
			})
			require.NoError(t, err)
			defer sub.Unsubscribe()

			require.NoError(t, rm.WriteChild(ctx, "c", "k", "v1", WriteOptions{}))
			require.NoError(t, rm.WriteChild(ctx, "c", "k", "v2", WriteOptions{}))
			require.NoError(t, rm.WriteChild(ctx, "c", "k2", "v", WriteOptions{}))
			assert.Equal(t, []string{"k", "k2"}, keys)
		})
	}
}

func TestRoomSubscriptionScope(t *testing.T) {
	for name, rm := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var flat, bubbled []string
			subFlat, err := rm.Subscribe("rooms/lobby", SubscribeOptions{}, func(_ json.RawMessage, key string) {
				flat = append(flat, key)
			})
			require.NoError(t, err)
			defer subFlat.Unsubscribe()
			subBubble, err := rm.Subscribe("rooms/lobby", SubscribeOptions{BubbleChildEvents: true}, func(_ json.RawMessage, key string) {
				bubbled = append(bubbled, key)
			})
			require.NoError(t, err)
			defer subBubble.Unsubscribe()

			require.NoError(t, rm.WriteChild(ctx, "rooms/lobby", "direct", "v", WriteOptions{}))
			require.NoError(t, rm.WriteChild(ctx, "rooms/lobby/messages", "100_1", "v", WriteOptions{}))
			require.NoError(t, rm.WriteChild(ctx, "rooms/elsewhere", "x", "v", WriteOptions{}))

			assert.Equal(t, []string{"direct"}, flat)
			assert.Equal(t, []string{"direct", "messages/100_1"}, bubbled)
		})
	}
}

func TestRoomUnsubscribeStopsDelivery(t *testing.T) {
	for name, rm := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fired := 0
			sub, err := rm.Subscribe("c", SubscribeOptions{}, func(json.RawMessage, string) { fired++ })
			require.NoError(t, err)

			require.NoError(t, rm.WriteChild(ctx, "c", "a", "v", WriteOptions{}))
			sub.Unsubscribe()
			sub.Unsubscribe() // idempotent
			require.NoError(t, rm.WriteChild(ctx, "c", "b", "v", WriteOptions{}))
			assert.Equal(t, 1, fired)
		})
	}
}

func TestRoomClosedOperations(t *testing.T) {
	for name, rm := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, rm.Close())
			_, err := rm.FetchCollection(ctx, "c")
			assert.ErrorIs(t, err, ErrClosed)
			assert.ErrorIs(t, rm.WriteChild(ctx, "c", "k", "v", WriteOptions{}), ErrClosed)
			_, err = rm.Subscribe("c", SubscribeOptions{}, func(json.RawMessage, string) {})
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestRoomContextCancelled(t *testing.T) {
	rm := NewMemoryRoom()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rm.FetchCollection(ctx, "c")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, rm.WriteChild(ctx, "c", "k", "v", WriteOptions{}), context.Canceled)
}

func TestPebbleRoomSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	pr, err := OpenPebbleRoom(dir)
	require.NoError(t, err)
	require.NoError(t, pr.WriteChild(context.Background(), "c", "k", "kept", WriteOptions{}))
	require.NoError(t, pr.Close())

	pr, err = OpenPebbleRoom(dir)
	require.NoError(t, err)
	defer func() { _ = pr.Close() }()
	out := fetchKeys(t, pr, "c")
	assert.JSONEq(t, `"kept"`, string(out["k"]))
}

func TestCleanPath(t *testing.T) {
	assert.Equal(t, "a/b/c", cleanPath("/a//b/c/"))
	assert.Equal(t, "", cleanPath("///"))
	assert.Equal(t, "a/b", joinPath("/a/", "b"))
}

func TestKeyUpperBound(t *testing.T) {
	assert.Equal(t, []byte("c0"), keyUpperBound([]byte("c/")))
	assert.Equal(t, []byte{0x02}, keyUpperBound([]byte{0x01, 0xff}))
	assert.Nil(t, keyUpperBound([]byte{0xff}))
}
