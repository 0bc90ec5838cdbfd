package room

import (
	"encoding/json"
	"sync"
)

// notifier dispatches create events to local subscribers. Shared by the
// in-memory and pebble-backed rooms.
type notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]*subscriber
}

type subscriber struct {
	path   string
	bubble bool
	fn     CreateFunc
}

func newNotifier() *notifier {
	return &notifier{subs: map[int]*subscriber{}}
}

func (n *notifier) subscribe(path string, opts SubscribeOptions, fn CreateFunc) Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	n.subs[id] = &subscriber{path: cleanPath(path), bubble: opts.BubbleChildEvents, fn: fn}
	return &localSubscription{n: n, id: id}
}

// dispatch delivers a creation at fullPath to every matching subscriber.
// Callers must not hold store locks: fn may call back into the room.
func (n *notifier) dispatch(fullPath string, value json.RawMessage) {
	type delivery struct {
		fn  CreateFunc
		key string
	}
	n.mu.Lock()
	var out []delivery
	for _, s := range n.subs {
		rel, ok := relativeChild(s.path, fullPath)
		if !ok {
			continue
		}
		if !s.bubble && containsSlash(rel) {
			continue
		}
		out = append(out, delivery{fn: s.fn, key: rel})
	}
	n.mu.Unlock()
	for _, d := range out {
		d.fn(value, d.key)
	}
}

func (n *notifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func containsSlash(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return true
		}
	}
	return false
}

type localSubscription struct {
	n    *notifier
	id   int
	once sync.Once
}

func (s *localSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.n.mu.Lock()
		delete(s.n.subs, s.id)
		s.n.mu.Unlock()
	})
}
