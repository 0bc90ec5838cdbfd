package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryRoom is an in-memory Room. It is the test double for the widget sync
// layer and the default backend when no data path is configured.
type MemoryRoom struct {
	mu      sync.Mutex
	entries map[string]envelope
	nf      *notifier
	closed  bool
	now     func() time.Time
}

func NewMemoryRoom() *MemoryRoom {
	return &MemoryRoom{
		entries: map[string]envelope{},
		nf:      newNotifier(),
		now:     time.Now,
	}
}

// SetClock overrides the room clock. Tests freeze expiry behavior with it.
func (r *MemoryRoom) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *MemoryRoom) FetchCollection(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	now := r.now()
	base := cleanPath(path)
	out := map[string]json.RawMessage{}
	for full, env := range r.entries {
		rel, ok := relativeChild(base, full)
		if !ok || containsSlash(rel) {
			continue
		}
		if env.expired(now) {
			delete(r.entries, full)
			continue
		}
		out[rel] = env.Value
	}
	return out, nil
}

func (r *MemoryRoom) WriteChild(ctx context.Context, path, key string, value any, opts WriteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	now := r.now()
	full := joinPath(path, key)
	prev, had := r.entries[full]
	live := had && !prev.expired(now)
	if opts.IfNotExists && live {
		r.mu.Unlock()
		return ErrKeyExists
	}
	env, err := newEnvelope(value, opts, now)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.entries[full] = env
	r.mu.Unlock()

	// Create events fire for new keys only; overwrites are silent.
	if !live {
		r.nf.dispatch(full, env.Value)
	}
	return nil
}

func (r *MemoryRoom) Subscribe(path string, opts SubscribeOptions, fn CreateFunc) (Subscription, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return r.nf.subscribe(path, opts, fn), nil
}

func (r *MemoryRoom) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}
