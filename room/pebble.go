package room

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/rs/zerolog/log"
)

// PebbleRoom persists room entries in a PebbleDB key-value store. Keys are
// the full slash-separated entry paths; values are JSON envelopes carrying
// the payload and its expiry deadline. Expired entries are dropped lazily
// on read.
type PebbleRoom struct {
	mu     sync.Mutex
	db     *pebble.DB
	nf     *notifier
	closed bool
	now    func() time.Time
}

func OpenPebbleRoom(dir string) (*PebbleRoom, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleRoom{db: db, nf: newNotifier(), now: time.Now}, nil
}

// SetClock overrides the room clock. Tests freeze expiry behavior with it.
func (r *PebbleRoom) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *PebbleRoom) FetchCollection(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	prefix := []byte(cleanPath(path) + "/")
	it, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	now := r.now()
	out := map[string]json.RawMessage{}
	var stale [][]byte
	for it.First(); it.Valid(); it.Next() {
		rel := string(it.Key()[len(prefix):])
		if containsSlash(rel) {
			continue
		}
		var env envelope
		if err := json.Unmarshal(it.Value(), &env); err != nil {
			log.Debug().Err(err).Str("key", string(it.Key())).Msg("[room] skip undecodable entry")
			continue
		}
		if env.expired(now) {
			stale = append(stale, append([]byte(nil), it.Key()...))
			continue
		}
		out[rel] = env.Value
	}
	for _, k := range stale {
		if err := r.db.Delete(k, pebble.NoSync); err != nil {
			log.Debug().Err(err).Msg("[room] drop expired entry")
		} else {
			expiredDropped.Inc()
		}
	}
	return out, nil
}

func (r *PebbleRoom) WriteChild(ctx context.Context, path, key string, value any, opts WriteOptions) error {
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
	live, err := r.liveLocked([]byte(full), now)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if opts.IfNotExists && live {
		r.mu.Unlock()
		return ErrKeyExists
	}
	env, err := newEnvelope(value, opts, now)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if err := r.db.Set([]byte(full), raw, pebble.Sync); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	if !live {
		r.nf.dispatch(full, env.Value)
	}
	return nil
}

// liveLocked reports whether key currently holds a non-expired value.
func (r *PebbleRoom) liveLocked(key []byte, now time.Time) (bool, error) {
	raw, closer, err := r.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var env envelope
	err = json.Unmarshal(raw, &env)
	_ = closer.Close()
	if err != nil {
		return false, nil
	}
	return !env.expired(now), nil
}

func (r *PebbleRoom) Subscribe(path string, opts SubscribeOptions, fn CreateFunc) (Subscription, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return r.nf.subscribe(path, opts, fn), nil
}

func (r *PebbleRoom) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.db.Close()
}

func keyUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
