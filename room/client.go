package room

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Client implements Room against a remote Server. A failed call is surfaced
// once to the caller and never retried.
type Client struct {
	base string
	http *http.Client

	mu     sync.Mutex
	subs   map[*remoteSubscription]struct{}
	closed bool
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
		subs: map[*remoteSubscription]struct{}{},
	}
}

func (c *Client) FetchCollection(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	u := c.base + "/v1/collection/" + cleanPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch collection: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch collection: unexpected status %d", resp.StatusCode)
	}
	var out map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("fetch collection: decode: %w", err)
	}
	return out, nil
}

func (c *Client) WriteChild(ctx context.Context, path, key string, value any, opts WriteOptions) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	q := url.Values{"key": {key}}
	if opts.ExpireAfter > 0 {
		q.Set("expire_ms", strconv.FormatInt(opts.ExpireAfter.Milliseconds(), 10))
	}
	if opts.IfNotExists {
		q.Set("if_not_exists", "1")
	}
	u := c.base + "/v1/child/" + cleanPath(path) + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("write child: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusCreated:
		return nil
	case http.StatusConflict:
		return ErrKeyExists
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("write child: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func (c *Client) Subscribe(path string, opts SubscribeOptions, fn CreateFunc) (Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	wsURL := c.base + "/v1/subscribe/" + cleanPath(path)
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	if opts.BubbleChildEvents {
		wsURL += "?bubble=1"
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(5*time.Second))
	})

	sub := &remoteSubscription{conn: conn, client: c}
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	go func() {
		defer sub.Unsubscribe()
		for {
			var ev event
			if err := conn.ReadJSON(&ev); err != nil {
				if !sub.done() {
					log.Debug().Err(err).Msg("[room] subscription stream ended")
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			fn(ev.Value, ev.Key)
		}
	}()
	return sub, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := make([]*remoteSubscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	return nil
}

type remoteSubscription struct {
	conn   *websocket.Conn
	client *Client
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

func (s *remoteSubscription) done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *remoteSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(5*time.Second))
		_ = s.conn.Close()
		s.client.mu.Lock()
		delete(s.client.subs, s)
		s.client.mu.Unlock()
	})
}
