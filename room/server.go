package room

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// event is the wire frame pushed to websocket subscribers.
type event struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Server exposes a Room over HTTP: point-in-time collection reads, child
// writes, and a websocket stream of create events.
type Server struct {
	room Room

	mu     sync.Mutex
	conns  map[*websocket.Conn]*sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func NewServer(r Room) *Server {
	return &Server{room: r, conns: map[*websocket.Conn]*sync.Mutex{}}
}

// Handler builds the room service router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/collection/*", s.handleFetch)
	r.Post("/v1/child/*", s.handleWrite)
	r.Get("/v1/subscribe/*", s.handleSubscribe)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	entries, err := s.room.FetchCollection(r.Context(), path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fetchesTotal.Inc()
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(entries)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	var value json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	opts := WriteOptions{IfNotExists: r.URL.Query().Get("if_not_exists") == "1"}
	if ms := r.URL.Query().Get("expire_ms"); ms != "" {
		n, err := strconv.ParseInt(ms, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid expire_ms", http.StatusBadRequest)
			return
		}
		opts.ExpireAfter = time.Duration(n) * time.Millisecond
	}
	err := s.room.WriteChild(r.Context(), path, key, value, opts)
	switch {
	case errors.Is(err, ErrKeyExists):
		writesTotal.WithLabelValues("conflict").Inc()
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		writesTotal.WithLabelValues("error").Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writesTotal.WithLabelValues("ok").Inc()
		w.WriteHeader(http.StatusCreated)
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	opts := SubscribeOptions{BubbleChildEvents: r.URL.Query().Get("bubble") == "1"}

	upgrader := websocket.Upgrader{
		CheckOrigin:      func(r *http.Request) bool { return true },
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	mu := &sync.Mutex{}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = mu
	s.mu.Unlock()

	sub, err := s.room.Subscribe(path, opts, func(value json.RawMessage, key string) {
		mu.Lock()
		defer mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := writeJSON(conn, event{Key: key, Value: value}); err != nil {
			log.Debug().Err(err).Msg("[room] push to subscriber failed")
		}
	})
	if err != nil {
		s.dropConn(conn)
		_ = conn.Close()
		return
	}
	activeSubscriptions.Inc()

	done := make(chan struct{})
	ticker := time.NewTicker(20 * time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					mu.Unlock()
					return
				}
				mu.Unlock()
			case <-done:
				return
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer func() {
			close(done)
			sub.Unsubscribe()
			activeSubscriptions.Dec()
			s.dropConn(conn)
			mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			mu.Unlock()
			s.wg.Done()
		}()
		// Subscribers send nothing; the read loop exists to observe close.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) dropConn(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Shutdown force-closes all subscriber connections and waits for their
// handlers to finish.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	mus := make([]*sync.Mutex, 0, len(s.conns))
	for c, m := range s.conns {
		conns = append(conns, c)
		mus = append(mus, m)
	}
	s.mu.Unlock()
	for i, c := range conns {
		mus[i].Lock()
		_ = c.SetWriteDeadline(time.Now().Add(10 * time.Second))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
		mus[i].Unlock()
		_ = c.Close()
	}
	s.wg.Wait()
}

// writeJSON writes a JSON frame without HTML escaping so message payloads
// keep <, >, & in their original form.
func writeJSON(conn *websocket.Conn, v any) error {
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return w.Close()
}
