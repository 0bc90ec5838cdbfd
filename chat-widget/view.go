package main

import (
	"context"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/chat-widget/presence"
	"github.com/gosuda/chat-widget/room"
	"github.com/gosuda/chat-widget/widget"
)

// WidgetServer serves the embeddable widget page and one websocket session
// per attached browser. Each session drives its own message view and sync
// controller against the shared room.
type WidgetServer struct {
	name     string
	roomName string
	rm       room.Room
	expire   time.Duration

	mu       sync.Mutex
	sessions map[*session]struct{}
	wg       sync.WaitGroup
	closed   bool
}

func NewWidgetServer(name, roomName string, rm room.Room, expire time.Duration) *WidgetServer {
	return &WidgetServer{
		name:     name,
		roomName: roomName,
		rm:       rm,
		expire:   expire,
		sessions: map[*session]struct{}{},
	}
}

func (s *WidgetServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = widgetTmpl.Execute(w, struct{ Name string }{Name: s.name})
	})
	r.Get("/ws", s.handleSession)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// NewRoomHandler wraps the room service router with health and metrics.
func NewRoomHandler(srv *room.Server) http.Handler {
	r := chi.NewRouter()
	r.Mount("/", srv.Handler())
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Shutdown tears down all live sessions and waits for them.
func (s *WidgetServer) Shutdown() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close(websocket.CloseGoingAway, "server shutdown")
	}
	s.wg.Wait()
}

type clientFrame struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Collapsed bool   `json:"collapsed,omitempty"`
	Focused   bool   `json:"focused,omitempty"`
}

type serverFrame struct {
	Type  string `json:"type"`
	HTML  string `json:"html,omitempty"`
	From  string `json:"from,omitempty"`
	Error string `json:"error,omitempty"`
}

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	view    *widget.MessageView
	focused bool
}

func (s *WidgetServer) handleSession(w http.ResponseWriter, r *http.Request) {
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
	sess := &session{conn: conn, focused: true}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())

	q := r.URL.Query()
	pres := presence.New(s.rm, widget.UserRef{
		ID:          q.Get("uid"),
		DisplayName: q.Get("name"),
	})

	collapsed := pres.CollapsedPreference(ctx, q.Get("collapsed"))

	renderer := &widget.ContentRenderer{
		Prober: &widget.HTTPImageProber{Client: &http.Client{Timeout: widget.DefaultProbeTimeout}},
	}
	view := widget.NewMessageView(widget.ViewConfig{
		LocalUserID: pres.LocalUser().ID,
		Collapsed:   collapsed,
		OnScroll:    func() { sess.pushView(nil) },
	}, renderer)
	sess.setView(view)

	ctrl, err := widget.NewSyncController(widget.SyncConfig{
		Room:        s.rm,
		Path:        "rooms/" + s.roomName + "/messages",
		View:        view,
		LocalUser:   pres.LocalUser(),
		ExpireAfter: s.expire,
		Focused:     sess.isFocused,
		Notifier:    sess,
		ClearInput:  func() { sess.send(serverFrame{Type: "clear"}) },
	})
	if err != nil {
		log.Error().Err(err).Msg("[widget] session controller")
		cancel()
		s.dropSession(sess)
		_ = conn.Close()
		return
	}
	if err := ctrl.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("[widget] session start failed")
		sess.send(serverFrame{Type: "error", Error: err.Error()})
		ctrl.Close()
		cancel()
		s.dropSession(sess)
		_ = conn.Close()
		return
	}
	sess.pushView(view)

	done := make(chan struct{})
	ticker := time.NewTicker(20 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sess.writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					sess.writeMu.Unlock()
					return
				}
				sess.writeMu.Unlock()
			case <-done:
				return
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer func() {
			close(done)
			ctrl.Close()
			cancel()
			s.dropSession(sess)
			sess.close(websocket.CloseNormalClosure, "")
			s.wg.Done()
		}()
		for {
			var frame clientFrame
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if err := conn.ReadJSON(&frame); err != nil {
				log.Debug().Err(err).Msg("[widget] session read ended")
				return
			}
			switch frame.Type {
			case "send":
				if err := ctrl.Send(ctx, frame.Text); err != nil {
					log.Warn().Err(err).Msg("[widget] send failed")
					sess.send(serverFrame{Type: "error", Error: err.Error()})
				}
			case "collapse":
				view.SetCollapsed(frame.Collapsed)
				if err := pres.SetPersisted(ctx, "collapsed", frame.Collapsed); err != nil {
					log.Debug().Err(err).Msg("[widget] persist collapse state")
				}
				sess.pushView(view)
			case "focus":
				sess.setFocused(frame.Focused)
			}
		}
	}()
}

func (s *WidgetServer) dropSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

func (s *session) setView(v *widget.MessageView) {
	s.mu.Lock()
	s.view = v
	s.mu.Unlock()
}

func (s *session) isFocused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

func (s *session) setFocused(f bool) {
	s.mu.Lock()
	s.focused = f
	s.mu.Unlock()
}

// Notify implements widget.Notifier: flag attention on the client.
func (s *session) Notify(m *widget.Message) {
	s.send(serverFrame{Type: "notify", From: widget.SanitizeDisplayName(m.User.DisplayName)})
}

// pushView streams the current widget tree to the browser.
func (s *session) pushView(v *widget.MessageView) {
	if v == nil {
		s.mu.Lock()
		v = s.view
		s.mu.Unlock()
		if v == nil {
			return
		}
	}
	s.send(serverFrame{Type: "view", HTML: v.HTML()})
}

func (s *session) send(frame serverFrame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteJSON(frame); err != nil {
		log.Debug().Err(err).Msg("[widget] push frame failed")
	}
}

func (s *session) close(code int, reason string) {
	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

var widgetTmpl = template.Must(template.New("widget").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>{{.Name}}</title>
  <style>
    :root{ --bg:#0d1117; --panel:#111827; --border:#1f2937; --fg:#e5e7eb; --muted:#9ca3af; --accent:#22c55e }
    *{ box-sizing:border-box }
    body{ margin:0; padding:24px; background:var(--bg); color:var(--fg); font-family:ui-sans-serif,system-ui,sans-serif }
    .wrap{ max-width:720px; margin:0 auto }
    .panel{ border:1px solid var(--border); border-radius:10px; background:var(--panel); overflow:hidden }
    .bar{ display:flex; align-items:center; justify-content:space-between; padding:10px 12px; border-bottom:1px solid var(--border); font-size:14px }
    .bar button{ background:transparent; border:1px solid var(--border); color:var(--fg); padding:4px 10px; border-radius:6px; cursor:pointer }
    #widget .chat-widget .messages{ height:420px; overflow:auto; padding:14px; font-size:14px; line-height:1.5 }
    #widget .chat-widget.collapsed .messages{ display:none }
    #widget .message{ margin-bottom:8px; word-break:break-word }
    #widget .message .meta .name{ color:#60a5fa; font-weight:600; margin-right:6px }
    #widget .message .meta .ts{ color:var(--muted); font-size:12px }
    #widget .message.local .meta .name{ color:var(--accent) }
    #widget .message .body a{ color:#60a5fa }
    #widget .message .images img{ max-width:300px; max-height:300px; border-radius:8px; display:block; margin-top:4px }
    .promptline{ display:flex; gap:8px; padding:12px 14px; border-top:1px solid var(--border) }
    #cmd{ flex:1; min-width:0; background:transparent; border:none; outline:none; color:var(--fg); font-size:14px }
  </style>
</head>
<body>
  <div class="wrap">
    <div class="panel">
      <div class="bar"><span>{{.Name}}</span><button id="collapse">collapse</button></div>
      <div id="widget"></div>
      <div class="promptline">
        <input id="cmd" type="text" autocomplete="off" spellcheck="false" placeholder="type a message and press Enter" enterkeyhint="send" />
      </div>
    </div>
  </div>
  <script>
    const widgetEl = document.getElementById('widget');
    const cmd = document.getElementById('cmd');
    const collapseBtn = document.getElementById('collapse');

    let uid = null, nick = null;
    try { uid = localStorage.getItem('uid'); nick = localStorage.getItem('nick'); } catch(_) {}
    if(!uid){ uid = (crypto.randomUUID && crypto.randomUUID()) || Math.random().toString(36).slice(2); try{ localStorage.setItem('uid', uid); }catch(_){} }
    if(!nick){ nick = 'anon-' + (Math.floor(Math.random()*9000)+1000); try{ localStorage.setItem('nick', nick); }catch(_){} }

    const wsProto = location.protocol === 'https:' ? 'wss' : 'ws';
    const ws = new WebSocket(wsProto + '://' + location.host + '/ws?uid=' + encodeURIComponent(uid) + '&name=' + encodeURIComponent(nick));

    let collapsed = false;
    function scrollToBottom(){
      const list = widgetEl.querySelector('.messages');
      if(list){ list.scrollTop = list.scrollHeight; }
    }
    ws.onmessage = (e) => {
      const frame = JSON.parse(e.data);
      if(frame.type === 'view'){
        widgetEl.innerHTML = frame.html;
        collapsed = !!widgetEl.querySelector('.chat-widget.collapsed');
        collapseBtn.textContent = collapsed ? 'expand' : 'collapse';
        scrollToBottom();
      } else if(frame.type === 'clear'){
        cmd.value = '';
      } else if(frame.type === 'notify'){
        document.title = '* ' + frame.from + ' | {{.Name}}';
      } else if(frame.type === 'error'){
        console.error('widget error:', frame.error);
      }
    };
    cmd.addEventListener('keydown', e => {
      if (e.isComposing || e.keyCode === 229) { return; }
      if (e.key === 'Enter') {
        e.preventDefault();
        if(cmd.value.trim()){ ws.send(JSON.stringify({type:'send', text: cmd.value})); }
      }
    });
    collapseBtn.addEventListener('click', () => {
      ws.send(JSON.stringify({type:'collapse', collapsed: !collapsed}));
    });
    window.addEventListener('focus', () => { document.title = '{{.Name}}'; ws.send(JSON.stringify({type:'focus', focused:true})); });
    window.addEventListener('blur', () => { ws.send(JSON.stringify({type:'focus', focused:false})); });
    setTimeout(() => cmd.focus(), 0);
  </script>
</body>
</html>`))
