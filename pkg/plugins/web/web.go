// Package web is the browser front-end: a small REST API plus a websocket
// that streams conversation events.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"companion/pkg/api"
	"companion/pkg/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for decoupled UI
	},
}

// DefaultSpeaker names talks that do not say who is speaking.
const DefaultSpeaker = "web_user"

type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"` // Default: 9453
}

// TalkRequest is the body of POST /api/talk and of a websocket "talk" frame.
type TalkRequest struct {
	Type            string `json:"type,omitempty"`
	Speaker         string `json:"speaker"`
	Text            string `json:"text"`
	Uninterruptible bool   `json:"uninterruptible,omitempty"`
	Important       bool   `json:"important,omitempty"`
}

// PluginStatus is one entry of GET /api/plugins.
type PluginStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Code  int    `json:"code"`
}

// Frame is what websocket clients receive for every conversation event.
type Frame struct {
	api.Event
	Error string `json:"error,omitempty"`
}

type safeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (sc *safeConn) WriteMessage(messageType int, data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_ = sc.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return sc.Conn.WriteMessage(messageType, data)
}

// Plugin serves the web front-end.
type Plugin struct {
	cfg  Config
	conv api.Conversation
	dir  api.PluginDirectory

	mu          sync.RWMutex
	state       api.PluginState
	server      *http.Server
	addr        string
	unsubscribe func()
	conns       map[string]*safeConn
}

// New creates the plugin. conv and dir may be nil; the matching routes
// then answer 503. Port 0 picks a free port.
func New(cfg Config, conv api.Conversation, dir api.PluginDirectory) *Plugin {
	return &Plugin{
		cfg:   cfg,
		conv:  conv,
		dir:   dir,
		state: api.PluginOffline,
		conns: make(map[string]*safeConn),
	}
}

func (p *Plugin) Priority() int { return 1 }

func (p *Plugin) UpdateStrategy(context.Context) error { return nil }

func (p *Plugin) State(context.Context) (api.PluginState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state, nil
}

// Addr is the bound listen address while online.
func (p *Plugin) Addr() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.addr
}

// Online starts the HTTP server and begins streaming events to websocket clients.
func (p *Plugin) Online(ctx context.Context, _ api.Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port))
	if err != nil {
		p.state = api.PluginError
		return fmt.Errorf("web: listen: %w", err)
	}

	p.server = &http.Server{Handler: p.Handler(), ReadHeaderTimeout: 10 * time.Second}
	p.addr = ln.Addr().String()
	if p.conv != nil {
		p.unsubscribe = p.conv.Subscribe(p.broadcast)
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Web API server error", "error", err)
			p.mu.Lock()
			p.state = api.PluginError
			p.mu.Unlock()
		}
	}(p.server)

	p.state = api.PluginOnline
	slog.InfoContext(ctx, "Web API listening", "addr", p.addr)
	return nil
}

// Offline stops the server and drops every websocket client.
func (p *Plugin) Offline(ctx context.Context) error {
	p.mu.Lock()
	srv := p.server
	unsubscribe := p.unsubscribe
	conns := p.conns
	p.server = nil
	p.unsubscribe = nil
	p.conns = make(map[string]*safeConn)
	p.addr = ""
	p.state = api.PluginOffline
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, c := range conns {
		c.Close()
	}
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (p *Plugin) Restart(ctx context.Context, opts api.Options) error {
	if err := p.Offline(ctx); err != nil {
		slog.WarnContext(ctx, "Web API did not stop cleanly", "error", err)
	}
	return p.Online(ctx, opts)
}

// Handler builds the router. It is exported for tests and embedding.
func (p *Plugin) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/plugins", p.listPlugins)
		r.Post("/talk", p.talk)
		r.Post("/abort", p.abort)
		r.Get("/schema/{name}", p.schema)
	})
	r.Get("/ws", p.handleWebSocket)
	return r
}

func (p *Plugin) listPlugins(w http.ResponseWriter, r *http.Request) {
	if p.dir == nil {
		writeError(w, http.StatusServiceUnavailable, "plugin directory unavailable")
		return
	}
	names := p.dir.Names()
	out := make([]PluginStatus, 0, len(names))
	for _, name := range names {
		st, err := p.dir.State(r.Context(), name)
		if err != nil {
			st = api.PluginError
		}
		out = append(out, PluginStatus{Name: name, State: st.String(), Code: int(st)})
	}
	writeJSON(w, http.StatusOK, out)
}

// schema serves the JSON Schema of config.json or system.json.
func (p *Plugin) schema(w http.ResponseWriter, r *http.Request) {
	s, ok := config.Schema(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown schema, try one of: "+strings.Join(config.SchemaNames(), ", "))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (p *Plugin) talk(w http.ResponseWriter, r *http.Request) {
	if p.conv == nil {
		writeError(w, http.StatusServiceUnavailable, "conversation unavailable")
		return
	}
	var req TalkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if !p.submit(req) {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "state": p.conv.State()})
}

func (p *Plugin) abort(w http.ResponseWriter, r *http.Request) {
	if p.conv == nil {
		writeError(w, http.StatusServiceUnavailable, "conversation unavailable")
		return
	}
	p.conv.ManualAbort()
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// submit forwards a talk request; blank text is rejected.
func (p *Plugin) submit(req TalkRequest) bool {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return false
	}
	speaker := strings.TrimSpace(req.Speaker)
	if speaker == "" {
		speaker = DefaultSpeaker
	}
	p.conv.Talk(speaker, text, api.TalkOptions{Uninterruptible: req.Uninterruptible, Important: req.Important})
	return true
}

func (p *Plugin) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	rawConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WS Upgrade failed", "error", err)
		return
	}
	conn := &safeConn{Conn: rawConn}
	id := uuid.NewString()

	p.mu.Lock()
	p.conns[id] = conn
	p.mu.Unlock()
	slog.Debug("WS client connected", "id", id, "remote", r.RemoteAddr)

	defer func() {
		p.mu.Lock()
		delete(p.conns, id)
		p.mu.Unlock()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if p.conv == nil {
			continue
		}

		var req TalkRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			// Fallback: treat as plain text
			req = TalkRequest{Text: string(msg)}
		}
		switch req.Type {
		case "abort":
			p.conv.ManualAbort()
		default:
			p.submit(req)
		}
	}
}

// broadcast forwards one conversation event to every websocket client.
func (p *Plugin) broadcast(ev api.Event) {
	frame := Frame{Event: ev}
	if ev.Err != nil {
		frame.Error = ev.Err.Error()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("Failed to marshal event", "error", err)
		return
	}

	p.mu.RLock()
	conns := make(map[string]*safeConn, len(p.conns))
	for id, c := range p.conns {
		conns[id] = c
	}
	p.mu.RUnlock()

	for id, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Warn("WS write failed", "id", id, "error", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
