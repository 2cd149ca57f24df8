// Package gateway is the browser-facing HTTP/WebSocket surface of the
// remote-desktop gateway. It owns the session registry, creates tunnels
// on demand, and moves instructions between browser clients and backend
// channels.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/deskgate/deskgate/pkg/events"
	"github.com/deskgate/deskgate/pkg/history"
	"github.com/deskgate/deskgate/pkg/logging"
	"github.com/deskgate/deskgate/pkg/tunnel"
)

const (
	defaultMessageLimit   = 8192
	defaultPollTimeout    = 30 * time.Second
	defaultSessionTimeout = 30 * time.Minute
	maxEventBodySize      = 1 << 20
)

// Config carries gateway tuning. Zero values get sensible defaults.
type Config struct {
	// BackendAddr is the host:port of the backend proxy daemon.
	BackendAddr string

	// EventDeadline is the ordered-event-queue autoflush deadline.
	EventDeadline time.Duration

	// RateLimit caps outbound transfer per tunnel in bytes per second.
	RateLimit int

	// PollTimeout bounds how long an instruction poll blocks before
	// returning an empty batch.
	PollTimeout time.Duration

	// SessionTimeout is how long a session may sit idle before its
	// remaining tunnels are disconnected and the session evicted.
	SessionTimeout time.Duration

	Logger  *slog.Logger
	Emitter *logging.Emitter
	History *history.Store
}

// tunnelQueues holds the per-tunnel ordered input queues. Key and
// pointer events reorder independently; no cross-queue ordering is
// guaranteed or required.
type tunnelQueues struct {
	keys     *events.Queue
	pointers *events.Queue
}

func (q *tunnelQueues) close() {
	q.keys.Close()
	q.pointers.Close()
}

// Server routes browser requests onto tunnels. It implements
// tunnel.Listener to attach and detach the per-tunnel event queues.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	emitter  *logging.Emitter
	history  *history.Store
	registry *sessionRegistry

	mu     sync.Mutex
	queues map[string]*tunnelQueues

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewServer builds a gateway server. The returned server owns a
// background sweeper that evicts idle sessions; Close stops it.
func NewServer(cfg Config) *Server {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "gateway"),
		emitter:   cfg.Emitter,
		history:   cfg.History,
		queues:    make(map[string]*tunnelQueues),
		stopSweep: make(chan struct{}),
	}

	listeners := []tunnel.Listener{s, &emitListener{emitter: cfg.Emitter}}
	if cfg.History != nil {
		listeners = append(listeners, cfg.History)
	}
	s.registry = newSessionRegistry(tunnel.Config{
		BackendAddr: cfg.BackendAddr,
		RateLimit:   cfg.RateLimit,
		Listeners:   listeners,
	})

	go s.sweep()
	return s
}

// Routes returns the HTTP handler for the gateway API.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tunnels", s.handleTunnels)
	mux.HandleFunc("/api/tunnels/", s.handleTunnelActions)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Close evicts every session, disconnecting all tunnels, and stops the
// idle sweeper.
func (s *Server) Close() {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
	s.registry.closeAll()
}

func (s *Server) sweep() {
	ticker := time.NewTicker(s.cfg.SessionTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			if n := s.registry.evictIdle(time.Now().Add(-s.cfg.SessionTimeout)); n > 0 {
				s.logger.Info("evicted idle sessions", "count", n)
			}
		}
	}
}

// session resolves the caller's session from the request cookie,
// creating one (and setting the cookie) when absent or unknown.
func (s *Server) session(w http.ResponseWriter, r *http.Request) *tunnel.Session {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if sess, ok := s.registry.lookup(c.Value); ok {
			return sess
		}
	}

	token, sess := s.registry.create(r.Header.Get("X-Deskgate-Identity"))
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	return sess
}

// TunnelConnected attaches the ordered input queues for t.
func (s *Server) TunnelConnected(t *tunnel.Tunnel) {
	id := t.ID.String()

	makeQueue := func(name string) *events.Queue {
		return events.NewQueue(
			func(e events.Event) error { return t.Write(e.Instruction()) },
			events.QueueConfig{
				Deadline: s.cfg.EventDeadline,
				Logger:   s.logger.With("tunnel", id, "queue", name),
				OnSkip: func(from, to int) {
					s.logger.Warn("input events skipped",
						"tunnel", id, "queue", name, "from", from, "to", to)
					if s.emitter != nil {
						_ = s.emitter.Emit(logging.EventEventsSkipped,
							fmt.Sprintf("skipped %s events %d-%d", name, from, to-1),
							"events", nil,
							&logging.EventsSkippedData{TunnelID: id, Queue: name, From: from, To: to})
					}
				},
			})
	}

	s.mu.Lock()
	s.queues[id] = &tunnelQueues{keys: makeQueue("key"), pointers: makeQueue("pointer")}
	s.mu.Unlock()
}

// TunnelDisconnected closes and detaches t's queues.
func (s *Server) TunnelDisconnected(t *tunnel.Tunnel) {
	s.mu.Lock()
	q, ok := s.queues[t.ID.String()]
	delete(s.queues, t.ID.String())
	s.mu.Unlock()

	if ok {
		q.close()
	}
}

func (s *Server) queuesFor(id string) (*tunnelQueues, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	return q, ok
}

// handleTunnels serves POST /api/tunnels: dial the backend, run the
// handshake, attach the tunnel to the caller's session, and return its
// UUID.
func (s *Server) handleTunnels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeAPIError(w, http.StatusBadRequest, "malformed form body")
		return
	}

	proto := r.Form.Get("protocol")
	if proto == "" {
		writeAPIError(w, http.StatusBadRequest, "protocol is required")
		return
	}

	params := tunnel.ConnectParams{
		Protocol:   proto,
		Parameters: make(map[string]string),
		Width:      formInt(r, "width"),
		Height:     formInt(r, "height"),
		DPI:        formInt(r, "dpi"),
	}
	for name, vals := range r.Form {
		switch name {
		case "protocol", "width", "height", "dpi":
			continue
		}
		if len(vals) > 0 {
			params.Parameters[name] = vals[0]
		}
	}

	sess := s.session(w, r)
	tun, err := sess.Connect(params)
	if err != nil {
		s.logger.Error("tunnel connect failed", "protocol", proto, "error", err)
		switch {
		case errors.Is(err, tunnel.ErrHandshake), errors.Is(err, tunnel.ErrBackendUnreachable):
			writeAPIError(w, http.StatusBadGateway, err.Error())
		default:
			writeAPIError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.logger.Info("tunnel connected",
		"tunnel", tun.ID.String(), "protocol", proto, "identity", tun.Identity)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, tun.ID.String())
}

// handleTunnelActions dispatches /api/tunnels/{uuid}[/action].
func (s *Server) handleTunnelActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tunnels/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeAPIError(w, http.StatusNotFound, "tunnel UUID required")
		return
	}

	sess := s.session(w, r)

	if action == "" {
		if r.Method != http.MethodDelete {
			writeMethodNotAllowed(w, http.MethodDelete)
			return
		}
		// Idempotent: disconnecting an unknown or already-disconnected
		// tunnel is a no-op.
		if tun, err := sess.Get(id); err == nil {
			tun.Disconnect()
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	tun, err := sess.Get(id)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "no such tunnel")
		return
	}

	switch action {
	case "instructions":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleRead(w, r, tun)
	case "key":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleEvents(w, r, tun, "key")
	case "pointer":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleEvents(w, r, tun, "pointer")
	case "ws":
		s.handleWebSocket(w, r, tun)
	default:
		writeAPIError(w, http.StatusNotFound, "unknown action")
	}
}

// handleHistory serves GET /api/history: recent connection records.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusOK, []history.Record{})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.history.Recent(limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func formInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.Form.Get(name))
	return v
}

func writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func writeAPIError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

func writeMethodNotAllowed(w http.ResponseWriter, methods ...string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
}
