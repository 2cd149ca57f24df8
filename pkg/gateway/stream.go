package gateway

import (
	"compress/flate"
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/websocket"

	"github.com/deskgate/deskgate/pkg/events"
	"github.com/deskgate/deskgate/pkg/logging"
	"github.com/deskgate/deskgate/pkg/protocol"
	"github.com/deskgate/deskgate/pkg/tunnel"
)

// endOfBatch trails every successful poll response so clients can
// distinguish an empty poll from end-of-stream.
const endOfBatch = "0.;"

// terminalError converts a channel or framing failure into the single
// error instruction delivered to the browser, then tears the tunnel
// down. The tunnel is never retried.
func (s *Server) terminalError(tun *tunnel.Tunnel, err error) *protocol.Instruction {
	id := tun.ID.String()
	s.logger.Error("tunnel terminated", "tunnel", id, "error", err)
	if s.emitter != nil {
		_ = s.emitter.Emit(logging.EventChannelError, err.Error(), "gateway", nil,
			&logging.ChannelErrorData{TunnelID: id, Error: err.Error()})
	}
	tun.Disconnect()
	return protocol.New("error", err.Error())
}

// handleRead serves GET /api/tunnels/{uuid}/instructions: block until at
// least one decoded instruction is available, then return as many
// fully-formed instructions as fit in the caller's byte budget.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request, tun *tunnel.Tunnel) {
	limit := defaultMessageLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("messageLimit")); err == nil && v > 0 {
		limit = v
	}

	var batch strings.Builder

	first, err := tun.ReadInstruction(s.cfg.PollTimeout)
	if err != nil {
		batch.WriteString(s.terminalError(tun, err).String())
		writeBatch(w, r, batch.String())
		return
	}
	if first != nil {
		batch.WriteString(first.String())
	}

	for batch.Len() < limit && tun.InstructionAvailable() {
		inst, rerr := tun.ReadInstruction(0)
		if rerr != nil {
			batch.WriteString(s.terminalError(tun, rerr).String())
			writeBatch(w, r, batch.String())
			return
		}
		if inst == nil {
			break
		}
		batch.WriteString(inst.String())
	}

	batch.WriteString(endOfBatch)
	writeBatch(w, r, batch.String())
}

// writeBatch sends a concatenation of instructions, compressed per the
// caller's Accept-Encoding.
func writeBatch(w http.ResponseWriter, r *http.Request, batch string) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache")

	var out io.Writer = w
	switch negotiateEncoding(r.Header.Get("Accept-Encoding")) {
	case "gzip":
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		out = gz
	case "deflate":
		w.Header().Set("Content-Encoding", "deflate")
		fl, _ := flate.NewWriter(w, flate.DefaultCompression)
		defer fl.Close()
		out = fl
	}
	_, _ = io.WriteString(out, batch)
}

func negotiateEncoding(acceptEncoding string) string {
	for _, part := range strings.Split(acceptEncoding, ",") {
		enc, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch enc {
		case "gzip", "deflate":
			return enc
		}
	}
	return ""
}

// handleEvents serves the key and pointer batch endpoints: one
// serialized event per line, each fed to the tunnel's ordered queue for
// that kind. Stale indices are dropped silently; the response is 204
// either way.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, tun *tunnel.Tunnel, kind string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBodySize))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if err := s.enqueue(tun, kind, string(body)); err != nil {
		switch {
		case errors.Is(err, events.ErrBadEvent):
			writeAPIError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, events.ErrQueueClosed), errors.Is(err, tunnel.ErrNotFound):
			writeAPIError(w, http.StatusGone, "tunnel closed")
		default:
			// Delivering to the backend failed; the tunnel is done.
			s.terminalError(tun, err)
			writeAPIError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// enqueue parses body and feeds each event into the tunnel's queue for
// kind ("key" or "pointer").
func (s *Server) enqueue(tun *tunnel.Tunnel, kind, body string) error {
	q, ok := s.queuesFor(tun.ID.String())
	if !ok {
		return tunnel.ErrNotFound
	}

	switch kind {
	case "key":
		evts, err := events.ParseKeyBatch(body)
		if err != nil {
			return err
		}
		for _, e := range evts {
			if err := q.keys.Add(e); err != nil {
				return err
			}
		}
	case "pointer":
		evts, err := events.ParsePointerBatch(body)
		if err != nil {
			return err
		}
		for _, e := range evts {
			if err := q.pointers.Add(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleWebSocket serves GET /api/tunnels/{uuid}/ws: decoded backend
// instructions are pushed as text frames as soon as they arrive, and
// inbound frames carry the same serialized event batches as the HTTP
// event endpoints, prefixed with "key:" or "pointer:".
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, tun *tunnel.Tunnel) {
	websocket.Handler(func(conn *websocket.Conn) {
		s.serveTunnelSocket(conn, tun)
	}).ServeHTTP(w, r)
}

func (s *Server) serveTunnelSocket(conn *websocket.Conn, tun *tunnel.Tunnel) {
	defer conn.Close()

	// Outbound pump: backend instructions become frames. A backend
	// failure sends one terminal error frame before the socket closes.
	go func() {
		for {
			inst, err := tun.ReadInstruction(s.cfg.PollTimeout)
			if err != nil {
				_ = websocket.Message.Send(conn, s.terminalError(tun, err).String())
				_ = conn.Close()
				return
			}
			if inst == nil {
				continue
			}
			if err := websocket.Message.Send(conn, inst.String()); err != nil {
				return
			}
		}
	}()

	for {
		var msg string
		if err := websocket.Message.Receive(conn, &msg); err != nil {
			return
		}

		kind, body, ok := strings.Cut(msg, ":")
		if !ok || (kind != "key" && kind != "pointer") {
			s.logger.Debug("ignoring unrecognized frame", "tunnel", tun.ID.String())
			continue
		}

		if err := s.enqueue(tun, kind, body); err != nil {
			if errors.Is(err, events.ErrBadEvent) {
				s.logger.Debug("malformed event frame dropped",
					"tunnel", tun.ID.String(), "error", err)
				continue
			}
			_ = websocket.Message.Send(conn, s.terminalError(tun, err).String())
			return
		}
	}
}
