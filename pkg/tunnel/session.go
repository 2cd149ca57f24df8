package tunnel

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskgate/deskgate/internal/errx"
	"github.com/deskgate/deskgate/pkg/channel"
	"github.com/deskgate/deskgate/pkg/protocol"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 15 * time.Second
)

// Config carries the backend location and per-tunnel tuning shared by
// every tunnel a session creates.
type Config struct {
	// BackendAddr is the host:port of the backend proxy daemon.
	BackendAddr string

	// DialTimeout bounds the TCP dial. Zero means 10s.
	DialTimeout time.Duration

	// HandshakeTimeout bounds each read during the select/connect
	// exchange. Zero means 15s.
	HandshakeTimeout time.Duration

	// RateLimit caps outbound transfer per tunnel in bytes per second.
	// Zero means unlimited.
	RateLimit int

	// Listeners observe tunnel lifecycle transitions.
	Listeners []Listener
}

// ConnectParams describes one requested backend connection.
type ConnectParams struct {
	// Protocol selects the backend driver, e.g. "vnc" or "rdp".
	Protocol string

	// Parameters are the named connection arguments; the backend
	// announces which names it wants during the handshake and the
	// values are sent positionally in that order. Unknown names send
	// the empty string.
	Parameters map[string]string

	// Width, Height and DPI describe the client display. A size
	// instruction is sent only when Width and Height are both set.
	Width, Height, DPI int
}

// Session owns the active-tunnel map for one authenticated browser
// session. It is safe for concurrent use.
type Session struct {
	cfg Config

	mu      sync.RWMutex
	tunnels map[string]*Tunnel

	identity   string
	lastAccess time.Time
}

// NewSession creates an empty session for the given identity.
func NewSession(identity string, cfg Config) *Session {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Session{
		cfg:        cfg,
		tunnels:    make(map[string]*Tunnel),
		identity:   identity,
		lastAccess: time.Now(),
	}
}

// Identity returns the identity the session was created for.
func (s *Session) Identity() string { return s.identity }

// Touch records activity for idle-eviction purposes.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// LastAccess returns the most recent Touch time.
func (s *Session) LastAccess() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAccess
}

// Connect dials the backend, performs the select/connect handshake, and
// registers the resulting tunnel under a fresh UUID. On handshake
// rejection the channel is closed and no tunnel is registered.
func (s *Session) Connect(params ConnectParams) (*Tunnel, error) {
	conn, err := net.DialTimeout("tcp", s.cfg.BackendAddr, s.cfg.DialTimeout)
	if err != nil {
		return nil, errx.Wrap(ErrBackendUnreachable, err)
	}

	chn := channel.New(conn, channel.Config{RateLimit: s.cfg.RateLimit})
	connectionID, err := s.handshake(chn, params)
	if err != nil {
		_ = chn.Close()
		return nil, err
	}

	host := params.Parameters["hostname"]
	t := &Tunnel{
		ID:           uuid.New(),
		ConnectionID: connectionID,
		Protocol:     params.Protocol,
		Hostname:     host,
		Identity:     s.identity,
		Created:      time.Now(),
		chn:          chn,
		session:      s,
	}

	s.mu.Lock()
	s.tunnels[t.ID.String()] = t
	s.mu.Unlock()

	for _, l := range s.cfg.Listeners {
		l.TunnelConnected(t)
	}
	return t, nil
}

// handshake runs the select/connect exchange: announce the protocol,
// learn which argument names the backend wants, send the display size,
// then send the argument values and wait for ready.
func (s *Session) handshake(chn *channel.Channel, params ConnectParams) (string, error) {
	if err := chn.WriteInstruction(protocol.New("select", params.Protocol)); err != nil {
		return "", err
	}

	args, err := s.expect(chn, "args")
	if err != nil {
		return "", err
	}

	if params.Width > 0 && params.Height > 0 {
		size := protocol.New("size",
			strconv.Itoa(params.Width),
			strconv.Itoa(params.Height),
			strconv.Itoa(params.DPI))
		if err := chn.WriteInstruction(size); err != nil {
			return "", err
		}
	}

	values := make([]string, len(args.Args))
	for n, name := range args.Args {
		values[n] = params.Parameters[name]
	}
	if err := chn.WriteInstruction(protocol.New("connect", values...)); err != nil {
		return "", err
	}

	ready, err := s.expect(chn, "ready")
	if err != nil {
		return "", err
	}
	if len(ready.Args) == 0 {
		return "", errx.With(ErrHandshake, ": no connection ID received")
	}
	return ready.Args[0], nil
}

// expect reads until an instruction with the given opcode arrives.
// An error instruction rejects the handshake; a disconnect or timeout
// means the backend gave up.
func (s *Session) expect(chn *channel.Channel, opcode string) (*protocol.Instruction, error) {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errx.With(ErrHandshake, ": timed out waiting for %q", opcode)
		}

		inst, err := chn.ReadInstruction(remaining)
		if err != nil {
			return nil, errx.Wrap(ErrHandshake, err)
		}
		if inst == nil {
			return nil, errx.With(ErrHandshake, ": timed out waiting for %q", opcode)
		}

		switch inst.Opcode {
		case opcode:
			return inst, nil
		case "error":
			return nil, errx.With(ErrHandshake, ": %s", inst.Arg(0))
		case "disconnect":
			return nil, errx.With(ErrHandshake, ": backend disconnected while waiting for %q", opcode)
		}
		// Anything else during the handshake is ignored.
	}
}

// Get looks up an active tunnel by UUID string.
func (s *Session) Get(id string) (*Tunnel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tunnels[id]
	if !ok {
		return nil, errx.With(ErrNotFound, ": %s", id)
	}
	return t, nil
}

// Tunnels returns a snapshot of the active tunnels.
func (s *Session) Tunnels() []*Tunnel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Tunnel, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		out = append(out, t)
	}
	return out
}

// Disconnect tears down every remaining tunnel. Used when the session is
// evicted or the gateway shuts down.
func (s *Session) Disconnect() {
	for _, t := range s.Tunnels() {
		t.Disconnect()
	}
}

// detach removes t from the map and notifies listeners. Called exactly
// once per tunnel, from Tunnel.Disconnect.
func (s *Session) detach(t *Tunnel) {
	s.mu.Lock()
	delete(s.tunnels, t.ID.String())
	s.mu.Unlock()

	for _, l := range s.cfg.Listeners {
		l.TunnelDisconnected(t)
	}
}
