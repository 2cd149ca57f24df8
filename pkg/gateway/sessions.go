package gateway

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/deskgate/deskgate/pkg/tunnel"
)

const sessionCookie = "DESKGATE_SESSION"

// sessionRegistry maps browser session tokens to tunnel sessions and
// evicts sessions that have been idle past the configured timeout.
// Evicting a session disconnects its remaining tunnels.
type sessionRegistry struct {
	cfg tunnel.Config

	mu       sync.RWMutex
	sessions map[string]*tunnel.Session
}

func newSessionRegistry(cfg tunnel.Config) *sessionRegistry {
	return &sessionRegistry{
		cfg:      cfg,
		sessions: make(map[string]*tunnel.Session),
	}
}

// newToken generates a securely-random session token.
func newToken() string {
	b := make([]byte, 33)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// lookup returns the session for token, touching its last-access time.
func (r *sessionRegistry) lookup(token string) (*tunnel.Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[token]
	r.mu.RUnlock()
	if ok {
		s.Touch()
	}
	return s, ok
}

// create registers a fresh session and returns its token.
func (r *sessionRegistry) create(identity string) (string, *tunnel.Session) {
	token := newToken()
	s := tunnel.NewSession(identity, r.cfg)

	r.mu.Lock()
	r.sessions[token] = s
	r.mu.Unlock()
	return token, s
}

// evictIdle disconnects and removes every session idle since before
// cutoff. Returns the number of sessions evicted.
func (r *sessionRegistry) evictIdle(cutoff time.Time) int {
	r.mu.Lock()
	var evicted []*tunnel.Session
	for token, s := range r.sessions {
		if s.LastAccess().Before(cutoff) {
			evicted = append(evicted, s)
			delete(r.sessions, token)
		}
	}
	r.mu.Unlock()

	for _, s := range evicted {
		s.Disconnect()
	}
	return len(evicted)
}

// closeAll disconnects every session. Used at gateway shutdown.
func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	sessions := make([]*tunnel.Session, 0, len(r.sessions))
	for token, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, token)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
	}
}
