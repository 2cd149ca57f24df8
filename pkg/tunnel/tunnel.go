// Package tunnel owns the relationship between one browser-facing
// connection and one backend proxy-daemon socket. Each tunnel holds
// exactly one backend channel, is registered in its session's tunnel map
// under a fresh UUID at creation, and is removed at disconnect.
package tunnel

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskgate/deskgate/pkg/channel"
	"github.com/deskgate/deskgate/pkg/protocol"
)

// Listener observes tunnel lifecycle transitions. Listeners are injected
// at session construction; implementations must tolerate concurrent
// calls from different tunnels.
type Listener interface {
	TunnelConnected(t *Tunnel)
	TunnelDisconnected(t *Tunnel)
}

// Tunnel is one active remote-desktop connection: a UUID, the backend
// channel it exclusively owns, and the identity it was opened for.
type Tunnel struct {
	ID           uuid.UUID
	ConnectionID string
	Protocol     string
	Hostname     string
	Identity     string
	Created      time.Time

	chn     *channel.Channel
	session *Session

	closeOnce sync.Once
}

// ReadInstruction returns the next fully-decoded instruction from the
// backend, waiting up to timeout. A nil instruction with nil error means
// the timeout elapsed with no complete frame available.
func (t *Tunnel) ReadInstruction(timeout time.Duration) (*protocol.Instruction, error) {
	return t.chn.ReadInstruction(timeout)
}

// InstructionAvailable reports whether a complete instruction can be
// read without blocking.
func (t *Tunnel) InstructionAvailable() bool {
	return t.chn.InstructionAvailable()
}

// Write encodes inst and sends it to the backend. Concurrent writers
// never interleave partial instructions; the channel flushes on the
// instruction boundary.
func (t *Tunnel) Write(inst *protocol.Instruction) error {
	return t.chn.WriteInstruction(inst)
}

// Disconnect closes the backend channel and removes the tunnel from its
// session. Closing the channel unblocks any reader currently waiting in
// ReadInstruction. Disconnecting twice is a no-op.
func (t *Tunnel) Disconnect() {
	t.closeOnce.Do(func() {
		_ = t.chn.CloseFinal()
		if t.session != nil {
			t.session.detach(t)
		}
	})
}
