package gateway

import (
	"fmt"
	"time"

	"github.com/deskgate/deskgate/pkg/logging"
	"github.com/deskgate/deskgate/pkg/tunnel"
)

// emitListener bridges tunnel lifecycle transitions onto the structured
// event stream.
type emitListener struct {
	emitter *logging.Emitter
}

func (l *emitListener) TunnelConnected(t *tunnel.Tunnel) {
	if l.emitter == nil {
		return
	}
	_ = l.emitter.Emit(logging.EventTunnelConnect,
		fmt.Sprintf("%s %s for %s", t.Protocol, t.Hostname, t.Identity),
		"gateway", nil,
		&logging.TunnelConnectData{
			TunnelID:     t.ID.String(),
			ConnectionID: t.ConnectionID,
			Protocol:     t.Protocol,
			Hostname:     t.Hostname,
			Identity:     t.Identity,
		})
}

func (l *emitListener) TunnelDisconnected(t *tunnel.Tunnel) {
	if l.emitter == nil {
		return
	}
	_ = l.emitter.Emit(logging.EventTunnelDisconnect,
		fmt.Sprintf("%s disconnected after %s", t.Protocol, time.Since(t.Created).Round(time.Millisecond)),
		"gateway", nil,
		&logging.TunnelDisconnectData{
			TunnelID:   t.ID.String(),
			Protocol:   t.Protocol,
			Identity:   t.Identity,
			DurationMS: time.Since(t.Created).Milliseconds(),
		})
}
