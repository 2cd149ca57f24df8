package logging

import (
	"encoding/json"
	"time"
)

// Event is the canonical structured event emitted by the gateway.
// Required fields: Timestamp, GatewayID, EventType, Summary. Optional
// fields use omitempty tags.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	GatewayID string          `json:"gateway_id"`
	EventType string          `json:"event_type"`
	Summary   string          `json:"summary"`
	Component string          `json:"component,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Event type constants.
const (
	EventTunnelConnect    = "tunnel_connect"
	EventTunnelDisconnect = "tunnel_disconnect"
	EventEventsSkipped    = "events_skipped"
	EventChannelError     = "channel_error"
)

// TunnelConnectData is the data payload for tunnel_connect events.
type TunnelConnectData struct {
	TunnelID     string `json:"tunnel_id"`
	ConnectionID string `json:"connection_id,omitempty"`
	Protocol     string `json:"protocol"`
	Hostname     string `json:"hostname,omitempty"`
	Identity     string `json:"identity,omitempty"`
}

// TunnelDisconnectData is the data payload for tunnel_disconnect events.
type TunnelDisconnectData struct {
	TunnelID   string `json:"tunnel_id"`
	Protocol   string `json:"protocol"`
	Identity   string `json:"identity,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// EventsSkippedData is the data payload for events_skipped events: the
// ordered event queue abandoned indices [From, To) on deadline.
type EventsSkippedData struct {
	TunnelID string `json:"tunnel_id"`
	Queue    string `json:"queue"` // "key" or "pointer"
	From     int    `json:"from"`
	To       int    `json:"to"`
}

// ChannelErrorData is the data payload for channel_error events.
type ChannelErrorData struct {
	TunnelID string `json:"tunnel_id"`
	Error    string `json:"error"`
}
